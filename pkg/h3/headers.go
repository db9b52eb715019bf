// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/marten-seemann/qpack"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
)

// requestFromFields validates the decoded field section and builds the
// protocol-neutral request. Pseudo-header rules follow RFC 9114: the four
// request pseudo-headers come first, each at most once, and none may
// appear after a regular field.
func requestFromFields(fields []qpack.HeaderField) (*httpx.Request, error) {
	request := &httpx.Request{
		ID:            httpx.NewID(),
		Proto:         httpx.ProtoHTTP3,
		ContentLength: -1,
	}

	sawRegular := false
	seenPseudo := make(map[string]bool, 4)
	for _, field := range fields {
		if !strings.HasPrefix(field.Name, ":") {
			sawRegular = true
			if field.Name != strings.ToLower(field.Name) {
				return nil, fmt.Errorf("header field is not lowercase: %s", field.Name)
			}
			request.Header.Add(field.Name, field.Value)
			continue
		}

		if sawRegular {
			return nil, fmt.Errorf("pseudo-header %s after regular header fields", field.Name)
		}
		if seenPseudo[field.Name] {
			return nil, fmt.Errorf("duplicate pseudo-header %s", field.Name)
		}
		seenPseudo[field.Name] = true

		switch field.Name {
		case ":method":
			request.Method = field.Value
		case ":path":
			request.Path = field.Value
		case ":authority":
			request.Authority = field.Value
		case ":scheme":
			request.Scheme = field.Value
		default:
			return nil, fmt.Errorf("unknown pseudo-header %s", field.Name)
		}
	}

	// CONNECT requests carry only :method and :authority; everything else
	// needs the full set.
	if request.Method == "CONNECT" {
		if request.Scheme != "" || request.Path != "" {
			return nil, fmt.Errorf("CONNECT request must not carry :scheme or :path")
		}
		if request.Authority == "" {
			return nil, fmt.Errorf("CONNECT request without :authority")
		}
	} else if request.Method == "" || request.Scheme == "" || request.Path == "" {
		return nil, fmt.Errorf("incomplete request pseudo-headers")
	}

	if cl := request.Header.Get("Content-Length"); cl != "" {
		length, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid content-length: %s", cl)
		}
		request.ContentLength = length
	}

	return request, nil
}

// encodeHeaderFrame serializes one HEADERS frame carrying the status and
// the given fields. Status 0 encodes a trailer section without :status.
func encodeHeaderFrame(status int, header httpx.Header) []byte {
	var block bytes.Buffer
	encoder := qpack.NewEncoder(&block)

	if status > 0 {
		_ = encoder.WriteField(qpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	}
	header.Range(func(name, value string) bool {
		_ = encoder.WriteField(qpack.HeaderField{Name: strings.ToLower(name), Value: value})
		return true
	})

	var out bytes.Buffer
	writeFrameEnvelope(&out, frameTypeHeaders, uint64(block.Len()))
	out.Write(block.Bytes())
	return out.Bytes()
}
