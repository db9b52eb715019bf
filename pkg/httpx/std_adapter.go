// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package httpx

import (
	"net/http"

	"github.com/google/uuid"
)

// NewRequestFromStd translates a net/http request, which is how the
// HTTP/1.1 and HTTP/2 adapters deliver requests, into the neutral form.
func NewRequestFromStd(req *http.Request, streamID uint64) *Request {
	r := &Request{
		ID:            uuid.NewString(),
		Method:        req.Method,
		Path:          req.URL.RequestURI(),
		Authority:     req.Host,
		Scheme:        "https",
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		StreamID:      streamID,
		ctx:           req.Context(),
	}
	if req.Body == nil {
		r.Body = http.NoBody
	}

	switch req.ProtoMajor {
	case 2:
		r.Proto = ProtoHTTP2
	default:
		r.Proto = ProtoHTTP1
	}
	if req.TLS != nil {
		if len(req.TLS.PeerCertificates) > 0 {
			r.PeerCertificate = req.TLS.PeerCertificates[0]
		}
	} else {
		r.Scheme = "http"
	}

	// net/http canonicalizes field names but keeps insertion order per
	// name; rebuild the ordered view from the raw map.
	for name, values := range req.Header {
		for _, value := range values {
			r.Header.Add(name, value)
		}
	}

	return r
}

// stdResponseStream maps the neutral response surface onto a
// http.ResponseWriter. net/http handles the per-protocol framing,
// including 103 interim responses on HTTP/1.1 and HTTP/2.
type stdResponseStream struct {
	w           http.ResponseWriter
	wroteHeader bool
}

// NewStdResponseStream wraps a http.ResponseWriter.
func NewStdResponseStream(w http.ResponseWriter) ResponseStream {
	return &stdResponseStream{w: w}
}

func (s *stdResponseStream) WriteInformational(status int, header Header) error {
	target := s.w.Header()
	header.Range(func(name, value string) bool {
		target.Add(name, value)
		return true
	})
	s.w.WriteHeader(status)
	// The 1xx block snapshots the header map; drop the hint fields so
	// they do not repeat on the final response.
	header.Range(func(name, _ string) bool {
		target.Del(name)
		return true
	})
	return nil
}

func (s *stdResponseStream) WriteFinal(status int, header Header) error {
	target := s.w.Header()
	header.Range(func(name, value string) bool {
		target.Add(name, value)
		return true
	})
	s.w.WriteHeader(status)
	s.wroteHeader = true
	return nil
}

func (s *stdResponseStream) WriteBody(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if flusher, ok := s.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func (s *stdResponseStream) WriteTrailers(header Header) error {
	target := s.w.Header()
	header.Range(func(name, value string) bool {
		target.Add(http.TrailerPrefix+name, value)
		return true
	})
	return nil
}

func (s *stdResponseStream) Finish() error {
	return nil
}

// NewID mints a request identifier. Exposed for adapters that build
// requests without NewRequestFromStd.
func NewID() string {
	return uuid.NewString()
}
