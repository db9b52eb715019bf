// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
)

// responseStream writes a response onto one request stream. Interim
// responses, the final response and trailers each become a HEADERS frame;
// body bytes are wrapped into DATA frames as they arrive.
type responseStream struct {
	str quic.Stream
}

var _ httpx.ResponseStream = (*responseStream)(nil)

func newResponseStream(str quic.Stream) *responseStream {
	return &responseStream{str: str}
}

func (s *responseStream) WriteInformational(status int, header httpx.Header) error {
	_, err := s.str.Write(encodeHeaderFrame(status, header))
	return err
}

func (s *responseStream) WriteFinal(status int, header httpx.Header) error {
	_, err := s.str.Write(encodeHeaderFrame(status, header))
	return err
}

func (s *responseStream) WriteBody(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var envelope bytes.Buffer
	writeFrameEnvelope(&envelope, frameTypeData, uint64(len(p)))
	if _, err := s.str.Write(envelope.Bytes()); err != nil {
		return 0, err
	}
	return s.str.Write(p)
}

func (s *responseStream) WriteTrailers(header httpx.Header) error {
	_, err := s.str.Write(encodeHeaderFrame(0, header))
	return err
}

func (s *responseStream) Finish() error {
	return s.str.Close()
}

// requestBody exposes the stream's DATA frames as one contiguous reader.
// A trailer HEADERS frame or stream EOF ends the body.
type requestBody struct {
	str       quic.Stream
	remaining uint64
	done      bool

	// onFrameError is called when the peer violates the framing layer
	// mid-body, which is a connection-level offence.
	onFrameError func()
}

var _ io.ReadCloser = (*requestBody)(nil)

func newRequestBody(str quic.Stream, onFrameError func()) *requestBody {
	return &requestBody{str: str, onFrameError: onFrameError}
}

func (b *requestBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}

	for b.remaining == 0 {
		f, err := parseNextFrame(b.str)
		if err != nil {
			b.done = true
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		switch f := f.(type) {
		case *dataFrame:
			b.remaining = f.length
		case *headersFrame:
			// Trailers end the body. Their fields are dropped; nothing
			// in the handler contract consumes request trailers.
			b.done = true
			if _, err := io.CopyN(io.Discard, quicvarint.NewReader(b.str), int64(f.length)); err != nil {
				return 0, err
			}
			return 0, io.EOF
		default:
			b.done = true
			if b.onFrameError != nil {
				b.onFrameError()
			}
			return 0, io.ErrUnexpectedEOF
		}
	}

	if uint64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.str.Read(p)
	b.remaining -= uint64(n)
	return n, err
}

// Close abandons the rest of the body. Reading to EOF beforehand makes
// the cancel a no-op on the wire.
func (b *requestBody) Close() error {
	b.done = true
	b.str.CancelRead(quic.StreamErrorCode(ErrRequestCanceled))
	return nil
}
