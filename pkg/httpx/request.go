// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package httpx

import (
	"context"
	"crypto/x509"
	"io"
)

// Protocol identifies the HTTP version a request arrived on, using the
// ALPN identifiers.
type Protocol string

const (
	ProtoHTTP1 Protocol = "http/1.1"
	ProtoHTTP2 Protocol = "h2"
	ProtoHTTP3 Protocol = "h3"
)

// Request is the protocol-neutral view of one received request. It is
// created once the request headers are complete and must be treated as
// read-only by handlers.
type Request struct {
	// ID is a per-request identifier used in logs and telemetry.
	ID string

	Proto     Protocol
	Method    string
	Path      string
	Authority string
	Scheme    string

	Header Header

	// Body streams the request payload. It is never nil; bodyless
	// requests carry an empty reader.
	Body io.ReadCloser
	// ContentLength is the declared body length, -1 when unknown.
	ContentLength int64

	// RemoteAddr is the peer's address, or, if admission is configured
	// with a trusted identifier header, that identifier.
	RemoteAddr string

	// PeerCertificate is the verified client certificate when mTLS ran.
	PeerCertificate *x509.Certificate

	// StreamID is the protocol stream carrying the request. HTTP/1
	// connections use a synthetic per-connection counter.
	StreamID uint64

	// EarlyData marks a request read from 0-RTT data before the
	// handshake was confirmed. The pipeline refuses replayable methods
	// on such requests.
	EarlyData bool

	ctx context.Context
}

// Context returns the request context. It is cancelled when the peer
// resets the stream, the connection dies, or the request deadline passes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext replaces the request context, returning the request for
// chaining during adapter construction.
func (r *Request) WithContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// Origin returns the Origin header value, or "" for non-CORS requests.
func (r *Request) Origin() string {
	return r.Header.Get("Origin")
}

// Credentialed reports whether the request carries credentials in the
// CORS sense: cookies, authorization, or a client certificate.
func (r *Request) Credentialed() bool {
	return r.Header.Get("Cookie") != "" ||
		r.Header.Get("Authorization") != "" ||
		r.PeerCertificate != nil
}

// PeerSubject returns the parsed client certificate subject, or "".
func (r *Request) PeerSubject() string {
	if r.PeerCertificate == nil {
		return ""
	}
	return r.PeerCertificate.Subject.String()
}

// Replayable reports whether replaying the request is safe, which is the
// gate applied to 0-RTT data. Only GET and HEAD qualify.
func (r *Request) Replayable() bool {
	return r.Method == "GET" || r.Method == "HEAD"
}
