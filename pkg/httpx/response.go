// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package httpx

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

// Errors surfaced to handlers through the response builder. Transport
// details never cross this boundary.
var (
	// ErrFinalSent is returned when a final response was already emitted.
	ErrFinalSent = errors.New("final response already sent")
	// ErrCancelled is returned for writes after the peer reset the stream.
	ErrCancelled = errors.New("stream reset by peer")
	// ErrTrailersSent is returned for body writes after the trailers. The
	// pipeline treats this as a handler protocol violation.
	ErrTrailersSent = errors.New("body write after trailers")
)

// ResponseStream is the per-protocol half of a response: the HTTP/1.1,
// HTTP/2 and HTTP/3 adapters each implement it over their own framing.
type ResponseStream interface {
	// WriteInformational emits a 1xx response carrying header.
	WriteInformational(status int, header Header) error
	// WriteFinal emits the final status line or HEADERS frame.
	WriteFinal(status int, header Header) error
	// WriteBody appends body bytes, chunked per the protocol's framing
	// and throttled by the stream's send window.
	WriteBody(p []byte) (int, error)
	// WriteTrailers emits the trailer section when the protocol has one.
	WriteTrailers(header Header) error
	// Finish completes the response.
	Finish() error
}

// CancelHook is invoked with the stream identifier when the peer resets
// the stream before the final response completes. At most one hook per
// request, invoked at most once.
type CancelHook func(streamID uint64)

// ResponseBuilder is the mutable half handed to the handler. Its
// terminal action (Finish, or the pipeline finishing on its behalf)
// completes the response.
type ResponseBuilder struct {
	stream   ResponseStream
	streamID uint64

	header   Header
	trailers Header

	status       int
	finalSent    atomic.Bool
	trailersSent bool
	finished     atomic.Bool
	bodyBytes    int64
	hintsSent    int
	hintsIgnored int

	cancelled  atomic.Bool
	cancelOnce sync.Once
	hookMu     sync.Mutex
	hook       CancelHook
}

// NewResponseBuilder wires a builder to a protocol stream.
func NewResponseBuilder(stream ResponseStream, streamID uint64) *ResponseBuilder {
	return &ResponseBuilder{stream: stream, streamID: streamID}
}

// Header is the response header map, mutable until the final response
// has been written.
func (b *ResponseBuilder) Header() *Header {
	return &b.header
}

// Trailers is the trailer map, mutable until the trailers are written.
func (b *ResponseBuilder) Trailers() *Header {
	return &b.trailers
}

// SendEarlyHints flushes a 103 informational response carrying the given
// Link header values. Calls after the final response are ignored and
// counted, per the early-hints contract.
func (b *ResponseBuilder) SendEarlyHints(links []string) error {
	if b.cancelled.Load() {
		return ErrCancelled
	}
	if b.finalSent.Load() {
		b.hintsIgnored++
		log.WithField("stream", b.streamID).Debug("Early hints after final response ignored")
		return nil
	}

	var hints Header
	for _, link := range links {
		hints.Add("Link", link)
	}
	if err := b.stream.WriteInformational(103, hints); err != nil {
		return err
	}
	b.hintsSent++
	return nil
}

// OnCancel registers the request's cancellation hook. Registering twice
// replaces the previous hook; a hook registered after cancellation fires
// immediately.
func (b *ResponseBuilder) OnCancel(hook CancelHook) {
	b.hookMu.Lock()
	b.hook = hook
	b.hookMu.Unlock()

	if b.cancelled.Load() {
		b.fireCancel()
	}
}

// WriteHeader emits the final status and the queued header map. At most
// one final response per stream.
func (b *ResponseBuilder) WriteHeader(status int) error {
	if b.cancelled.Load() {
		return ErrCancelled
	}
	if !b.finalSent.CompareAndSwap(false, true) {
		return ErrFinalSent
	}
	b.status = status
	return b.stream.WriteFinal(status, b.header)
}

// Write appends body bytes, emitting an implicit 200 final response
// first when none was written yet.
func (b *ResponseBuilder) Write(p []byte) (int, error) {
	if b.cancelled.Load() {
		return 0, ErrCancelled
	}
	if b.trailersSent {
		// The trailers closed the response; a stray body write is a
		// handler protocol violation, not a transport condition.
		telemetry.ProtocolErrorsTotal.WithLabelValues("handler").Inc()
		log.WithField("stream", b.streamID).Warn("Body write after trailers discarded")
		return 0, ErrTrailersSent
	}
	if !b.finalSent.Load() {
		if err := b.WriteHeader(200); err != nil && !errors.Is(err, ErrFinalSent) {
			return 0, err
		}
	}

	n, err := b.stream.WriteBody(p)
	b.bodyBytes += int64(n)
	return n, err
}

// Finish completes the response, emitting trailers when queued. A
// bodyless response that never saw WriteHeader is finished as 200.
func (b *ResponseBuilder) Finish() error {
	if b.finished.Load() {
		return nil
	}
	if b.cancelled.Load() {
		return ErrCancelled
	}
	if !b.finalSent.Load() {
		if err := b.WriteHeader(200); err != nil {
			return err
		}
	}
	if b.trailers.Len() > 0 && !b.trailersSent {
		if err := b.stream.WriteTrailers(b.trailers); err != nil {
			return err
		}
		b.trailersSent = true
	}
	b.finished.Store(true)
	return b.stream.Finish()
}

// Cancel is called by the protocol adapter when the peer reset the
// stream. The registered hook fires exactly once; all later writes fail
// with ErrCancelled.
func (b *ResponseBuilder) Cancel() {
	if !b.cancelled.CompareAndSwap(false, true) {
		return
	}
	b.fireCancel()
}

func (b *ResponseBuilder) fireCancel() {
	b.cancelOnce.Do(func() {
		b.hookMu.Lock()
		hook := b.hook
		b.hookMu.Unlock()
		if hook != nil {
			hook(b.streamID)
		}
	})
}

// Status returns the final status, or 0 before WriteHeader.
func (b *ResponseBuilder) Status() int {
	return b.status
}

// BodyBytes returns the number of body bytes written so far.
func (b *ResponseBuilder) BodyBytes() int64 {
	return b.bodyBytes
}

// FinalSent reports whether the final response has been written.
func (b *ResponseBuilder) FinalSent() bool {
	return b.finalSent.Load()
}

// Finished reports whether the response completed, trailers included. A
// peer reset between the final header section and completion still counts
// as a cancellation.
func (b *ResponseBuilder) Finished() bool {
	return b.finished.Load()
}

// Cancelled reports whether the peer reset the stream.
func (b *ResponseBuilder) Cancelled() bool {
	return b.cancelled.Load()
}

// SentHints returns the number of 103 responses flushed to the peer.
func (b *ResponseBuilder) SentHints() int {
	return b.hintsSent
}

// IgnoredHints returns the count of early-hint calls that arrived after
// the final response.
func (b *ResponseBuilder) IgnoredHints() int {
	return b.hintsIgnored
}

// StreamID returns the protocol stream identifier of this response.
func (b *ResponseBuilder) StreamID() uint64 {
	return b.streamID
}

// Handler is the single per-request callable of the server. The builder's
// terminal action completes the response; returning without one lets the
// pipeline finish the response on the handler's behalf.
type Handler interface {
	ServeRequest(b *ResponseBuilder, r *Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*ResponseBuilder, *Request)

// ServeRequest calls fn(b, r).
func (fn HandlerFunc) ServeRequest(b *ResponseBuilder, r *Request) {
	fn(b, r)
}
