// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package httpx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

// recordStream captures the response events for inspection.
type recordStream struct {
	informational []int
	finalStatus   int
	finalCount    int
	body          bytes.Buffer
	trailers      *Header
	finished      bool
}

func (s *recordStream) WriteInformational(status int, _ Header) error {
	s.informational = append(s.informational, status)
	return nil
}

func (s *recordStream) WriteFinal(status int, _ Header) error {
	s.finalStatus = status
	s.finalCount++
	return nil
}

func (s *recordStream) WriteBody(p []byte) (int, error) {
	return s.body.Write(p)
}

func (s *recordStream) WriteTrailers(h Header) error {
	clone := h.Clone()
	s.trailers = &clone
	return nil
}

func (s *recordStream) Finish() error {
	s.finished = true
	return nil
}

func TestBuilderEarlyHintsBeforeFinal(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 4)

	if err := b.SendEarlyHints([]string{"</style.css>; rel=preload; as=style"}); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteHeader(200); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write([]byte("<html/>")); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}

	if len(stream.informational) != 1 || stream.informational[0] != 103 {
		t.Errorf("informational responses = %v", stream.informational)
	}
	if stream.finalStatus != 200 || stream.finalCount != 1 {
		t.Errorf("final = %d (count %d)", stream.finalStatus, stream.finalCount)
	}
	if stream.body.String() != "<html/>" {
		t.Errorf("body = %q", stream.body.String())
	}
	if !stream.finished {
		t.Error("stream not finished")
	}
}

func TestBuilderEarlyHintsAfterFinalIgnored(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 1)

	if err := b.WriteHeader(204); err != nil {
		t.Fatal(err)
	}
	if err := b.SendEarlyHints([]string{"</late.css>; rel=preload"}); err != nil {
		t.Fatal(err)
	}

	if len(stream.informational) != 0 {
		t.Error("hints after final must not reach the wire")
	}
	if b.IgnoredHints() != 1 {
		t.Errorf("ignored hints = %d", b.IgnoredHints())
	}
}

func TestBuilderSingleFinalResponse(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 1)

	if err := b.WriteHeader(200); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteHeader(404); !errors.Is(err, ErrFinalSent) {
		t.Fatalf("second WriteHeader = %v", err)
	}
	if stream.finalCount != 1 || stream.finalStatus != 200 {
		t.Errorf("final = %d (count %d)", stream.finalStatus, stream.finalCount)
	}
}

func TestBuilderImplicitFinal(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 1)

	if _, err := b.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	if stream.finalStatus != 200 {
		t.Errorf("implicit final = %d", stream.finalStatus)
	}
}

func TestBuilderChunkedEqualsSingleWrite(t *testing.T) {
	payload := bytes.Repeat([]byte("quicpro"), 100)

	single := new(recordStream)
	b := NewResponseBuilder(single, 1)
	if _, err := b.Write(payload); err != nil {
		t.Fatal(err)
	}
	_ = b.Finish()

	chunked := new(recordStream)
	b = NewResponseBuilder(chunked, 1)
	for i := 0; i < len(payload); i += 64 {
		end := i + 64
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := b.Write(payload[i:end]); err != nil {
			t.Fatal(err)
		}
	}
	_ = b.Finish()

	if !bytes.Equal(single.body.Bytes(), chunked.body.Bytes()) {
		t.Error("chunked writes must concatenate to the same body")
	}
}

func TestBuilderCancelHookExactlyOnce(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 77)

	var calls []uint64
	b.OnCancel(func(streamID uint64) {
		calls = append(calls, streamID)
	})

	b.Cancel()
	b.Cancel()

	if len(calls) != 1 || calls[0] != 77 {
		t.Errorf("hook calls = %v", calls)
	}
	if _, err := b.Write([]byte("late")); !errors.Is(err, ErrCancelled) {
		t.Errorf("write after cancel = %v", err)
	}
	if stream.body.Len() != 0 {
		t.Error("no bytes may reach the wire after cancellation")
	}
}

func TestBuilderHookAfterCancelFiresImmediately(t *testing.T) {
	b := NewResponseBuilder(new(recordStream), 5)
	b.Cancel()

	fired := false
	b.OnCancel(func(uint64) { fired = true })
	if !fired {
		t.Error("hook registered after cancellation must fire immediately")
	}
}

func TestBuilderTrailers(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 1)

	b.Trailers().Add("Server-Timing", "app;dur=12")
	if _, err := b.Write([]byte("body")); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}

	if stream.trailers == nil || stream.trailers.Get("Server-Timing") == "" {
		t.Error("trailers not emitted")
	}
	if _, err := b.Write([]byte("late")); !errors.Is(err, ErrTrailersSent) {
		t.Errorf("body write after trailers = %v", err)
	}
}

func TestBuilderWriteAfterTrailersIsProtocolViolation(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 1)

	b.Trailers().Add("Server-Timing", "app;dur=12")
	if _, err := b.Write([]byte("body")); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(telemetry.ProtocolErrorsTotal.WithLabelValues("handler"))
	if _, err := b.Write([]byte("late")); !errors.Is(err, ErrTrailersSent) {
		t.Fatalf("body write after trailers = %v", err)
	}
	after := testutil.ToFloat64(telemetry.ProtocolErrorsTotal.WithLabelValues("handler"))
	if after != before+1 {
		t.Errorf("protocol error counter moved by %v, expected 1", after-before)
	}

	if !stream.finished {
		t.Error("the completed response must leave the stream closed")
	}
	if got := stream.body.String(); got != "body" {
		t.Errorf("stray bytes reached the wire: %q", got)
	}
}

func TestBuilderFinishedTracksCompletion(t *testing.T) {
	stream := new(recordStream)
	b := NewResponseBuilder(stream, 9)

	if err := b.WriteHeader(200); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write([]byte("chunk")); err != nil {
		t.Fatal(err)
	}
	if b.Finished() {
		t.Error("a response mid-body is not finished")
	}

	// A peer reset between the final headers and completion still fires
	// the hook.
	fired := false
	b.OnCancel(func(uint64) { fired = true })
	b.Cancel()
	if !fired {
		t.Error("cancel after the final headers must fire the hook")
	}

	done := NewResponseBuilder(new(recordStream), 10)
	if err := done.Finish(); err != nil {
		t.Fatal(err)
	}
	if !done.Finished() {
		t.Error("Finish must mark the response finished")
	}
}
