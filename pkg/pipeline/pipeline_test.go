// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

type sinkStream struct {
	mutex         sync.Mutex
	informational []int
	status        int
	header        httpx.Header
	body          []byte
	finished      bool
}

func (s *sinkStream) WriteInformational(status int, _ httpx.Header) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.informational = append(s.informational, status)
	return nil
}

func (s *sinkStream) WriteFinal(status int, header httpx.Header) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.status = status
	s.header = header.Clone()
	return nil
}

func (s *sinkStream) WriteBody(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.body = append(s.body, p...)
	return len(p), nil
}

func (s *sinkStream) WriteTrailers(_ httpx.Header) error { return nil }

func (s *sinkStream) Finish() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.finished = true
	return nil
}

func okHandler(body string) httpx.Handler {
	return httpx.HandlerFunc(func(b *httpx.ResponseBuilder, _ *httpx.Request) {
		_, _ = b.Write([]byte(body))
	})
}

func testPipeline(t *testing.T, snapshot policy.Snapshot, handler httpx.Handler) *Pipeline {
	t.Helper()

	store, err := policy.NewStore(snapshot, false)
	if err != nil {
		t.Fatal(err)
	}

	p := New(store, handler, Options{})
	t.Cleanup(p.Close)
	return p
}

func getRequest(path string) *httpx.Request {
	return &httpx.Request{
		ID:         httpx.NewID(),
		Proto:      httpx.ProtoHTTP3,
		Method:     "GET",
		Path:       path,
		Authority:  "example",
		Scheme:     "https",
		RemoteAddr: "192.0.2.1:4433",
	}
}

func serve(p *Pipeline, request *httpx.Request) *sinkStream {
	stream := &sinkStream{}
	p.Serve(httpx.NewResponseBuilder(stream, request.StreamID), request)
	return stream
}

func TestPipelineHandlerRuns(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), okHandler("hello"))

	stream := serve(p, getRequest("/"))
	if stream.status != 200 || string(stream.body) != "hello" || !stream.finished {
		t.Errorf("unexpected response: status %d, body %q", stream.status, stream.body)
	}
}

func TestPipelineRateLimit(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.RequestsPerSecond = 1
	snapshot.Burst = 1

	p := testPipeline(t, snapshot, okHandler("ok"))

	if stream := serve(p, getRequest("/")); stream.status != 200 {
		t.Errorf("first request got %d, expected 200", stream.status)
	}
	if stream := serve(p, getRequest("/")); stream.status != 429 {
		t.Errorf("second request got %d, expected 429", stream.status)
	}

	// A different remote identity has its own bucket.
	other := getRequest("/")
	other.RemoteAddr = "192.0.2.2:4433"
	if stream := serve(p, other); stream.status != 200 {
		t.Errorf("other identity got %d, expected 200", stream.status)
	}
}

func TestPipelineRateLimitZeroBurst(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.RequestsPerSecond = 1
	snapshot.Burst = 0

	p := testPipeline(t, snapshot, okHandler("ok"))

	// No burst headroom still admits the first request.
	if stream := serve(p, getRequest("/")); stream.status != 200 {
		t.Errorf("first request got %d, expected 200", stream.status)
	}
	if stream := serve(p, getRequest("/")); stream.status != 429 {
		t.Errorf("second request got %d, expected 429", stream.status)
	}
}

func TestPipelineBodySizeGate(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.MaxBodySize = 1024

	p := testPipeline(t, snapshot, okHandler("ok"))

	atLimit := getRequest("/upload")
	atLimit.Method = "POST"
	atLimit.ContentLength = 1024
	if stream := serve(p, atLimit); stream.status != 200 {
		t.Errorf("body at the limit got %d, expected 200", stream.status)
	}

	over := getRequest("/upload")
	over.Method = "POST"
	over.ContentLength = 1025
	if stream := serve(p, over); stream.status != 413 {
		t.Errorf("oversized body got %d, expected 413", stream.status)
	}
}

func TestPipelinePreflight(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.AllowedOrigins = []string{"https://example.com"}

	invoked := false
	p := testPipeline(t, snapshot, httpx.HandlerFunc(func(b *httpx.ResponseBuilder, _ *httpx.Request) {
		invoked = true
	}))

	request := getRequest("/api")
	request.Method = "OPTIONS"
	request.Header.Set("Origin", "https://example.com")
	request.Header.Set("Access-Control-Request-Method", "POST")

	stream := serve(p, request)
	if invoked {
		t.Error("handler must not run for a preflight")
	}
	if stream.status != 204 {
		t.Fatalf("preflight got %d, expected 204", stream.status)
	}

	expected := map[string]string{
		"Access-Control-Allow-Origin":  "https://example.com",
		"Vary":                         "Origin",
		"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, PATCH, OPTIONS",
		"Access-Control-Allow-Headers": "*",
		"Access-Control-Max-Age":       "86400",
	}
	for name, value := range expected {
		if got := stream.header.Get(name); got != value {
			t.Errorf("%s = %q, expected %q", name, got, value)
		}
	}
}

func TestPipelineForbiddenOrigin(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.AllowedOrigins = []string{"https://example.com"}

	p := testPipeline(t, snapshot, okHandler("ok"))

	request := getRequest("/api")
	request.Header.Set("Origin", "https://evil.example")

	if stream := serve(p, request); stream.status != 403 {
		t.Errorf("disallowed origin got %d, expected 403", stream.status)
	}
}

func TestPipelineWildcardOriginNotForCredentials(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.AllowAllOrigins = true

	p := testPipeline(t, snapshot, okHandler("ok"))

	plain := getRequest("/api")
	plain.Header.Set("Origin", "https://example.com")
	if stream := serve(p, plain); stream.status != 200 || stream.header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("wildcard request got %d with ACAO %q", stream.status, stream.header.Get("Access-Control-Allow-Origin"))
	}

	credentialed := getRequest("/api")
	credentialed.Header.Set("Origin", "https://example.com")
	credentialed.Header.Set("Cookie", "session=1")
	if stream := serve(p, credentialed); stream.status != 403 {
		t.Errorf("credentialed wildcard request got %d, expected 403", stream.status)
	}
}

func TestPipelineMalformedRequest(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), okHandler("ok"))

	noMethod := getRequest("/")
	noMethod.Method = ""
	if stream := serve(p, noMethod); stream.status != 400 {
		t.Errorf("missing method got %d, expected 400", stream.status)
	}

	noPath := getRequest("")
	if stream := serve(p, noPath); stream.status != 400 {
		t.Errorf("empty path got %d, expected 400", stream.status)
	}
}

func TestPipelineDuplicateOriginHTTP1(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), okHandler("ok"))

	request := getRequest("/")
	request.Proto = httpx.ProtoHTTP1
	request.Header.Add("Origin", "https://a.example")
	request.Header.Add("Origin", "https://b.example")

	if stream := serve(p, request); stream.status != 400 {
		t.Errorf("duplicate Origin got %d, expected 400", stream.status)
	}
}

func TestPipelineEarlyDataGate(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), okHandler("ok"))

	post := getRequest("/api")
	post.Method = "POST"
	post.EarlyData = true
	if stream := serve(p, post); stream.status != 425 {
		t.Errorf("0-RTT POST got %d, expected 425", stream.status)
	}

	get := getRequest("/api")
	get.EarlyData = true
	if stream := serve(p, get); stream.status != 200 {
		t.Errorf("0-RTT GET got %d, expected 200", stream.status)
	}
}

func TestPipelinePanicContainment(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), httpx.HandlerFunc(func(*httpx.ResponseBuilder, *httpx.Request) {
		panic("boom")
	}))

	if stream := serve(p, getRequest("/")); stream.status != 500 {
		t.Errorf("panicking handler got %d, expected 500", stream.status)
	}
}

func TestPipelineDeadline(t *testing.T) {
	snapshot := policy.Defaults()
	snapshot.RequestTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	p := testPipeline(t, snapshot, httpx.HandlerFunc(func(b *httpx.ResponseBuilder, r *httpx.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	if stream := serve(p, getRequest("/slow")); stream.status != 504 {
		t.Errorf("slow handler got %d, expected 504", stream.status)
	}
}

func TestPipelineDraining(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), okHandler("ok"))
	p.StartDraining()

	stream := serve(p, getRequest("/"))
	if stream.status != 503 {
		t.Errorf("draining pipeline got %d, expected 503", stream.status)
	}
	if stream.header.Get("Retry-After") == "" {
		t.Error("503 during drain must carry Retry-After")
	}
}

func TestPipelineCancelCounterSkipsServerAborts(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), httpx.HandlerFunc(func(*httpx.ResponseBuilder, *httpx.Request) {
		panic("boom")
	}))

	before := testutil.ToFloat64(telemetry.CancelledTotal)
	serve(p, getRequest("/"))
	if after := testutil.ToFloat64(telemetry.CancelledTotal); after != before {
		t.Errorf("a server-side abort moved the peer cancel counter by %v", after-before)
	}
}

func TestPipelineCancelCounterCountsPeerResets(t *testing.T) {
	// The adapters call Cancel when the peer resets the stream; doing it
	// from inside the handler models a reset arriving mid-body.
	p := testPipeline(t, policy.Defaults(), httpx.HandlerFunc(func(b *httpx.ResponseBuilder, _ *httpx.Request) {
		_ = b.WriteHeader(200)
		_, _ = b.Write([]byte("chunk"))
		b.Cancel()
	}))

	before := testutil.ToFloat64(telemetry.CancelledTotal)
	serve(p, getRequest("/stream"))
	if after := testutil.ToFloat64(telemetry.CancelledTotal); after != before+1 {
		t.Errorf("a peer reset after the final headers moved the counter by %v, expected 1", after-before)
	}
}

func TestPipelineEarlyHintsPassThrough(t *testing.T) {
	p := testPipeline(t, policy.Defaults(), httpx.HandlerFunc(func(b *httpx.ResponseBuilder, _ *httpx.Request) {
		_ = b.SendEarlyHints([]string{"</style.css>; rel=preload; as=style"})
		_, _ = b.Write([]byte("<html/>"))
	}))

	stream := serve(p, getRequest("/index.html"))
	if len(stream.informational) != 1 || stream.informational[0] != 103 {
		t.Errorf("informational responses %v, expected [103]", stream.informational)
	}
	if stream.status != 200 || string(stream.body) != "<html/>" {
		t.Errorf("final response %d %q", stream.status, stream.body)
	}
}
