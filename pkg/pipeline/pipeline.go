// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pipeline enforces the cross-cutting request policies and invokes
// the user handler. Every request, regardless of the protocol it arrived
// on, passes through the same ordered stages with defined early exits.
package pipeline

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

// Options tune behaviors that are not part of the policy snapshot and
// therefore cannot change at runtime.
type Options struct {
	// TrustedProxyHeader names a request header carrying the client
	// identity for rate limiting, e.g. when running behind a load
	// balancer. Empty means the remote address is the identity.
	TrustedProxyHeader string

	// TelemetryEnabled controls whether spans are opened per request.
	// Metric counters are always maintained.
	TelemetryEnabled bool
}

// Pipeline runs requests through admission, size and CORS gates before
// handing them to the user handler. It reads the policy snapshot once at
// the start of each request; a concurrent policy replacement never applies
// retroactively to a request already in flight.
type Pipeline struct {
	policies  *policy.Store
	handler   httpx.Handler
	admission *Admission
	opts      Options

	draining atomic.Bool
}

func New(policies *policy.Store, handler httpx.Handler, opts Options) *Pipeline {
	return &Pipeline{
		policies:  policies,
		handler:   handler,
		admission: NewAdmission(),
		opts:      opts,
	}
}

// StartDraining makes the pipeline refuse new requests with 503. Requests
// already past admission are unaffected.
func (p *Pipeline) StartDraining() {
	p.draining.Store(true)
}

func (p *Pipeline) Draining() bool {
	return p.draining.Load()
}

// Close stops the admission sweeper.
func (p *Pipeline) Close() {
	p.admission.Close()
}

// ServeRequest lets the pipeline stand wherever a handler is expected,
// which is how the protocol adapters hook into it.
func (p *Pipeline) ServeRequest(builder *httpx.ResponseBuilder, request *httpx.Request) {
	p.Serve(builder, request)
}

// Serve runs one request through all stages. It always completes the
// response stream, either with the handler's output or with a synthesized
// error response.
func (p *Pipeline) Serve(builder *httpx.ResponseBuilder, request *httpx.Request) {
	snapshot := p.policies.Current()
	start := time.Now()

	defer func() {
		telemetry.RequestsTotal.WithLabelValues(string(request.Proto), telemetry.StatusClass(builder.Status())).Inc()
		telemetry.RequestDuration.WithLabelValues(string(request.Proto)).Observe(time.Since(start).Seconds())
	}()

	if p.draining.Load() {
		builder.Header().Set("Retry-After", "5")
		p.deny(builder, request, 503, "draining")
		return
	}

	if request.Method == "" || request.Path == "" {
		p.deny(builder, request, 400, "malformed")
		return
	}

	// HTTP/2 and HTTP/3 reject repeated Origin fields at the frame layer
	// already; for HTTP/1 the pipeline has to.
	if request.Proto == httpx.ProtoHTTP1 && request.Header.Count("Origin") > 1 {
		p.deny(builder, request, 400, "duplicate-origin")
		return
	}

	// 0-RTT data may be replayed by an attacker, so anything with side
	// effects has to wait for handshake confirmation.
	if request.EarlyData && !request.Replayable() {
		p.deny(builder, request, 425, "early-data")
		return
	}

	// A zero rate disables admission control entirely.
	if snapshot.RequestsPerSecond > 0 && !p.admission.Allow(p.identity(request), snapshot.RequestsPerSecond, snapshot.Burst) {
		if snapshot.LogRateLimited {
			log.WithFields(log.Fields{
				"request": request.ID,
				"remote":  request.RemoteAddr,
			}).Info("Request rejected by rate limiter")
		}
		p.deny(builder, request, 429, "rate-limit")
		return
	}

	if snapshot.MaxBodySize > 0 && request.ContentLength > snapshot.MaxBodySize {
		p.deny(builder, request, 413, "body-size")
		// The peer may still be sending the oversized body; reset the
		// stream once the response is out instead of draining it.
		builder.Cancel()
		return
	}

	switch applyCORS(builder, request, snapshot) {
	case corsForbidden:
		p.deny(builder, request, 403, "cors")
		return
	case corsPreflight:
		if err := builder.WriteHeader(204); err == nil {
			_ = builder.Finish()
		}
		return
	}

	var span trace.Span
	if p.opts.TelemetryEnabled {
		ctx, s := telemetry.Tracer().Start(request.Context(), "quicpro.request",
			trace.WithAttributes(
				attribute.String("http.method", request.Method),
				attribute.String("http.target", request.Path),
				attribute.String("quicpro.proto", string(request.Proto)),
				attribute.String("quicpro.request_id", request.ID),
			))
		span = s
		request = request.WithContext(ctx)
	}

	aborted := p.invoke(builder, request, snapshot.RequestTimeout)

	// Deadline and panic aborts reset the stream from our side; only a
	// reset by the peer counts as a cancellation.
	if builder.Cancelled() && !aborted {
		telemetry.CancelledTotal.Inc()
	}
	if n := builder.SentHints(); n > 0 {
		telemetry.EarlyHintsTotal.Add(float64(n))
	}
	if n := builder.IgnoredHints(); n > 0 {
		telemetry.LateHintsTotal.Add(float64(n))
		log.WithFields(log.Fields{
			"request": request.ID,
			"ignored": n,
		}).Warn("Early hints after the final response were discarded")
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("http.status_code", builder.Status()),
			attribute.Int64("http.response_content_length", builder.BodyBytes()),
			attribute.Bool("quicpro.cancelled", builder.Cancelled()),
		)
		span.End()
	}
}

// invoke runs the handler under the request deadline and contains panics.
// When the deadline passes before the final response began, a 504 is
// synthesized and the stream is reset underneath the still-running handler.
// It reports whether the server itself aborted the stream.
func (p *Pipeline) invoke(builder *httpx.ResponseBuilder, request *httpx.Request, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(request.Context(), timeout)
		defer cancel()
		request = request.WithContext(ctx)

		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	done := make(chan interface{}, 1)
	go func() {
		defer func() {
			done <- recover()
		}()
		p.handler.ServeRequest(builder, request)
	}()

	select {
	case recovered := <-done:
		if recovered != nil {
			log.WithFields(log.Fields{
				"request": request.ID,
				"panic":   fmt.Sprintf("%v", recovered),
			}).Error("Handler panicked")
			telemetry.ProtocolErrorsTotal.WithLabelValues("handler").Inc()

			if !builder.FinalSent() {
				_ = builder.WriteHeader(500)
			}
			builder.Cancel()
			return true
		}
		_ = builder.Finish()
		return false

	case <-timer:
		log.WithFields(log.Fields{
			"request": request.ID,
			"timeout": timeout,
		}).Warn("Handler missed the request deadline")
		telemetry.DeniedTotal.WithLabelValues("deadline").Inc()

		if !builder.FinalSent() {
			if err := builder.WriteHeader(504); err == nil {
				_ = builder.Finish()
			}
		}
		builder.Cancel()
		return true
	}
}

// deny writes a bodyless error response and counts the drop.
func (p *Pipeline) deny(builder *httpx.ResponseBuilder, request *httpx.Request, status int, reason string) {
	telemetry.DeniedTotal.WithLabelValues(reason).Inc()

	if err := builder.WriteHeader(status); err != nil {
		return
	}
	if err := builder.Finish(); err != nil {
		log.WithFields(log.Fields{
			"request": request.ID,
			"status":  status,
		}).WithError(err).Debug("Failed to finish synthesized response")
	}
}

// identity derives the rate-limit key for a request. The port is stripped
// from the remote address so one client is one bucket across connections.
func (p *Pipeline) identity(request *httpx.Request) string {
	if p.opts.TrustedProxyHeader != "" {
		if id := request.Header.Get(p.opts.TrustedProxyHeader); id != "" {
			return id
		}
	}

	if host, _, err := net.SplitHostPort(request.RemoteAddr); err == nil {
		return host
	}
	return request.RemoteAddr
}
