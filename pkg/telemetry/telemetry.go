// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package telemetry wires the OpenTelemetry SDK and the Prometheus
// counters of the server. With telemetry disabled the global providers
// stay noop and nothing connects anywhere.
package telemetry

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the span exporter and sampler.
type Config struct {
	Enabled    bool
	Endpoint   string
	SampleRate float64
	Service    string
}

// Providers holds the SDK tracer provider; nil when disabled.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Init sets up the tracer provider with a ratio sampler and a batching
// OTLP gRPC exporter. Spans are queued and exported in batches; a slow
// collector never blocks the request path.
func Init(cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		log.Debug("Telemetry disabled, spans are noop")
		return &Providers{}, nil
	}

	service := cfg.Service
	if service == "" {
		service = "quicprod"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.WithFields(log.Fields{
		"endpoint":    cfg.Endpoint,
		"sample-rate": cfg.SampleRate,
	}).Info("Telemetry initialized")

	return &Providers{tp: tp}, nil
}

// Tracer returns the request tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/Intelligent-Intern/quicpro-go")
}

// Shutdown flushes queued spans. Safe on disabled providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
