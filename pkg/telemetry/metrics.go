// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are single-writer per worker; the admin endpoint exposes them
// for scraping and aggregation happens in the collector.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "requests_total",
		Help:      "Requests that produced a final response, by protocol and status class.",
	}, []string{"proto", "class"})

	DeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "denied_total",
		Help:      "Requests denied before the handler, by reason.",
	}, []string{"reason"})

	CancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "cancelled_total",
		Help:      "Streams reset by the peer before the final response completed.",
	})

	EarlyHintsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "early_hints_total",
		Help:      "103 informational responses emitted.",
	})

	LateHintsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "late_hints_total",
		Help:      "Early-hint calls ignored because a final response was already sent.",
	})

	ProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "protocol_errors_total",
		Help:      "Transport and framing violations, by layer.",
	}, []string{"layer"})

	TLSRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quicpro",
		Name:      "tls_rotations_total",
		Help:      "Successfully published TLS contexts.",
	})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quicpro",
		Name:      "request_duration_seconds",
		Help:      "Time from headers-complete to response completion.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"proto"})
)

// StatusClass buckets a status code into "1xx".."5xx" for the counter
// label, keeping cardinality bounded.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
