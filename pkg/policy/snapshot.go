// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package policy holds the typed, immutable view of the server's
// cross-cutting configuration and the single atomic reference through
// which it is replaced.
package policy

import (
	"time"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/validate"
)

// Snapshot is the frozen policy a request reads once at admission and
// keeps for its entire lifecycle. Never mutate a published Snapshot;
// build a new one and pass it to Store.Replace.
type Snapshot struct {
	// AllowAllOrigins is the CORS wildcard. When set, AllowedOrigins is
	// empty. Credentialed requests never match the wildcard.
	AllowAllOrigins bool
	// AllowedOrigins is the ordered scheme://host[:port] allowlist.
	AllowedOrigins []string

	// RequestsPerSecond and Burst describe the per-remote-identity
	// token bucket. A zero RequestsPerSecond disables admission control.
	RequestsPerSecond float64
	Burst             int
	// LogRateLimited controls whether dropped requests are logged.
	LogRateLimited bool

	// MaxHeaderListSize bounds the decoded header block per request.
	MaxHeaderListSize uint32
	// MaxBodySize bounds the declared or observed request body. A body of
	// exactly MaxBodySize bytes is accepted.
	MaxBodySize int64
	// RequestTimeout is the deadline from headers-complete to the first
	// byte of the final response.
	RequestTimeout time.Duration

	// EnabledProtocols is the set of served protocol identifiers.
	EnabledProtocols map[httpx.Protocol]bool

	// HealthPath is the liveness endpoint, "/healthz" by default.
	HealthPath string

	// CongestionAlgorithm selects the transport congestion controller,
	// one of "reno" or "cubic".
	CongestionAlgorithm string
}

// Defaults returns the built-in policy layer, the lowest layer of the
// defaults < file < overrides ordering.
func Defaults() Snapshot {
	return Snapshot{
		AllowAllOrigins:     false,
		AllowedOrigins:      nil,
		RequestsPerSecond:   0,
		Burst:               0,
		LogRateLimited:      false,
		MaxHeaderListSize:   16 * 1024,
		MaxBodySize:         8 * 1024 * 1024,
		RequestTimeout:      30 * time.Second,
		EnabledProtocols:    map[httpx.Protocol]bool{httpx.ProtoHTTP1: true, httpx.ProtoHTTP2: true, httpx.ProtoHTTP3: true},
		HealthPath:          "/healthz",
		CongestionAlgorithm: "cubic",
	}
}

// OriginAllowed reports whether the request origin passes this policy.
// Matching is exact on scheme+host+port; the wildcard matches any origin
// except when the request carries credentials.
func (snapshot *Snapshot) OriginAllowed(origin string, credentialed bool) bool {
	if snapshot.AllowAllOrigins {
		return !credentialed
	}
	for _, allowed := range snapshot.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// SetCORS fills the CORS fields from a validated origin list as returned
// by validate.CORSOrigins.
func (snapshot *Snapshot) SetCORS(origins []string) {
	if len(origins) == 1 && origins[0] == validate.CORSWildcard {
		snapshot.AllowAllOrigins = true
		snapshot.AllowedOrigins = nil
		return
	}
	snapshot.AllowAllOrigins = false
	snapshot.AllowedOrigins = origins
}
