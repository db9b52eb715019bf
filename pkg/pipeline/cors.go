// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pipeline

import (
	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/validate"
)

type corsVerdict int

const (
	// corsContinue lets the request proceed to the handler, with the
	// Access-Control-Allow-Origin header attached if the request carried
	// an allowed Origin.
	corsContinue corsVerdict = iota

	// corsPreflight means a 204 preflight answer was written and the
	// handler must be skipped.
	corsPreflight

	// corsForbidden means the origin is not allowed and a 403 must be
	// written without invoking the handler.
	corsForbidden
)

const (
	preflightAllowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	preflightAllowHeaders = "*"
	preflightMaxAge       = "86400"
)

// applyCORS evaluates the request's Origin against the snapshot and
// decorates the response headers accordingly. Requests without an Origin
// header are not CORS requests and pass through untouched.
func applyCORS(builder *httpx.ResponseBuilder, request *httpx.Request, snapshot *policy.Snapshot) corsVerdict {
	origin := request.Origin()
	if origin == "" {
		return corsContinue
	}

	if !snapshot.OriginAllowed(origin, request.Credentialed()) {
		return corsForbidden
	}

	allowed := origin
	if snapshot.AllowAllOrigins && !request.Credentialed() {
		allowed = validate.CORSWildcard
	}

	builder.Header().Set("Access-Control-Allow-Origin", allowed)
	builder.Header().Add("Vary", "Origin")

	if request.Method == "OPTIONS" {
		builder.Header().Set("Access-Control-Allow-Methods", preflightAllowMethods)
		builder.Header().Set("Access-Control-Allow-Headers", preflightAllowHeaders)
		builder.Header().Set("Access-Control-Max-Age", preflightMaxAge)
		return corsPreflight
	}

	return corsContinue
}
