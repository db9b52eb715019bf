// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/server"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
	"github.com/Intelligent-Intern/quicpro-go/pkg/tlsman"
	"github.com/Intelligent-Intern/quicpro-go/pkg/validate"
)

// Admin is the plaintext operator surface, meant for a loopback or
// otherwise trusted address: health, metrics, TLS reload, policy
// overrides and a live event feed.
type Admin struct {
	Addr     string
	Instance *server.Instance

	TLS         *tlsman.Manager
	TLSCertFile string
	TLSKeyFile  string
	TLSOptions  tlsman.ContextOptions

	Policies *policy.Store
	Hub      *telemetry.Hub

	srv *http.Server
}

// Router builds the admin routes. Exposed separately so tests can drive
// the handlers without a listener.
func (a *Admin) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/admin/reload-tls", a.handleReloadTLS).Methods("POST")
	router.HandleFunc("/admin/policy", a.handlePolicy).Methods("POST")
	router.HandleFunc("/admin/events", a.handleEvents).Methods("GET")
	return router
}

// ListenAndServe blocks serving the admin routes.
func (a *Admin) ListenAndServe() error {
	a.srv = &http.Server{
		Addr:    a.Addr,
		Handler: a.Router(),
	}
	log.WithField("address", a.Addr).Info("Admin agent started")

	err := a.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin listener.
func (a *Admin) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "running"
	if a.Instance != nil {
		state = a.Instance.State().String()
		if a.Instance.State() == server.StateStopped {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(state + "\n"))
}

func (a *Admin) handleReloadTLS(w http.ResponseWriter, _ *http.Request) {
	if a.TLS == nil {
		http.Error(w, "no TLS manager", http.StatusServiceUnavailable)
		return
	}

	if err := a.TLS.Reload(a.TLSCertFile, a.TLSKeyFile, a.TLSOptions); err != nil {
		log.WithError(err).Error("TLS reload via admin request failed")
		a.hub().Publish(telemetry.EventTLSRejected, map[string]string{"error": err.Error()})
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	telemetry.TLSRotationsTotal.Inc()
	a.hub().Publish(telemetry.EventTLSRotated, nil)
	w.WriteHeader(http.StatusNoContent)
}

// policyOverride is the wire form of a partial policy replacement. Unset
// fields keep their current value.
type policyOverride struct {
	CORSOrigins       *string  `json:"cors_origins,omitempty"`
	RequestsPerSecond *float64 `json:"requests_per_second,omitempty"`
	Burst             *int     `json:"burst,omitempty"`
	LogRateLimited    *bool    `json:"log_rate_limited,omitempty"`
	MaxBodySize       *int64   `json:"max_body_size,omitempty"`
	RequestTimeoutMS  *int64   `json:"request_timeout_ms,omitempty"`
}

func (a *Admin) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if a.Policies == nil {
		http.Error(w, "no policy store", http.StatusServiceUnavailable)
		return
	}

	var override policyOverride
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	next := *a.Policies.Current()
	if override.CORSOrigins != nil {
		origins, err := validate.CORSOrigins("cors_origins", *override.CORSOrigins)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		next.SetCORS(origins)
	}
	if override.RequestsPerSecond != nil {
		next.RequestsPerSecond = *override.RequestsPerSecond
	}
	if override.Burst != nil {
		next.Burst = *override.Burst
	}
	if override.LogRateLimited != nil {
		next.LogRateLimited = *override.LogRateLimited
	}
	if override.MaxBodySize != nil {
		next.MaxBodySize = *override.MaxBodySize
	}
	if override.RequestTimeoutMS != nil {
		next.RequestTimeout = time.Duration(*override.RequestTimeoutMS) * time.Millisecond
	}

	if err := a.Policies.Replace(next); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, policy.ErrOverrideForbidden) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	a.hub().Publish(telemetry.EventPolicyReplaced, nil)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin agent binds trusted addresses only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams operational events over a websocket until the
// client goes away.
func (a *Admin) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := a.hub().Subscribe()
	defer cancel()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func (a *Admin) hub() *telemetry.Hub {
	if a.Hub != nil {
		return a.Hub
	}
	return telemetry.Events()
}
