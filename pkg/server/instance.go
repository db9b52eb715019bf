// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package server binds the shared endpoints and runs the protocol
// engines: HTTP/1.1 and HTTP/2 over TCP+TLS, HTTP/3 over QUIC. All three
// feed the same pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/Intelligent-Intern/quicpro-go/pkg/h3"
	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/pipeline"
	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
	"github.com/Intelligent-Intern/quicpro-go/pkg/tlsman"
)

// ErrBindFailed wraps listener setup failures so the caller can map them
// to its exit code.
var ErrBindFailed = errors.New("binding an endpoint failed")

// State is the instance lifecycle. Transitions run strictly forward.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Endpoint is one address to serve on. Network selects the transports:
// "tcp" for HTTP/1.1+HTTP/2, "udp" for HTTP/3, "both" for all three on
// the same address and port.
type Endpoint struct {
	Addr    string
	Network string
}

// Options configures an Instance. TLS, Policies and Handler are required.
type Options struct {
	Endpoints []Endpoint
	TLS       *tlsman.Manager
	Policies  *policy.Store
	Handler   httpx.Handler

	Pipeline pipeline.Options

	// EnableDatagrams negotiates HTTP/3 datagram support.
	EnableDatagrams bool

	// ReusePort sets SO_REUSEPORT on every socket so sibling workers can
	// bind the same endpoints.
	ReusePort bool

	// ReadyFile is touched once all endpoints are bound and removed on
	// shutdown. Empty disables it.
	ReadyFile string

	// GracePeriod bounds how long draining waits for in-flight requests.
	GracePeriod time.Duration

	// AltSvcPort overrides the advertised UDP port when it differs from
	// the bound one.
	AltSvcPort int

	// Insecure serves plaintext HTTP/1.1 and skips the QUIC endpoints.
	// Only meant for test setups; the configuration layer gates it.
	Insecure bool
}

// Instance is one worker's server: the bound endpoints, the protocol
// engines and the shared pipeline.
type Instance struct {
	opts     Options
	policies *policy.Store
	pipeline *pipeline.Pipeline

	httpServers []*http.Server
	h3Servers   []*h3.Server

	state atomic.Int32
	group *errgroup.Group
}

// New validates the options and builds the instance. Nothing is bound
// until Start.
func New(opts Options) (*Instance, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("no endpoints configured")
	}
	for _, endpoint := range opts.Endpoints {
		switch endpoint.Network {
		case "tcp", "udp", "both":
		default:
			return nil, fmt.Errorf("endpoint %s: unknown network %q", endpoint.Addr, endpoint.Network)
		}
	}
	if opts.TLS == nil || opts.Policies == nil || opts.Handler == nil {
		return nil, errors.New("TLS manager, policy store and handler are required")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}

	return &Instance{
		opts:     opts,
		policies: opts.Policies,
		pipeline: pipeline.New(opts.Policies, opts.Handler, opts.Pipeline),
	}, nil
}

// Start binds every endpoint and launches the serve loops. It returns
// once all sockets are bound; Wait blocks for the serve loops.
func (instance *Instance) Start() error {
	instance.group = &errgroup.Group{}

	for _, endpoint := range instance.opts.Endpoints {
		if endpoint.Network == "udp" || endpoint.Network == "both" {
			if instance.opts.Insecure {
				log.WithField("endpoint", endpoint.Addr).Warn("Encryption disabled, skipping the QUIC endpoint")
			} else if err := instance.startQUIC(endpoint.Addr); err != nil {
				return fmt.Errorf("%w: udp %s: %v", ErrBindFailed, endpoint.Addr, err)
			}
		}
		if endpoint.Network == "tcp" || endpoint.Network == "both" {
			if err := instance.startTCP(endpoint.Addr); err != nil {
				return fmt.Errorf("%w: tcp %s: %v", ErrBindFailed, endpoint.Addr, err)
			}
		}
	}

	if instance.opts.ReadyFile != "" {
		if err := os.WriteFile(instance.opts.ReadyFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("writing ready file: %w", err)
		}
	}

	log.WithField("endpoints", len(instance.opts.Endpoints)).Info("Server instance started")
	return nil
}

func (instance *Instance) startTCP(addr string) error {
	ln, err := listenTCP(addr, instance.opts.ReusePort)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: &tcpHandler{instance: instance},
	}
	if instance.opts.Insecure {
		instance.httpServers = append(instance.httpServers, srv)
		instance.group.Go(func() error {
			err := srv.Serve(ln)
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		return nil
	}

	srv.TLSConfig = instance.opts.TLS.ServerConfigALPN([]string{"h2", "http/1.1"})
	if err := http2.ConfigureServer(srv, &http2.Server{
		MaxReadFrameSize: 1 << 20,
	}); err != nil {
		ln.Close()
		return err
	}
	instance.httpServers = append(instance.httpServers, srv)

	instance.group.Go(func() error {
		// Certificates come from the TLS config's resolver.
		err := srv.ServeTLS(ln, "", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	return nil
}

func (instance *Instance) startQUIC(addr string) error {
	conn, err := listenUDP(addr, instance.opts.ReusePort)
	if err != nil {
		return err
	}

	srv := &h3.Server{
		Addr:            addr,
		TLS:             instance.opts.TLS,
		Handler:         instance.pipeline,
		EnableDatagrams: instance.opts.EnableDatagrams,
		MaxHeaderBytes:  uint64(instance.policies.Current().MaxHeaderListSize),
		Port:            instance.opts.AltSvcPort,
	}
	instance.h3Servers = append(instance.h3Servers, srv)

	instance.group.Go(func() error {
		err := srv.Serve(conn)
		if err == h3.ErrServerClosed {
			return nil
		}
		return err
	})
	return nil
}

// Wait blocks until every serve loop has returned.
func (instance *Instance) Wait() error {
	return instance.group.Wait()
}

// State returns the current lifecycle state.
func (instance *Instance) State() State {
	return State(instance.state.Load())
}

// AltSvc returns the advertisement for the QUIC endpoint, or "" when no
// UDP endpoint is served.
func (instance *Instance) AltSvc() string {
	for _, srv := range instance.h3Servers {
		if alt := srv.AltSvc(); alt != "" {
			return alt
		}
	}
	return ""
}

// Pipeline exposes the request pipeline, mainly so the admin surface can
// observe it.
func (instance *Instance) Pipeline() *pipeline.Pipeline {
	return instance.pipeline
}

// serveHealth answers the health endpoint: 200 while running or
// draining, 503 once stopped.
func (instance *Instance) serveHealth(w http.ResponseWriter) {
	state := instance.State()
	status := http.StatusOK
	if state == StateStopped {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s\n", state)
}

// Shutdown drains the instance: new requests are refused, in-flight ones
// get the grace period, then everything is torn down.
func (instance *Instance) Shutdown(ctx context.Context) error {
	if !instance.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}

	log.WithField("grace", instance.opts.GracePeriod).Info("Draining server instance")
	telemetry.Events().Publish(telemetry.EventDraining, nil)
	instance.pipeline.StartDraining()

	deadline := time.Now().Add(instance.opts.GracePeriod)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	graceCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	group := &errgroup.Group{}
	for _, srv := range instance.httpServers {
		srv := srv
		group.Go(func() error {
			err := srv.Shutdown(graceCtx)
			if errors.Is(err, context.DeadlineExceeded) {
				// Whatever is still open gets cut off.
				return srv.Close()
			}
			return err
		})
	}
	for _, srv := range instance.h3Servers {
		srv := srv
		group.Go(func() error {
			return srv.CloseGracefully(time.Until(deadline))
		})
	}
	err := group.Wait()

	instance.pipeline.Close()
	instance.state.Store(int32(StateStopped))
	telemetry.Events().Publish(telemetry.EventStopped, nil)

	if instance.opts.ReadyFile != "" {
		_ = os.Remove(instance.opts.ReadyFile)
	}

	log.Info("Server instance stopped")
	return err
}
