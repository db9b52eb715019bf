// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tlsman owns the server's TLS credentials and their atomic
// rotation. Connections capture the context that was current when their
// handshake ran and keep it for their whole lifetime; publishing a new
// context never interrupts established traffic.
package tlsman

import (
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// LoadError reports rejected credential material. The previously active
// context stays in place when a rotation fails with a LoadError.
type LoadError struct {
	CertFile string
	KeyFile  string
	Cause    error
}

func (err *LoadError) Error() string {
	return fmt.Sprintf("loading TLS credentials (%s, %s) failed: %v", err.CertFile, err.KeyFile, err.Cause)
}

func (err *LoadError) Unwrap() error {
	return err.Cause
}

// Context is an immutable credential set. All connections accepted while
// it was current share it; it becomes collectable once the last of those
// connections ends.
type Context struct {
	// Generation increases by one per published context, starting at 1.
	Generation uint64

	certificate tls.Certificate
	certFile    string
	keyFile     string

	// ALPNProtos is the ordered protocol list offered on the TCP path.
	ALPNProtos []string
	// MinVersion is the minimum accepted TLS version.
	MinVersion uint16
	// CipherSuites restricts TLS 1.2 suites; empty means library default.
	CipherSuites []uint16

	// sessionTicketKey enables resumption tickets (and with them 0-RTT)
	// that survive a restart when the operator pins a key file.
	sessionTicketKey    [32]byte
	hasSessionTicketKey bool

	// OCSPStaple is sent alongside the certificate when present.
	OCSPStaple []byte
}

// ContextOptions carries the optional knobs of NewContext.
type ContextOptions struct {
	ALPNProtos    []string
	MinVersion    uint16
	CipherSuites  []uint16
	TicketKeyFile string
	OCSPFile      string
}

// NewContext loads and validates a credential set. A mismatched key,
// unreadable file, or unsupported algorithm yields a LoadError and no
// context.
func NewContext(certFile, keyFile string, opts ContextOptions) (*Context, error) {
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &LoadError{CertFile: certFile, KeyFile: keyFile, Cause: err}
	}

	ctx := &Context{
		certificate:  certificate,
		certFile:     certFile,
		keyFile:      keyFile,
		ALPNProtos:   opts.ALPNProtos,
		MinVersion:   opts.MinVersion,
		CipherSuites: opts.CipherSuites,
	}
	if ctx.MinVersion == 0 {
		ctx.MinVersion = tls.VersionTLS12
	}
	if len(ctx.ALPNProtos) == 0 {
		ctx.ALPNProtos = []string{"h2", "http/1.1"}
	}

	if opts.TicketKeyFile != "" {
		raw, err := os.ReadFile(opts.TicketKeyFile)
		if err != nil {
			return nil, &LoadError{CertFile: certFile, KeyFile: keyFile, Cause: err}
		}
		// Whatever the file holds, the ticket key is its digest; this keeps
		// short and long key files equally usable.
		ctx.sessionTicketKey = sha256.Sum256(raw)
		ctx.hasSessionTicketKey = true
	}

	if opts.OCSPFile != "" {
		staple, err := os.ReadFile(opts.OCSPFile)
		if err != nil {
			return nil, &LoadError{CertFile: certFile, KeyFile: keyFile, Cause: err}
		}
		ctx.OCSPStaple = staple
		ctx.certificate.OCSPStaple = staple
	}

	return ctx, nil
}

// Config materializes a tls.Config bound to exactly this context. The
// manager hands one of these out per handshake, which is what pins a
// connection to the credentials it was accepted under.
func (ctx *Context) Config() *tls.Config {
	conf := &tls.Config{
		Certificates: []tls.Certificate{ctx.certificate},
		NextProtos:   append([]string(nil), ctx.ALPNProtos...),
		MinVersion:   ctx.MinVersion,
		CipherSuites: ctx.CipherSuites,
	}
	if ctx.hasSessionTicketKey {
		conf.SetSessionTicketKeys([][32]byte{ctx.sessionTicketKey})
	}
	return conf
}

// Leaf returns the DER bytes of the leaf certificate, mostly for tests
// and the admin surface.
func (ctx *Context) Leaf() []byte {
	if len(ctx.certificate.Certificate) == 0 {
		return nil
	}
	return ctx.certificate.Certificate[0]
}

// Manager holds the single current Context behind an atomic pointer.
// One writer (the supervisor) publishes; every acceptor reads.
type Manager struct {
	current    atomic.Pointer[Context]
	generation atomic.Uint64
}

// NewManager publishes the initial context.
func NewManager(initial *Context) *Manager {
	manager := &Manager{}
	initial.Generation = manager.generation.Add(1)
	manager.current.Store(initial)
	return manager
}

// Current returns the active context without blocking.
func (manager *Manager) Current() *Context {
	return manager.current.Load()
}

// Publish atomically replaces the current context. New handshakes pick up
// the new credentials; established connections keep theirs.
func (manager *Manager) Publish(next *Context) {
	next.Generation = manager.generation.Add(1)
	manager.current.Store(next)

	log.WithFields(log.Fields{
		"generation": next.Generation,
		"cert":       next.certFile,
	}).Info("Published TLS context")
}

// Reload builds a new context from the given files and publishes it.
// On failure the previous context remains active and the LoadError is
// returned for the operator.
func (manager *Manager) Reload(certFile, keyFile string, opts ContextOptions) error {
	next, err := NewContext(certFile, keyFile, opts)
	if err != nil {
		log.WithError(err).Error("TLS rotation rejected, keeping previous context")
		return err
	}

	manager.Publish(next)
	return nil
}

// ServerConfig returns a tls.Config whose per-handshake callback resolves
// the then-current context. The returned config itself never changes, so
// it can be handed to listeners once at startup.
func (manager *Manager) ServerConfig() *tls.Config {
	return manager.ServerConfigALPN(nil)
}

// ServerConfigALPN is ServerConfig with the context's ALPN list replaced,
// used by the QUIC path which always negotiates h3.
func (manager *Manager) ServerConfigALPN(protos []string) *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			conf := manager.Current().Config()
			if len(protos) > 0 {
				conf.NextProtos = append([]string(nil), protos...)
			}
			return conf, nil
		},
	}
}
