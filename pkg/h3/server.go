// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/tlsman"
)

// NextProtoH3 is the ALPN identifier this server offers.
const NextProtoH3 = "h3"

const defaultMaxHeaderBytes = 1 << 20

// ErrServerClosed is returned by Serve after Close or CloseGracefully.
var ErrServerClosed = errors.New("h3: server closed")

// A connEntry remembers what is needed to say goodbye to a connection:
// its control stream for the GOAWAY frame and the highest request stream
// seen so far.
type connEntry struct {
	ctrl          quic.SendStream
	highestStream int64
}

// Server terminates HTTP/3 over QUIC and feeds every request into
// Handler. TLS credentials come from the manager so that a rotation
// applies to new connections while established ones keep theirs.
type Server struct {
	Addr    string
	TLS     *tlsman.Manager
	Handler httpx.Handler

	// QuicConfig overrides the transport defaults. Datagram support is
	// toggled through EnableDatagrams either way.
	QuicConfig      *quic.Config
	EnableDatagrams bool

	// MaxHeaderBytes caps the decoded size of a field section, 0 meaning
	// the built-in default.
	MaxHeaderBytes uint64

	// Port overrides the advertised Alt-Svc port when the listener's own
	// port is not the public one.
	Port int

	mutex    sync.Mutex
	listener *quic.EarlyListener
	conns    map[quic.EarlyConnection]*connEntry
	altSvc   string

	closed   atomic.Bool
	draining atomic.Bool
}

// DefaultQuicConfig returns the transport tuning used when the caller
// does not bring its own.
func DefaultQuicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        30 * time.Second,
		KeepAlivePeriod:       10 * time.Second,
		MaxIncomingStreams:    256,
		MaxIncomingUniStreams: 16,
		Allow0RTT:             true,
		RequireAddressValidation: func(net.Addr) bool {
			// Tokens are only demanded under load; the transport retries
			// validation on its own when this returns false.
			return false
		},
	}
}

// ListenAndServe binds s.Addr over UDP and serves until Close.
func (s *Server) ListenAndServe() error {
	return s.serve(func(conf *quic.Config) (*quic.EarlyListener, error) {
		return quic.ListenAddrEarly(s.Addr, s.TLS.ServerConfigALPN([]string{NextProtoH3}), conf)
	})
}

// Serve runs the server on an existing packet conn, which allows binding
// with socket options the listener cannot express itself.
func (s *Server) Serve(conn net.PacketConn) error {
	return s.serve(func(conf *quic.Config) (*quic.EarlyListener, error) {
		return quic.ListenEarly(conn, s.TLS.ServerConfigALPN([]string{NextProtoH3}), conf)
	})
}

func (s *Server) serve(start func(*quic.Config) (*quic.EarlyListener, error)) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.Handler == nil {
		return errors.New("h3: server without handler")
	}

	conf := s.QuicConfig
	if conf == nil {
		conf = DefaultQuicConfig()
	} else {
		conf = conf.Clone()
	}
	conf.EnableDatagrams = s.EnableDatagrams

	ln, err := start(conf)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	s.listener = ln
	s.conns = make(map[quic.EarlyConnection]*connEntry)
	s.generateAltSvc(ln.Addr())
	s.mutex.Unlock()

	log.WithField("address", ln.Addr()).Info("HTTP/3 server started")

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// AltSvc returns the Alt-Svc header value the TCP side should attach so
// clients discover the QUIC endpoint, or "" before the listener is up.
func (s *Server) AltSvc() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.altSvc
}

func (s *Server) generateAltSvc(addr net.Addr) {
	port := s.Port
	if port == 0 {
		if _, portStr, err := net.SplitHostPort(addr.String()); err == nil {
			if p, err := net.LookupPort("udp", portStr); err == nil {
				port = p
			}
		}
	}
	if port == 0 {
		s.altSvc = ""
		return
	}
	s.altSvc = fmt.Sprintf(`%s=":%d"; ma=2592000`, NextProtoH3, port)
}

func (s *Server) maxHeaderBytes() uint64 {
	if s.MaxHeaderBytes == 0 {
		return defaultMaxHeaderBytes
	}
	return s.MaxHeaderBytes
}

func (s *Server) trackConn(qc quic.EarlyConnection, ctrl quic.SendStream) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.conns != nil {
		s.conns[qc] = &connEntry{ctrl: ctrl, highestStream: -1}
	}
}

func (s *Server) untrackConn(qc quic.EarlyConnection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.conns, qc)
}

func (s *Server) noteRequestStream(qc quic.EarlyConnection, id quic.StreamID) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if entry, ok := s.conns[qc]; ok && int64(id) > entry.highestStream {
		entry.highestStream = int64(id)
	}
}

// Close tears down the listener and all connections immediately.
func (s *Server) Close() error {
	s.closed.Store(true)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for qc := range s.conns {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrNoError), "server shutting down")
	}
	return err
}

// CloseGracefully announces GOAWAY on every connection, waits for the
// grace period, then force-closes what is left. New request streams are
// rejected as soon as draining begins.
func (s *Server) CloseGracefully(grace time.Duration) error {
	s.draining.Store(true)

	s.mutex.Lock()
	for qc, entry := range s.conns {
		// The GOAWAY carries the first stream identifier the peer must
		// not expect an answer for. Client bidirectional streams are
		// spaced by four.
		next := entry.highestStream + 4
		if entry.highestStream < 0 {
			next = 0
		}
		buf := &bytes.Buffer{}
		(&goAwayFrame{streamID: uint64(next)}).write(buf)
		if _, err := entry.ctrl.Write(buf.Bytes()); err != nil {
			log.WithError(err).WithField("remote", qc.RemoteAddr()).Debug("Writing GOAWAY failed")
		}
	}
	s.mutex.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return s.Close()
		case <-ticker.C:
			s.mutex.Lock()
			remaining := len(s.conns)
			s.mutex.Unlock()
			if remaining == 0 {
				return s.Close()
			}
		}
	}
}
