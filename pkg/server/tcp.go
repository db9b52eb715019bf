// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
)

// listenTCP binds the address, optionally with SO_REUSEPORT so several
// workers can share one endpoint and let the kernel spread connections.
func listenTCP(addr string, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// listenUDP mirrors listenTCP for the QUIC side.
func listenUDP(addr string, reusePort bool) (net.PacketConn, error) {
	lc := net.ListenConfig{}
	if reusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	return lc.ListenPacket(context.Background(), "udp", addr)
}

// tcpHandler adapts net/http requests, whether they arrived over HTTP/1.1
// or an ALPN-selected HTTP/2 connection, onto the shared handler contract.
type tcpHandler struct {
	instance *Instance
	streamID atomic.Uint64
}

func (h *tcpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.instance.policies.Current()

	if r.URL.Path == snapshot.HealthPath {
		h.instance.serveHealth(w)
		return
	}

	// Advertise the QUIC endpoint so capable clients can switch.
	if altSvc := h.instance.AltSvc(); altSvc != "" {
		w.Header().Add("Alt-Svc", altSvc)
	}

	request := httpx.NewRequestFromStd(r, h.streamID.Add(1))
	if !snapshot.EnabledProtocols[request.Proto] {
		http.Error(w, "protocol disabled by policy", http.StatusForbidden)
		return
	}

	builder := httpx.NewResponseBuilder(httpx.NewStdResponseStream(w), request.StreamID)

	// The request context dies on client disconnect and on RST_STREAM
	// for HTTP/2. It also dies on normal completion, so only a response
	// that never finished counts as a cancellation, even when the final
	// headers were already out.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			if !builder.Finished() {
				builder.Cancel()
			}
		case <-watchDone:
		}
	}()

	h.instance.pipeline.ServeRequest(builder, request)
	close(watchDone)

	if builder.Cancelled() {
		log.WithFields(log.Fields{
			"request": request.ID,
			"proto":   request.Proto,
		}).Debug("Request cancelled before the response completed")
	}
}
