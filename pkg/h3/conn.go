// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/marten-seemann/qpack"
	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

// Unidirectional stream types.
const (
	streamTypeControl      = 0
	streamTypePush         = 1
	streamTypeQPACKEncoder = 2
	streamTypeQPACKDecoder = 3
)

type requestError struct {
	err       error
	streamErr ErrCode
	connErr   ErrCode
}

func streamError(code ErrCode, err error) requestError {
	return requestError{err: err, streamErr: code}
}

func connError(code ErrCode, err error) requestError {
	return requestError{err: err, connErr: code}
}

// handleConn owns one QUIC connection: it opens the control stream,
// consumes the peer's unidirectional streams, and spawns one goroutine per
// request stream.
func (s *Server) handleConn(qc quic.EarlyConnection) {
	decoder := qpack.NewDecoder(nil)

	ctrl, err := qc.OpenUniStream()
	if err != nil {
		log.WithError(err).Debug("Opening the HTTP/3 control stream failed")
		return
	}
	buf := &bytes.Buffer{}
	buf.Write(quicvarint.Append(nil, streamTypeControl))
	(&settingsFrame{
		maxFieldSectionSize: s.maxHeaderBytes(),
		datagram:            s.EnableDatagrams,
	}).write(buf)
	if _, err := ctrl.Write(buf.Bytes()); err != nil {
		log.WithError(err).Debug("Writing the SETTINGS frame failed")
		return
	}

	s.trackConn(qc, ctrl)
	defer s.untrackConn(qc)

	go s.handleUniStreams(qc)

	for {
		str, err := qc.AcceptStream(context.Background())
		if err != nil {
			log.WithError(err).Debug("Accepting a request stream failed")
			return
		}
		if s.draining.Load() {
			str.CancelRead(quic.StreamErrorCode(ErrRequestRejected))
			str.CancelWrite(quic.StreamErrorCode(ErrRequestRejected))
			continue
		}
		s.noteRequestStream(qc, str.StreamID())

		go func(str quic.Stream) {
			rerr := s.handleRequestStream(qc, str, decoder)
			if rerr.err != nil || rerr.streamErr != 0 || rerr.connErr != 0 {
				telemetry.ProtocolErrorsTotal.WithLabelValues("h3").Inc()
				log.WithFields(log.Fields{
					"stream": str.StreamID(),
					"remote": qc.RemoteAddr(),
				}).WithError(rerr.err).Debug("Request stream failed")

				if rerr.streamErr != 0 {
					str.CancelWrite(quic.StreamErrorCode(rerr.streamErr))
				}
				if rerr.connErr != 0 {
					var reason string
					if rerr.err != nil {
						reason = rerr.err.Error()
					}
					_ = qc.CloseWithError(quic.ApplicationErrorCode(rerr.connErr), reason)
				}
			}
		}(str)
	}
}

// handleUniStreams dispatches the peer's unidirectional streams. Only the
// control stream matters; the QPACK streams exist but carry no dynamic
// table updates in this implementation.
func (s *Server) handleUniStreams(qc quic.EarlyConnection) {
	for {
		str, err := qc.AcceptUniStream(context.Background())
		if err != nil {
			return
		}

		go func(str quic.ReceiveStream) {
			streamType, err := quicvarint.Read(quicvarint.NewReader(str))
			if err != nil {
				return
			}
			switch streamType {
			case streamTypeControl:
			case streamTypeQPACKEncoder, streamTypeQPACKDecoder:
				return
			case streamTypePush:
				// Only servers push.
				_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrStreamCreationError), "")
				return
			default:
				str.CancelRead(quic.StreamErrorCode(ErrStreamCreationError))
				return
			}

			f, err := parseNextFrame(str)
			if err != nil {
				_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrFrameError), "")
				return
			}
			sf, ok := f.(*settingsFrame)
			if !ok {
				_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrMissingSettings), "")
				return
			}
			if !sf.datagram {
				return
			}
			// ConnectionState blocks until the handshake completed, which
			// matters when the client used 0-RTT.
			if s.EnableDatagrams && !qc.ConnectionState().SupportsDatagrams {
				_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrSettingsError), "missing QUIC datagram support")
			}
		}(str)
	}
}

func (s *Server) handleRequestStream(qc quic.EarlyConnection, str quic.Stream, decoder *qpack.Decoder) requestError {
	frame, err := parseNextFrame(str)
	if err != nil {
		return streamError(ErrRequestIncomplete, err)
	}
	hf, ok := frame.(*headersFrame)
	if !ok {
		return connError(ErrFrameUnexpected, errors.New("expected first frame to be HEADERS"))
	}
	if hf.length > s.maxHeaderBytes() {
		return streamError(ErrFrameError, fmt.Errorf("HEADERS frame too large: %d bytes (max %d)", hf.length, s.maxHeaderBytes()))
	}

	block := make([]byte, hf.length)
	if _, err := io.ReadFull(str, block); err != nil {
		return streamError(ErrRequestIncomplete, err)
	}
	fields, err := decoder.DecodeFull(block)
	if err != nil {
		return connError(ErrGeneralProtocolError, err)
	}
	request, err := requestFromFields(fields)
	if err != nil {
		// The field section decoded fine, so the stream is still usable;
		// a malformed request gets an answer, not a reset.
		log.WithFields(log.Fields{
			"stream": str.StreamID(),
			"remote": qc.RemoteAddr(),
		}).WithError(err).Debug("Rejecting malformed request")
		telemetry.DeniedTotal.WithLabelValues("malformed").Inc()

		b := httpx.NewResponseBuilder(newResponseStream(str), uint64(str.StreamID()))
		if werr := b.WriteHeader(400); werr == nil {
			_ = b.Finish()
		}
		str.CancelRead(quic.StreamErrorCode(ErrNoError))
		return requestError{}
	}

	request.RemoteAddr = qc.RemoteAddr().String()
	request.StreamID = uint64(str.StreamID())
	request.Body = newRequestBody(str, func() {
		_ = qc.CloseWithError(quic.ApplicationErrorCode(ErrFrameUnexpected), "")
	})

	// Between the first flight and handshake confirmation every request
	// is 0-RTT data and potentially a replay.
	select {
	case <-qc.HandshakeComplete():
		if state := qc.ConnectionState(); len(state.TLS.PeerCertificates) > 0 {
			request.PeerCertificate = state.TLS.PeerCertificates[0]
		}
	default:
		request.EarlyData = true
	}

	request = request.WithContext(str.Context())
	builder := httpx.NewResponseBuilder(newResponseStream(str), uint64(str.StreamID()))

	// The stream context dies on peer reset. It also dies on normal
	// completion, so only a response that never finished counts as
	// cancelled. A reset mid-body, after the final headers, still does.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-str.Context().Done():
			if !builder.Finished() {
				builder.Cancel()
			}
		case <-watchDone:
		}
	}()

	s.Handler.ServeRequest(builder, request)
	close(watchDone)

	if builder.Cancelled() {
		str.CancelWrite(quic.StreamErrorCode(ErrRequestCanceled))
		str.CancelRead(quic.StreamErrorCode(ErrRequestCanceled))
		return requestError{}
	}

	// A no-op if the handler already drained the body.
	str.CancelRead(quic.StreamErrorCode(ErrNoError))
	return requestError{}
}
