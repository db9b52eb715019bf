// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package h3 terminates HTTP/3 on top of QUIC streams and feeds requests
// into the protocol-neutral handler contract. It speaks the wire format
// directly so interim responses and trailers stay under our control.
package h3

import "fmt"

// ErrCode is an HTTP/3 application error code, used both on streams
// (RESET_STREAM, STOP_SENDING) and connections (CONNECTION_CLOSE).
type ErrCode uint64

const (
	ErrNoError              ErrCode = 0x100
	ErrGeneralProtocolError ErrCode = 0x101
	ErrInternalError        ErrCode = 0x102
	ErrStreamCreationError  ErrCode = 0x103
	ErrClosedCriticalStream ErrCode = 0x104
	ErrFrameUnexpected      ErrCode = 0x105
	ErrFrameError           ErrCode = 0x106
	ErrExcessiveLoad        ErrCode = 0x107
	ErrIDError              ErrCode = 0x108
	ErrSettingsError        ErrCode = 0x109
	ErrMissingSettings      ErrCode = 0x10a
	ErrRequestRejected      ErrCode = 0x10b
	ErrRequestCanceled      ErrCode = 0x10c
	ErrRequestIncomplete    ErrCode = 0x10d
	ErrMessageError         ErrCode = 0x10e
	ErrConnectionError      ErrCode = 0x10f
	ErrVersionFallback      ErrCode = 0x110
)

func (code ErrCode) String() string {
	switch code {
	case ErrNoError:
		return "H3_NO_ERROR"
	case ErrGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrFrameError:
		return "H3_FRAME_ERROR"
	case ErrExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrIDError:
		return "H3_ID_ERROR"
	case ErrSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrRequestCanceled:
		return "H3_REQUEST_CANCELLED"
	case ErrRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrConnectionError:
		return "H3_CONNECTION_ERROR"
	case ErrVersionFallback:
		return "H3_VERSION_FALLBACK"
	default:
		return fmt.Sprintf("unknown error code 0x%x", uint64(code))
	}
}
