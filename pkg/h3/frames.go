// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// HTTP/3 frame types carried on request and control streams.
const (
	frameTypeData        = 0x0
	frameTypeHeaders     = 0x1
	frameTypeCancelPush  = 0x3
	frameTypeSettings    = 0x4
	frameTypePushPromise = 0x5
	frameTypeGoAway      = 0x7
	frameTypeMaxPushID   = 0xd
)

// Settings identifiers. The datagram identifier follows the masque draft
// the transport library implements.
const (
	settingMaxFieldSectionSize = 0x6
	settingDatagram            = 0xffd277
)

type frame interface{}

// dataFrame and headersFrame only announce their payload length; the
// payload itself stays on the stream for the caller to consume.
type dataFrame struct {
	length uint64
}

type headersFrame struct {
	length uint64
}

type settingsFrame struct {
	maxFieldSectionSize uint64
	datagram            bool
	other               map[uint64]uint64
}

type goAwayFrame struct {
	streamID uint64
}

type cancelPushFrame struct {
	pushID uint64
}

// parseNextFrame reads one frame envelope from the stream. Unknown frame
// types are skipped over, as required for forward compatibility.
func parseNextFrame(r io.Reader) (frame, error) {
	qr := quicvarint.NewReader(r)
	for {
		t, err := quicvarint.Read(qr)
		if err != nil {
			return nil, err
		}
		l, err := quicvarint.Read(qr)
		if err != nil {
			return nil, err
		}

		switch t {
		case frameTypeData:
			return &dataFrame{length: l}, nil
		case frameTypeHeaders:
			return &headersFrame{length: l}, nil
		case frameTypeSettings:
			return parseSettingsFrame(qr, l)
		case frameTypeGoAway:
			id, err := quicvarint.Read(qr)
			if err != nil {
				return nil, err
			}
			return &goAwayFrame{streamID: id}, nil
		case frameTypeCancelPush:
			id, err := quicvarint.Read(qr)
			if err != nil {
				return nil, err
			}
			return &cancelPushFrame{pushID: id}, nil
		case frameTypePushPromise, frameTypeMaxPushID:
			// Push is never negotiated by this server.
			return nil, fmt.Errorf("unexpected frame type 0x%x", t)
		default:
			// Skip frames of unknown types.
			if _, err := io.CopyN(io.Discard, qr, int64(l)); err != nil {
				return nil, err
			}
		}
	}
}

func parseSettingsFrame(r io.Reader, length uint64) (*settingsFrame, error) {
	if length > 8*1024 {
		return nil, fmt.Errorf("unexpected size for SETTINGS frame: %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	f := &settingsFrame{}
	b := bytes.NewReader(buf)
	for b.Len() > 0 {
		id, err := quicvarint.Read(b)
		if err != nil {
			return nil, fmt.Errorf("malformed SETTINGS frame")
		}
		val, err := quicvarint.Read(b)
		if err != nil {
			return nil, fmt.Errorf("malformed SETTINGS frame")
		}

		switch id {
		case settingMaxFieldSectionSize:
			f.maxFieldSectionSize = val
		case settingDatagram:
			if val != 0 && val != 1 {
				return nil, fmt.Errorf("invalid value for datagram setting: %d", val)
			}
			f.datagram = val == 1
		default:
			if f.other == nil {
				f.other = make(map[uint64]uint64)
			}
			f.other[id] = val
		}
	}
	return f, nil
}

func (f *settingsFrame) write(b *bytes.Buffer) {
	b.Write(quicvarint.Append(nil, frameTypeSettings))

	var length uint64
	if f.maxFieldSectionSize > 0 {
		length += uint64(quicvarint.Len(settingMaxFieldSectionSize) + quicvarint.Len(f.maxFieldSectionSize))
	}
	if f.datagram {
		length += uint64(quicvarint.Len(settingDatagram) + quicvarint.Len(1))
	}
	b.Write(quicvarint.Append(nil, length))

	if f.maxFieldSectionSize > 0 {
		b.Write(quicvarint.Append(nil, settingMaxFieldSectionSize))
		b.Write(quicvarint.Append(nil, f.maxFieldSectionSize))
	}
	if f.datagram {
		b.Write(quicvarint.Append(nil, settingDatagram))
		b.Write(quicvarint.Append(nil, 1))
	}
}

func (f *goAwayFrame) write(b *bytes.Buffer) {
	b.Write(quicvarint.Append(nil, frameTypeGoAway))
	b.Write(quicvarint.Append(nil, uint64(quicvarint.Len(f.streamID))))
	b.Write(quicvarint.Append(nil, f.streamID))
}

// writeFrameEnvelope prepends the type and length pair for a frame whose
// payload follows separately.
func writeFrameEnvelope(b *bytes.Buffer, frameType uint64, length uint64) {
	b.Write(quicvarint.Append(nil, frameType))
	b.Write(quicvarint.Append(nil, length))
}
