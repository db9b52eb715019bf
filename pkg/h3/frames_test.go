// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package h3

import (
	"bytes"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestSettingsFrameRoundTrip(t *testing.T) {
	in := &settingsFrame{maxFieldSectionSize: 16 * 1024, datagram: true}

	buf := &bytes.Buffer{}
	in.write(buf)

	f, err := parseNextFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := f.(*settingsFrame)
	if !ok {
		t.Fatalf("parsed %T, expected settings", f)
	}
	if out.maxFieldSectionSize != in.maxFieldSectionSize || out.datagram != in.datagram {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestGoAwayFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	(&goAwayFrame{streamID: 12}).write(buf)

	f, err := parseNextFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if g, ok := f.(*goAwayFrame); !ok || g.streamID != 12 {
		t.Errorf("parsed %+v, expected GOAWAY with stream 12", f)
	}
}

func TestParseSkipsUnknownFrames(t *testing.T) {
	buf := &bytes.Buffer{}

	// A greased frame type precedes a DATA frame and must be ignored.
	buf.Write(quicvarint.Append(nil, 0x21))
	buf.Write(quicvarint.Append(nil, 4))
	buf.Write([]byte{1, 2, 3, 4})

	writeFrameEnvelope(buf, frameTypeData, 7)

	f, err := parseNextFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := f.(*dataFrame); !ok || d.length != 7 {
		t.Errorf("parsed %+v, expected DATA of length 7", f)
	}
}

func TestParseRejectsPushPromise(t *testing.T) {
	buf := &bytes.Buffer{}
	writeFrameEnvelope(buf, frameTypePushPromise, 0)

	if _, err := parseNextFrame(buf); err == nil {
		t.Error("PUSH_PROMISE from a client must be rejected")
	}
}

func TestParseSettingsRejectsMalformed(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write(quicvarint.Append(nil, frameTypeSettings))
	buf.Write(quicvarint.Append(nil, 1))
	buf.WriteByte(0x06) // identifier without a value

	if _, err := parseNextFrame(buf); err == nil {
		t.Error("truncated SETTINGS frame must be rejected")
	}
}
