// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package httpx provides the protocol-neutral request and response
// objects shared by the HTTP/1.1, HTTP/2 and HTTP/3 adapters.
package httpx

import "strings"

// headerField is one received or queued header line.
type headerField struct {
	// name keeps the originally received casing for HTTP/1 round-trip
	// fidelity; comparisons are always case-insensitive.
	name  string
	value string
}

// Header is an ordered, case-insensitive multimap. Insertion order is
// preserved, which matters for multi-valued fields.
type Header struct {
	fields []headerField
}

// NewHeader builds a Header from alternating name/value pairs.
func NewHeader(pairs ...string) Header {
	if len(pairs)%2 != 0 {
		panic("httpx.NewHeader: odd number of strings")
	}
	var h Header
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends a field, keeping the given casing.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// Set replaces all fields of the given name with a single one.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes all fields of the given name.
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the first value for name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return f.value
		}
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) (values []string) {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			values = append(values, f.value)
		}
	}
	return
}

// Count returns the number of fields named name.
func (h *Header) Count(name string) (n int) {
	for _, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			n++
		}
	}
	return
}

// Len returns the total number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Range calls fn for every field in insertion order with the original
// casing. Returning false stops the iteration.
func (h *Header) Range(fn func(name, value string) bool) {
	for _, f := range h.fields {
		if !fn(f.name, f.value) {
			return
		}
	}
}

// Pairs returns the (lowercased-name, value) pairs in insertion order.
// Encoding a header block and decoding it again yields equal Pairs.
func (h *Header) Pairs() [][2]string {
	pairs := make([][2]string, 0, len(h.fields))
	for _, f := range h.fields {
		pairs = append(pairs, [2]string{strings.ToLower(f.name), f.value})
	}
	return pairs
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	return Header{fields: append([]headerField(nil), h.fields...)}
}
