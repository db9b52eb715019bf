// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"sync"
	"time"
)

// EventKind classifies operational events on the admin feed.
type EventKind string

const (
	EventTLSRotated     EventKind = "tls-rotated"
	EventTLSRejected    EventKind = "tls-rejected"
	EventPolicyReplaced EventKind = "policy-replaced"
	EventDraining       EventKind = "draining"
	EventStopped        EventKind = "stopped"
	EventCrashLoop      EventKind = "crash-loop"
	EventWorkerExit     EventKind = "worker-exit"
)

// Event is one operational event as published to admin subscribers.
type Event struct {
	Time   time.Time         `json:"time"`
	Kind   EventKind         `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Hub fans operational events out to admin subscribers. Slow subscribers
// lose events instead of blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

var defaultHub = NewHub()

// Events is the process-wide hub used by components that have no hub
// wired in explicitly.
func Events() *Hub {
	return defaultHub
}

// Subscribe returns a buffered event channel and its cancel function.
// The channel is closed on cancel.
func (hub *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	hub.mu.Lock()
	hub.subs[ch] = struct{}{}
	hub.mu.Unlock()

	cancel := func() {
		hub.mu.Lock()
		if _, ok := hub.subs[ch]; ok {
			delete(hub.subs, ch)
			close(ch)
		}
		hub.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (hub *Hub) Publish(kind EventKind, fields map[string]string) {
	event := Event{Time: time.Now(), Kind: kind, Fields: fields}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	for ch := range hub.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
