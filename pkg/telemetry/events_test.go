// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import "testing"

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	chA, cancelA := hub.Subscribe()
	chB, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish(EventTLSRotated, map[string]string{"generation": "2"})

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case event := <-ch:
			if event.Kind != EventTLSRotated || event.Fields["generation"] != "2" {
				t.Errorf("unexpected event %+v", event)
			}
		default:
			t.Error("subscriber did not receive the event")
		}
	}

	cancelA()
	if _, ok := <-chA; ok {
		t.Error("cancelled subscription must close its channel")
	}

	// A full subscriber loses events instead of blocking the publisher.
	for i := 0; i < 40; i++ {
		hub.Publish(EventWorkerExit, nil)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{103: "1xx", 200: "2xx", 301: "3xx", 429: "4xx", 504: "5xx"}
	for status, expected := range cases {
		if got := StatusClass(status); got != expected {
			t.Errorf("StatusClass(%d) = %s, expected %s", status, got, expected)
		}
	}
}
