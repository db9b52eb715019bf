// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package policy

import (
	"errors"
	"reflect"
	"testing"
)

func TestStoreReplace(t *testing.T) {
	store, err := NewStore(Defaults(), true)
	if err != nil {
		t.Fatal(err)
	}

	next := Defaults()
	next.RequestsPerSecond = 10
	next.Burst = 5
	if err := store.Replace(next); err != nil {
		t.Fatal(err)
	}

	if current := store.Current(); current.RequestsPerSecond != 10 || current.Burst != 5 {
		t.Errorf("replacement not visible: %+v", current)
	}
}

func TestStoreReplaceIdempotent(t *testing.T) {
	store, err := NewStore(Defaults(), true)
	if err != nil {
		t.Fatal(err)
	}

	next := Defaults()
	next.AllowedOrigins = []string{"https://example.com"}
	if err := store.Replace(next); err != nil {
		t.Fatal(err)
	}
	first := *store.Current()

	if err := store.Replace(next); err != nil {
		t.Fatal(err)
	}
	if second := *store.Current(); !reflect.DeepEqual(first, second) {
		t.Errorf("applying the same snapshot twice changed the result: %+v vs %+v", first, second)
	}
}

func TestStoreOverrideForbidden(t *testing.T) {
	store, err := NewStore(Defaults(), false)
	if err != nil {
		t.Fatal(err)
	}

	before := store.Current()
	next := Defaults()
	next.RequestsPerSecond = 1
	if err := store.Replace(next); !errors.Is(err, ErrOverrideForbidden) {
		t.Fatalf("expected ErrOverrideForbidden, got %v", err)
	}
	if store.Current() != before {
		t.Error("forbidden replace must not have side effects")
	}
}

func TestStoreRejectsInconsistentSnapshot(t *testing.T) {
	store, err := NewStore(Defaults(), true)
	if err != nil {
		t.Fatal(err)
	}

	bad := Defaults()
	bad.RequestsPerSecond = -1
	bad.HealthPath = "healthz"
	before := store.Current()
	if err := store.Replace(bad); err == nil {
		t.Fatal("inconsistent snapshot must be rejected")
	}
	if store.Current() != before {
		t.Error("rejected replace must keep the previous snapshot")
	}
}

func TestOriginAllowed(t *testing.T) {
	snapshot := Defaults()
	snapshot.SetCORS([]string{"https://example.com", "http://localhost:8080"})

	if !snapshot.OriginAllowed("https://example.com", false) {
		t.Error("listed origin should be allowed")
	}
	if snapshot.OriginAllowed("https://example.org", false) {
		t.Error("unlisted origin should be denied")
	}
	if snapshot.OriginAllowed("https://example.com:8443", false) {
		t.Error("matching is exact on scheme+host+port")
	}

	snapshot.SetCORS([]string{"*"})
	if !snapshot.AllowAllOrigins {
		t.Fatal("wildcard not recognized")
	}
	if !snapshot.OriginAllowed("https://anything.example", false) {
		t.Error("wildcard should match uncredentialed requests")
	}
	if snapshot.OriginAllowed("https://anything.example", true) {
		t.Error("wildcard must not match credentialed requests")
	}
}
