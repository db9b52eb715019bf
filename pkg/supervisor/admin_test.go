// SPDX-FileCopyrightText: 2023 The quicpro-go authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package supervisor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Intelligent-Intern/quicpro-go/pkg/policy"
	"github.com/Intelligent-Intern/quicpro-go/pkg/telemetry"
)

func adminWithStore(t *testing.T, overrideAllowed bool) (*Admin, *policy.Store) {
	t.Helper()

	store, err := policy.NewStore(policy.Defaults(), overrideAllowed)
	if err != nil {
		t.Fatal(err)
	}
	return &Admin{Policies: store, Hub: telemetry.NewHub()}, store
}

func TestAdminHealth(t *testing.T) {
	admin, _ := adminWithStore(t, false)

	rec := httptest.NewRecorder()
	admin.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 || rec.Body.String() != "running\n" {
		t.Errorf("health returned %d %q", rec.Code, rec.Body.String())
	}
}

func TestAdminPolicyOverrideForbidden(t *testing.T) {
	admin, store := adminWithStore(t, false)

	body := strings.NewReader(`{"requests_per_second": 10}`)
	rec := httptest.NewRecorder()
	admin.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/policy", body))

	if rec.Code != 403 {
		t.Errorf("override with overrides disabled returned %d, expected 403", rec.Code)
	}
	if store.Current().RequestsPerSecond != 0 {
		t.Error("a refused override must not change the snapshot")
	}
}

func TestAdminPolicyOverride(t *testing.T) {
	admin, store := adminWithStore(t, true)

	body := strings.NewReader(`{"requests_per_second": 10, "burst": 20, "cors_origins": "https://example.com"}`)
	rec := httptest.NewRecorder()
	admin.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/policy", body))

	if rec.Code != 204 {
		t.Fatalf("override returned %d: %s", rec.Code, rec.Body.String())
	}

	current := store.Current()
	if current.RequestsPerSecond != 10 || current.Burst != 20 {
		t.Errorf("rate rule not applied: %+v", current)
	}
	if !current.OriginAllowed("https://example.com", true) {
		t.Error("origin list not applied")
	}
	if current.MaxBodySize != policy.Defaults().MaxBodySize {
		t.Error("unset fields must keep their values")
	}
}

func TestAdminPolicyOverrideRejectsInvalid(t *testing.T) {
	admin, store := adminWithStore(t, true)

	body := strings.NewReader(`{"cors_origins": "ftp://example.com"}`)
	rec := httptest.NewRecorder()
	admin.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/policy", body))

	if rec.Code != 422 {
		t.Errorf("invalid origin returned %d, expected 422", rec.Code)
	}
	if store.Current().AllowedOrigins != nil {
		t.Error("a rejected override must not change the snapshot")
	}
}

func TestAdminReloadWithoutManager(t *testing.T) {
	admin, _ := adminWithStore(t, false)

	rec := httptest.NewRecorder()
	admin.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/admin/reload-tls", nil))

	if rec.Code != 503 {
		t.Errorf("reload without a manager returned %d, expected 503", rec.Code)
	}
}

func TestAdminEventFeed(t *testing.T) {
	admin, _ := adminWithStore(t, false)

	srv := httptest.NewServer(admin.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the server a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	admin.Hub.Publish(telemetry.EventTLSRotated, map[string]string{"generation": "3"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event telemetry.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatal(err)
	}
	if event.Kind != telemetry.EventTLSRotated || event.Fields["generation"] != "3" {
		t.Errorf("unexpected event %+v", event)
	}
}
