package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/remotesync/remotesync-server/internal/config"
)

func TestSplitDeviceSubject(t *testing.T) {
	tests := []struct {
		subject  string
		deviceID string
		kind     string
		ok       bool
	}{
		{"device.abc123.event.battery_status", "abc123", "event.battery_status", true},
		{"device.abc123.poll.battery_stats", "abc123", "poll.battery_stats", true},
		{"device.abc123.auth_required", "abc123", "auth_required", true},
		{"device.abc123", "", "", false},
		{"device..event.x", "", "", false},
		{"device.abc123.", "", "", false},
		{"host.driver.abc123.subscribed", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		deviceID, kind, ok := splitDeviceSubject(tt.subject)
		if ok != tt.ok || deviceID != tt.deviceID || kind != tt.kind {
			t.Errorf("splitDeviceSubject(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.subject, deviceID, kind, ok, tt.deviceID, tt.kind, tt.ok)
		}
	}
}

func TestTopicFor(t *testing.T) {
	f := NewForwarder(nil, &config.Config{})
	if got := f.topicFor("dev1", "event.battery_status"); got != "remotesync/dev1/event/battery_status" {
		t.Errorf("default prefix topic = %q", got)
	}

	f = NewForwarder(nil, &config.Config{
		MQTT: config.MQTTConfig{TopicPrefix: "home/sync"},
	})
	if got := f.topicFor("dev1", "poll.battery_stats"); got != "home/sync/dev1/poll/battery_stats" {
		t.Errorf("custom prefix topic = %q", got)
	}
}

func TestForwardToWebhook(t *testing.T) {
	type captured struct {
		method      string
		contentType string
		auth        string
		body        []byte
	}
	got := make(chan captured, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
			body:        body,
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	f := NewForwarder(nil, &config.Config{
		Webhook: config.WebhookConfig{
			Enabled:  true,
			Endpoint: ts.URL,
			Headers:  map[string]string{"Authorization": "Bearer hook-secret"},
		},
	})

	f.forwardToWebhook("device.dev1.event.battery_status", "dev1", "event.battery_status", []byte(`{"level":42}`))

	select {
	case c := <-got:
		if c.method != http.MethodPost {
			t.Errorf("method = %q, want POST", c.method)
		}
		if c.contentType != "application/json" {
			t.Errorf("content type = %q", c.contentType)
		}
		if c.auth != "Bearer hook-secret" {
			t.Errorf("auth header = %q", c.auth)
		}

		var env envelope
		if err := json.Unmarshal(c.body, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.DeviceID != "dev1" || env.Kind != "event.battery_status" {
			t.Errorf("envelope routing = %q/%q", env.DeviceID, env.Kind)
		}
		if env.Subject != "device.dev1.event.battery_status" {
			t.Errorf("envelope subject = %q", env.Subject)
		}
		var payload struct {
			Level int `json:"level"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Level != 42 {
			t.Errorf("envelope payload = %s", env.Payload)
		}
		if env.Timestamp.IsZero() {
			t.Error("envelope timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the event")
	}
}

func TestHandleDeviceEventFiltersSubjects(t *testing.T) {
	hits := make(chan string, 4)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		json.NewDecoder(r.Body).Decode(&env)
		hits <- env.Subject
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f := NewForwarder(nil, &config.Config{
		Webhook: config.WebhookConfig{
			Enabled:  true,
			Endpoint: ts.URL,
		},
	})

	// Non-device traffic on the bus must never leave the host.
	f.handleDeviceEvent(&nats.Msg{Subject: "host.driver.dev1.subscribed", Data: []byte(`{}`)})
	f.handleDeviceEvent(&nats.Msg{Subject: "device.dev1.event.power", Data: []byte(`{"on":true}`)})

	select {
	case subject := <-hits:
		if subject != "device.dev1.event.power" {
			t.Fatalf("forwarded subject = %q", subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device event was not forwarded")
	}

	select {
	case subject := <-hits:
		t.Fatalf("unexpected extra forward: %q", subject)
	case <-time.After(50 * time.Millisecond):
	}
}
