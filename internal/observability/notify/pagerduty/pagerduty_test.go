package pagerduty

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mixdown/renderd/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestSendOperatorAlertEventDefaults(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode event body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		RoutingKey: "key",
		Source:     "",
		Component:  "render-node",
		Timeout:    time.Second,
		Endpoint:   server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{
		Kind:    notify.KindKillFailed,
		JobID:   "job-123",
		OwnerID: "owner-9",
		Message: "renderer survived two kill attempts",
		Metadata: map[string]string{
			"pid": "4242",
		},
	})
	if err != nil {
		t.Fatalf("SendOperatorAlert error: %v", err)
	}

	if received["routing_key"] != "key" {
		t.Fatalf("expected routing key, got %v", received["routing_key"])
	}
	if received["event_action"] != "trigger" {
		t.Fatalf("expected trigger action, got %v", received["event_action"])
	}

	dedup, _ := received["dedup_key"].(string)
	if !strings.Contains(dedup, "job-123") {
		t.Fatalf("expected dedup key to reference job id, got %s", dedup)
	}

	payloadSection, ok := received["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "renderd" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if payloadSection["component"] != "render-node" {
		t.Fatalf("expected component, got %v", payloadSection["component"])
	}
	if payloadSection["summary"] != "renderer survived two kill attempts" {
		t.Fatalf("expected message as summary, got %v", payloadSection["summary"])
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	required := []string{"job_id", "owner_id", "pid"}
	for _, key := range required {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}
}

func TestSendOperatorAlertFallsBackToKindSummary(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode event body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		RoutingKey: "key",
		Endpoint:   server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{
		Kind: notify.KindRenderTimeout,
	})
	if err != nil {
		t.Fatalf("SendOperatorAlert error: %v", err)
	}

	payloadSection, ok := received["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["summary"] != notify.KindRenderTimeout {
		t.Fatalf("expected kind as summary fallback, got %v", payloadSection["summary"])
	}

	if dedup, _ := received["dedup_key"].(string); dedup != "" {
		t.Fatalf("expected empty dedup key without job id, got %s", dedup)
	}
}

func TestSendOperatorAlertRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		RoutingKey: "key",
		RetryLimit: 2,
		Endpoint:   server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{
		Kind:  notify.KindKillFailed,
		JobID: "job-1",
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", got)
	}
}

func TestSendOperatorAlertReturnsLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid routing key", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		RoutingKey: "key",
		Endpoint:   server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{Kind: notify.KindKillFailed})
	if err == nil {
		t.Fatal("expected error from events api failure")
	}
	if !strings.Contains(err.Error(), "invalid routing key") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}
