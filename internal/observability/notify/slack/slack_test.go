package slack

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
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#render-alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.OperatorAlert{
		Kind:     notify.KindKillFailed,
		JobID:    "job-123",
		OwnerID:  "owner-9",
		Message:  "renderer survived two kill attempts",
		Severity: notify.SeverityCritical,
		Metadata: map[string]string{"pid": "4242"},
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#render-alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Renderer alert", "kill_failed", "job-123", "owner-9", "renderer survived two kill attempts", "critical", "pid", "4242"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageDefaultsSeverity(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.OperatorAlert{
		Kind:  notify.KindOrphanedJob,
		JobID: "job-1",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !strings.Contains(text, "Severity: "+notify.SeverityCritical) {
		t.Fatalf("expected default severity in text: %s", text)
	}
	if _, present := msg["channel"]; present {
		t.Fatalf("expected channel to be omitted when unset, got %v", msg["channel"])
	}
}

func TestFormatMessageEscapesContent(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.OperatorAlert{
		Kind:    notify.KindRenderTimeout,
		JobID:   "job-1",
		Message: "exit <code> & signal",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "exit &lt;code&gt; &amp; signal") {
		t.Fatalf("expected escaped message, got: %s", text)
	}
}

func TestSendOperatorAlertPostsJSON(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		WebhookURL: server.URL,
		Username:   "renderd",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{
		Kind:    notify.KindKillFailed,
		JobID:   "job-7",
		Message: "manual cleanup required",
	})
	if err != nil {
		t.Fatalf("SendOperatorAlert error: %v", err)
	}

	if received["username"] != "renderd" {
		t.Fatalf("expected username in payload, got %v", received["username"])
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "job-7") {
		t.Fatalf("expected job id in delivered text: %s", text)
	}
}

func TestSendOperatorAlertRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "temporarily unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		WebhookURL: server.URL,
		RetryLimit: 2,
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{
		Kind:  notify.KindOrphanedJob,
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
		http.Error(w, "no such webhook", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		WebhookURL: server.URL,
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendOperatorAlert(t.Context(), notify.OperatorAlert{Kind: notify.KindKillFailed})
	if err == nil {
		t.Fatal("expected error from webhook failure")
	}
	if !strings.Contains(err.Error(), "no such webhook") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
