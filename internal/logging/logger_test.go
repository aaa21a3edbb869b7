package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
)

// captureStdout runs fn while stdout is redirected and returns what was written
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()
	w.Close()

	var out string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out += scanner.Text() + "\n"
	}
	return out
}

func TestLoggerOutputsJSON(t *testing.T) {
	logger := New("test-service")

	out := captureStdout(t, func() {
		logger.Plain().
			WithTask("task-1").
			WithSubscription("sub-1").
			WithAttempt(3).
			WithField("http_status", 200).
			Info("webhook delivered")
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if entry.Level != LevelInfo {
		t.Errorf("level = %q, want info", entry.Level)
	}
	if entry.Message != "webhook delivered" {
		t.Errorf("msg = %q", entry.Message)
	}
	if entry.Service != "test-service" {
		t.Errorf("service = %q", entry.Service)
	}
	if entry.TaskID != "task-1" || entry.SubscriptionID != "sub-1" || entry.Attempt != 3 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["http_status"] != float64(200) {
		t.Errorf("fields = %v", entry.Fields)
	}
	if entry.Time.IsZero() {
		t.Error("time not set")
	}
}

func TestWithError(t *testing.T) {
	logger := New("test-service")

	out := captureStdout(t, func() {
		logger.Plain().WithError(errors.New("connection refused")).Error("delivery attempt failed")
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Level != LevelError {
		t.Errorf("level = %q, want error", entry.Level)
	}
	if entry.Fields["error"] != "connection refused" {
		t.Errorf("error field = %v", entry.Fields["error"])
	}
}

func TestWithErrorNil(t *testing.T) {
	e := New("test-service").Plain().WithError(nil)
	if _, ok := e.Fields["error"]; ok {
		t.Error("nil error added a field")
	}
}

func TestFieldsOmittedWhenEmpty(t *testing.T) {
	logger := New("test-service")

	out := captureStdout(t, func() {
		logger.Plain().Info("no fields")
	})

	var raw map[string]any
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if _, ok := raw["fields"]; ok {
		t.Error("empty fields map serialized")
	}
}

func TestWithFields(t *testing.T) {
	e := New("svc").Plain().WithFields(map[string]any{"a": 1, "b": "two"})
	if e.Fields["a"] != 1 || e.Fields["b"] != "two" {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestWithContextNoTrace(t *testing.T) {
	e := New("svc").WithContext(context.Background())
	if e.TraceID != "" {
		t.Errorf("trace_id = %q, want empty without an active span", e.TraceID)
	}
	if e.Service != "svc" {
		t.Errorf("service = %q", e.Service)
	}
}

func TestInfof(t *testing.T) {
	out := captureStdout(t, func() {
		New("svc").Plain().Infof("attempt %d of %d", 2, 5)
	})
	var entry LogEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Message != "attempt 2 of 5" {
		t.Errorf("msg = %q", entry.Message)
	}
}
