package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaydock/relaydock/internal/config"
)

func doHook(t *testing.T, rc *receiver, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"k":"v"}`))
	if secret != "" {
		req.Header.Set(secretHeader, secret)
	}
	rec := httptest.NewRecorder()
	rc.handleHook(rec, req)
	return rec
}

func TestHookAcceptsByDefault(t *testing.T) {
	rc := &receiver{cfg: config.FakeReceiver{}}
	if rec := doHook(t, rc, ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHookSecretCheck(t *testing.T) {
	rc := &receiver{cfg: config.FakeReceiver{ExpectedSecret: "s3cret"}}

	if rec := doHook(t, rc, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: status = %d, want 401", rec.Code)
	}
	if rec := doHook(t, rc, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}
	if rec := doHook(t, rc, "s3cret"); rec.Code != http.StatusOK {
		t.Errorf("correct secret: status = %d, want 200", rec.Code)
	}
}

// The first N requests must fail at the transport level, not with an error
// status code: any received response settles a delivery as success.
func TestHookDropsFirstN(t *testing.T) {
	rc := &receiver{cfg: config.FakeReceiver{FailFirstN: 2}}
	srv := httptest.NewServer(http.HandlerFunc(rc.handleHook))
	defer srv.Close()

	for i := 1; i <= 2; i++ {
		resp, err := http.Post(srv.URL+"/hook", "application/json", strings.NewReader(`{}`))
		if err == nil {
			resp.Body.Close()
			t.Errorf("request %d: got response with status %d, want transport failure", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(srv.URL+"/hook", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request 3 failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("request 3: status = %d, want 200", resp.StatusCode)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is longer than eight", 8, "this is ..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
