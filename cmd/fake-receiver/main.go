// fake-receiver is a local webhook endpoint for exercising the delivery
// pipeline: it can require the shared-secret header, drop the first N
// requests to force retries, and delay responses to simulate a slow
// subscriber.
package main

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/relaydock/relaydock/internal/config"
)

const secretHeader = "X-Webhook-Secret"

type receiver struct {
	mu       sync.Mutex
	reqCount int
	cfg      config.FakeReceiver
}

func main() {
	cfg := config.FromEnv().FakeReceiver
	rcv := &receiver{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	rc.mu.Lock()
	rc.reqCount++
	count := rc.reqCount
	rc.mu.Unlock()

	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	if rc.cfg.ExpectedSecret != "" {
		got := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(rc.cfg.ExpectedSecret)) != 1 {
			log.Printf("fake-receiver secret mismatch on %s", r.URL.Path)
			http.Error(w, "invalid secret", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: drop the connection on the first N requests. Any
	// written response, a 500 included, would settle the delivery, so the
	// failure has to happen below the HTTP layer to exercise retries.
	if count <= rc.cfg.FailFirstN {
		log.Printf("DROPPING (%d/%d) %s body=%s", count, rc.cfg.FailFirstN, r.URL.Path, truncate(string(b), 160))
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}

	log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate shortens a string to n bytes with an ellipsis
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
