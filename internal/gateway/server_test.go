package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaydock/relaydock/internal/audit"
	"github.com/relaydock/relaydock/internal/delivery"
	"github.com/relaydock/relaydock/internal/subscription"
)

type stubSubs struct {
	byID map[string]subscription.Subscription
	next int
}

func newStubSubs(subs ...subscription.Subscription) *stubSubs {
	s := &stubSubs{byID: make(map[string]subscription.Subscription)}
	for _, sub := range subs {
		s.byID[sub.ID] = sub
	}
	return s
}

func (s *stubSubs) Create(_ context.Context, targetURL, secret string, eventTypes []string) (subscription.Subscription, error) {
	s.next++
	sub := subscription.Subscription{
		ID: fmt.Sprintf("sub-%d", s.next), TargetURL: targetURL, Secret: secret,
		EventTypes: eventTypes, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	s.byID[sub.ID] = sub
	return sub, nil
}

func (s *stubSubs) Get(_ context.Context, id string) (subscription.Subscription, error) {
	sub, ok := s.byID[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return sub, nil
}

func (s *stubSubs) List(_ context.Context) ([]subscription.Subscription, error) {
	out := make([]subscription.Subscription, 0, len(s.byID))
	for _, sub := range s.byID {
		out = append(out, sub)
	}
	return out, nil
}

func (s *stubSubs) Update(_ context.Context, id, targetURL, secret string, eventTypes []string) (subscription.Subscription, error) {
	sub, ok := s.byID[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	sub.TargetURL, sub.Secret, sub.EventTypes = targetURL, secret, eventTypes
	sub.UpdatedAt = time.Now()
	s.byID[id] = sub
	return sub, nil
}

func (s *stubSubs) Delete(_ context.Context, id string) error {
	if _, ok := s.byID[id]; !ok {
		return subscription.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

type stubQueue struct {
	tasks []delivery.Task
	err   error
}

func (q *stubQueue) Enqueue(_ context.Context, t delivery.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func newTestServer(subs SubscriptionStore, attempts AttemptStore, queue Enqueuer) *httptest.Server {
	srv := NewServer(subs, attempts, queue, nil, nil)
	mux := http.NewServeMux()
	srv.Register(mux)
	return httptest.NewServer(mux)
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIngest(t *testing.T) {
	const secret = "s3cret"
	payload := []byte(`{"order_id":42}`)
	body := `{"payload":` + string(payload) + `}`

	tests := []struct {
		name       string
		subID      string
		body       string
		signature  string
		queueErr   error
		wantCode   int
		wantQueued int
	}{
		{
			name: "valid signature accepted", subID: "sub-signed",
			body: body, signature: sign(secret, payload),
			wantCode: http.StatusAccepted, wantQueued: 1,
		},
		{
			name: "unknown subscription", subID: "nope",
			body: body, wantCode: http.StatusNotFound,
		},
		{
			name: "missing signature", subID: "sub-signed",
			body: body, wantCode: http.StatusBadRequest,
		},
		{
			name: "wrong signature", subID: "sub-signed",
			body: body, signature: sign("other-secret", payload),
			wantCode: http.StatusForbidden,
		},
		{
			name: "signature over different bytes", subID: "sub-signed",
			body: body, signature: sign(secret, []byte(`{"order_id": 42}`)),
			wantCode: http.StatusForbidden,
		},
		{
			name: "no secret configured, no signature needed", subID: "sub-open",
			body: body, wantCode: http.StatusAccepted, wantQueued: 1,
		},
		{
			name: "invalid JSON body", subID: "sub-open",
			body: `{"payload":`, wantCode: http.StatusBadRequest,
		},
		{
			name: "missing payload field", subID: "sub-open",
			body: `{}`, wantCode: http.StatusBadRequest,
		},
		{
			name: "payload not an object", subID: "sub-open",
			body: `{"payload": "just a string"}`, wantCode: http.StatusBadRequest,
		},
		{
			name: "queue unavailable", subID: "sub-open",
			body: body, queueErr: errors.New("nsqd unreachable"),
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := newStubSubs(
				subscription.Subscription{ID: "sub-signed", TargetURL: "https://example.com/hook", Secret: secret},
				subscription.Subscription{ID: "sub-open", TargetURL: "https://example.com/hook"},
			)
			queue := &stubQueue{err: tt.queueErr}
			ts := newTestServer(subs, audit.NewMemoryStore(), queue)
			defer ts.Close()

			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/ingest/"+tt.subID, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if len(queue.tasks) != tt.wantQueued {
				t.Errorf("queued %d tasks, want %d", len(queue.tasks), tt.wantQueued)
			}
			if tt.wantQueued == 1 {
				task := queue.tasks[0]
				if task.SubscriptionID != tt.subID {
					t.Errorf("task subscription = %q, want %q", task.SubscriptionID, tt.subID)
				}
				if task.Payload["order_id"] != float64(42) {
					t.Errorf("task payload = %v", task.Payload)
				}
			}
		})
	}
}

// A client that pretty-prints its payload must still pass verification when
// it signs the payload bytes exactly as embedded in the request body.
func TestIngestSignedOverWireBytes(t *testing.T) {
	const secret = "s3cret"
	subs := newStubSubs(subscription.Subscription{ID: "sub-signed", TargetURL: "https://example.com/hook", Secret: secret})

	for _, payload := range []string{
		`{"order_id": 42}`,
		"{\n  \"order_id\": 42\n}",
	} {
		// Compact first, then sign and embed the same bytes
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(payload)); err != nil {
			t.Fatalf("compact: %v", err)
		}
		wire := buf.Bytes()
		body := `{"payload":` + buf.String() + `}`

		queue := &stubQueue{}
		ts := newTestServer(subs, audit.NewMemoryStore(), queue)

		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/ingest/sub-signed", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, sign(secret, wire))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		ts.Close()

		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("payload %q: status = %d, want 202", payload, resp.StatusCode)
		}
		if len(queue.tasks) != 1 {
			t.Errorf("payload %q: queued %d tasks, want 1", payload, len(queue.tasks))
		}
	}
}

func TestStatus(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx := context.Background()
	code := 200
	store.AppendAttempt(ctx, audit.Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 2, Status: audit.StatusSuccess, HTTPStatus: &code, Timestamp: time.Now()})
	store.AppendAttempt(ctx, audit.Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 1, Status: audit.StatusFailedAttempt, Timestamp: time.Now()})

	ts := newTestServer(newStubSubs(), store, &stubQueue{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status/t1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var attempts []audit.Attempt
	if err := json.NewDecoder(resp.Body).Decode(&attempts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if attempts[0].AttemptNumber != 1 || attempts[1].AttemptNumber != 2 {
		t.Errorf("attempts out of order: %d, %d", attempts[0].AttemptNumber, attempts[1].AttemptNumber)
	}

	resp2, err := http.Get(ts.URL + "/status/unknown")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", resp2.StatusCode)
	}
}

func TestSubscriptionCRUD(t *testing.T) {
	ts := newTestServer(newStubSubs(), audit.NewMemoryStore(), &stubQueue{})
	defer ts.Close()

	// Create
	createBody := `{"target_url": "https://example.com/hook", "secret": "s3cret", "event_types": ["order.created"]}`
	resp, err := http.Post(ts.URL+"/subscriptions", "application/json", strings.NewReader(createBody))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var created subscription.Subscription
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created.ID == "" || created.TargetURL != "https://example.com/hook" {
		t.Fatalf("created = %+v", created)
	}

	// Reject bad URL
	resp, _ = http.Post(ts.URL+"/subscriptions", "application/json", strings.NewReader(`{"target_url": "ftp://example.com"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad url create status = %d, want 400", resp.StatusCode)
	}

	// Get
	resp, _ = http.Get(ts.URL + "/subscriptions/" + created.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	// List
	resp, _ = http.Get(ts.URL + "/subscriptions")
	var listed []subscription.Subscription
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed) != 1 {
		t.Errorf("list returned %d subscriptions, want 1", len(listed))
	}

	// Update
	updateBody := `{"target_url": "https://example.com/hook2"}`
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/subscriptions/"+created.ID, bytes.NewReader([]byte(updateBody)))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	var updated subscription.Subscription
	json.NewDecoder(resp.Body).Decode(&updated)
	resp.Body.Close()
	if updated.TargetURL != "https://example.com/hook2" {
		t.Errorf("updated target = %q", updated.TargetURL)
	}

	// Delete
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/subscriptions/"+created.ID, nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d, want 200", resp.StatusCode)
	}

	// Gone now
	resp, _ = http.Get(ts.URL + "/subscriptions/" + created.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestListDeliveries(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	store.AppendAttempt(ctx, audit.Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 1, Status: audit.StatusSuccess, Timestamp: now.Add(-time.Minute)})
	store.AppendAttempt(ctx, audit.Attempt{TaskID: "t2", SubscriptionID: "sub-1", AttemptNumber: 1, Status: audit.StatusFailure, Timestamp: now})

	ts := newTestServer(newStubSubs(subscription.Subscription{ID: "sub-1", TargetURL: "https://example.com/hook"}), store, &stubQueue{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/subscriptions/sub-1/deliveries?status=failure")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var attempts []audit.Attempt
	json.NewDecoder(resp.Body).Decode(&attempts)
	if len(attempts) != 1 || attempts[0].TaskID != "t2" {
		t.Errorf("filtered deliveries = %+v, want only t2", attempts)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"a":1}`)
	good := sign("secret", payload)

	if !verifySignature("secret", payload, good) {
		t.Error("valid signature rejected")
	}
	if verifySignature("secret", payload, strings.ToUpper(good)) {
		t.Error("case-mangled signature accepted")
	}
	if verifySignature("other", payload, good) {
		t.Error("signature for wrong key accepted")
	}
	if verifySignature("secret", []byte(`{"a":2}`), good) {
		t.Error("signature over different payload accepted")
	}
}
