// Package gateway is the HTTP boundary: event ingestion with signature
// verification, task status lookup, and subscription CRUD. It never executes
// deliveries itself; accepted events are handed to the dispatch queue.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relaydock/relaydock/internal/audit"
	"github.com/relaydock/relaydock/internal/auth"
	"github.com/relaydock/relaydock/internal/delivery"
	"github.com/relaydock/relaydock/internal/logging"
	"github.com/relaydock/relaydock/internal/metrics"
	"github.com/relaydock/relaydock/internal/subscription"
	"github.com/relaydock/relaydock/internal/tracing"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw payload bytes on
// inbound ingestion requests
const SignatureHeader = "X-Signature"

type SubscriptionStore interface {
	Create(ctx context.Context, targetURL, secret string, eventTypes []string) (subscription.Subscription, error)
	Get(ctx context.Context, id string) (subscription.Subscription, error)
	List(ctx context.Context) ([]subscription.Subscription, error)
	Update(ctx context.Context, id, targetURL, secret string, eventTypes []string) (subscription.Subscription, error)
	Delete(ctx context.Context, id string) error
}

type AttemptStore interface {
	ListAttempts(ctx context.Context, taskID string) ([]audit.Attempt, error)
	ListBySubscription(ctx context.Context, subscriptionID string, status audit.Status, limit int) ([]audit.Attempt, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t delivery.Task) error
}

type Server struct {
	subs     SubscriptionStore
	attempts AttemptStore
	queue    Enqueuer
	admin    *auth.Validator // nil disables admin auth
	logger   *logging.Logger
}

func NewServer(subs SubscriptionStore, attempts AttemptStore, queue Enqueuer, admin *auth.Validator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("relaydock-api")
	}
	return &Server{subs: subs, attempts: attempts, queue: queue, admin: admin, logger: logger}
}

// Register mounts all gateway routes on the mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/{id}", s.handleIngest)
	mux.HandleFunc("GET /status/{task_id}", s.handleStatus)

	mux.Handle("POST /subscriptions", s.adminOnly(s.handleCreateSubscription))
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /subscriptions/{id}", s.handleGetSubscription)
	mux.Handle("PUT /subscriptions/{id}", s.adminOnly(s.handleUpdateSubscription))
	mux.Handle("DELETE /subscriptions/{id}", s.adminOnly(s.handleDeleteSubscription))
	mux.HandleFunc("GET /subscriptions/{id}/deliveries", s.handleListDeliveries)
}

func (s *Server) adminOnly(h http.HandlerFunc) http.Handler {
	if s.admin == nil {
		return h
	}
	return s.admin.Middleware(h)
}

type ingestRequest struct {
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	subID := r.PathValue("id")
	ctx, span := tracing.StartSpan(r.Context(), "gateway.ingest",
		attribute.String("subscription_id", subID),
	)
	defer span.End()

	sub, err := s.subs.Get(ctx, subID)
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithSubscription(subID).WithError(err).Error("subscription lookup failed")
		writeError(w, http.StatusInternalServerError, "subscription lookup failed")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	// Signature check over the raw payload bytes; rejected events never
	// reach the queue and leave no audit row
	if sub.Secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			writeError(w, http.StatusBadRequest, "missing "+SignatureHeader+" header")
			return
		}
		if !verifySignature(sub.Secret, req.Payload, sig) {
			tracing.AddSpanEvent(ctx, "gateway.signature_rejected")
			s.logger.WithContext(ctx).WithSubscription(subID).Warn("ingest signature mismatch")
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	task := delivery.Task{
		SubscriptionID: sub.ID,
		Payload:        payload,
		EnqueuedAt:     time.Now().UTC().Format(time.RFC3339),
		TraceHeaders:   tracing.PropagateToTask(ctx),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// Retryable from the caller's side: the event was not accepted
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithSubscription(subID).WithError(err).Error("enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "dispatch queue unavailable")
		return
	}

	metrics.RecordEventIngested()
	tracing.AddSpanEvent(ctx, "gateway.enqueued")
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "webhook received and queued"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	attempts, err := s.attempts.ListAttempts(r.Context(), taskID)
	if err != nil {
		s.logger.WithContext(r.Context()).WithTask(taskID).WithError(err).Error("status lookup failed")
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if len(attempts) == 0 {
		writeError(w, http.StatusNotFound, "no delivery attempts found for this task ID")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

type subscriptionRequest struct {
	TargetURL  string   `json:"target_url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := subscription.ValidateTargetURL(req.TargetURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.subs.Create(r.Context(), req.TargetURL, req.Secret, req.EventTypes)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("create subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("list subscriptions failed")
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("get subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := subscription.ValidateTargetURL(req.TargetURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.subs.Update(r.Context(), r.PathValue("id"), req.TargetURL, req.Secret, req.EventTypes)
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("update subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	err := s.subs.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("delete subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscription deleted"})
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	subID := r.PathValue("id")
	status := audit.Status(r.URL.Query().Get("status"))
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	attempts, err := s.attempts.ListBySubscription(r.Context(), subID, status, limit)
	if err != nil {
		s.logger.WithContext(r.Context()).WithSubscription(subID).WithError(err).Error("list deliveries failed")
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if attempts == nil {
		attempts = []audit.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// verifySignature compares the given hex signature against the HMAC-SHA256 of
// the raw payload bytes in constant time
func verifySignature(secret string, payload []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
