// Package delivery implements the attempt/backoff state machine that turns
// one ingested event into a bounded sequence of HTTP delivery attempts with a
// persisted audit trail.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaydock/relaydock/internal/audit"
	"github.com/relaydock/relaydock/internal/logging"
	"github.com/relaydock/relaydock/internal/metrics"
	"github.com/relaydock/relaydock/internal/tracing"
)

// Endpoint is the read-only subscriber reference a task delivers to
type Endpoint struct {
	SubscriptionID string
	URL            string
	Secret         string
}

// AuditLog is the write-only slice of the audit store the engine needs.
// The engine never reads its own writes back.
type AuditLog interface {
	AppendAttempt(ctx context.Context, a audit.Attempt) error
	ResolveAttempt(ctx context.Context, taskID string, attemptNumber int, status audit.Status, httpStatus *int, errDetail string) error
}

// Outcome is the terminal state of one delivery task
type Outcome struct {
	TaskID     string
	Status     audit.Status // success or failure; empty when abandoned on shutdown
	Attempts   int
	HTTPStatus int // observed status code on success, 0 otherwise
}

// Config bounds the retry behavior of an Engine
type Config struct {
	MaxAttempts  int
	Backoff      []time.Duration // wait before attempt k+1 is Backoff[k-1]
	SecretHeader string
}

// Engine executes the full attempt lifecycle for one task at a time.
// A single task's attempts are strictly sequential within its owning worker;
// engines are safe for concurrent use across tasks.
type Engine struct {
	store  AuditLog
	client *http.Client
	cfg    Config
	logger *logging.Logger

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewEngine(store AuditLog, client *http.Client, cfg Config, logger *logging.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = "X-Webhook-Secret"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = logging.New("relaydock-engine")
	}
	return &Engine{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Deliver runs the attempt sequence for one task to its terminal state.
// All failures are absorbed into the audit trail; the returned Outcome is
// informational and the queue worker may ignore it.
func (e *Engine) Deliver(ctx context.Context, ep Endpoint, payload map[string]any) Outcome {
	taskID := uuid.NewString()
	started := e.now()

	ctx, span := tracing.StartSpan(ctx, "delivery.task",
		attribute.String("task_id", taskID),
		attribute.String("subscription_id", ep.SubscriptionID),
		attribute.String("endpoint_url", ep.URL),
	)
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		// Application failure before the first network call: terminal, no retry
		e.appendRow(ctx, audit.Attempt{
			TaskID: taskID, SubscriptionID: ep.SubscriptionID, AttemptNumber: 1,
			Status: audit.StatusFailure, Error: strPtr(err.Error()),
			Payload: payload, Timestamp: e.now(),
		})
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithTask(taskID).WithSubscription(ep.SubscriptionID).WithError(err).Error("payload serialization failed")
		metrics.RecordDelivery(string(audit.StatusFailure), e.now().Sub(started))
		return Outcome{TaskID: taskID, Status: audit.StatusFailure, Attempts: 1}
	}

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := e.backoffFor(attempt)
			tracing.AddSpanEvent(ctx, "delivery.backoff",
				attribute.Int("attempt", attempt),
				attribute.String("wait", wait.String()),
			)
			e.logger.WithContext(ctx).WithTask(taskID).WithAttempt(attempt).
				WithField("wait", wait.String()).Info("waiting before retry")
			if err := e.sleep(ctx, wait); err != nil {
				// Worker shutdown mid-backoff: abandon without a terminal row.
				// The queue redelivers the unit of work under a new task ID.
				e.logger.WithContext(ctx).WithTask(taskID).Warn("delivery abandoned during backoff")
				return Outcome{TaskID: taskID, Attempts: attempt - 1}
			}
		}

		e.appendRow(ctx, audit.Attempt{
			TaskID: taskID, SubscriptionID: ep.SubscriptionID, AttemptNumber: attempt,
			Status: audit.StatusAttempting, Payload: payload, Timestamp: e.now(),
		})

		status, doErr := e.post(ctx, ep, body)
		if doErr != nil && errors.Is(doErr, errApplication) {
			// Not a transport verdict: terminal failure, no retry
			e.resolveRow(ctx, taskID, attempt, audit.StatusFailure, nil, doErr.Error())
			metrics.RecordAttempt(string(audit.StatusFailure))
			metrics.RecordDelivery(string(audit.StatusFailure), e.now().Sub(started))
			tracing.SetSpanError(ctx, doErr)
			e.logger.WithContext(ctx).WithTask(taskID).WithSubscription(ep.SubscriptionID).
				WithAttempt(attempt).WithError(doErr).Error("delivery failed on application error")
			return Outcome{TaskID: taskID, Status: audit.StatusFailure, Attempts: attempt}
		}
		if doErr == nil {
			// Any received response, error status codes included, completes the
			// task as success with the observed code recorded verbatim.
			e.resolveRow(ctx, taskID, attempt, audit.StatusSuccess, &status, "")
			metrics.RecordAttempt(string(audit.StatusSuccess))
			metrics.RecordDelivery(string(audit.StatusSuccess), e.now().Sub(started))
			span.SetAttributes(
				attribute.Int("http.status_code", status),
				attribute.Int("delivery.attempts", attempt),
			)
			e.logger.WithContext(ctx).WithTask(taskID).WithSubscription(ep.SubscriptionID).
				WithAttempt(attempt).WithField("http_status", status).Info("webhook delivered")
			return Outcome{TaskID: taskID, Status: audit.StatusSuccess, Attempts: attempt, HTTPStatus: status}
		}

		if ctx.Err() != nil {
			// Shutdown mid-flight, not a real transport verdict
			e.resolveRow(ctx, taskID, attempt, audit.StatusFailedAttempt, nil, doErr.Error())
			e.logger.WithContext(ctx).WithTask(taskID).Warn("delivery abandoned mid-attempt")
			return Outcome{TaskID: taskID, Attempts: attempt}
		}

		e.resolveRow(ctx, taskID, attempt, audit.StatusFailedAttempt, nil, doErr.Error())
		metrics.RecordAttempt(string(audit.StatusFailedAttempt))
		metrics.RecordRetry(classifyReason(doErr))
		e.logger.WithContext(ctx).WithTask(taskID).WithSubscription(ep.SubscriptionID).
			WithAttempt(attempt).WithError(doErr).Error("delivery attempt failed")
	}

	// Exhausted the schedule: one final failure marker past the last attempt
	final := audit.Attempt{
		TaskID: taskID, SubscriptionID: ep.SubscriptionID,
		AttemptNumber: e.cfg.MaxAttempts + 1,
		Status:        audit.StatusFailure, Error: strPtr("Max retries reached"),
		Payload: payload, Timestamp: e.now(),
	}
	e.appendRow(ctx, final)
	metrics.RecordDelivery(string(audit.StatusFailure), e.now().Sub(started))
	span.SetAttributes(attribute.Int("delivery.attempts", e.cfg.MaxAttempts))
	e.logger.WithContext(ctx).WithTask(taskID).WithSubscription(ep.SubscriptionID).
		Error("max retries reached, task failed")
	return Outcome{TaskID: taskID, Status: audit.StatusFailure, Attempts: e.cfg.MaxAttempts + 1}
}

// backoffFor returns the wait inserted before the given attempt (>= 2)
func (e *Engine) backoffFor(attempt int) time.Duration {
	idx := attempt - 2
	if idx >= len(e.cfg.Backoff) {
		idx = len(e.cfg.Backoff) - 1
	}
	return e.cfg.Backoff[idx]
}

// errApplication marks failures that are not transport verdicts and must not
// be retried
var errApplication = errors.New("application error")

// post executes one outbound HTTP attempt. A nil error means a response was
// received, whatever its status code; a non-nil error is a transport failure
// unless it wraps errApplication.
func (e *Engine) post(ctx context.Context, ep Endpoint, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", errApplication, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		req.Header.Set(e.cfg.SecretHeader, ep.Secret)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// appendRow writes an attempt row, logging rather than propagating failures:
// audit writes must never abort the delivery sequence.
func (e *Engine) appendRow(ctx context.Context, a audit.Attempt) {
	if err := e.store.AppendAttempt(ctx, a); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithTask(a.TaskID).WithAttempt(a.AttemptNumber).WithError(err).Error("audit append failed")
	}
}

func (e *Engine) resolveRow(ctx context.Context, taskID string, attempt int, status audit.Status, httpStatus *int, errDetail string) {
	if err := e.store.ResolveAttempt(ctx, taskID, attempt, status, httpStatus, errDetail); err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithTask(taskID).WithAttempt(attempt).WithError(err).Error("audit resolve failed")
	}
}

// classifyReason buckets a transport error for retry metrics
func classifyReason(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return "dns_error"
	default:
		return "network"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func strPtr(s string) *string { return &s }
