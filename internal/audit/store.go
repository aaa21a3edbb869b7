// Package audit persists the delivery attempt trail. Rows are append-mostly:
// the only permitted update is the single attempting -> resolved transition,
// keyed by (task_id, attempt_number).
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the recorded state of one delivery attempt
type Status string

const (
	StatusAttempting    Status = "attempting"
	StatusSuccess       Status = "success"
	StatusFailedAttempt Status = "failed_attempt"
	StatusFailure       Status = "failure"
)

// Terminal reports whether the status ends the task's attempt sequence
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Attempt is one HTTP delivery try belonging to a task's attempt sequence.
// The payload is snapshotted per attempt so the audit trail stands alone.
type Attempt struct {
	TaskID         string         `json:"task_id"`
	SubscriptionID string         `json:"subscription_id"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         Status         `json:"status"`
	HTTPStatus     *int           `json:"http_status"`
	Error          *string        `json:"error"`
	Payload        map[string]any `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
}

// PGStore is the Postgres-backed attempt store
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// AppendAttempt writes one attempt row. Idempotent on (task_id, attempt_number):
// a second write with the same key is a no-op.
func (s *PGStore) AppendAttempt(ctx context.Context, a Attempt) error {
	payloadJSON, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO relaydock.delivery_attempts
			(task_id, subscription_id, attempt_number, status, http_status, error, payload, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
		ON CONFLICT (task_id, attempt_number) DO NOTHING`,
		a.TaskID, a.SubscriptionID, a.AttemptNumber, string(a.Status),
		a.HTTPStatus, a.Error, string(payloadJSON), a.Timestamp,
	)
	return err
}

// ResolveAttempt performs the single attempting -> resolved update for a row
func (s *PGStore) ResolveAttempt(ctx context.Context, taskID string, attemptNumber int, status Status, httpStatus *int, errDetail string) error {
	var errVal *string
	if errDetail != "" {
		errVal = &errDetail
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE relaydock.delivery_attempts
		SET status = $3, http_status = $4, error = $5
		WHERE task_id = $1 AND attempt_number = $2 AND status = 'attempting'`,
		taskID, attemptNumber, string(status), httpStatus, errVal,
	)
	return err
}

// ListAttempts returns a task's attempts ordered ascending by attempt number
func (s *PGStore) ListAttempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, subscription_id, attempt_number, status, http_status, error, payload::text, timestamp
		FROM relaydock.delivery_attempts
		WHERE task_id = $1
		ORDER BY attempt_number ASC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListBySubscription returns recent attempts for a subscription, newest first,
// optionally filtered by status
func (s *PGStore) ListBySubscription(ctx context.Context, subscriptionID string, status Status, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT task_id, subscription_id, attempt_number, status, http_status, error, payload::text, timestamp
		FROM relaydock.delivery_attempts
		WHERE subscription_id = $1`
	args := []any{subscriptionID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, string(status))
	}
	q += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// PruneOlderThan deletes attempt rows with a timestamp before the cutoff and
// returns the number of rows removed
func (s *PGStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM relaydock.delivery_attempts WHERE timestamp < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

type attemptRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAttempts(rows attemptRows) ([]Attempt, error) {
	var out []Attempt
	for rows.Next() {
		var (
			a           Attempt
			status      string
			payloadText string
		)
		if err := rows.Scan(&a.TaskID, &a.SubscriptionID, &a.AttemptNumber, &status,
			&a.HTTPStatus, &a.Error, &payloadText, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Status = Status(status)
		if err := json.Unmarshal([]byte(payloadText), &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for task %s attempt %d: %w", a.TaskID, a.AttemptNumber, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
