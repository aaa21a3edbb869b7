// Package subscription owns subscriber endpoint records. The delivery core
// treats a Subscription as read-only input per task.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no subscription exists for the given ID
var ErrNotFound = errors.New("subscription not found")

type Subscription struct {
	ID         string    `json:"id"`
	TargetURL  string    `json:"target_url"`
	Secret     string    `json:"secret,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ValidateTargetURL rejects anything that is not a well-formed http(s) URL
func ValidateTargetURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid target_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid target_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid target_url: missing host")
	}
	return nil
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, targetURL, secret string, eventTypes []string) (Subscription, error) {
	if err := ValidateTargetURL(targetURL); err != nil {
		return Subscription{}, err
	}
	var sub Subscription
	sub.TargetURL = targetURL
	sub.Secret = secret
	sub.EventTypes = eventTypes
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relaydock.subscriptions(target_url, secret, event_types)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		targetURL, nullable(secret), eventTypes,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Store) Get(ctx context.Context, id string) (Subscription, error) {
	var (
		sub    Subscription
		secret *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, target_url, secret, event_types, created_at, updated_at
		FROM relaydock.subscriptions
		WHERE id = $1`,
		id,
	).Scan(&sub.ID, &sub.TargetURL, &secret, &sub.EventTypes, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	if secret != nil {
		sub.Secret = *secret
	}
	return sub, nil
}

func (s *Store) List(ctx context.Context) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_url, secret, event_types, created_at, updated_at
		FROM relaydock.subscriptions
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var (
			sub    Subscription
			secret *string
		)
		if err := rows.Scan(&sub.ID, &sub.TargetURL, &secret, &sub.EventTypes, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		if secret != nil {
			sub.Secret = *secret
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, id, targetURL, secret string, eventTypes []string) (Subscription, error) {
	if err := ValidateTargetURL(targetURL); err != nil {
		return Subscription{}, err
	}
	var sub Subscription
	sub.ID = id
	sub.TargetURL = targetURL
	sub.Secret = secret
	sub.EventTypes = eventTypes
	err := s.pool.QueryRow(ctx, `
		UPDATE relaydock.subscriptions
		SET target_url = $2, secret = $3, event_types = $4, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		id, targetURL, nullable(secret), eventTypes,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM relaydock.subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
