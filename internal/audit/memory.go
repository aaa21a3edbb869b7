package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps attempt rows in process memory with the same semantics as
// PGStore. Used by tests and by local development without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string][]Attempt // keyed by task ID, unsorted
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Attempt)}
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows[a.TaskID] {
		if existing.AttemptNumber == a.AttemptNumber {
			return nil // idempotent on (task_id, attempt_number)
		}
	}
	s.rows[a.TaskID] = append(s.rows[a.TaskID], a)
	return nil
}

func (s *MemoryStore) ResolveAttempt(_ context.Context, taskID string, attemptNumber int, status Status, httpStatus *int, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.rows[taskID]
	for i := range attempts {
		if attempts[i].AttemptNumber == attemptNumber && attempts[i].Status == StatusAttempting {
			attempts[i].Status = status
			attempts[i].HTTPStatus = httpStatus
			if errDetail != "" {
				attempts[i].Error = &errDetail
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, taskID string) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attempt, len(s.rows[taskID]))
	copy(out, s.rows[taskID])
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *MemoryStore) ListBySubscription(_ context.Context, subscriptionID string, status Status, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attempt
	for _, attempts := range s.rows {
		for _, a := range attempts {
			if a.SubscriptionID != subscriptionID {
				continue
			}
			if status != "" && a.Status != status {
				continue
			}
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for taskID, attempts := range s.rows {
		kept := attempts[:0]
		for _, a := range attempts {
			if a.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(s.rows, taskID)
		} else {
			s.rows[taskID] = kept
		}
	}
	return deleted, nil
}
