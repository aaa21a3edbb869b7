package audit

import (
	"context"
	"testing"
	"time"
)

func TestAppendAttemptIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusAttempting, Timestamp: time.Now()}
	if err := s.AppendAttempt(ctx, first); err != nil {
		t.Fatalf("AppendAttempt() error = %v", err)
	}
	// Redelivered write for the same key must not create a second row
	dup := first
	dup.Status = StatusSuccess
	if err := s.AppendAttempt(ctx, dup); err != nil {
		t.Fatalf("AppendAttempt() duplicate error = %v", err)
	}

	attempts, err := s.ListAttempts(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("got %d rows, want 1", len(attempts))
	}
	if attempts[0].Status != StatusAttempting {
		t.Errorf("duplicate append overwrote status: got %q", attempts[0].Status)
	}
}

func TestResolveAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.AppendAttempt(ctx, Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusAttempting, Timestamp: time.Now()})
	code := 200
	if err := s.ResolveAttempt(ctx, "t1", 1, StatusSuccess, &code, ""); err != nil {
		t.Fatalf("ResolveAttempt() error = %v", err)
	}

	attempts, _ := s.ListAttempts(ctx, "t1")
	if attempts[0].Status != StatusSuccess {
		t.Errorf("status = %q, want success", attempts[0].Status)
	}
	if attempts[0].HTTPStatus == nil || *attempts[0].HTTPStatus != 200 {
		t.Errorf("http_status = %v, want 200", attempts[0].HTTPStatus)
	}

	// Resolving again must not clobber the settled row
	if err := s.ResolveAttempt(ctx, "t1", 1, StatusFailedAttempt, nil, "late"); err != nil {
		t.Fatalf("ResolveAttempt() second error = %v", err)
	}
	attempts, _ = s.ListAttempts(ctx, "t1")
	if attempts[0].Status != StatusSuccess {
		t.Errorf("settled row was re-resolved: got %q", attempts[0].Status)
	}
}

func TestListAttemptsOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Insert out of order
	for _, n := range []int{3, 1, 2} {
		s.AppendAttempt(ctx, Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: n, Status: StatusFailedAttempt, Timestamp: time.Now()})
	}
	attempts, err := s.ListAttempts(ctx, "t1")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	for i, a := range attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempts[%d].AttemptNumber = %d, want %d", i, a.AttemptNumber, i+1)
		}
	}
}

func TestListAttemptsUnknownTask(t *testing.T) {
	s := NewMemoryStore()
	attempts, err := s.ListAttempts(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("got %d rows for unknown task, want 0", len(attempts))
	}
}

func TestListBySubscription(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.AppendAttempt(ctx, Attempt{TaskID: "t1", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusSuccess, Timestamp: now.Add(-2 * time.Hour)})
	s.AppendAttempt(ctx, Attempt{TaskID: "t2", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusFailure, Timestamp: now.Add(-1 * time.Hour)})
	s.AppendAttempt(ctx, Attempt{TaskID: "t3", SubscriptionID: "sub-2", AttemptNumber: 1, Status: StatusSuccess, Timestamp: now})

	all, err := s.ListBySubscription(ctx, "sub-1", "", 0)
	if err != nil {
		t.Fatalf("ListBySubscription() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d rows, want 2", len(all))
	}
	// Newest first
	if all[0].TaskID != "t2" || all[1].TaskID != "t1" {
		t.Errorf("order = [%s %s], want [t2 t1]", all[0].TaskID, all[1].TaskID)
	}

	failed, _ := s.ListBySubscription(ctx, "sub-1", StatusFailure, 0)
	if len(failed) != 1 || failed[0].TaskID != "t2" {
		t.Errorf("status filter returned %v", failed)
	}

	limited, _ := s.ListBySubscription(ctx, "sub-1", "", 1)
	if len(limited) != 1 {
		t.Errorf("limit=1 returned %d rows", len(limited))
	}
}

func TestPruneOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.AppendAttempt(ctx, Attempt{TaskID: "old", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusSuccess, Timestamp: now.Add(-73 * time.Hour)})
	s.AppendAttempt(ctx, Attempt{TaskID: "new", SubscriptionID: "sub-1", AttemptNumber: 1, Status: StatusSuccess, Timestamp: now.Add(-1 * time.Hour)})

	deleted, err := s.PruneOlderThan(ctx, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("PruneOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if rows, _ := s.ListAttempts(ctx, "old"); len(rows) != 0 {
		t.Error("row at T-73h survived the 72h horizon")
	}
	if rows, _ := s.ListAttempts(ctx, "new"); len(rows) != 1 {
		t.Error("row at T-1h was pruned")
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusAttempting, false},
		{StatusFailedAttempt, false},
		{StatusSuccess, true},
		{StatusFailure, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
