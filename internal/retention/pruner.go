// Package retention deletes audit rows past a fixed horizon on a schedule.
// Failures are logged and retried on the next tick, never fatal.
package retention

import (
	"context"
	"time"

	"github.com/relaydock/relaydock/internal/logging"
	"github.com/relaydock/relaydock/internal/metrics"
)

// Store is the slice of the audit store the pruner consumes
type Store interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Pruner struct {
	store    Store
	horizon  time.Duration
	interval time.Duration
	logger   *logging.Logger

	now func() time.Time
}

func NewPruner(store Store, horizon, interval time.Duration, logger *logging.Logger) *Pruner {
	if logger == nil {
		logger = logging.New("relaydock-retention")
	}
	return &Pruner{
		store:    store,
		horizon:  horizon,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run prunes once immediately, then on every tick until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) {
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Plain().Info("retention pruner stopped")
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.horizon)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("retention prune failed")
		return
	}
	metrics.RecordRetentionDeleted(deleted)
	p.logger.Plain().WithField("deleted", deleted).
		WithField("cutoff", cutoff.UTC().Format(time.RFC3339)).
		Info("retention prune completed")
}
