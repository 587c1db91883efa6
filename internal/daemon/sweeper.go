package daemon

import (
	"context"
	"log/slog"
	"time"

	"agentq/internal/db"
)

// Sweeper periodically deletes finished jobs older than the retention
// window.
type Sweeper struct {
	store     *db.Store
	retention time.Duration
	every     time.Duration
}

func NewSweeper(store *db.Store, retention, every time.Duration) *Sweeper {
	return &Sweeper{store: store, retention: retention, every: every}
}

func (s *Sweeper) Run(ctx context.Context) {
	if s.retention <= 0 || s.every <= 0 {
		return
	}
	s.sweep(ctx)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) int64 {
	deleted, err := s.store.Cleanup(ctx, s.retention)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("sweeper: cleanup failed", "err", err)
		}
		return 0
	}
	if deleted > 0 {
		slog.Info("sweeper: deleted old jobs", "count", deleted, "retention", s.retention)
	}
	return deleted
}
