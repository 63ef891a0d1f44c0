// Package resync runs the periodic full sync for the signed-in owner.
package resync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/tether/internal/identity"
	"github.com/kalambet/tether/internal/remote"
	"github.com/kalambet/tether/internal/syncer"
)

// Syncer is the part of the sync engine the worker drives.
type Syncer interface {
	SyncAll(ctx context.Context, ownerID string) (syncer.Summary, error)
	QueueSize() int
}

// Worker calls SyncAll on an interval while someone is signed in.
type Worker struct {
	sync     Syncer
	owner    identity.Current
	remote   remote.Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. pinger may be nil. If interval is <= 0, it
// defaults to one minute.
func NewWorker(s Syncer, owner identity.Current, pinger remote.Pinger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		sync:     s,
		owner:    owner,
		remote:   pinger,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run syncs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		more, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("resync iteration failed", "error", err)
		}
		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs one full sync for the current owner. It returns true when
// the run made progress and records are still queued, so the caller should
// go again without waiting.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	owner := w.owner.Current()
	if owner == "" {
		return false, nil
	}

	if w.remote != nil {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.remote.Ping(pctx)
		cancel()
		if err != nil {
			w.logger.Debug("remote unreachable, skipping resync", "error", err)
			return false, nil
		}
	}

	sum, err := w.sync.SyncAll(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("syncing owner %s: %w", owner, err)
	}
	if sum.Skipped {
		return false, nil
	}
	if sum.Processed > 0 || sum.Evicted > 0 {
		w.logger.Info("resync finished", "processed", sum.Processed, "conflicts", sum.Conflicts,
			"evicted", sum.Evicted, "remaining", sum.Remaining)
	}
	return sum.Processed > 0 && w.sync.QueueSize() > 0, nil
}
