package syncer

import (
	"context"
	"fmt"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/status"
)

// SyncAll pulls every domain and drains the whole queue for ownerID. A call
// while another SyncAll or global drain is running is a no-op that returns a
// Skipped summary. Per-record failures are reported through status and
// events, not the returned error.
func (e *Engine) SyncAll(ctx context.Context, ownerID string) (Summary, error) {
	if ownerID == "" {
		return Summary{}, ErrOwnerRequired
	}
	if e.baseCtx.Err() != nil {
		return Summary{}, ErrClosed
	}
	if !e.syncingAll.CompareAndSwap(false, true) {
		return Summary{Scope: status.System, Direction: Bidirectional, OwnerID: ownerID, Skipped: true}, nil
	}
	defer e.syncingAll.Store(false)

	gen, _ := e.currentGen()
	e.setStatus(gen, status.System, status.Syncing, "pulling remote changes", ownerID)
	if err := e.puller.Pull(ctx, ownerID, changes.AllDomains()); err != nil {
		e.setStatus(gen, status.System, status.Error, fmt.Sprintf("pull failed: %v", err), ownerID)
		return Summary{Scope: status.System, Direction: Bidirectional, OwnerID: ownerID, State: status.Error},
			fmt.Errorf("pulling remote changes: %w", err)
	}

	e.setStatus(gen, status.System, status.Syncing, "pushing local changes", ownerID)
	return e.processQueue(ctx, ownerID, Bidirectional)
}

// SyncDomain syncs one domain in the given direction. Pushing drains only
// that domain's records with the same batching and retry rules as the global
// drain. A call while the domain is already syncing is a no-op.
func (e *Engine) SyncDomain(ctx context.Context, domain changes.Domain, ownerID string, dir Direction) (Summary, error) {
	if ownerID == "" {
		return Summary{}, ErrOwnerRequired
	}
	if !domain.Valid() {
		return Summary{}, fmt.Errorf("unknown domain %d", uint8(domain))
	}
	if dir == "" {
		dir = Bidirectional
	}
	if !dir.pushes() && !dir.pulls() {
		return Summary{}, fmt.Errorf("unknown sync direction %q", dir)
	}
	if e.baseCtx.Err() != nil {
		return Summary{}, ErrClosed
	}

	scope := status.DomainScope(domain)
	guard := e.domainSync[domain]
	if !guard.CompareAndSwap(false, true) {
		return Summary{Scope: scope, Direction: dir, OwnerID: ownerID, Skipped: true}, nil
	}
	defer guard.Store(false)

	gen, genCtx := e.currentGen()
	e.setStatus(gen, scope, status.Syncing, fmt.Sprintf("starting %s sync", dir), ownerID)

	f := filter{owner: ownerID, domain: domain, scoped: true}
	run := e.newRun(gen, scope, ownerID, f, dir)

	if dir.pulls() {
		e.setStatus(gen, scope, status.Syncing, "pulling remote changes", ownerID)
		if err := e.puller.Pull(ctx, ownerID, []changes.Domain{domain}); err != nil {
			run.sum.State = status.Error
			e.setStatus(gen, scope, status.Error, fmt.Sprintf("pull failed: %v", err), ownerID)
			e.publishError(run, "pull", err)
			return run.sum, fmt.Errorf("pulling %s: %w", domain, err)
		}
	}

	if dir.pushes() {
		e.setStatus(gen, scope, status.Syncing, "pushing local changes", ownerID)
		if err := e.drain(ctx, genCtx, run); err != nil {
			if isCancellation(err) {
				e.interrupted(run)
				return run.sum, err
			}
			run.sum.State = status.Error
			e.setStatus(gen, scope, status.Error, err.Error(), ownerID)
			e.publishError(run, "drain", err)
			return run.sum, err
		}
		if run.sum.Aborted {
			return run.sum, nil
		}
	} else {
		e.mu.Lock()
		run.sum.Remaining = e.countLocked(f)
		e.mu.Unlock()
	}

	switch {
	case run.sum.Evicted > 0:
		run.sum.State = status.Error
		e.setStatus(gen, scope, status.Error, fmt.Sprintf("%d changes failed permanently", run.sum.Evicted), ownerID)
		e.publishSummaryError(run)
	case run.sum.Remaining > 0:
		// Records still held by a concurrent drain, or not pushed in a
		// down-only sync.
		run.sum.State = status.Syncing
		e.setStatus(gen, scope, status.Syncing, fmt.Sprintf("%d pending", run.sum.Remaining), ownerID)
	default:
		run.sum.State = status.Idle
		if e.setStatus(gen, scope, status.Idle, "sync complete", ownerID) {
			e.markSuccess(gen, scope)
		}
		e.publishCompleted(run)
	}
	e.recordRun(run)
	return run.sum, nil
}

// RecordRemoteChange books a change that arrived from the remote store
// through a domain's realtime subscription. It does not touch the queue.
func (e *Engine) RecordRemoteChange(table string, op changes.Operation, ownerID string) (changes.Domain, error) {
	domain, ok := changes.DomainForTable(table)
	if !ok {
		return 0, fmt.Errorf("no domain owns table %q", table)
	}
	if !op.Valid() {
		return 0, fmt.Errorf("unknown operation %q", op)
	}
	gen, _ := e.currentGen()
	scope := status.DomainScope(domain)
	if e.setStatus(gen, scope, status.Idle, fmt.Sprintf("remote %s applied on %s", op, table), ownerID) {
		e.markSuccess(gen, scope)
	}
	return domain, nil
}
