package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/remote"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/storage"
)

// filter selects the records one drain may touch.
type filter struct {
	owner  string
	domain changes.Domain
	scoped bool
}

func (f filter) match(r changes.Record) bool {
	if f.owner != "" && r.OwnerID != f.owner {
		return false
	}
	return !f.scoped || r.Domain == f.domain
}

type outcome struct {
	rec changes.Record
	err error
	// skipped records were not attempted, or were cut short, because the
	// run was cancelled. They do not count as attempts.
	skipped bool
}

// drainRun is the per-run bookkeeping of one drain.
type drainRun struct {
	gen         uint64
	scope       status.Scope
	owner       string
	filter      filter
	sum         Summary
	erroredDoms map[changes.Domain]bool
	evictedDoms map[changes.Domain]bool
	touched     map[changes.Domain]bool
}

// processQueue is the global drain. At most one runs per process; a second
// call while one is active returns a Skipped summary.
func (e *Engine) processQueue(ctx context.Context, ownerID string, dir Direction) (Summary, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Summary{Scope: status.System, Direction: dir, OwnerID: ownerID, Skipped: true}, nil
	}
	defer e.draining.Store(false)

	gen, genCtx := e.currentGen()
	e.mu.Lock()
	n := e.pendingLocked(filter{owner: ownerID})
	e.mu.Unlock()
	e.setStatus(gen, status.System, status.Syncing, fmt.Sprintf("processing %d queued changes", n), ownerID)

	run := e.newRun(gen, status.System, ownerID, filter{owner: ownerID}, dir)
	if err := e.drain(ctx, genCtx, run); err != nil {
		if isCancellation(err) {
			e.interrupted(run)
			e.finishDomains(run)
			return run.sum, err
		}
		e.setStatus(gen, status.System, status.Error, err.Error(), ownerID)
		e.publishError(run, "drain", err)
		return run.sum, err
	}
	if run.sum.Aborted {
		return run.sum, nil
	}

	if run.sum.Evicted > 0 {
		run.sum.State = status.Error
		e.setStatus(gen, status.System, status.Error, fmt.Sprintf("%d changes failed permanently", run.sum.Evicted), ownerID)
		e.publishSummaryError(run)
	} else {
		run.sum.State = status.Idle
		if e.setStatus(gen, status.System, status.Idle, "sync complete", ownerID) {
			e.markSuccess(gen, status.System)
		}
		e.publishCompleted(run)
	}
	e.finishDomains(run)
	e.recordRun(run)
	return run.sum, nil
}

func (e *Engine) newRun(gen uint64, scope status.Scope, owner string, f filter, dir Direction) *drainRun {
	return &drainRun{
		gen:         gen,
		scope:       scope,
		owner:       owner,
		filter:      f,
		sum:         Summary{Scope: scope, Direction: dir, OwnerID: owner},
		erroredDoms: make(map[changes.Domain]bool),
		evictedDoms: make(map[changes.Domain]bool),
		touched:     make(map[changes.Domain]bool),
	}
}

// drain pushes matching records in batches until none are eligible, then
// evicts the ones that exhausted their attempts. Per-record failures never
// surface as errors; only context cancellation does.
func (e *Engine) drain(ctx, genCtx context.Context, run *drainRun) error {
	start := e.opts.Now()
	defer func() {
		run.sum.Duration = e.opts.Now().Sub(start)
		e.metrics.DrainDuration(string(run.scope), run.sum.Duration)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(genCtx, cancel)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			if genCtx.Err() != nil {
				run.sum.Aborted = true
				return nil
			}
			return err
		}

		batch, ok := e.claim(run)
		if !ok {
			run.sum.Aborted = true
			return nil
		}
		if len(batch) == 0 {
			break
		}

		results := e.pushBatch(ctx, batch)
		retryableFailure, ok := e.settle(run, results)
		if !ok {
			run.sum.Aborted = true
			return nil
		}
		e.persist(context.WithoutCancel(ctx))

		if retryableFailure && e.hasEligible(run.filter) && e.opts.RetryDelay > 0 {
			t := time.NewTimer(e.opts.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}

	evicted, ok := e.evict(run)
	if !ok {
		run.sum.Aborted = true
		return nil
	}
	if len(evicted) > 0 {
		e.persist(context.WithoutCancel(ctx))
		for _, r := range evicted {
			run.touched[r.Domain] = true
			run.evictedDoms[r.Domain] = true
			e.metrics.Evicted(r.Domain.String())
			err := &MaxRetriesExceededError{ChangeID: r.ID, Attempts: r.RetryCount, LastError: r.LastError}
			e.logger.Warn("dropping change", "id", r.ID, "domain", r.Domain, "attempts", r.RetryCount, "last_error", r.LastError)
			e.pub.Publish(notify.EventError, ErrorEvent{
				Scope:      run.scope,
				Step:       "evict",
				Error:      err.Error(),
				ChangeID:   r.ID,
				Domain:     r.Domain.String(),
				RetryCount: r.RetryCount,
			}, run.owner)
		}
	}
	run.sum.Evicted = len(evicted)

	e.mu.Lock()
	run.sum.Remaining = e.countLocked(run.filter)
	e.mu.Unlock()
	return nil
}

// claim selects up to BatchSize eligible records, oldest first, and marks
// them in flight. ok is false when a sign-out invalidated the run.
func (e *Engine) claim(run *drainRun) (batch []changes.Record, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != run.gen {
		return nil, false
	}

	idx := make([]int, 0, len(e.records))
	for i, r := range e.records {
		if e.eligible(r) && run.filter.match(r) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return e.records[idx[a]].CreatedAt.Before(e.records[idx[b]].CreatedAt)
	})
	if len(idx) > e.opts.BatchSize {
		idx = idx[:e.opts.BatchSize]
	}

	batch = make([]changes.Record, 0, len(idx))
	for _, i := range idx {
		e.records[i].Status = changes.StatusInFlight
		batch = append(batch, e.records[i])
	}
	return batch, true
}

// pushBatch pushes the batch and waits for every attempt to settle. Domains
// are pushed concurrently; within a domain records go out one at a time in
// batch order, so a later change never overtakes an earlier one.
func (e *Engine) pushBatch(ctx context.Context, batch []changes.Record) []outcome {
	results := make([]outcome, len(batch))
	lanes := make(map[changes.Domain][]int)
	var order []changes.Domain
	for i, rec := range batch {
		if _, ok := lanes[rec.Domain]; !ok {
			order = append(order, rec.Domain)
		}
		lanes[rec.Domain] = append(lanes[rec.Domain], i)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.BatchSize)
	for _, d := range order {
		idx := lanes[d]
		g.Go(func() error {
			for _, i := range idx {
				if err := ctx.Err(); err != nil {
					results[i] = outcome{rec: batch[i], err: err, skipped: true}
					continue
				}
				err := e.pushOne(ctx, batch[i])
				// A push cut short by the run's own cancellation is not an
				// attempt; the record goes back to pending untouched.
				results[i] = outcome{rec: batch[i], err: err, skipped: err != nil && ctx.Err() != nil}
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (e *Engine) pushOne(ctx context.Context, rec changes.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()
	return e.pusher.Push(ctx, rec)
}

// settle applies push outcomes to the queue and publishes per-record
// failures. ok is false when a sign-out invalidated the run.
func (e *Engine) settle(run *drainRun, results []outcome) (retryableFailure, ok bool) {
	var failed []changes.Record
	var kinds []remote.Kind
	var succeeded []changes.Domain

	e.mu.Lock()
	if e.generation != run.gen {
		e.mu.Unlock()
		return false, false
	}
	done := make(map[string]bool)
	for _, o := range results {
		i := e.indexOf(o.rec.ID)
		if i < 0 {
			continue
		}
		if o.skipped {
			e.records[i].Status = changes.StatusPending
			run.touched[o.rec.Domain] = true
			continue
		}
		run.touched[o.rec.Domain] = true
		if o.err == nil {
			done[o.rec.ID] = true
			run.sum.Processed++
			succeeded = append(succeeded, o.rec.Domain)
			continue
		}

		kind := remote.KindOf(o.err)
		r := &e.records[i]
		r.RetryCount++
		r.LastError = o.err.Error()
		if kind == remote.KindMalformed {
			r.Status = changes.StatusFailed
		} else {
			r.Status = changes.StatusPending
			if r.RetryCount < e.opts.MaxRetries {
				retryableFailure = true
			}
		}
		run.sum.Errors++
		if kind == remote.KindConflict {
			run.sum.Conflicts++
		}
		failed = append(failed, *r)
		kinds = append(kinds, kind)
	}
	if len(done) > 0 {
		kept := e.records[:0]
		for _, r := range e.records {
			if !done[r.ID] {
				kept = append(kept, r)
			}
		}
		clear(e.records[len(kept):])
		e.records = kept
	}
	e.setDepthLocked()

	now := e.opts.Now()
	for _, d := range succeeded {
		e.tracker.MarkSuccess(status.DomainScope(d), now)
	}
	for i, r := range failed {
		if !run.erroredDoms[r.Domain] {
			run.erroredDoms[r.Domain] = true
			e.tracker.Set(status.DomainScope(r.Domain), status.Error, fmt.Sprintf("push failed: %s", r.LastError), run.owner)
		}
		e.logger.Warn("push failed", "id", r.ID, "domain", r.Domain, "kind", kinds[i], "attempt", r.RetryCount, "error", r.LastError)
	}
	e.mu.Unlock()

	for _, d := range succeeded {
		e.metrics.Push(d.String(), "ok")
	}
	for i, r := range failed {
		e.metrics.Push(r.Domain.String(), kinds[i].String())
		if kinds[i] == remote.KindConflict {
			e.metrics.Conflict(r.Domain.String())
		}
		e.pub.Publish(notify.EventError, ErrorEvent{
			Scope:      run.scope,
			Step:       "push",
			Error:      r.LastError,
			Kind:       kinds[i].String(),
			ChangeID:   r.ID,
			Domain:     r.Domain.String(),
			RetryCount: r.RetryCount,
		}, run.owner)
	}
	return retryableFailure, true
}

// evict removes matching records that exhausted their attempts or failed permanently.
func (e *Engine) evict(run *drainRun) (evicted []changes.Record, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != run.gen {
		return nil, false
	}
	kept := e.records[:0]
	for _, r := range e.records {
		if run.filter.match(r) && r.Status != changes.StatusInFlight &&
			(r.RetryCount >= e.opts.MaxRetries || r.Status == changes.StatusFailed) {
			evicted = append(evicted, r)
			continue
		}
		kept = append(kept, r)
	}
	clear(e.records[len(kept):])
	e.records = kept
	e.setDepthLocked()
	return evicted, true
}

func (e *Engine) eligible(r changes.Record) bool {
	return r.Status == changes.StatusPending && r.RetryCount < e.opts.MaxRetries
}

func (e *Engine) hasEligible(f filter) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.records {
		if e.eligible(r) && f.match(r) {
			return true
		}
	}
	return false
}

// pendingLocked counts records a drain under f could still push.
func (e *Engine) pendingLocked(f filter) int {
	n := 0
	for _, r := range e.records {
		if f.match(r) && r.Status != changes.StatusFailed && r.RetryCount < e.opts.MaxRetries {
			n++
		}
	}
	return n
}

func (e *Engine) countLocked(f filter) int {
	n := 0
	for _, r := range e.records {
		if f.match(r) {
			n++
		}
	}
	return n
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// interrupted reports a drain the caller cancelled. Unpushed records are
// still queued, so the scope shows them as pending rather than failed.
func (e *Engine) interrupted(run *drainRun) {
	e.mu.Lock()
	n := e.countLocked(run.filter)
	e.mu.Unlock()

	run.sum.Remaining = n
	run.sum.State = status.Syncing
	step := fmt.Sprintf("sync cancelled, %d pending", n)
	if n == 0 {
		run.sum.State = status.Idle
		step = "sync cancelled"
	}
	e.setStatus(run.gen, run.scope, run.sum.State, step, run.owner)
	e.logger.Info("sync cancelled", "scope", run.scope, "owner", run.owner, "remaining", n)
}

// finishDomains settles the status of every domain a global drain touched.
func (e *Engine) finishDomains(run *drainRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != run.gen {
		return
	}
	for d := range run.touched {
		remaining := e.countLocked(filter{owner: run.owner, domain: d, scoped: true})
		scope := status.DomainScope(d)
		switch {
		case remaining > 0:
			e.tracker.Set(scope, status.Syncing, fmt.Sprintf("%d pending", remaining), run.owner)
		case run.evictedDoms[d]:
			e.tracker.Set(scope, status.Error, "changes dropped after failed attempts", run.owner)
		default:
			e.tracker.Set(scope, status.Idle, "synced", run.owner)
		}
	}
}

func (e *Engine) publishCompleted(run *drainRun) {
	e.pub.Publish(notify.EventCompleted, CompletedEvent{
		Scope:          run.scope,
		Direction:      run.sum.Direction,
		ItemsProcessed: run.sum.Processed,
		Conflicts:      run.sum.Conflicts,
		Errors:         run.sum.Errors,
		DurationMS:     run.sum.Duration.Milliseconds(),
	}, run.owner)
}

func (e *Engine) publishSummaryError(run *drainRun) {
	e.pub.Publish(notify.EventError, ErrorEvent{
		Scope:   run.scope,
		Step:    "summary",
		Error:   fmt.Sprintf("%d changes failed permanently", run.sum.Evicted),
		Evicted: run.sum.Evicted,
	}, run.owner)
}

func (e *Engine) publishError(run *drainRun, step string, err error) {
	e.pub.Publish(notify.EventError, ErrorEvent{Scope: run.scope, Step: step, Error: err.Error()}, run.owner)
}

func (e *Engine) recordRun(run *drainRun) {
	if e.runs == nil {
		return
	}
	state := string(run.sum.State)
	if run.sum.Aborted {
		state = "aborted"
	}
	err := e.runs.SaveRun(storage.SyncRun{
		ID:        uuid.NewString(),
		Scope:     string(run.scope),
		OwnerID:   run.owner,
		Direction: string(run.sum.Direction),
		Status:    state,
		Processed: run.sum.Processed,
		Conflicts: run.sum.Conflicts,
		Errors:    run.sum.Errors,
		Evicted:   run.sum.Evicted,
		StartedAt: e.opts.Now().Add(-run.sum.Duration),
		Duration:  run.sum.Duration,
	})
	if err != nil {
		e.logger.Warn("recording sync run", "scope", run.scope, "error", err)
	}
}
