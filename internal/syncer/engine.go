// Package syncer drains locally originated changes to the remote store and
// tracks per-domain sync status.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/identity"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/telemetry"
)

// Deps are the engine's collaborators. Queue and Pusher are required; the
// rest fall back to no-ops when nil.
type Deps struct {
	Queue     QueueStore
	Pusher    Pusher
	Identity  identity.Provider
	Publisher notify.Publisher
	Puller    Puller
	Runs      RunRecorder
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Engine owns the pending-change queue, the drain guards and the status
// tracker for one process.
type Engine struct {
	queue   QueueStore
	pusher  Pusher
	puller  Puller
	runs    RunRecorder
	pub     notify.Publisher
	metrics *telemetry.Metrics
	logger  *slog.Logger
	opts    Options
	tracker *status.Tracker

	// mu guards records, generation, genCtx/genCancel and owner. Status
	// writes that belong to a drain are made under mu so a sign-out can
	// never be overwritten by a drain it interrupted.
	mu         sync.Mutex
	records    []changes.Record
	generation uint64
	genCtx     context.Context
	genCancel  context.CancelFunc
	owner      string
	depth      atomic.Int64

	// hasIdentity is set when an identity provider is wired; drains then
	// only run for the signed-in owner.
	hasIdentity bool

	persistMu sync.Mutex

	draining   atomic.Bool
	syncingAll atomic.Bool
	domainSync map[changes.Domain]*atomic.Bool

	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New loads the persisted queue and subscribes to identity changes. A queue
// that cannot be loaded is logged and the engine starts empty.
func New(ctx context.Context, deps Deps, opts Options) (*Engine, error) {
	if deps.Queue == nil {
		return nil, errors.New("syncer: queue store is required")
	}
	if deps.Pusher == nil {
		return nil, errors.New("syncer: pusher is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		queue:      deps.Queue,
		pusher:     deps.Pusher,
		puller:     deps.Puller,
		runs:       deps.Runs,
		pub:        deps.Publisher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		opts:       opts,
		domainSync: make(map[changes.Domain]*atomic.Bool),
	}
	if e.puller == nil {
		e.puller = PullerFunc(func(context.Context, string, []changes.Domain) error { return nil })
	}
	if e.pub == nil {
		e.pub = notify.Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	for _, d := range changes.AllDomains() {
		e.domainSync[d] = new(atomic.Bool)
	}
	e.tracker = status.NewTracker(e.pub, func() int { return int(e.depth.Load()) })
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.genCtx, e.genCancel = context.WithCancel(e.baseCtx)

	records, err := e.queue.Load(ctx)
	if err != nil {
		e.logger.Warn("loading sync queue failed, starting empty", "error", err)
		records = nil
	}
	e.records = dedupe(records)
	e.depth.Store(int64(len(e.records)))
	e.metrics.QueueDepth(len(e.records))
	if len(e.records) > 0 {
		e.logger.Info("restored sync queue", "records", len(e.records))
	}

	if deps.Identity != nil {
		e.hasIdentity = true
		if cur, ok := deps.Identity.(identity.Current); ok {
			if owner := cur.Current(); owner != "" {
				e.onIdentityChange(owner)
			}
		}
		e.unsubscribe = deps.Identity.OnIdentityChange(e.onIdentityChange)
	}
	return e, nil
}

// Close stops background drains and waits for them to return.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.cancel()
	e.wg.Wait()
}

// Enqueue validates and queues a local change, persists the queue and, with
// AutoDrain, starts a background drain for the owner.
func (e *Engine) Enqueue(ctx context.Context, domain changes.Domain, op changes.Operation, payload any, ownerID string) (changes.Record, error) {
	if e.baseCtx.Err() != nil {
		return changes.Record{}, ErrClosed
	}
	rec, err := changes.New(domain, op, payload, ownerID, e.opts.Now())
	if err != nil {
		return changes.Record{}, err
	}

	e.mu.Lock()
	if e.indexOf(rec.ID) < 0 {
		e.records = append(e.records, rec)
	}
	n := e.pendingLocked(filter{owner: ownerID, domain: domain, scoped: true})
	e.setDepthLocked()
	gen := e.generation
	drain := e.opts.AutoDrain && (!e.hasIdentity || e.owner == ownerID)
	e.mu.Unlock()

	e.persist(ctx)
	e.logger.Debug("change queued", "id", rec.ID, "domain", domain, "operation", op)

	// Without a drain the domain keeps its last reported state.
	if drain {
		e.setStatus(gen, status.DomainScope(domain), status.Syncing, fmt.Sprintf("%d pending", n), ownerID)
		e.startDrain(ownerID)
	}
	return rec, nil
}

// EnqueueLocalChange is the entry point for domain services: it never fails
// the caller, errors are logged.
func (e *Engine) EnqueueLocalChange(domain changes.Domain, op changes.Operation, payload any, ownerID string) {
	if _, err := e.Enqueue(context.Background(), domain, op, payload, ownerID); err != nil {
		e.logger.Error("enqueueing local change", "domain", domain, "operation", op, "error", err)
	}
}

// Status returns the state of a domain scope or status.System.
func (e *Engine) Status(scope status.Scope) status.State { return e.tracker.State(scope) }

// Step returns the human-readable activity of a scope.
func (e *Engine) Step(scope status.Scope) (string, bool) { return e.tracker.Step(scope) }

// LastSync returns when the scope last drained without unresolved failures.
func (e *Engine) LastSync(scope status.Scope) (time.Time, bool) { return e.tracker.LastSuccess(scope) }

// Snapshot returns every scope's status.
func (e *Engine) Snapshot() []status.Entry { return e.tracker.Snapshot() }

// QueueSize returns the number of queued records.
func (e *Engine) QueueSize() int { return int(e.depth.Load()) }

// Pending returns a copy of the queue in insertion order.
func (e *Engine) Pending() []changes.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]changes.Record(nil), e.records...)
}

func (e *Engine) onIdentityChange(ownerID string) {
	if ownerID == "" {
		e.signOut()
		return
	}
	e.mu.Lock()
	e.owner = ownerID
	gen := e.generation
	n := len(e.records)
	e.mu.Unlock()

	e.logger.Info("identity established", "owner", ownerID, "queued", n)
	e.setStatus(gen, status.System, status.Idle, "signed in", ownerID)
	if e.opts.AutoDrain && n > 0 {
		e.startDrain(ownerID)
	}
}

// signOut clears the queue, cancels in-flight pushes and resets every
// status to Unknown before returning.
func (e *Engine) signOut() {
	e.mu.Lock()
	prev := e.owner
	e.owner = ""
	dropped := len(e.records)
	e.records = nil
	e.generation++
	e.genCancel()
	e.genCtx, e.genCancel = context.WithCancel(e.baseCtx)
	e.setDepthLocked()
	e.tracker.Reset("signed out", prev)
	e.mu.Unlock()

	e.persist(context.Background())
	e.logger.Info("signed out, sync queue cleared", "owner", prev, "dropped", dropped)
}

func (e *Engine) startDrain(ownerID string) {
	if e.baseCtx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.processQueue(e.baseCtx, ownerID, Up); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("background drain failed", "owner", ownerID, "error", err)
		}
	}()
}

// setStatus writes to the tracker unless a sign-out happened after gen.
func (e *Engine) setStatus(gen uint64, scope status.Scope, state status.State, step, ownerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return false
	}
	e.tracker.Set(scope, state, step, ownerID)
	return true
}

func (e *Engine) markSuccess(gen uint64, scope status.Scope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	e.tracker.MarkSuccess(scope, e.opts.Now())
}

func (e *Engine) currentGen() (uint64, context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation, e.genCtx
}

// persist writes a snapshot of the queue. Snapshots are taken inside
// persistMu so an older snapshot never overwrites a newer one.
func (e *Engine) persist(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	snapshot := append([]changes.Record(nil), e.records...)
	e.mu.Unlock()

	if err := e.queue.Save(ctx, snapshot); err != nil {
		perr := &QueuePersistenceError{Err: err}
		e.metrics.PersistFailed()
		e.logger.Warn("sync queue durability degraded", "error", perr, "records", len(snapshot))
	}
}

func (e *Engine) setDepthLocked() {
	e.depth.Store(int64(len(e.records)))
	e.metrics.QueueDepth(len(e.records))
}

func (e *Engine) indexOf(id string) int {
	for i := range e.records {
		if e.records[i].ID == id {
			return i
		}
	}
	return -1
}

func dedupe(records []changes.Record) []changes.Record {
	seen := make(map[string]bool, len(records))
	out := make([]changes.Record, 0, len(records))
	for _, r := range records {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if r.Status == changes.StatusInFlight || r.Status == "" {
			r.Status = changes.StatusPending
		}
		out = append(out, r)
	}
	return out
}
