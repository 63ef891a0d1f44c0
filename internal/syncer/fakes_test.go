package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/remote"
	"github.com/kalambet/tether/internal/storage"
)

type memQueue struct {
	mu      sync.Mutex
	records []changes.Record
	saves   int
	loadErr error
	saveErr error
}

func (q *memQueue) Load(ctx context.Context) ([]changes.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loadErr != nil {
		return nil, q.loadErr
	}
	return append([]changes.Record(nil), q.records...), nil
}

func (q *memQueue) Save(ctx context.Context, records []changes.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saves++
	if q.saveErr != nil {
		return q.saveErr
	}
	q.records = append([]changes.Record(nil), records...)
	return nil
}

func (q *memQueue) snapshot() []changes.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]changes.Record(nil), q.records...)
}

// mockPusher records every call; pushFn decides the result.
type mockPusher struct {
	mu     sync.Mutex
	calls  []changes.Record
	pushFn func(ctx context.Context, rec changes.Record, call int) error
}

func (p *mockPusher) Push(ctx context.Context, rec changes.Record) error {
	p.mu.Lock()
	p.calls = append(p.calls, rec)
	n := len(p.calls)
	p.mu.Unlock()
	if p.pushFn == nil {
		return nil
	}
	return p.pushFn(ctx, rec, n)
}

func (p *mockPusher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *mockPusher) observed() []changes.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]changes.Record(nil), p.calls...)
}

type publishedEvent struct {
	name    string
	payload any
	owner   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(name string, payload any, ownerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{name, payload, ownerID})
}

func (p *recordingPublisher) named(name string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, ev := range p.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

type memRuns struct {
	mu   sync.Mutex
	runs []storage.SyncRun
}

func (m *memRuns) SaveRun(r storage.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

// stepClock advances by one millisecond on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = 0
	opts.AutoDrain = false
	return opts
}

func newTestEngine(t *testing.T, deps Deps, opts Options) *Engine {
	t.Helper()
	if deps.Queue == nil {
		deps.Queue = &memQueue{}
	}
	if deps.Pusher == nil {
		deps.Pusher = &mockPusher{}
	}
	e, err := New(context.Background(), deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func mustEnqueue(t *testing.T, e *Engine, d changes.Domain, op changes.Operation, payload any, owner string) changes.Record {
	t.Helper()
	rec, err := e.Enqueue(context.Background(), d, op, payload, owner)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func conflictErr(id string) error {
	return &remote.PushError{Kind: remote.KindConflict, ChangeID: id, Err: remote.ErrUniqueViolation}
}

func transientErr(id string) error {
	return &remote.PushError{Kind: remote.KindTransient, ChangeID: id, Err: errors.New("connection reset")}
}

var _ notify.Publisher = (*recordingPublisher)(nil)
