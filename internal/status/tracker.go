// Package status holds the ephemeral per-domain and system-wide sync state.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/notify"
)

// State is the sync state of one scope.
type State string

const (
	Unknown State = "unknown"
	Idle    State = "idle"
	Syncing State = "syncing"
	Error   State = "error"
)

// Scope is a domain name or System.
type Scope string

// System is the scope covering the engine as a whole.
const System Scope = "system"

// DomainScope returns the scope for a domain.
func DomainScope(d changes.Domain) Scope { return Scope(d.String()) }

// Entry is a point-in-time copy of one scope's status.
type Entry struct {
	Scope       Scope      `json:"scope"`
	State       State      `json:"state"`
	Step        string     `json:"step,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// Update is the payload of a sync_status_update event.
type Update struct {
	Scope     Scope     `json:"scope"`
	State     State     `json:"state"`
	Step      string    `json:"step"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	QueueSize int       `json:"queue_size"`
}

type entry struct {
	state       State
	step        string
	lastSuccess time.Time
}

// Tracker is safe for concurrent use. It cannot fail.
type Tracker struct {
	mu      sync.RWMutex
	entries map[Scope]*entry
	pub     notify.Publisher
	depth   func() int
	now     func() time.Time
}

// NewTracker creates an Unknown entry for System and every domain. depth
// reports the current queue size for status events and must not call back
// into the Tracker.
func NewTracker(pub notify.Publisher, depth func() int) *Tracker {
	if pub == nil {
		pub = notify.Discard
	}
	if depth == nil {
		depth = func() int { return 0 }
	}
	t := &Tracker{
		entries: make(map[Scope]*entry),
		pub:     pub,
		depth:   depth,
		now:     time.Now,
	}
	t.entries[System] = &entry{state: Unknown}
	for _, d := range changes.AllDomains() {
		t.entries[DomainScope(d)] = &entry{state: Unknown}
	}
	return t
}

// Set updates a scope and publishes a status event. An empty step defaults
// to the state name. Unknown scopes are created on first use.
func (t *Tracker) Set(scope Scope, state State, step, ownerID string) {
	if step == "" {
		step = string(state)
	}
	now := t.now().UTC()

	t.mu.Lock()
	e, ok := t.entries[scope]
	if !ok {
		e = &entry{}
		t.entries[scope] = e
	}
	e.state = state
	e.step = step
	t.mu.Unlock()

	t.pub.Publish(notify.EventStatusUpdate, Update{
		Scope:     scope,
		State:     state,
		Step:      step,
		OwnerID:   ownerID,
		Timestamp: now,
		QueueSize: t.depth(),
	}, ownerID)
}

// MarkSuccess records a successful drain for scope at the given time.
func (t *Tracker) MarkSuccess(scope Scope, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[scope]
	if !ok {
		e = &entry{state: Unknown}
		t.entries[scope] = e
	}
	e.lastSuccess = at.UTC()
}

// State returns Unknown for scopes never seen.
func (t *Tracker) State(scope Scope) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[scope]; ok {
		return e.state
	}
	return Unknown
}

func (t *Tracker) Step(scope Scope) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[scope]; ok && e.step != "" {
		return e.step, true
	}
	return "", false
}

func (t *Tracker) LastSuccess(scope Scope) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[scope]; ok && !e.lastSuccess.IsZero() {
		return e.lastSuccess, true
	}
	return time.Time{}, false
}

// Reset returns every scope to Unknown and forgets last-success times.
func (t *Tracker) Reset(step, ownerID string) {
	t.mu.Lock()
	scopes := make([]Scope, 0, len(t.entries))
	for s, e := range t.entries {
		e.state = Unknown
		e.step = step
		e.lastSuccess = time.Time{}
		scopes = append(scopes, s)
	}
	t.mu.Unlock()

	sort.Slice(scopes, func(i, j int) bool { return scopes[i] < scopes[j] })
	now := t.now().UTC()
	for _, s := range scopes {
		t.pub.Publish(notify.EventStatusUpdate, Update{
			Scope: s, State: Unknown, Step: step, OwnerID: ownerID, Timestamp: now, QueueSize: t.depth(),
		}, ownerID)
	}
}

// Snapshot returns every scope, System first and domains in declaration order.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	add := func(s Scope) {
		e, ok := t.entries[s]
		if !ok {
			return
		}
		item := Entry{Scope: s, State: e.state, Step: e.step}
		if !e.lastSuccess.IsZero() {
			ts := e.lastSuccess
			item.LastSuccess = &ts
		}
		out = append(out, item)
	}
	add(System)
	for _, d := range changes.AllDomains() {
		add(DomainScope(d))
	}
	return out
}
