package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/storage"
)

// QueueStore persists the pending-change queue as whole snapshots.
type QueueStore interface {
	Load(ctx context.Context) ([]changes.Record, error)
	Save(ctx context.Context, records []changes.Record) error
}

// Pusher delivers one record to the remote store. Errors should be
// *remote.PushError; anything else is treated as transient.
type Pusher interface {
	Push(ctx context.Context, rec changes.Record) error
}

// Puller runs the remote-to-local half of a sync for the given domains.
type Puller interface {
	Pull(ctx context.Context, ownerID string, domains []changes.Domain) error
}

// PullerFunc adapts a function to Puller.
type PullerFunc func(ctx context.Context, ownerID string, domains []changes.Domain) error

func (f PullerFunc) Pull(ctx context.Context, ownerID string, domains []changes.Domain) error {
	return f(ctx, ownerID, domains)
}

// RunRecorder keeps a history of drain summaries.
type RunRecorder interface {
	SaveRun(r storage.SyncRun) error
}

// Direction selects which halves of a domain sync run.
type Direction string

const (
	Up            Direction = "up"
	Down          Direction = "down"
	Bidirectional Direction = "bidirectional"
)

// ParseDirection accepts "up", "down" and "bidirectional" (or "both").
// An empty string means Bidirectional.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bidirectional", "both":
		return Bidirectional, nil
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return "", fmt.Errorf("unknown sync direction %q", s)
}

func (d Direction) pushes() bool { return d == Up || d == Bidirectional }
func (d Direction) pulls() bool  { return d == Down || d == Bidirectional }

// Options tune the queue processor.
type Options struct {
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
	// AutoDrain starts a background drain after every enqueue and sign-in.
	AutoDrain bool
	Now       func() time.Time
}

// DefaultOptions returns batches of 10, 3 attempts per record and a 1s delay
// between batches that had failures.
func DefaultOptions() Options {
	return Options{
		BatchSize:  10,
		MaxRetries: 3,
		RetryDelay: time.Second,
		AutoDrain:  true,
	}
}

// Summary reports one drain or sync call.
type Summary struct {
	Scope     status.Scope  `json:"scope"`
	Direction Direction     `json:"direction"`
	OwnerID   string        `json:"owner_id"`
	State     status.State  `json:"state"`
	Processed int           `json:"items_processed"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Evicted   int           `json:"evicted"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration_ns"`
	// Skipped is set when another run already held the scope.
	Skipped bool `json:"skipped,omitempty"`
	// Aborted is set when a sign-out cleared the queue mid-run.
	Aborted bool `json:"aborted,omitempty"`
}

// CompletedEvent is the sync_completed payload.
type CompletedEvent struct {
	Scope          status.Scope `json:"scope"`
	Direction      Direction    `json:"direction"`
	ItemsProcessed int          `json:"items_processed"`
	Conflicts      int          `json:"conflicts"`
	Errors         int          `json:"errors"`
	DurationMS     int64        `json:"duration_ms"`
}

// ErrorEvent is the sync_error payload.
type ErrorEvent struct {
	Scope      status.Scope `json:"scope"`
	Step       string       `json:"step"`
	Error      string       `json:"error"`
	Kind       string       `json:"kind,omitempty"`
	ChangeID   string       `json:"change_id,omitempty"`
	Domain     string       `json:"domain,omitempty"`
	RetryCount int          `json:"retry_count,omitempty"`
	Evicted    int          `json:"evicted,omitempty"`
}
