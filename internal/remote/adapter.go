// Package remote delivers change records to the remote relational store.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/tether/internal/changes"
)

// DefaultPushTimeout bounds one push when no timeout is configured.
const DefaultPushTimeout = 15 * time.Second

// ErrUniqueViolation is wrapped by backends when the remote store rejects a
// write because of a uniqueness constraint.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Mutation is one write against one remote table.
type Mutation struct {
	Table     string
	Operation changes.Operation
	RecordID  string
	OwnerID   string
	Payload   json.RawMessage
}

// Backend applies mutations to a remote store.
type Backend interface {
	Apply(ctx context.Context, m Mutation) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, m Mutation) error

func (f BackendFunc) Apply(ctx context.Context, m Mutation) error { return f(ctx, m) }

// Kind classifies a failed push.
type Kind int

const (
	// KindTransient covers network and server-side failures. Retryable.
	KindTransient Kind = iota
	// KindConflict is a uniqueness violation on INSERT. Retryable, counted separately.
	KindConflict
	// KindMalformed is a record that can never be pushed.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindMalformed:
		return "malformed"
	default:
		return "transient"
	}
}

// PushError is the only error type Push returns.
type PushError struct {
	Kind     Kind
	ChangeID string
	Err      error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s (%s): %v", e.ChangeID, e.Kind, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// Retryable reports whether the record should stay queued.
func (e *PushError) Retryable() bool { return e.Kind != KindMalformed }

// KindOf returns the classification of err, or KindTransient for errors that
// did not come from Push.
func KindOf(err error) Kind {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// Adapter maps change records onto their domain's primary table.
type Adapter struct {
	backend Backend
	timeout time.Duration
}

// NewAdapter wraps backend. A timeout <= 0 uses DefaultPushTimeout.
func NewAdapter(backend Backend, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	return &Adapter{backend: backend, timeout: timeout}
}

// Push writes one record. Every failure is a *PushError.
func (a *Adapter) Push(ctx context.Context, rec changes.Record) error {
	if err := rec.Validate(); err != nil {
		return &PushError{Kind: KindMalformed, ChangeID: rec.ID, Err: err}
	}

	m := Mutation{
		Table:     rec.Domain.Table(),
		Operation: rec.Operation,
		RecordID:  rec.RecordID,
		OwnerID:   rec.OwnerID,
	}
	if rec.Operation != changes.Delete {
		m.Payload = rec.Payload
	}

	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := a.backend.Apply(pctx, m)
	if err == nil {
		return nil
	}
	if errors.Is(err, changes.ErrInvalidChange) {
		return &PushError{Kind: KindMalformed, ChangeID: rec.ID, Err: err}
	}
	if rec.Operation == changes.Insert && errors.Is(err, ErrUniqueViolation) {
		return &PushError{Kind: KindConflict, ChangeID: rec.ID, Err: err}
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", a.timeout, err)
	}
	return &PushError{Kind: KindTransient, ChangeID: rec.ID, Err: err}
}
