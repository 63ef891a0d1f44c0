package storage

import (
	"errors"
	"time"
)

// ErrLocked is returned by Open when another process holds the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// ErrUnsupportedQueueVersion is returned when the persisted queue was written
// by a newer format.
var ErrUnsupportedQueueVersion = errors.New("unsupported queue format version")

// SyncRun is the persisted summary of one drain.
type SyncRun struct {
	ID        string
	Scope     string // domain name or "system"
	OwnerID   string
	Direction string // "up", "down", "bidirectional"
	Status    string // "idle", "error", "aborted"
	Processed int
	Conflicts int
	Errors    int
	Evicted   int
	StartedAt time.Time
	Duration  time.Duration
}
