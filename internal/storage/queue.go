package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/tether/internal/changes"
)

// QueueKey is the well-known key the pending-change queue is stored under.
const QueueKey = "sync_local_change_queue"

// queueFormatVersion is bumped whenever the envelope layout changes.
const queueFormatVersion = 1

type queueEnvelope struct {
	Version int              `json:"version"`
	Records []changes.Record `json:"records"`
}

// QueueStore persists the whole pending-change queue as one snapshot.
type QueueStore struct {
	db *sql.DB
}

// Load returns the persisted queue. A queue that was never saved loads as empty.
func (q *QueueStore) Load(ctx context.Context) ([]changes.Record, error) {
	var value string
	var version int
	err := q.db.QueryRowContext(ctx,
		`SELECT value, format_version FROM kv_store WHERE key = ?`, QueueKey,
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	if version > queueFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedQueueVersion, version)
	}

	var env queueEnvelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return nil, fmt.Errorf("decoding queue: %w", err)
	}
	if env.Version > queueFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedQueueVersion, env.Version)
	}
	return env.Records, nil
}

// Save replaces the persisted queue with records in a single statement, so a
// crash leaves either the previous or the new snapshot. In-flight markers are
// not persisted.
func (q *QueueStore) Save(ctx context.Context, records []changes.Record) error {
	env := queueEnvelope{Version: queueFormatVersion, Records: make([]changes.Record, 0, len(records))}
	for _, r := range records {
		if r.Status == changes.StatusInFlight {
			r.Status = changes.StatusPending
		}
		env.Records = append(env.Records, r)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, format_version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, format_version = excluded.format_version, updated_at = excluded.updated_at`,
		QueueKey, string(data), queueFormatVersion, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	return nil
}
