package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store wraps the SQLite database holding the pending-change queue and the
// sync run history.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// The data directory is locked for the lifetime of the Store so that two
// processes never drain the same queue. Pass ":memory:" as dataDir for an
// in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	var lock *flock.Flock
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		lock = flock.New(filepath.Join(dataDir, "tether.lock"))
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking data directory: %w", err)
		}
		if !ok {
			return nil, ErrLocked
		}
		dsn = filepath.Join(dataDir, "tether.db")
	}

	s, err := openDB(dsn)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	s.lock = lock
	return s, nil
}

func openDB(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database and releases the data directory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("unlocking data directory: %w", uerr)
		}
	}
	return err
}

// Queue returns the durable queue store backed by this database.
func (s *Store) Queue() *QueueStore { return &QueueStore{db: s.db} }

// migrate applies every embedded migration newer than the recorded schema,
// each in its own transaction, in file-name order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if done[version] {
			continue
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
		slog.Debug("applied storage migration", "version", version, "file", entry.Name())
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

// parseMigrationVersion reads the numeric prefix of "NNN_name.sql".
func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Sync runs ---

func (s *Store) SaveRun(r SyncRun) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, scope, owner_id, direction, status, processed, conflicts, errors, evicted, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scope, r.OwnerID, r.Direction, r.Status, r.Processed, r.Conflicts, r.Errors, r.Evicted,
		r.StartedAt.UTC().Format(timeLayout), r.Duration.Milliseconds(),
	)
	return err
}

// RecentRuns returns up to limit runs, newest first. An empty scope matches all scopes.
func (s *Store) RecentRuns(scope string, limit int) ([]SyncRun, error) {
	query := `SELECT id, scope, owner_id, direction, status, processed, conflicts, errors, evicted, started_at, duration_ms
		FROM sync_runs`
	args := []any{}
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SyncRun
	for rows.Next() {
		var r SyncRun
		var startedAt string
		var durationMS int64
		if err := rows.Scan(&r.ID, &r.Scope, &r.OwnerID, &r.Direction, &r.Status, &r.Processed,
			&r.Conflicts, &r.Errors, &r.Evicted, &startedAt, &durationMS); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		r.StartedAt = t
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
