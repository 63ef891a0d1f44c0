package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/tether/internal/changes"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(t *testing.T, d changes.Domain, op changes.Operation, id string) changes.Record {
	t.Helper()
	rec, err := changes.New(d, op, map[string]any{"id": id, "n": 1}, "u1", time.Now())
	if err != nil {
		t.Fatalf("changes.New: %v", err)
	}
	return rec
}

// TestMigrationsIdempotent runs Open twice on the same directory and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("expected at least two applied migrations, got %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestOpenLocksDataDir(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := Open(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open err = %v, want ErrLocked", err)
	}

	s1.Close()
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	s2.Close()
}

func TestQueueLoadEmpty(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.Queue().Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Load() = %d records, want 0", len(recs))
	}
}

func TestQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	want := []changes.Record{
		newRecord(t, changes.TaskStore, changes.Insert, "t1"),
		newRecord(t, changes.GoalStore, changes.Update, "g1"),
		newRecord(t, changes.RuneStore, changes.Delete, "r1"),
	}
	want[1].RetryCount = 2
	want[1].LastError = "timeout"

	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Queue().Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Queue().Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load() = %d records, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ID != w.ID || g.Domain != w.Domain || g.Operation != w.Operation || g.RecordID != w.RecordID {
			t.Errorf("record %d = %+v, want %+v", i, g, w)
		}
		if string(g.Payload) != string(w.Payload) {
			t.Errorf("record %d payload = %s, want %s", i, g.Payload, w.Payload)
		}
		if !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("record %d created_at = %v, want %v", i, g.CreatedAt, w.CreatedAt)
		}
		if g.RetryCount != w.RetryCount || g.LastError != w.LastError {
			t.Errorf("record %d retry metadata = %d/%q", i, g.RetryCount, g.LastError)
		}
	}
}

func TestQueueSaveReplacesSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queue()

	if err := q.Save(ctx, []changes.Record{
		newRecord(t, changes.TaskStore, changes.Insert, "a"),
		newRecord(t, changes.TaskStore, changes.Insert, "b"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Save(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err := q.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("after saving empty queue Load() = %d records", len(got))
	}

	var rows int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM kv_store`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("kv_store rows = %d, want 1", rows)
	}
}

func TestQueueInFlightSavedAsPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := newRecord(t, changes.TaskStore, changes.Insert, "a")
	rec.Status = changes.StatusInFlight
	if err := s.Queue().Save(ctx, []changes.Record{rec}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Queue().Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Status != changes.StatusPending {
		t.Errorf("status = %s, want pending", got[0].Status)
	}
}

func TestQueueRejectsNewerFormat(t *testing.T) {
	s := openTestStore(t)
	env, _ := json.Marshal(map[string]any{"version": 99, "records": []any{}})
	if _, err := s.db.Exec(`INSERT INTO kv_store (key, value, format_version, updated_at) VALUES (?, ?, 99, ?)`,
		QueueKey, string(env), time.Now().UTC().Format(timeLayout)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Queue().Load(context.Background()); !errors.Is(err, ErrUnsupportedQueueVersion) {
		t.Errorf("Load err = %v, want ErrUnsupportedQueueVersion", err)
	}
}

func TestQueueCorruptValue(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.db.Exec(`INSERT INTO kv_store (key, value, format_version, updated_at) VALUES (?, '{not json', 1, ?)`,
		QueueKey, time.Now().UTC().Format(timeLayout)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Queue().Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		scope := "system"
		if i%2 == 1 {
			scope = "task-store"
		}
		err := s.SaveRun(SyncRun{
			ID:        fmt.Sprintf("run-%d", i),
			Scope:     scope,
			OwnerID:   "u1",
			Direction: "up",
			Status:    "idle",
			Processed: i,
			StartedAt: base.Add(time.Duration(i) * 1500 * time.Millisecond),
			Duration:  250 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	all, err := s.RecentRuns("", 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("RecentRuns = %d, want 3", len(all))
	}
	if all[0].ID != "run-4" || all[1].ID != "run-3" || all[2].ID != "run-2" {
		t.Errorf("order = %s,%s,%s", all[0].ID, all[1].ID, all[2].ID)
	}
	if all[0].Duration != 250*time.Millisecond {
		t.Errorf("Duration = %v", all[0].Duration)
	}

	scoped, err := s.RecentRuns("task-store", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 {
		t.Errorf("scoped runs = %d, want 2", len(scoped))
	}
}
