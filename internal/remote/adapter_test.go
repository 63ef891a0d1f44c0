package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/tether/internal/changes"
)

func mustRecord(t *testing.T, d changes.Domain, op changes.Operation, payload any) changes.Record {
	t.Helper()
	rec, err := changes.New(d, op, payload, "u1", time.Now())
	if err != nil {
		t.Fatalf("changes.New: %v", err)
	}
	return rec
}

func TestPushTargetsPrimaryTable(t *testing.T) {
	var got Mutation
	a := NewAdapter(BackendFunc(func(ctx context.Context, m Mutation) error {
		got = m
		return nil
	}), 0)

	rec := mustRecord(t, changes.KnowledgeStore, changes.Update, map[string]any{"id": "k1", "title": "x"})
	if err := a.Push(context.Background(), rec); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got.Table != "knowledge_records" || got.RecordID != "k1" || got.OwnerID != "u1" || got.Operation != changes.Update {
		t.Errorf("mutation = %+v", got)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("payload = %s", got.Payload)
	}
}

func TestPushDeleteDropsPayload(t *testing.T) {
	var got Mutation
	a := NewAdapter(BackendFunc(func(ctx context.Context, m Mutation) error {
		got = m
		return nil
	}), 0)
	rec := mustRecord(t, changes.RuneStore, changes.Delete, map[string]any{"id": "r1"})
	if err := a.Push(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if got.Payload != nil {
		t.Errorf("delete payload = %s, want nil", got.Payload)
	}
}

func TestPushClassification(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name    string
		op      changes.Operation
		backend error
		want    Kind
	}{
		{"conflict on insert", changes.Insert, ErrUniqueViolation, KindConflict},
		{"unique violation on update is transient", changes.Update, ErrUniqueViolation, KindTransient},
		{"generic error", changes.Insert, boom, KindTransient},
		{"backend rejects payload", changes.Insert, &changes.InvalidChangeError{Field: "payload", Reason: "x"}, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(BackendFunc(func(ctx context.Context, m Mutation) error { return tt.backend }), 0)
			rec := mustRecord(t, changes.TaskStore, tt.op, map[string]any{"id": "t1"})
			err := a.Push(context.Background(), rec)
			var pe *PushError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *PushError", err)
			}
			if pe.Kind != tt.want || KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.want)
			}
			if pe.ChangeID != rec.ID {
				t.Errorf("ChangeID = %q", pe.ChangeID)
			}
			if !errors.Is(err, tt.backend) {
				t.Errorf("error chain lost backend error: %v", err)
			}
		})
	}
}

func TestPushMalformedSkipsBackend(t *testing.T) {
	called := false
	a := NewAdapter(BackendFunc(func(ctx context.Context, m Mutation) error {
		called = true
		return nil
	}), 0)
	rec := mustRecord(t, changes.TaskStore, changes.Update, map[string]any{"id": "t1"})
	rec.RecordID = ""

	err := a.Push(context.Background(), rec)
	if KindOf(err) != KindMalformed {
		t.Fatalf("kind = %s, want malformed", KindOf(err))
	}
	var pe *PushError
	errors.As(err, &pe)
	if pe.Retryable() {
		t.Error("malformed push reported retryable")
	}
	if called {
		t.Error("backend called for malformed record")
	}
}

func TestPushTimeout(t *testing.T) {
	a := NewAdapter(BackendFunc(func(ctx context.Context, m Mutation) error {
		<-ctx.Done()
		return ctx.Err()
	}), 20*time.Millisecond)

	start := time.Now()
	err := a.Push(context.Background(), mustRecord(t, changes.TaskStore, changes.Insert, map[string]any{"id": "t1"}))
	if KindOf(err) != KindTransient {
		t.Fatalf("kind = %s, want transient", KindOf(err))
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("push did not honor timeout")
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("x")) != KindTransient {
		t.Error("foreign errors should classify as transient")
	}
}
