package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsNoOp(t *testing.T) {
	var m *Metrics
	m.Push("task-store", "ok")
	m.Conflict("task-store")
	m.Evicted("task-store")
	m.QueueDepth(3)
	m.DrainDuration("system", time.Second)
	m.PersistFailed()
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestCounters(t *testing.T) {
	m := New(nil)
	m.Push("task-store", "ok")
	m.Push("task-store", "ok")
	m.Push("task-store", "conflict")
	m.Conflict("task-store")
	m.QueueDepth(4)
	m.PersistFailed()

	if got := testutil.ToFloat64(m.pushes.WithLabelValues("task-store", "ok")); got != 2 {
		t.Errorf("pushes ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.conflicts.WithLabelValues("task-store")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.persistFailures); got != 1 {
		t.Errorf("persist failures = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(func() int64 { return 5 })
	m.Evicted("goal-store")
	m.DrainDuration("system", 200*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`tether_sync_evictions_total{domain="goal-store"} 1`,
		`tether_events_dropped_total 5`,
		`tether_sync_drain_duration_seconds_count{scope="system"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
