package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kalambet/tether/internal/identity"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/remote"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/storage"
	"github.com/kalambet/tether/internal/syncer"
	"github.com/kalambet/tether/internal/telemetry"
)

const testToken = "test-token-12345"

type recordingBackend struct {
	mu        sync.Mutex
	mutations []remote.Mutation
	err       error
}

func (b *recordingBackend) Apply(ctx context.Context, m remote.Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mutations = append(b.mutations, m)
	return b.err
}

func (b *recordingBackend) applied() []remote.Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]remote.Mutation(nil), b.mutations...)
}

type testApp struct {
	handler http.Handler
	engine  *syncer.Engine
	session *identity.Session
	store   *storage.Store
	backend *recordingBackend
	bus     *notify.Bus
}

func setupApp(t *testing.T) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := notify.NewBus(64)
	t.Cleanup(bus.Close)
	metrics := telemetry.New(bus.Dropped)
	session := identity.NewSession()
	backend := &recordingBackend{}

	opts := syncer.DefaultOptions()
	opts.AutoDrain = false
	opts.RetryDelay = 0
	engine, err := syncer.New(context.Background(), syncer.Deps{
		Queue:     store.Queue(),
		Pusher:    remote.NewAdapter(backend, time.Second),
		Identity:  session,
		Publisher: bus,
		Runs:      store,
		Metrics:   metrics,
	}, opts)
	if err != nil {
		t.Fatalf("syncer.New: %v", err)
	}
	t.Cleanup(engine.Close)

	handler := NewAppHandler(AppDeps{
		Sync:    engine,
		Session: session,
		Runs:    store,
		Bus:     bus,
		Metrics: metrics,
		Token:   testToken,
	})
	return &testApp{handler: handler, engine: engine, session: session, store: store, backend: backend, bus: bus}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
	return v
}

func TestHealth_NoAuth(t *testing.T) {
	a := setupApp(t)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetrics_NoAuth(t *testing.T) {
	a := setupApp(t)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tether_sync_queue_depth") {
		t.Errorf("metrics output missing tether_sync_queue_depth")
	}
}

func TestAuth(t *testing.T) {
	a := setupApp(t)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing", authReq(http.MethodGet, "/queue", "", ""), http.StatusUnauthorized},
		{"wrong", authReq(http.MethodGet, "/queue", "", "nope"), http.StatusUnauthorized},
		{"header", authReq(http.MethodGet, "/queue", "", testToken), http.StatusOK},
		{"query", httptest.NewRequest(http.MethodGet, "/queue?access_token="+testToken, nil), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			a.handler.ServeHTTP(rr, tt.req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestEnqueue_Accepted(t *testing.T) {
	a := setupApp(t)

	rr := a.do(t, http.MethodPost, "/changes",
		`{"domain":"task-store","operation":"insert","payload":{"id":"t1","title":"write tests"},"owner_id":"u1"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]any](t, rr)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Errorf("response = %v", resp)
	}
	if resp["queue_size"] != float64(1) {
		t.Errorf("queue_size = %v", resp["queue_size"])
	}

	queued, err := a.store.Queue().Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].OwnerID != "u1" {
		t.Errorf("persisted queue = %+v", queued)
	}
}

func TestEnqueue_DefaultsToSignedInOwner(t *testing.T) {
	a := setupApp(t)
	a.session.SignIn("u7")

	rr := a.do(t, http.MethodPost, "/changes", `{"domain":"goal-store","operation":"INSERT","payload":{"id":"g1"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := a.engine.Pending(); len(got) != 1 || got[0].OwnerID != "u7" {
		t.Errorf("pending = %+v", got)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	a := setupApp(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"unknown domain", `{"domain":"nope","operation":"INSERT","owner_id":"u1"}`},
		{"unknown operation", `{"domain":"task-store","operation":"UPSERT","owner_id":"u1"}`},
		{"missing owner", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"}}`},
		{"update without id", `{"domain":"task-store","operation":"UPDATE","payload":{"title":"x"},"owner_id":"u1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, "/changes", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
	if a.engine.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d after invalid requests", a.engine.QueueSize())
	}
}

func TestQueue_ListsRecords(t *testing.T) {
	a := setupApp(t)
	a.do(t, http.MethodPost, "/changes", `{"domain":"rune-store","operation":"INSERT","payload":{"id":"r1"},"owner_id":"u1"}`)
	a.do(t, http.MethodPost, "/changes", `{"domain":"rune-store","operation":"DELETE","payload":{"id":"r0"},"owner_id":"u1"}`)

	rr := a.do(t, http.MethodGet, "/queue", "")
	resp := decode[struct {
		Size    int               `json:"size"`
		Records []json.RawMessage `json:"records"`
	}](t, rr)
	if resp.Size != 2 || len(resp.Records) != 2 {
		t.Errorf("queue = %+v", resp)
	}
}

func TestSyncAll_Drains(t *testing.T) {
	a := setupApp(t)
	a.do(t, http.MethodPost, "/changes", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"},"owner_id":"u1"}`)

	rr := a.do(t, http.MethodPost, "/sync", `{"owner_id":"u1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	sum := decode[syncer.Summary](t, rr)
	if sum.Processed != 1 || sum.State != status.Idle {
		t.Errorf("summary = %+v", sum)
	}
	muts := a.backend.applied()
	if len(muts) != 1 || muts[0].Table != "tasks" || muts[0].OwnerID != "u1" {
		t.Errorf("mutations = %+v", muts)
	}

	runs := decode[[]storage.SyncRun](t, a.do(t, http.MethodGet, "/runs?limit=5", ""))
	if len(runs) != 1 || runs[0].Processed != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSyncAll_RequiresOwner(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, http.MethodPost, "/sync", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestSyncDomain(t *testing.T) {
	a := setupApp(t)
	a.session.SignIn("u1")
	a.do(t, http.MethodPost, "/changes", `{"domain":"glossary-store","operation":"INSERT","payload":{"id":"term"}}`)
	a.do(t, http.MethodPost, "/changes", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"}}`)

	rr := a.do(t, http.MethodPost, "/sync/glossary-store", `{"direction":"up"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	sum := decode[syncer.Summary](t, rr)
	if sum.Processed != 1 || sum.Scope != "glossary-store" {
		t.Errorf("summary = %+v", sum)
	}
	if a.engine.QueueSize() != 1 {
		t.Errorf("QueueSize() = %d, want the task-store record left", a.engine.QueueSize())
	}

	if rr := a.do(t, http.MethodPost, "/sync/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown domain status = %d", rr.Code)
	}
	if rr := a.do(t, http.MethodPost, "/sync/task-store", `{"direction":"sideways"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad direction status = %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	a := setupApp(t)
	a.do(t, http.MethodPost, "/changes", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"},"owner_id":"u1"}`)

	resp := decode[struct {
		QueueSize int            `json:"queue_size"`
		Scopes    []status.Entry `json:"scopes"`
	}](t, a.do(t, http.MethodGet, "/status", ""))
	if resp.QueueSize != 1 {
		t.Errorf("queue_size = %d", resp.QueueSize)
	}
	if len(resp.Scopes) != 10 || resp.Scopes[0].Scope != status.System {
		t.Errorf("scopes = %+v", resp.Scopes)
	}

	entry := decode[status.Entry](t, a.do(t, http.MethodGet, "/status/task-store", ""))
	if entry.State != status.Unknown || entry.Scope != "task-store" {
		t.Errorf("task-store = %+v", entry)
	}
	if rr := a.do(t, http.MethodGet, "/status/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown scope status = %d", rr.Code)
	}
}

func TestSession_SignOutClearsQueue(t *testing.T) {
	a := setupApp(t)

	if rr := a.do(t, http.MethodPost, "/session", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("sign-in without owner status = %d", rr.Code)
	}
	if rr := a.do(t, http.MethodPost, "/session", `{"owner_id":"u1"}`); rr.Code != http.StatusOK {
		t.Fatalf("sign-in status = %d", rr.Code)
	}
	got := decode[map[string]string](t, a.do(t, http.MethodGet, "/session", ""))
	if got["owner_id"] != "u1" {
		t.Errorf("session = %v", got)
	}

	a.do(t, http.MethodPost, "/changes", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"}}`)
	if rr := a.do(t, http.MethodDelete, "/session", ""); rr.Code != http.StatusOK {
		t.Fatalf("sign-out status = %d", rr.Code)
	}
	if a.engine.QueueSize() != 0 {
		t.Errorf("QueueSize() = %d after sign-out", a.engine.QueueSize())
	}
	if a.engine.Status(status.System) != status.Unknown {
		t.Errorf("system = %s after sign-out", a.engine.Status(status.System))
	}
}

func TestRemoteEvent(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, http.MethodPost, "/remote-events", `{"table":"agentic_flows","operation":"UPDATE","owner_id":"u1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]string](t, rr)
	if resp["domain"] != "task-store" {
		t.Errorf("domain = %q", resp["domain"])
	}
	if a.engine.Status("task-store") != status.Idle {
		t.Errorf("task-store = %s", a.engine.Status("task-store"))
	}

	if rr := a.do(t, http.MethodPost, "/remote-events", `{"table":"unknown","operation":"INSERT"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown table status = %d", rr.Code)
	}
}

func TestRuns_EmptyList(t *testing.T) {
	a := setupApp(t)
	rr := a.do(t, http.MethodGet, "/runs", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestEvents_StreamsStatusUpdates(t *testing.T) {
	a := setupApp(t)
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?owner=u1&access_token=" + testToken
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered asynchronously; keep enqueueing until
	// an event arrives.
	got := make(chan notify.Event, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev notify.Event
		if json.Unmarshal(data, &ev) == nil {
			got <- ev
		}
	}()

	for {
		a.do(t, http.MethodPost, "/changes", `{"domain":"task-store","operation":"INSERT","payload":{"id":"t1"},"owner_id":"u1"}`)
		select {
		case ev := <-got:
			if ev.Name != notify.EventStatusUpdate {
				t.Errorf("event = %q, want %q", ev.Name, notify.EventStatusUpdate)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}
