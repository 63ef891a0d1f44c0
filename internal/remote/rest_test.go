package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/tether/internal/changes"
)

type capturedRequest struct {
	method string
	path   string
	query  map[string]string
	body   string
	apikey string
	prefer string
}

func newRESTServer(t *testing.T, status int, respBody string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.body = string(b)
		got.apikey = r.Header.Get("apikey")
		got.prefer = r.Header.Get("Prefer")
		got.query = map[string]string{}
		for k, v := range r.URL.Query() {
			got.query[k] = v[0]
		}
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRESTInsert(t *testing.T) {
	srv, got := newRESTServer(t, http.StatusCreated, "")
	b := NewRESTBackend(srv.URL+"/rest/v1/", "anon-key", "user_id")

	err := b.Apply(context.Background(), Mutation{
		Table: "tasks", Operation: changes.Insert, OwnerID: "u1",
		Payload: json.RawMessage(`{"id":"t1","title":"x"}`),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.method != http.MethodPost || got.path != "/rest/v1/tasks" {
		t.Errorf("request = %s %s", got.method, got.path)
	}
	if got.body != `[{"id":"t1","title":"x"}]` {
		t.Errorf("body = %s", got.body)
	}
	if got.apikey != "anon-key" || got.prefer != "return=minimal" {
		t.Errorf("headers apikey=%q prefer=%q", got.apikey, got.prefer)
	}
}

func TestRESTUpdateFilters(t *testing.T) {
	srv, got := newRESTServer(t, http.StatusNoContent, "")
	b := NewRESTBackend(srv.URL, "", "user_id")

	err := b.Apply(context.Background(), Mutation{
		Table: "goals", Operation: changes.Update, RecordID: "g1", OwnerID: "u1",
		Payload: json.RawMessage(`{"progress":0.5}`),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.method != http.MethodPatch || got.query["id"] != "eq.g1" || got.query["user_id"] != "eq.u1" {
		t.Errorf("request = %s %v", got.method, got.query)
	}
}

func TestRESTDelete(t *testing.T) {
	srv, got := newRESTServer(t, http.StatusNoContent, "")
	b := NewRESTBackend(srv.URL, "", "")

	if err := b.Apply(context.Background(), Mutation{Table: "runes", Operation: changes.Delete, RecordID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if got.method != http.MethodDelete || got.query["id"] != "eq.r1" || got.body != "" {
		t.Errorf("request = %s %v %q", got.method, got.query, got.body)
	}
	if _, ok := got.query["user_id"]; ok {
		t.Error("owner filter applied without owner column")
	}
}

func TestRESTUniqueViolation(t *testing.T) {
	srv, _ := newRESTServer(t, http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint \"tasks_pkey\""}`)
	b := NewRESTBackend(srv.URL, "", "")

	err := b.Apply(context.Background(), Mutation{Table: "tasks", Operation: changes.Insert, Payload: json.RawMessage(`{"id":"t1"}`)})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("err = %v, want ErrUniqueViolation", err)
	}
}

func TestRESTConflictStatus(t *testing.T) {
	srv, _ := newRESTServer(t, http.StatusConflict, "row already exists")
	b := NewRESTBackend(srv.URL, "", "")

	err := b.Apply(context.Background(), Mutation{Table: "tasks", Operation: changes.Insert, Payload: json.RawMessage(`{"id":"t1"}`)})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("err = %v, want ErrUniqueViolation", err)
	}
}

func TestRESTForeignKeyConflictIsNotDuplicate(t *testing.T) {
	srv, _ := newRESTServer(t, http.StatusConflict, `{"code":"23503","message":"insert or update violates foreign key constraint"}`)
	b := NewRESTBackend(srv.URL, "", "")

	err := b.Apply(context.Background(), Mutation{Table: "tasks", Operation: changes.Insert, Payload: json.RawMessage(`{"id":"t1"}`)})
	if err == nil || errors.Is(err, ErrUniqueViolation) {
		t.Errorf("err = %v, want plain error", err)
	}
}

func TestRESTServerError(t *testing.T) {
	srv, _ := newRESTServer(t, http.StatusServiceUnavailable, "down")
	b := NewRESTBackend(srv.URL, "", "")

	err := b.Apply(context.Background(), Mutation{Table: "tasks", Operation: changes.Insert, Payload: json.RawMessage(`{"id":"t1"}`)})
	if err == nil || errors.Is(err, ErrUniqueViolation) {
		t.Errorf("err = %v, want plain error", err)
	}
}

func TestRESTRejectsNonObjectPayload(t *testing.T) {
	b := NewRESTBackend("http://127.0.0.1:1", "", "")
	err := b.Apply(context.Background(), Mutation{Table: "tasks", Operation: changes.Insert, Payload: json.RawMessage(`[1,2]`)})
	if !errors.Is(err, changes.ErrInvalidChange) {
		t.Errorf("err = %v, want ErrInvalidChange", err)
	}
}

func TestRESTPing(t *testing.T) {
	srv, _ := newRESTServer(t, http.StatusOK, "{}")
	if err := NewRESTBackend(srv.URL, "", "").Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	down, _ := newRESTServer(t, http.StatusBadGateway, "")
	if err := NewRESTBackend(down.URL, "", "").Ping(context.Background()); err == nil {
		t.Error("expected Ping error on 502")
	}
}
