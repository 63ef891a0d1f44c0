package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tether/internal/changes"
	"github.com/kalambet/tether/internal/notify"
	"github.com/kalambet/tether/internal/status"
	"github.com/kalambet/tether/internal/storage"
	"github.com/kalambet/tether/internal/syncer"
	"github.com/kalambet/tether/internal/telemetry"
)

// SyncService is the sync engine as seen by the API layer.
type SyncService interface {
	Enqueue(ctx context.Context, domain changes.Domain, op changes.Operation, payload any, ownerID string) (changes.Record, error)
	QueueSize() int
	Pending() []changes.Record
	Snapshot() []status.Entry
	SyncAll(ctx context.Context, ownerID string) (syncer.Summary, error)
	SyncDomain(ctx context.Context, domain changes.Domain, ownerID string, dir syncer.Direction) (syncer.Summary, error)
	RecordRemoteChange(table string, op changes.Operation, ownerID string) (changes.Domain, error)
}

// SessionManager switches the signed-in owner.
type SessionManager interface {
	SignIn(ownerID string)
	SignOut()
	Current() string
}

// RunLister reads the sync run history.
type RunLister interface {
	RecentRuns(scope string, limit int) ([]storage.SyncRun, error)
}

type AppDeps struct {
	Sync    SyncService
	Session SessionManager
	// Runs is optional; /runs returns an empty list when nil.
	Runs RunLister
	// Bus is optional; /events is not mounted when nil.
	Bus     *notify.Bus
	Metrics *telemetry.Metrics
	Token   string
}

// NewAppHandler mounts the public /health and /metrics routes and the
// bearer-protected sync API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/changes", handleEnqueue(deps))
		r.Get("/queue", handleQueue(deps))
		r.Get("/status", handleStatus(deps))
		r.Get("/status/{scope}", handleScopeStatus(deps))
		r.Post("/sync", handleSyncAll(deps))
		r.Post("/sync/{domain}", handleSyncDomain(deps))
		r.Get("/session", handleGetSession(deps))
		r.Post("/session", handleSignIn(deps))
		r.Delete("/session", handleSignOut(deps))
		r.Post("/remote-events", handleRemoteEvent(deps))
		r.Get("/runs", handleRuns(deps))
		if deps.Bus != nil {
			r.Get("/events", notify.StreamHandler(deps.Bus))
		}
	})

	return r
}

type EnqueueRequest struct {
	Domain    string          `json:"domain"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	OwnerID   string          `json:"owner_id"`
}

type SyncRequest struct {
	OwnerID   string `json:"owner_id"`
	Direction string `json:"direction"`
}

type RemoteEventRequest struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	OwnerID   string `json:"owner_id"`
}

// ownerOr falls back to the signed-in owner.
func ownerOr(deps AppDeps, owner string) string {
	if owner == "" && deps.Session != nil {
		return deps.Session.Current()
	}
	return owner
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EnqueueRequest
		if !decodeBody(w, r, &req, false) {
			return
		}

		domain, err := changes.ParseDomain(req.Domain)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_change_error", "%v", err)
			return
		}
		op, err := changes.ParseOperation(req.Operation)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_change_error", "%v", err)
			return
		}

		var payload any
		if len(req.Payload) > 0 && string(req.Payload) != "null" {
			payload = req.Payload
		}
		rec, err := deps.Sync.Enqueue(r.Context(), domain, op, payload, ownerOr(deps, req.OwnerID))
		switch {
		case errors.Is(err, changes.ErrInvalidChange):
			httpError(w, http.StatusBadRequest, "invalid_change_error", "%v", err)
			return
		case errors.Is(err, syncer.ErrClosed):
			httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue change: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":         rec.ID,
			"status":     "queued",
			"queue_size": deps.Sync.QueueSize(),
		})
	}
}

func handleQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Sync.Pending()
		if records == nil {
			records = []changes.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"size":    len(records),
			"records": records,
		})
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"queue_size": deps.Sync.QueueSize(),
			"scopes":     deps.Sync.Snapshot(),
		})
	}
}

func handleScopeStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := status.Scope(chi.URLParam(r, "scope"))
		for _, e := range deps.Sync.Snapshot() {
			if e.Scope == scope {
				writeJSON(w, http.StatusOK, e)
				return
			}
		}
		httpError(w, http.StatusNotFound, "not_found", "unknown scope %q", scope)
	}
}

func handleSyncAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		sum, err := deps.Sync.SyncAll(r.Context(), ownerOr(deps, req.OwnerID))
		writeSummary(w, sum, err)
	}
}

func handleSyncDomain(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain, err := changes.ParseDomain(chi.URLParam(r, "domain"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		var req SyncRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		dir, err := syncer.ParseDirection(req.Direction)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sum, err := deps.Sync.SyncDomain(r.Context(), domain, ownerOr(deps, req.OwnerID), dir)
		writeSummary(w, sum, err)
	}
}

func writeSummary(w http.ResponseWriter, sum syncer.Summary, err error) {
	switch {
	case errors.Is(err, syncer.ErrOwnerRequired):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required (or sign in first)")
	case errors.Is(err, syncer.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
	case err != nil:
		httpError(w, http.StatusBadGateway, "sync_error", "%v", err)
	default:
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"owner_id": deps.Session.Current()})
	}
}

func handleSignIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SyncRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id is required")
			return
		}
		deps.Session.SignIn(req.OwnerID)
		writeJSON(w, http.StatusOK, map[string]string{"owner_id": req.OwnerID, "status": "signed_in"})
	}
}

func handleSignOut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Session.SignOut()
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	}
}

func handleRemoteEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RemoteEventRequest
		if !decodeBody(w, r, &req, false) {
			return
		}
		op, err := changes.ParseOperation(req.Operation)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		domain, err := deps.Sync.RecordRemoteChange(req.Table, op, ownerOr(deps, req.OwnerID))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"domain": domain.String(), "status": "recorded"})
	}
}

func handleRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs := []storage.SyncRun{}
		if deps.Runs != nil {
			limit := parseIntParam(r, "limit", 20, 200)
			got, err := deps.Runs.RecentRuns(r.URL.Query().Get("scope"), limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
				return
			}
			if got != nil {
				runs = got
			}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}
