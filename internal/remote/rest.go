package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/tether/internal/changes"
)

const restClientTimeout = 60 * time.Second

// RESTBackend writes to a PostgREST-compatible endpoint such as Supabase's
// /rest/v1. Row-level security on the remote side scopes writes to the owner;
// ownerColumn, when set, is also added as a filter on UPDATE and DELETE.
type RESTBackend struct {
	baseURL     string
	apiKey      string
	ownerColumn string
	httpClient  *http.Client
}

// NewRESTBackend creates a backend rooted at baseURL, e.g.
// "https://project.supabase.co/rest/v1".
func NewRESTBackend(baseURL, apiKey, ownerColumn string) *RESTBackend {
	return &RESTBackend{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		ownerColumn: ownerColumn,
		httpClient:  &http.Client{Timeout: restClientTimeout},
	}
}

// restError is the PostgREST error body.
type restError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (b *RESTBackend) Apply(ctx context.Context, m Mutation) error {
	var (
		method string
		body   []byte
		query  = url.Values{}
	)
	switch m.Operation {
	case changes.Insert:
		if !isObject(m.Payload) {
			return &changes.InvalidChangeError{Field: "payload", Reason: "insert requires a JSON object"}
		}
		method = http.MethodPost
		body = append(append([]byte{'['}, m.Payload...), ']')
	case changes.Update:
		if !isObject(m.Payload) {
			return &changes.InvalidChangeError{Field: "payload", Reason: "update requires a JSON object"}
		}
		method = http.MethodPatch
		body = m.Payload
		b.filter(query, m)
	case changes.Delete:
		method = http.MethodDelete
		b.filter(query, m)
	default:
		return &changes.InvalidChangeError{Field: "operation", Reason: string(m.Operation)}
	}

	endpoint := b.baseURL + "/" + url.PathEscape(m.Table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	b.setHeaders(req)
	req.Header.Set("Prefer", "return=minimal")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var re restError
	_ = json.Unmarshal(respBody, &re)
	if re.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, re.Message)
	}
	// A 409 carrying another code (23503 and friends) is not a duplicate;
	// proxies in front of the store answer one with a bare 409.
	if resp.StatusCode == http.StatusConflict && re.Code == "" {
		msg := re.Message
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("%w: %s", ErrUniqueViolation, msg)
	}
	if re.Message != "" {
		return fmt.Errorf("unexpected status %d: %s (%s)", resp.StatusCode, re.Message, re.Code)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
}

// Ping reports whether the endpoint answers at all. Any non-5xx response counts.
func (b *RESTBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	b.setHeaders(req)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinging %s: %w", b.baseURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("pinging %s: status %d", b.baseURL, resp.StatusCode)
	}
	return nil
}

func (b *RESTBackend) filter(q url.Values, m Mutation) {
	q.Set("id", "eq."+m.RecordID)
	if b.ownerColumn != "" && m.OwnerID != "" {
		q.Set(b.ownerColumn, "eq."+m.OwnerID)
	}
}

func (b *RESTBackend) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("apikey", b.apiKey)
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
