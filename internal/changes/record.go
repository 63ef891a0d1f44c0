package changes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a Record carries.
type Operation string

const (
	Insert Operation = "INSERT"
	Update Operation = "UPDATE"
	Delete Operation = "DELETE"
)

// ParseOperation accepts any letter case.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

func (o Operation) Valid() bool {
	switch o {
	case Insert, Update, Delete:
		return true
	}
	return false
}

// RequiresRecordID reports whether the operation targets an existing remote record.
func (o Operation) RequiresRecordID() bool {
	return o == Update || o == Delete
}

// Status is the delivery state of a Record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one pending local mutation awaiting delivery to the remote store.
type Record struct {
	ID         string          `json:"id"`
	Domain     Domain          `json:"domain"`
	Operation  Operation       `json:"operation"`
	RecordID   string          `json:"record_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	OwnerID    string          `json:"owner_id"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// ErrInvalidChange is the sentinel wrapped by every InvalidChangeError.
var ErrInvalidChange = errors.New("invalid change")

// InvalidChangeError reports malformed enqueue parameters.
type InvalidChangeError struct {
	Field  string
	Reason string
}

func (e *InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change: %s: %s", e.Field, e.Reason)
}

func (e *InvalidChangeError) Unwrap() error { return ErrInvalidChange }

// New builds a pending Record. For UPDATE and DELETE the remote record id is
// taken from payload.id; DELETE records keep the payload only to carry it.
func New(domain Domain, op Operation, payload any, ownerID string, now time.Time) (Record, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Record{}, &InvalidChangeError{Field: "owner_id", Reason: "required"}
	}
	if !domain.Valid() {
		return Record{}, &InvalidChangeError{Field: "domain", Reason: fmt.Sprintf("unknown domain %d", uint8(domain))}
	}
	if !op.Valid() {
		return Record{}, &InvalidChangeError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", op)}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Record{}, &InvalidChangeError{Field: "payload", Reason: err.Error()}
	}

	recordID := payloadID(raw)
	if op.RequiresRecordID() && recordID == "" {
		return Record{}, &InvalidChangeError{Field: "payload.id", Reason: fmt.Sprintf("required for %s", op)}
	}

	now = now.UTC().Truncate(time.Millisecond)
	return Record{
		ID:        newID(domain, op, now),
		Domain:    domain,
		Operation: op,
		RecordID:  recordID,
		Payload:   raw,
		CreatedAt: now,
		OwnerID:   ownerID,
		Status:    StatusPending,
	}, nil
}

// Validate reports whether a Record (for example one reloaded from disk)
// can be pushed at all.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return &InvalidChangeError{Field: "id", Reason: "required"}
	case !r.Domain.Valid():
		return &InvalidChangeError{Field: "domain", Reason: "unknown"}
	case !r.Operation.Valid():
		return &InvalidChangeError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", r.Operation)}
	case r.OwnerID == "":
		return &InvalidChangeError{Field: "owner_id", Reason: "required"}
	case r.Operation.RequiresRecordID() && r.RecordID == "":
		return &InvalidChangeError{Field: "record_id", Reason: fmt.Sprintf("required for %s", r.Operation)}
	}
	return nil
}

func newID(d Domain, op Operation, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s-%s-%d-%s", d, strings.ToLower(string(op)), now.UnixMilli(), suffix)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, errors.New("not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// payloadID extracts a string or numeric "id" member from a JSON object.
func payloadID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(obj.ID, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String()
		}
	}
	return ""
}
