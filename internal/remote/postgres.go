package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/tether/internal/changes"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend writes directly to a Postgres database. Payload members are
// mapped to columns through json_populate_record, so column types come from
// the target table.
type PostgresBackend struct {
	db          execer
	pool        *pgxpool.Pool
	ownerColumn string
}

// NewPostgresBackend creates a pool for dsn. Connections are opened lazily;
// use Ping or WaitReachable to check the database answers.
func NewPostgresBackend(ctx context.Context, dsn, ownerColumn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return &PostgresBackend{db: pool, pool: pool, ownerColumn: ownerColumn}, nil
}

// Ping checks connectivity.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if b.pool == nil {
		return nil
	}
	return b.pool.Ping(ctx)
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

func (b *PostgresBackend) Apply(ctx context.Context, m Mutation) error {
	query, args, err := b.build(m)
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s: %w", ErrUniqueViolation, pgErr.ConstraintName, err)
		}
		return fmt.Errorf("%s %s: %w", m.Operation, m.Table, err)
	}
	return nil
}

func (b *PostgresBackend) build(m Mutation) (string, []any, error) {
	table := pgx.Identifier{m.Table}.Sanitize()

	switch m.Operation {
	case changes.Insert:
		cols, err := payloadColumns(m.Payload, false)
		if err != nil {
			return "", nil, err
		}
		list := strings.Join(cols, ", ")
		return fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM json_populate_record(NULL::%s, $1::json)`,
			table, list, list, table), []any{string(m.Payload)}, nil

	case changes.Update:
		cols, err := payloadColumns(m.Payload, true)
		if err != nil {
			return "", nil, err
		}
		list := strings.Join(cols, ", ")
		query := fmt.Sprintf(`UPDATE %s SET (%s) = (SELECT %s FROM json_populate_record(NULL::%s, $1::json)) WHERE id::text = $2`,
			table, list, list, table)
		args := []any{string(m.Payload), m.RecordID}
		query, args = b.ownerFilter(query, args, m.OwnerID)
		return query, args, nil

	case changes.Delete:
		query := fmt.Sprintf(`DELETE FROM %s WHERE id::text = $1`, table)
		args := []any{m.RecordID}
		query, args = b.ownerFilter(query, args, m.OwnerID)
		return query, args, nil
	}
	return "", nil, &changes.InvalidChangeError{Field: "operation", Reason: string(m.Operation)}
}

func (b *PostgresBackend) ownerFilter(query string, args []any, ownerID string) (string, []any) {
	if b.ownerColumn == "" || ownerID == "" {
		return query, args
	}
	args = append(args, ownerID)
	return fmt.Sprintf(`%s AND %s::text = $%d`, query, pgx.Identifier{b.ownerColumn}.Sanitize(), len(args)), args
}

// payloadColumns returns the sanitized, sorted top-level keys of a JSON object.
func payloadColumns(raw json.RawMessage, skipID bool) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, &changes.InvalidChangeError{Field: "payload", Reason: "expected a JSON object"}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if skipID && k == "id" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, &changes.InvalidChangeError{Field: "payload", Reason: "no columns to write"}
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
	}
	return cols, nil
}
