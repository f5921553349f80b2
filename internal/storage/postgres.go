package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opentrail/opentrail/internal/ledger"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// Postgres persists the ledger to a PostgreSQL database. The ledger itself
// serializes appends, so no advisory locking is needed here; each Append is
// still wrapped in a transaction so the entry row and the root checkpoint
// commit together.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  seq              BIGSERIAL PRIMARY KEY,
  op_id            TEXT        NOT NULL UNIQUE,
  ts               BIGINT      NOT NULL,
  parent_id        TEXT        NOT NULL DEFAULT '',
  operation        TEXT        NOT NULL,
  inputs           JSONB       NOT NULL,
  output           JSONB       NOT NULL,
  coverage         DOUBLE PRECISION NOT NULL,
  invariant_passed BOOLEAN     NOT NULL,
  signature        BYTEA       NOT NULL,
  content_hash     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_ts ON ledger_entries (ts);
CREATE TABLE IF NOT EXISTS ledger_root (
  id   INTEGER PRIMARY KEY CHECK (id = 1),
  root TEXT NOT NULL
);
`

// NewPostgres creates a Postgres backend over the given pool and ensures
// the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Append implements ledger.Backend.
func (p *Postgres) Append(ctx context.Context, e *ledger.Entry, root merkle.Hash) error {
	inputs, output, err := marshalPayloads(e)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE op_id = $1)", e.OpID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check op_id: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateID, e.OpID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (op_id, ts, parent_id, operation, inputs, output, coverage, invariant_passed, signature, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.OpID, e.Timestamp, e.ParentID, e.Operation, inputs, output,
		e.Coverage, e.InvariantPassed, e.Signature, e.ContentHash.String(),
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_root (id, root) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET root = EXCLUDED.root`,
		root.String(),
	); err != nil {
		return fmt.Errorf("update root checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	p.logger.Debug("entry persisted",
		zap.String("op_id", e.OpID),
		zap.String("operation", e.Operation),
	)
	return nil
}

const pgEntryColumns = "op_id, ts, parent_id, operation, inputs, output, coverage, invariant_passed, signature, content_hash"

// Get implements ledger.Backend.
func (p *Postgres) Get(ctx context.Context, opID string) (*ledger.Entry, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+pgEntryColumns+" FROM ledger_entries WHERE op_id = $1", opID)
	e, err := scanPgEntry(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, opID)
	}
	return e, err
}

// List implements ledger.Backend.
func (p *Postgres) List(ctx context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Operation != "" {
		where = append(where, "operation = "+arg(q.Operation))
	}
	if q.InvariantPassed != nil {
		where = append(where, "invariant_passed = "+arg(*q.InvariantPassed))
	}
	if q.FromTimestamp != 0 {
		where = append(where, "ts >= "+arg(q.FromTimestamp))
	}
	if q.ToTimestamp != 0 {
		where = append(where, "ts <= "+arg(q.ToTimestamp))
	}

	query := "SELECT " + pgEntryColumns + " FROM ledger_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, seq ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanPgEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count implements ledger.Backend.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// LastTimestamp implements ledger.Backend.
func (p *Postgres) LastTimestamp(ctx context.Context) (int64, bool, error) {
	var ts int64
	err := p.pool.QueryRow(ctx,
		"SELECT ts FROM ledger_entries ORDER BY seq DESC LIMIT 1").Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last timestamp: %w", err)
	}
	return ts, true, nil
}

// GetRoot implements ledger.Backend.
func (p *Postgres) GetRoot(ctx context.Context) (merkle.Hash, bool, error) {
	var rootHex string
	err := p.pool.QueryRow(ctx, "SELECT root FROM ledger_root WHERE id = 1").Scan(&rootHex)
	if errors.Is(err, pgx.ErrNoRows) {
		return merkle.Hash{}, false, nil
	}
	if err != nil {
		return merkle.Hash{}, false, fmt.Errorf("get root checkpoint: %w", err)
	}
	root, err := merkle.ParseHash(rootHex)
	if err != nil {
		return merkle.Hash{}, false, fmt.Errorf("decode root checkpoint: %w", err)
	}
	return root, true, nil
}

// Close implements ledger.Backend.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPgEntry(scan func(dest ...any) error) (*ledger.Entry, error) {
	var (
		e          ledger.Entry
		inputs     []byte
		output     []byte
		contentHex string
	)
	if err := scan(
		&e.OpID, &e.Timestamp, &e.ParentID, &e.Operation,
		&inputs, &output, &e.Coverage, &e.InvariantPassed,
		&e.Signature, &contentHex,
	); err != nil {
		return nil, err
	}
	if len(inputs) > 0 && string(inputs) != "null" {
		if err := json.Unmarshal(inputs, &e.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs for %s: %w", e.OpID, err)
		}
	}
	if len(output) > 0 && string(output) != "null" {
		if err := json.Unmarshal(output, &e.Output); err != nil {
			return nil, fmt.Errorf("decode output for %s: %w", e.OpID, err)
		}
	}
	hash, err := merkle.ParseHash(contentHex)
	if err != nil {
		return nil, fmt.Errorf("decode content hash for %s: %w", e.OpID, err)
	}
	e.ContentHash = hash
	return &e, nil
}
