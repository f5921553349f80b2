package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver for database/sql

	"github.com/opentrail/opentrail/internal/ledger"
	"github.com/opentrail/opentrail/pkg/merkle"
)

// SQLite is an embedded file-based backend.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
  seq              INTEGER PRIMARY KEY AUTOINCREMENT,
  op_id            TEXT    NOT NULL UNIQUE,
  ts               INTEGER NOT NULL,
  parent_id        TEXT    NOT NULL DEFAULT '',
  operation        TEXT    NOT NULL,
  inputs           TEXT    NOT NULL,
  output           TEXT    NOT NULL,
  coverage         REAL    NOT NULL,
  invariant_passed INTEGER NOT NULL,
  signature        BLOB    NOT NULL,
  content_hash     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_ts ON entries(ts);
CREATE TABLE IF NOT EXISTS root_checkpoint (
  id   INTEGER PRIMARY KEY CHECK(id = 1),
  root TEXT NOT NULL
);
`

// OpenSQLite opens or creates the database at dsn and ensures the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", dsn, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Append implements ledger.Backend. The entry and the root checkpoint are
// written in one transaction so a crash never leaves them disagreeing.
func (s *SQLite) Append(ctx context.Context, e *ledger.Entry, root merkle.Hash) error {
	inputs, output, err := marshalPayloads(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE op_id = ?", e.OpID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check op_id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateID, e.OpID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (op_id, ts, parent_id, operation, inputs, output, coverage, invariant_passed, signature, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OpID, e.Timestamp, e.ParentID, e.Operation, inputs, output,
		e.Coverage, e.InvariantPassed, e.Signature, e.ContentHash.String(),
	); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO root_checkpoint (id, root) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET root = excluded.root`,
		root.String(),
	); err != nil {
		return fmt.Errorf("update root checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const entryColumns = "op_id, ts, parent_id, operation, inputs, output, coverage, invariant_passed, signature, content_hash"

// Get implements ledger.Backend.
func (s *SQLite) Get(ctx context.Context, opID string) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE op_id = ?", opID)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, opID)
	}
	return e, err
}

// List implements ledger.Backend.
func (s *SQLite) List(ctx context.Context, q ledger.Query) ([]*ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, q.Operation)
	}
	if q.InvariantPassed != nil {
		where = append(where, "invariant_passed = ?")
		args = append(args, *q.InvariantPassed)
	}
	if q.FromTimestamp != 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.FromTimestamp)
	}
	if q.ToTimestamp != 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.ToTimestamp)
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, seq ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count implements ledger.Backend.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// LastTimestamp implements ledger.Backend.
func (s *SQLite) LastTimestamp(ctx context.Context) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT ts FROM entries ORDER BY seq DESC LIMIT 1").Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("last timestamp: %w", err)
	}
	return ts, true, nil
}

// GetRoot implements ledger.Backend.
func (s *SQLite) GetRoot(ctx context.Context) (merkle.Hash, bool, error) {
	var rootHex string
	err := s.db.QueryRowContext(ctx,
		"SELECT root FROM root_checkpoint WHERE id = 1").Scan(&rootHex)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLite) Close() error { return s.db.Close() }

func marshalPayloads(e *ledger.Entry) (inputs, output []byte, err error) {
	if inputs, err = json.Marshal(e.Inputs); err != nil {
		return nil, nil, fmt.Errorf("marshal inputs: %w", err)
	}
	if output, err = json.Marshal(e.Output); err != nil {
		return nil, nil, fmt.Errorf("marshal output: %w", err)
	}
	return inputs, output, nil
}

// scanEntry decodes one entry row. It works for both sql.Row and sql.Rows
// via the scan callback.
func scanEntry(scan func(dest ...any) error) (*ledger.Entry, error) {
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
