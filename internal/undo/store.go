package undo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS undo_records (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	description TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	post_state  TEXT NOT NULL DEFAULT '',
	undoable    INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	consumed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_undo_session ON undo_records(session_id);
CREATE INDEX IF NOT EXISTS idx_undo_status  ON undo_records(status);
`

const recordColumns = `id, session_id, task_id, kind, description, payload, post_state, undoable, status, created_at, consumed_at`

type store struct {
	db *sql.DB
}

func newStore(dbPath string) (*store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("undo: create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("undo: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("undo: apply schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// push inserts the record and evicts the oldest rows beyond maxEntries in the
// same transaction. ULIDs sort by creation time, so id order is the stack
// order.
func (s *store) push(ctx context.Context, r *Record, maxEntries int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("undo: begin push: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO undo_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.TaskID, r.Kind, r.Description, r.Payload,
		r.PostState, boolToInt(r.Undoable),
		string(r.Status), formatTime(r.CreatedAt), ""); err != nil {
		return fmt.Errorf("undo: insert record: %w", err)
	}
	if maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM undo_records WHERE id IN (
				SELECT id FROM undo_records ORDER BY id DESC LIMIT -1 OFFSET ?
			)`, maxEntries); err != nil {
			return fmt.Errorf("undo: evict oldest records: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("undo: commit push: %w", err)
	}
	return nil
}

func (s *store) get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM undo_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("undo: get record: %w", err)
	}
	return r, nil
}

// listActive returns active records newest first. An empty sessionID lists
// across all sessions.
func (s *store) listActive(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM undo_records WHERE status = ?`
	args := []any{string(StatusActive)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("undo: list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("undo: scan record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("undo: iterate records: %w", err)
	}
	return records, nil
}

// consume marks an active record consumed. Reports whether the record was
// still active.
func (s *store) consume(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE undo_records SET status = ?, consumed_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusConsumed), formatTime(at), id, string(StatusActive))
	if err != nil {
		return false, fmt.Errorf("undo: consume record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("undo: consume record: %w", err)
	}
	return n > 0, nil
}

func (s *store) count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM undo_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("undo: count records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var undoable int
	var status, created, consumed string
	if err := s.Scan(&r.ID, &r.SessionID, &r.TaskID, &r.Kind, &r.Description,
		&r.Payload, &r.PostState, &undoable, &status, &created, &consumed); err != nil {
		return nil, err
	}
	r.Undoable = undoable != 0
	r.Status = Status(status)
	r.CreatedAt = parseTime(created)
	if consumed != "" {
		r.ConsumedAt = parseTime(consumed)
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
