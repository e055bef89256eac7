package approval

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
CREATE TABLE IF NOT EXISTS approval_requests (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	description TEXT NOT NULL,
	risk        REAL NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	expires_at  TEXT NOT NULL,
	resolved_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_approval_status  ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_session ON approval_requests(session_id);

CREATE TABLE IF NOT EXISTS approval_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_request ON approval_audit(request_id);
`

const requestColumns = `id, session_id, task_id, description, risk, payload, status,
	resolved_by, reason, created_at, expires_at, resolved_at`

type store struct {
	db *sql.DB
}

func newStore(dbPath string) (*store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("approval: create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("approval: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: apply schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

// insert writes the request and its initial audit events in one transaction.
func (s *store) insert(ctx context.Context, r *Request, events ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approval: begin insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO approval_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.TaskID, r.Description, r.Risk, r.Payload, string(r.Status),
		r.ResolvedBy, r.Reason, formatTime(r.CreatedAt), formatTime(r.ExpiresAt),
		formatOptionalTime(r.ResolvedAt)); err != nil {
		return fmt.Errorf("approval: insert request: %w", err)
	}
	for _, event := range events {
		if err := appendAudit(ctx, tx, r.ID, event, ""); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("approval: commit insert: %w", err)
	}
	return nil
}

func (s *store) get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get request: %w", err)
	}
	return r, nil
}

// pending returns requests still awaiting resolution and not yet past their
// deadline, oldest first. An empty sessionID lists across all sessions.
func (s *store) pending(ctx context.Context, now time.Time, sessionID string) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
		WHERE status = ? AND expires_at > ?`
	args := []any{string(StatusPending), formatTime(now)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// expiredIDs returns pending requests whose deadline has passed.
func (s *store) expiredIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM approval_requests
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at ASC`, string(StatusPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("approval: list expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("approval: scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate expired ids: %w", err)
	}
	return ids, nil
}

// transition moves a pending request to a terminal status and records the
// audit event in the same transaction. Reports whether the row was still
// pending; a false return with nil error means another writer won.
func (s *store) transition(ctx context.Context, id string, to Status, event, resolvedBy, reason string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("approval: begin transition: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = ?, resolved_by = ?, reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?`,
		string(to), resolvedBy, reason, formatTime(at), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("approval: update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approval: update request: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := appendAudit(ctx, tx, id, event, reason); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("approval: commit transition: %w", err)
	}
	return true, nil
}

func (s *store) audit(ctx context.Context, requestID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, event, detail, created_at FROM approval_audit
		WHERE request_id = ?
		ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("approval: list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var created string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Event, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("approval: scan audit event: %w", err)
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate audit events: %w", err)
	}
	return events, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendAudit(ctx context.Context, db execer, requestID, event, detail string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO approval_audit (request_id, event, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		requestID, event, detail, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("approval: append audit event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var status, created, expires, resolved string
	if err := s.Scan(&r.ID, &r.SessionID, &r.TaskID, &r.Description, &r.Risk, &r.Payload,
		&status, &r.ResolvedBy, &r.Reason, &created, &expires, &resolved); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = parseTime(created)
	r.ExpiresAt = parseTime(expires)
	if resolved != "" {
		r.ResolvedAt = parseTime(resolved)
	}
	return r, nil
}

func collectRequests(rows *sql.Rows) ([]Request, error) {
	var requests []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("approval: scan request: %w", err)
		}
		requests = append(requests, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate requests: %w", err)
	}
	return requests, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
