package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	component     TEXT NOT NULL,
	context_hash  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	content       TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	importance    INTEGER NOT NULL DEFAULT 5,
	access_count  INTEGER NOT NULL DEFAULT 0,
	embedded      INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	UNIQUE(session_id, context_hash)
);

CREATE INDEX IF NOT EXISTS idx_memory_session   ON memory_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_component ON memory_entries(component);
CREATE INDEX IF NOT EXISTS idx_memory_created   ON memory_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_embedded  ON memory_entries(embedded);

CREATE TABLE IF NOT EXISTS memory_archive (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	component     TEXT NOT NULL,
	context_hash  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	content       TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	importance    INTEGER NOT NULL DEFAULT 5,
	access_count  INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	last_accessed TEXT NOT NULL,
	archived_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_states (
	session_id TEXT NOT NULL,
	component  TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, component)
);
`

const entryColumns = `id, session_id, component, context_hash, kind, content, metadata,
	importance, access_count, embedded, created_at, last_accessed`

// store is the SQLite persistence layer beneath Service. All timestamps are
// stored as RFC3339 text in UTC.
type store struct {
	db *sql.DB
}

func newStore(dbPath string) (*store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: apply schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) insertEntry(ctx context.Context, e *Entry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Component, e.ContextHash, string(e.Kind), e.Content, meta,
		e.Importance, e.AccessCount, boolToInt(e.Embedded),
		formatTime(e.CreatedAt), formatTime(e.LastAccessed))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: session %s hash %s", ErrDuplicateEntry, e.SessionID, e.ContextHash)
		}
		return fmt.Errorf("memory: insert entry: %w", err)
	}
	return nil
}

func (s *store) getEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get entry: %w", err)
	}
	return e, nil
}

// findDuplicate returns the entry holding the (session, context hash) dedup
// slot, or nil when the slot is free.
func (s *store) findDuplicate(ctx context.Context, sessionID, contextHash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries
		WHERE session_id = ? AND context_hash = ?`, sessionID, contextHash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: find duplicate: %w", err)
	}
	return e, nil
}

func (s *store) getEntries(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries
		WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: get entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// listExact returns entries matching the session and context hash, most
// important first, newest first among equals.
func (s *store) listExact(ctx context.Context, sessionID, contextHash string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries
		WHERE session_id = ? AND context_hash = ?
		ORDER BY importance DESC, created_at DESC
		LIMIT ?`, sessionID, contextHash, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *store) bumpAccess(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return fmt.Errorf("memory: bump access: %w", err)
	}
	return nil
}

func (s *store) deleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory: delete entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *store) unembedded(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries
		WHERE embedded = 0
		ORDER BY created_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list unembedded: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *store) markEmbedded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memory_entries SET embedded = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: mark embedded: %w", err)
	}
	return nil
}

// consolidate moves entries older than cutoff with importance below
// importanceFloor and access count below accessFloor into the archive.
// The move runs in one transaction so an entry is never in both tables.
func (s *store) consolidate(ctx context.Context, cutoff time.Time, importanceFloor, accessFloor int) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: begin consolidation: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM memory_entries
		WHERE created_at < ? AND importance < ? AND access_count < ?`,
		formatTime(cutoff), importanceFloor, accessFloor)
	if err != nil {
		return nil, fmt.Errorf("memory: select consolidation candidates: %w", err)
	}
	entries, err := collectEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now().UTC())
	for _, e := range entries {
		meta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_archive (id, session_id, component, context_hash, kind, content,
				metadata, importance, access_count, created_at, last_accessed, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Component, e.ContextHash, string(e.Kind), e.Content,
			meta, e.Importance, e.AccessCount,
			formatTime(e.CreatedAt), formatTime(e.LastAccessed), now); err != nil {
			return nil, fmt.Errorf("memory: archive entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("memory: remove archived entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: commit consolidation: %w", err)
	}
	return entries, nil
}

func (s *store) upsertSessionState(ctx context.Context, st *SessionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_states (session_id, component, state, updated_at)
		VALUES (?, ?, ?, ?)`,
		st.SessionID, st.Component, st.State, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("memory: upsert session state: %w", err)
	}
	return nil
}

func (s *store) getSessionState(ctx context.Context, sessionID, component string) (*SessionState, error) {
	st := &SessionState{}
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, component, state, updated_at FROM session_states
		WHERE session_id = ? AND component = ?`, sessionID, component).
		Scan(&st.SessionID, &st.Component, &st.State, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session state %s/%s", ErrNotFound, sessionID, component)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get session state: %w", err)
	}
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

func (s *store) stats(ctx context.Context, recentSince time.Time) (*Stats, error) {
	st := &Stats{ByComponent: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries`).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("memory: count entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE created_at >= ?`,
		formatTime(recentSince)).Scan(&st.Recent); err != nil {
		return nil, fmt.Errorf("memory: count recent entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_archive`).Scan(&st.Archived); err != nil {
		return nil, fmt.Errorf("memory: count archived entries: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE embedded = 0`).Scan(&st.Unembedded); err != nil {
		return nil, fmt.Errorf("memory: count unembedded entries: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT component, COUNT(*) FROM memory_entries GROUP BY component`)
	if err != nil {
		return nil, fmt.Errorf("memory: count by component: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var component string
		var count int
		if err := rows.Scan(&component, &count); err != nil {
			return nil, fmt.Errorf("memory: scan component count: %w", err)
		}
		st.ByComponent[component] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate component counts: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var kind, meta, created, accessed string
	var embedded int
	if err := s.Scan(&e.ID, &e.SessionID, &e.Component, &e.ContextHash, &kind, &e.Content,
		&meta, &e.Importance, &e.AccessCount, &embedded, &created, &accessed); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Embedded = embedded != 0
	e.CreatedAt = parseTime(created)
	e.LastAccessed = parseTime(accessed)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("memory: decode metadata: %w", err)
		}
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scan entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate entries: %w", err)
	}
	return entries, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("memory: encode metadata: %w", err)
	}
	return string(b), nil
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
