package undo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spatialai/braind/internal/config"
)

func newTestService(t *testing.T, maxEntries int) Service {
	t.Helper()
	svc, err := New(filepath.Join(t.TempDir(), "undo.db"),
		config.UndoConfig{MaxEntries: maxEntries}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func push(t *testing.T, svc Service, session, kind, desc string) *Record {
	t.Helper()
	r, err := svc.Push(context.Background(), PushRequest{
		SessionID:   session,
		TaskID:      "task-1",
		Kind:        kind,
		Description: desc,
		Payload:     `{"entry_id":"abc"}`,
		PostState:   `{"entry_id":"abc","status":"committed"}`,
		Undoable:    true,
	})
	require.NoError(t, err)
	return r
}

func TestNewRejectsInvalidBound(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "undo.db"), config.UndoConfig{}, nil)
	require.Error(t, err)
}

func TestPushAndList(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	first := push(t, svc, "sess-1", "memory_append", "first")
	second := push(t, svc, "sess-1", "memory_append", "second")

	records, err := svc.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
	assert.Equal(t, StatusActive, records[0].Status)
	assert.True(t, records[0].Undoable)
	assert.Equal(t, `{"entry_id":"abc","status":"committed"}`, records[0].PostState)
}

func TestPushValidation(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	_, err := svc.Push(ctx, PushRequest{Kind: "k", Description: "d"})
	require.Error(t, err)
	_, err = svc.Push(ctx, PushRequest{SessionID: "s", Description: "d"})
	require.Error(t, err)
	_, err = svc.Push(ctx, PushRequest{SessionID: "s", Kind: "k"})
	require.Error(t, err)
}

func TestBoundEvictsOldest(t *testing.T) {
	svc := newTestService(t, 3)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		r := push(t, svc, "sess-1", "memory_append", fmt.Sprintf("op %d", i))
		ids = append(ids, r.ID)
	}

	records, err := svc.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ids[4], records[0].ID)
	assert.Equal(t, ids[2], records[2].ID)

	_, err = svc.Execute(ctx, ids[0])
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPeek(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	_, err := svc.Peek(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)

	push(t, svc, "sess-1", "memory_append", "older")
	newest := push(t, svc, "sess-1", "memory_append", "newest")

	r, err := svc.Peek(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, newest.ID, r.ID)

	// Peek ignores other sessions.
	_, err = svc.Peek(ctx, "sess-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteRunsApplierOnce(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	applied := 0
	svc.Register("memory_append", func(_ context.Context, rec Record) error {
		applied++
		assert.Equal(t, `{"entry_id":"abc"}`, rec.Payload)
		return nil
	})

	r := push(t, svc, "sess-1", "memory_append", "undo me")
	executed, err := svc.Execute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, StatusConsumed, executed.Status)
	assert.False(t, executed.ConsumedAt.IsZero())

	_, err = svc.Execute(ctx, r.ID)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.Equal(t, 1, applied)

	// Consumed records drop out of the listing but stay readable.
	records, err := svc.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecuteUnknownKind(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	r := push(t, svc, "sess-1", "mystery_op", "no applier")
	_, err := svc.Execute(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotUndoable)

	// The record stays active; registering an applier makes it executable.
	svc.Register("mystery_op", func(context.Context, Record) error { return nil })
	_, err = svc.Execute(ctx, r.ID)
	require.NoError(t, err)
}

func TestExecuteNonReversibleRecord(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	applied := 0
	svc.Register("external_call", func(context.Context, Record) error {
		applied++
		return nil
	})

	r, err := svc.Push(ctx, PushRequest{
		SessionID:   "sess-1",
		TaskID:      "task-1",
		Kind:        "external_call",
		Description: "posted to external API",
		Undoable:    false,
	})
	require.NoError(t, err)

	_, err = svc.Execute(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotUndoable)
	assert.Equal(t, 0, applied)

	// The record stays active and listed for audit.
	records, err := svc.List(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusActive, records[0].Status)
	assert.False(t, records[0].Undoable)
}

func TestExecuteApplierFailureConsumesRecord(t *testing.T) {
	svc := newTestService(t, 50)
	ctx := context.Background()

	svc.Register("memory_append", func(context.Context, Record) error {
		return fmt.Errorf("backend down")
	})
	r := push(t, svc, "sess-1", "memory_append", "will fail")

	_, err := svc.Execute(ctx, r.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")

	_, err = svc.Execute(ctx, r.ID)
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestExecuteNotFound(t *testing.T) {
	svc := newTestService(t, 50)
	_, err := svc.Execute(context.Background(), "01JUNKJUNKJUNKJUNKJUNKJUNK")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClosedService(t *testing.T) {
	svc := newTestService(t, 50)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Push(context.Background(), PushRequest{
		SessionID: "s", Kind: "k", Description: "d",
	})
	require.ErrorIs(t, err, ErrClosed)
}
