package approval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spatialai/braind/internal/config"
)

func testConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		RiskThreshold: 0.6,
		TTL:           config.Duration(time.Hour),
		SweepInterval: config.Duration(time.Minute),
	}
}

func newTestService(t *testing.T) Service {
	t.Helper()
	svc, err := New(filepath.Join(t.TempDir(), "approval.db"), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func submitPending(t *testing.T, svc Service, risk float64) *Request {
	t.Helper()
	r, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID:   "sess-1",
		TaskID:      "task-1",
		Description: "deploy to production",
		Risk:        risk,
		Payload:     `{"output":"done"}`,
	})
	require.NoError(t, err)
	return r
}

func TestSubmitHighRiskIsPending(t *testing.T) {
	svc := newTestService(t)
	r := submitPending(t, svc, 0.9)

	assert.Equal(t, StatusPending, r.Status)
	assert.False(t, r.ExpiresAt.IsZero())
	assert.Equal(t, time.Hour, r.ExpiresAt.Sub(r.CreatedAt))

	events, err := svc.Audit(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubmitted, events[0].Event)
}

func TestSubmitLowRiskBypassesGateway(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	r := submitPending(t, svc, 0.2)

	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, "system", r.ResolvedBy)
	assert.False(t, r.ResolvedAt.IsZero())

	// Nothing is persisted for a bypassed operation.
	assert.Empty(t, r.ID)
	_, err := svc.Get(ctx, r.ID)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := svc.Pending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing session", SubmitRequest{TaskID: "t", Description: "d", Risk: 0.5}},
		{"missing task", SubmitRequest{SessionID: "s", Description: "d", Risk: 0.5}},
		{"missing description", SubmitRequest{SessionID: "s", TaskID: "t", Risk: 0.5}},
		{"risk out of range", SubmitRequest{SessionID: "s", TaskID: "t", Description: "d", Risk: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.req)
			require.Error(t, err)
		})
	}
}

func TestResolveApprove(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	r := submitPending(t, svc, 0.9)

	resolved, err := svc.Resolve(ctx, r.ID, true, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.Equal(t, "looks safe", resolved.Reason)
	assert.False(t, resolved.ResolvedAt.IsZero())

	events, err := svc.Audit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventApproved, events[1].Event)
}

func TestResolveReject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	r := submitPending(t, svc, 0.9)

	resolved, err := svc.Resolve(ctx, r.ID, false, "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resolved.Status)

	events, err := svc.Audit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRejected, events[1].Event)
}

func TestResolveTerminalStates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "01JUNKJUNKJUNKJUNKJUNKJUNK", true, "alice", "")
	require.ErrorIs(t, err, ErrNotFound)

	r := submitPending(t, svc, 0.9)
	_, err = svc.Resolve(ctx, r.ID, true, "alice", "")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, r.ID, false, "bob", "changed my mind")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	// A bypassed operation has no stored request to resolve.
	auto := submitPending(t, svc, 0.1)
	_, err = svc.Resolve(ctx, auto.ID, false, "bob", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpiresLapsedRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	r1 := submitPending(t, svc, 0.9)
	r2 := submitPending(t, svc, 0.8)

	base := timeNow
	defer func() { timeNow = base }()
	timeNow = func() time.Time { return base().Add(2 * time.Hour) }

	expired, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, StatusExpired, expired[0].Status)

	for _, id := range []string{r1.ID, r2.ID} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)

		events, err := svc.Audit(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, EventExpired, events[1].Event)
	}

	// Idempotent.
	expired, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestResolveLapsedRequestExpiresIt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	r := submitPending(t, svc, 0.9)

	base := timeNow
	defer func() { timeNow = base }()
	timeNow = func() time.Time { return base().Add(2 * time.Hour) }

	_, err := svc.Resolve(ctx, r.ID, true, "alice", "late approval")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestPendingExcludesLapsedRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	submitPending(t, svc, 0.9)

	pending, err := svc.Pending(ctx, "")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	base := timeNow
	defer func() { timeNow = base }()
	timeNow = func() time.Time { return base().Add(2 * time.Hour) }

	// Lapsed but not yet swept requests do not show up.
	pending, err = svc.Pending(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingSessionFilter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, session := range []string{"sess-a", "sess-a", "sess-b"} {
		_, err := svc.Submit(ctx, SubmitRequest{
			SessionID:   session,
			TaskID:      "task-1",
			Description: "deploy to production",
			Risk:        0.9,
		})
		require.NoError(t, err)
	}

	pending, err := svc.Pending(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, r := range pending {
		assert.Equal(t, "sess-a", r.SessionID)
	}

	pending, err = svc.Pending(ctx, "sess-b")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Empty session lists everything.
	pending, err = svc.Pending(ctx, "")
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestClosedService(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "s", TaskID: "t", Description: "d", Risk: 0.5,
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSweeperStartStopIdempotent(t *testing.T) {
	svc := newTestService(t)
	sweeper := NewSweeper(svc, time.Hour, zaptest.NewLogger(t))
	sweeper.Start()
	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeperExpiryHook(t *testing.T) {
	svc := newTestService(t)
	r := submitPending(t, svc, 0.9)

	base := timeNow
	defer func() { timeNow = base }()
	timeNow = func() time.Time { return base().Add(2 * time.Hour) }

	var mu sync.Mutex
	var seen []string
	sweeper := NewSweeper(svc, 10*time.Millisecond, zaptest.NewLogger(t),
		WithExpiryHook(func(_ context.Context, req Request) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, req.ID)
		}))
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, r.ID, seen[0])
	mu.Unlock()
}
