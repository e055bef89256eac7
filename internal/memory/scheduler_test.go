package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerStartStopIdempotent(t *testing.T) {
	svc := newTestService(t, newFakeEmbedder())
	sched := NewScheduler(svc, zaptest.NewLogger(t), WithInterval(time.Hour))

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()
}

func TestSchedulerBackfillsEntries(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.setFail(true)
	svc := newTestService(t, embedder)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Append(ctx, AppendRequest{
			SessionID: "sess-1", Component: "coordinator", Context: fmt.Sprintf("ctx-%d", i),
			Kind: KindConversation, Content: fmt.Sprintf("entry %d", i),
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		embedder.mu.Lock()
		defer embedder.mu.Unlock()
		return embedder.calls >= 2
	}, 3*time.Second, 10*time.Millisecond)

	embedder.setFail(false)
	sched := NewScheduler(svc, zaptest.NewLogger(t),
		WithInterval(20*time.Millisecond), WithBackfillLimit(10))
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(ctx)
		return err == nil && stats.Unembedded == 0
	}, 3*time.Second, 10*time.Millisecond)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Unembedded)
}

func TestSchedulerOptionsIgnoreInvalidValues(t *testing.T) {
	svc := newTestService(t, newFakeEmbedder())
	sched := NewScheduler(svc, nil, WithInterval(-time.Second), WithBackfillLimit(0))
	assert.Equal(t, 5*time.Minute, sched.interval)
	assert.Equal(t, 100, sched.backfillLimit)
}
