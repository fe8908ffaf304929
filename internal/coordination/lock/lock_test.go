package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
)

func TestManager_AcquireReleaseFIFO(t *testing.T) {
	m := New(time.Second, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "res", "w1", types.PriorityMedium))

	done := make(chan struct{})
	go func() {
		require.NoError(t, m.Acquire(ctx, "res", "w2", types.PriorityMedium))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("w2 should still be waiting")
	default:
	}

	m.Release("res", "w1")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("w2 never acquired")
	}

	holder, waiting, locked := m.Snapshot("res")
	assert.Equal(t, "w2", holder)
	assert.Equal(t, 0, waiting)
	assert.True(t, locked)
}

func TestManager_AcquireIdempotentForHolder(t *testing.T) {
	m := New(time.Second, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res", "w1", types.PriorityMedium))
	require.NoError(t, m.Acquire(ctx, "res", "w1", types.PriorityMedium))
}

func TestManager_AcquireTimesOut(t *testing.T) {
	m := New(20*time.Millisecond, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res", "w1", types.PriorityMedium))

	err := m.Acquire(ctx, "res", "w2", types.PriorityMedium)
	assert.Error(t, err)
}

func TestManager_PriorityOrderedWaitQueue(t *testing.T) {
	m := New(time.Second, logger.NewNop())
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "res", "holder", types.PriorityMedium))

	order := make(chan string, 2)
	go func() {
		_ = m.Acquire(ctx, "res", "low", types.PriorityLow)
		order <- "low"
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_ = m.Acquire(ctx, "res", "high", types.PriorityHigh)
		order <- "high"
	}()
	time.Sleep(10 * time.Millisecond)

	m.Release("res", "holder")

	first := <-order
	assert.Equal(t, "high", first)
	m.Release("res", "high")
	second := <-order
	assert.Equal(t, "low", second)
}

func TestManager_DeadlockDetectionBreaksCycle(t *testing.T) {
	m := New(time.Second, logger.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "r1", "w1", types.PriorityHigh))
	require.NoError(t, m.Acquire(ctx, "r2", "w2", types.PriorityLow))

	go m.Acquire(ctx, "r2", "w1", types.PriorityHigh)
	go m.Acquire(ctx, "r1", "w2", types.PriorityLow)
	time.Sleep(20 * time.Millisecond)

	var broken Deadlock
	m.OnDeadlock(func(dl Deadlock) { broken = dl })

	var requeued []string
	m.RunDeadlockDetection(func(worker string) types.Priority {
		if worker == "w1" {
			return types.PriorityHigh
		}
		return types.PriorityLow
	}, func(worker string) {
		requeued = append(requeued, worker)
	})

	assert.NotEmpty(t, broken.Workers)
	assert.Contains(t, requeued, "w2")
}
