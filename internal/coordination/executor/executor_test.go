package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
)

func TestExecutor_RunEchoesStructuredResult(t *testing.T) {
	e := New(Config{
		MaxConcurrentTasks: 2,
		DefaultTimeout:     time.Second,
		KillTimeout:        50 * time.Millisecond,
		Command:            "/bin/cat",
	}, logger.NewNop())

	task := &types.Task{ID: "t1", Payload: map[string]string{"x": "y"}}
	outcome := e.Run(context.Background(), Job{Task: task, WorkerID: "w1"})

	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Result)

	var stdin StdinPayload
	require.NoError(t, json.Unmarshal([]byte(outcome.Result.Result.(string)), &stdin))
	assert.Equal(t, "t1", stdin.Task)
}

func TestExecutor_TimeoutIsRetryable(t *testing.T) {
	e := New(Config{
		MaxConcurrentTasks: 1,
		DefaultTimeout:     10 * time.Millisecond,
		KillTimeout:        5 * time.Millisecond,
		Command:            "/bin/sleep",
		Args:               []string{"5"},
	}, logger.NewNop())

	task := &types.Task{ID: "t1", MaxRetries: 0}
	outcome := e.Run(context.Background(), Job{Task: task, WorkerID: "w1"})

	require.Error(t, outcome.Err)
	assert.Equal(t, coorderrors.Timeout, coorderrors.KindOf(outcome.Err))
	assert.True(t, coorderrors.KindOf(outcome.Err).Retryable())
}

func TestExecutor_QueueDepthTracksWaiters(t *testing.T) {
	e := New(Config{MaxConcurrentTasks: 1, Command: "/bin/cat", DefaultTimeout: time.Second}, logger.NewNop())
	assert.Equal(t, 0, e.QueueDepth())

	// occupy the only slot so the next job has to wait in the executor queue
	e.sem <- struct{}{}
	done := make(chan Outcome, 1)
	go func() {
		done <- e.Run(context.Background(), Job{Task: &types.Task{ID: "t1"}, WorkerID: "w1"})
	}()
	require.Eventually(t, func() bool { return e.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)

	<-e.sem
	<-done
	assert.Equal(t, 0, e.QueueDepth())
}

func TestExecutor_BreakerGateRejectsWhenOpen(t *testing.T) {
	e := New(Config{MaxConcurrentTasks: 1, Command: "/bin/cat", DefaultTimeout: time.Second}, logger.NewNop())
	e.SetBreakerGate(func(scope string) (func(bool), error) {
		return nil, coorderrors.New(coorderrors.CircuitOpen, scope, nil)
	})

	task := &types.Task{ID: "t1"}
	outcome := e.Run(context.Background(), Job{Task: task, WorkerID: "w1", BreakerScope: "worker:w1"})
	require.Error(t, outcome.Err)
	assert.Equal(t, coorderrors.CircuitOpen, coorderrors.KindOf(outcome.Err))
}

func TestJitteredBackoff_NeverExceedsMax(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := jitteredBackoff(10*time.Millisecond, 100*time.Millisecond, attempt)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
