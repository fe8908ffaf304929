package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/graph"
	"github.com/linkflow-go/internal/coordination/predictor"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
)

func newTestScheduler() *Scheduler {
	g := graph.New(logger.NewNop())
	pred := predictor.New()
	return New(Config{
		MaxRetries:       2,
		RetryBackoffBase: 5 * time.Millisecond,
		RetryBackoffMax:  20 * time.Millisecond,
		DeadLetterCap:    10,
		HybridWeights:    HybridWeights{Load: 1, Perf: 1, Cap: 1, Affinity: 1},
	}, g, pred, logger.NewNop())
}

func newTask(id string, deps ...string) *types.Task {
	depSet := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		depSet[d] = struct{}{}
	}
	return &types.Task{ID: id, Type: "fetch", Dependencies: depSet, MaxRetries: 2}
}

func TestScheduler_AssignSelectsEligibleWorker(t *testing.T) {
	s := newTestScheduler()
	task := newTask("t1")
	eligible := []WorkerView{{ID: "w1", Status: types.WorkerIdle}}

	require.NoError(t, s.Assign(task, eligible, ""))
	assert.Equal(t, "w1", task.AssignedWorker)
	assert.Equal(t, types.TaskQueued, task.Status)
}

func TestScheduler_AssignNoEligibleWorkers(t *testing.T) {
	s := newTestScheduler()
	task := newTask("t1")
	err := s.Assign(task, nil, "")
	require.Error(t, err)
	assert.True(t, coorderrors.Is(err, coorderrors.NoSuitableWorker))
}

func TestScheduler_CompleteAdvancesGraph(t *testing.T) {
	s := newTestScheduler()
	a := newTask("a")
	b := newTask("b", "a")
	require.NoError(t, s.Assign(a, []WorkerView{{ID: "w1"}}, ""))
	require.NoError(t, s.Assign(b, []WorkerView{{ID: "w1"}}, ""))

	ready := s.Complete("a", &types.TaskResult{Quality: 1})
	assert.Equal(t, []string{"b"}, ready)
}

func TestScheduler_CompletePromotesDependentsToReady(t *testing.T) {
	s := newTestScheduler()
	a := newTask("a")
	b := newTask("b", "a")
	require.NoError(t, s.Assign(a, []WorkerView{{ID: "w1"}}, ""))
	require.NoError(t, s.Assign(b, []WorkerView{{ID: "w1"}}, ""))
	require.Equal(t, types.TaskPending, b.Status)

	var promoted []string
	s.OnReady(func(task *types.Task) { promoted = append(promoted, task.ID) })

	s.Complete("a", &types.TaskResult{Quality: 1})

	assert.Equal(t, types.TaskReady, b.Status)
	assert.Contains(t, promoted, "b")
}

func TestScheduler_FailRetriesThenDeadLetters(t *testing.T) {
	s := newTestScheduler()
	task := newTask("t1")
	require.NoError(t, s.Assign(task, []WorkerView{{ID: "w1"}}, ""))

	var readyCount int
	s.OnReady(func(*types.Task) { readyCount++ })

	s.Fail("t1", coorderrors.New(coorderrors.ExecutionFailure, "t1", nil))
	assert.Equal(t, types.TaskPending, task.Status)
	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, readyCount, 1)

	s.Fail("t1", coorderrors.New(coorderrors.ExecutionFailure, "t1", nil))
	time.Sleep(50 * time.Millisecond)
	s.Fail("t1", coorderrors.New(coorderrors.ExecutionFailure, "t1", nil))

	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Len(t, s.DeadLetter(), 1)
}

func TestScheduler_CancelCascades(t *testing.T) {
	s := newTestScheduler()
	a := newTask("a")
	b := newTask("b", "a")
	require.NoError(t, s.Assign(a, []WorkerView{{ID: "w1"}}, ""))
	require.NoError(t, s.Assign(b, []WorkerView{{ID: "w1"}}, ""))

	var cancelled []string
	s.OnCancel(func(task *types.Task, cause string) { cancelled = append(cancelled, task.ID) })

	s.Cancel("a", "user requested")
	assert.Contains(t, cancelled, "b")
}

func TestScheduler_HybridStrategyPrefersLessLoaded(t *testing.T) {
	s := newTestScheduler()
	s.SetActiveStrategy("hybrid")
	task := newTask("t1")
	eligible := []WorkerView{
		{ID: "busy", Load: types.LoadSnapshot{TaskCount: 9, Capacity: 10}},
		{ID: "free", Load: types.LoadSnapshot{TaskCount: 0, Capacity: 10}},
	}
	require.NoError(t, s.Assign(task, eligible, ""))
	assert.Equal(t, "free", task.AssignedWorker)
}
