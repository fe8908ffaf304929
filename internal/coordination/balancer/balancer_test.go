package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
)

func TestBalancer_StealFromOverloadedToUnderloaded(t *testing.T) {
	b := New(Config{MaxStealBatch: 5}, logger.NewNop())

	loads := map[string]types.LoadSnapshot{
		"busy": {WorkerID: "busy", QueueDepth: 12, CPU: 0.9, Mem: 0.9, TaskCount: 9, Capacity: 10},
		"idle": {WorkerID: "idle", QueueDepth: 1, CPU: 0.1, Mem: 0.1, TaskCount: 0, Capacity: 10},
	}
	queues := map[string][]StealableTask{
		"busy": {
			{TaskID: "t1", Priority: types.PriorityLow, Status: types.TaskQueued},
			{TaskID: "t2", Priority: types.PriorityHigh, Status: types.TaskQueued},
			{TaskID: "t3", Priority: types.PriorityMedium, Status: types.TaskRunning},
		},
	}

	steals := b.Plan(loads, queues)
	if assert.Len(t, steals, 1) {
		assert.Equal(t, "busy", steals[0].Src)
		assert.Equal(t, "idle", steals[0].Dst)
		assert.NotContains(t, steals[0].Tasks, "t3")
	}
}

func TestBalancer_ConfiguredStealThresholdGatesOverload(t *testing.T) {
	b := New(Config{StealThreshold: 1, MaxStealBatch: 5}, logger.NewNop())
	loads := map[string]types.LoadSnapshot{
		"busy": {WorkerID: "busy", QueueDepth: 3, CPU: 1.0, Mem: 1.0, TaskCount: 10, Capacity: 10},
		"idle": {WorkerID: "idle", QueueDepth: 0, CPU: 0.1, Mem: 0.1, TaskCount: 0, Capacity: 10},
	}
	queues := map[string][]StealableTask{
		"busy": {
			{TaskID: "t1", Priority: types.PriorityLow, Status: types.TaskQueued},
			{TaskID: "t2", Priority: types.PriorityLow, Status: types.TaskQueued},
		},
	}

	// queue depth 3 clears the configured threshold of 1, but not the
	// default of 3
	steals := b.Plan(loads, queues)
	assert.Len(t, steals, 1)

	b = New(Config{MaxStealBatch: 5}, logger.NewNop())
	assert.Empty(t, b.Plan(loads, queues))
}

func TestBalancer_NoStealWhenNoUnderloaded(t *testing.T) {
	b := New(Config{MaxStealBatch: 5}, logger.NewNop())
	loads := map[string]types.LoadSnapshot{
		"busy": {WorkerID: "busy", QueueDepth: 12, CPU: 0.9, Mem: 0.9, TaskCount: 9, Capacity: 10},
		"mid":  {WorkerID: "mid", QueueDepth: 4, CPU: 0.5, Mem: 0.5, TaskCount: 4, Capacity: 10},
	}
	steals := b.Plan(loads, nil)
	assert.Empty(t, steals)
}

func TestBalancer_StealCapsAtMaxBatch(t *testing.T) {
	b := New(Config{MaxStealBatch: 1}, logger.NewNop())
	loads := map[string]types.LoadSnapshot{
		"busy": {WorkerID: "busy", QueueDepth: 20, CPU: 0.9, Mem: 0.9, TaskCount: 9, Capacity: 10},
		"idle": {WorkerID: "idle", QueueDepth: 0, CPU: 0.0, Mem: 0.0, TaskCount: 0, Capacity: 10},
	}
	queues := map[string][]StealableTask{
		"busy": {
			{TaskID: "t1", Priority: types.PriorityLow, Status: types.TaskQueued},
			{TaskID: "t2", Priority: types.PriorityLow, Status: types.TaskQueued},
			{TaskID: "t3", Priority: types.PriorityLow, Status: types.TaskQueued},
		},
	}
	steals := b.Plan(loads, queues)
	if assert.Len(t, steals, 1) {
		assert.Len(t, steals[0].Tasks, 1)
	}
}
