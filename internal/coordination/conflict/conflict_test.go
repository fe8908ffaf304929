package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/internal/coordination/types"
)

func TestResolver_PriorityStrategy(t *testing.T) {
	r := New(10)
	candidates := []Candidate{
		{WorkerID: "w1", Priority: 1},
		{WorkerID: "w2", Priority: 3},
		{WorkerID: "w3", Priority: 2},
	}
	res, err := r.Resolve(types.ConflictResource, "res-1", "priority", candidates)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "w2", res.Winner)
	assert.ElementsMatch(t, []string{"w1", "w3"}, res.Losers)
}

func TestResolver_TimestampStrategy(t *testing.T) {
	r := New(10)
	now := time.Now()
	candidates := []Candidate{
		{WorkerID: "late", RequestedAt: now.Add(time.Second)},
		{WorkerID: "early", RequestedAt: now},
	}
	res, err := r.Resolve(types.ConflictResource, "res-1", "timestamp", candidates)
	require.NoError(t, err)
	assert.Equal(t, "early", res.Winner)
}

func TestResolver_VoteStrategy(t *testing.T) {
	r := New(10)
	candidates := []Candidate{
		{WorkerID: "w1", Votes: 1},
		{WorkerID: "w2", Votes: 5},
	}
	res, err := r.Resolve(types.ConflictTask, "task-1", "vote", candidates)
	require.NoError(t, err)
	assert.Equal(t, "w2", res.Winner)
}

func TestResolver_UnknownStrategyFallsBackToPriority(t *testing.T) {
	r := New(10)
	candidates := []Candidate{
		{WorkerID: "w1", Priority: 1},
		{WorkerID: "w2", Priority: 9},
	}
	res, err := r.Resolve(types.ConflictResource, "res-1", "nonexistent", candidates)
	require.NoError(t, err)
	assert.Equal(t, "w2", res.Winner)
}

func TestResolver_OptimisticStrategyDefersToValidator(t *testing.T) {
	r := New(10)
	r.RegisterOptimistic(func(targetID string, c Candidate) bool {
		return c.WorkerID == "w2"
	})
	candidates := []Candidate{
		{WorkerID: "w1", Priority: 9},
		{WorkerID: "w2", Priority: 1},
	}
	res, err := r.Resolve(types.ConflictResource, "res-1", "optimistic", candidates)
	require.NoError(t, err)
	assert.Equal(t, "w2", res.Winner)
	assert.Equal(t, "optimistic", res.Reason)
}

func TestResolver_OptimisticStrategyWithoutValidatorFallsBackToPriority(t *testing.T) {
	r := New(10)
	candidates := []Candidate{
		{WorkerID: "w1", Priority: 1},
		{WorkerID: "w2", Priority: 9},
	}
	res, err := r.Resolve(types.ConflictResource, "res-1", "optimistic", candidates)
	require.NoError(t, err)
	assert.Equal(t, "w2", res.Winner)
}

func TestResolver_HistoryBounded(t *testing.T) {
	r := New(2)
	for i := 0; i < 5; i++ {
		_, err := r.Resolve(types.ConflictResource, "res", "priority", []Candidate{{WorkerID: "a"}, {WorkerID: "b", Priority: 1}})
		require.NoError(t, err)
	}
	assert.Len(t, r.History(), 2)
}
