package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-go/pkg/logger"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	return New(Config{
		Name:             "test",
		FailThreshold:    2,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		HalfOpenLimit:    1,
	}, logger.NewNop())
}

func TestBreaker_TripsAfterFailThreshold(t *testing.T) {
	b := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}

	assert.Equal(t, Open, b.State())

	_, err := b.Allow()
	assert.Error(t, err)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < 2; i++ {
		done, _ := b.Allow()
		done(false)
	}
	require.Equal(t, Open, b.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < 2; i++ {
		done, _ := b.Allow()
		done(false)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	done, err := b.Allow()
	require.NoError(t, err)
	done(true)

	done, err = b.Allow()
	require.NoError(t, err)
	done(true)

	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureRetrips(t *testing.T) {
	b := newTestBreaker(t)
	for i := 0; i < 2; i++ {
		done, _ := b.Allow()
		done(false)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)

	assert.Equal(t, Open, b.State())
}

func TestBreaker_ForceState(t *testing.T) {
	b := newTestBreaker(t)
	open := Open
	b.ForceState(&open)
	assert.Equal(t, Open, b.State())

	_, err := b.Allow()
	assert.Error(t, err)

	b.ForceState(nil)
	assert.Equal(t, Closed, b.State())
}

func TestRegistry_GetIsStablePerTarget(t *testing.T) {
	r := NewRegistry(Config{FailThreshold: 3, SuccessThreshold: 1, Timeout: time.Second, HalfOpenLimit: 1}, logger.NewNop())
	a := r.Get("worker:1")
	b := r.Get("worker:1")
	assert.Same(t, a, b)

	c := r.Get("worker:2")
	assert.NotSame(t, a, c)

	states := r.States()
	assert.Len(t, states, 2)
}
