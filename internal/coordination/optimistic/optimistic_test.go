package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ValidateAndUpdateSucceedsOnMatch(t *testing.T) {
	m := New(time.Hour)
	v := m.Acquire("doc-1", "w1")
	assert.Equal(t, uint64(0), v)

	next, err := m.ValidateAndUpdate("doc-1", "w1", v)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
}

func TestManager_ValidateAndUpdateFailsOnStaleVersion(t *testing.T) {
	m := New(time.Hour)
	v := m.Acquire("doc-1", "w1")
	_, err := m.ValidateAndUpdate("doc-1", "w1", v)
	require.NoError(t, err)

	_, err = m.ValidateAndUpdate("doc-1", "w1", v)
	assert.Error(t, err)
}

func TestManager_ValidateAndUpdateFailsOnWrongHolder(t *testing.T) {
	m := New(time.Hour)
	v := m.Acquire("doc-1", "w1")
	m.Acquire("doc-1", "w2")

	_, err := m.ValidateAndUpdate("doc-1", "w1", v)
	assert.Error(t, err)
}

func TestManager_PurgeDropsStaleEntries(t *testing.T) {
	m := New(10 * time.Millisecond)
	m.Acquire("doc-1", "w1")
	time.Sleep(20 * time.Millisecond)
	m.Purge()

	_, err := m.ValidateAndUpdate("doc-1", "w1", 0)
	assert.Error(t, err)
}
