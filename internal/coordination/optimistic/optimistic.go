// Package optimistic implements the optimistic lock manager:
// per-resource integer versions with CAS-style validate-and-update.
// Validation must compare the version and the acquiring worker's
// identity as one atomic step, so entries sit behind a mutex rather
// than sync/atomic counters.
package optimistic

import (
	"sync"
	"time"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
)

type entry struct {
	version    uint64
	holder     string
	acquiredAt time.Time
}

// Manager keeps one version entry per resource.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxAge  time.Duration
}

func New(maxAge time.Duration) *Manager {
	return &Manager{entries: make(map[string]*entry), maxAge: maxAge}
}

// Acquire returns the current version for worker, registering it as the
// latest acquirer without bumping the version.
func (m *Manager) Acquire(resource, worker string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[resource]
	if !ok {
		e = &entry{version: 0}
		m.entries[resource] = e
	}
	e.holder = worker
	e.acquiredAt = time.Now()
	return e.version
}

// ValidateAndUpdate succeeds iff the current version equals
// expectedVersion and worker is the latest acquirer; on success the
// version increments.
func (m *Manager) ValidateAndUpdate(resource, worker string, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[resource]
	if !ok || e.version != expectedVersion || e.holder != worker {
		return 0, coorderrors.New(coorderrors.SystemError, "optimistic lock conflict on "+resource, nil)
	}
	e.version++
	return e.version, nil
}

// Purge drops entries whose holder has not refreshed in more than
// max_age, run during maintenance.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.maxAge)
	for id, e := range m.entries {
		if e.acquiredAt.Before(cutoff) {
			delete(m.entries, id)
		}
	}
}
