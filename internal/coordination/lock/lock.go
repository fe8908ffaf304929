// Package lock implements the resource lock manager: per-resource
// FIFO/priority wait queues and wait-for-graph deadlock detection.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/ratelimit"
)

// staleWarnRPS/staleWarnBurst bound how often SweepStale logs a repeated
// warning for the same resource; a resource stuck past staleAfter would
// otherwise re-log on every sweep tick.
const (
	staleWarnRPS   = 0.2
	staleWarnBurst = 1
)

type waiter struct {
	worker    string
	priority  types.Priority
	requested time.Time
	grant     chan struct{}
}

type resourceState struct {
	holder    string
	lockedAt  time.Time
	waitQueue []*waiter
}

// Deadlock carries the cycle detected by the periodic sweep.
type Deadlock struct {
	Workers   []string
	Resources []string
}

// Manager owns Resource records exclusively; other components read
// them only through snapshot methods.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resourceState

	resourceTimeout time.Duration
	log             logger.Logger

	onDeadlock   func(Deadlock)
	staleWarnLim *ratelimit.KeyedLimiter
}

func New(resourceTimeout time.Duration, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		resources:       make(map[string]*resourceState),
		resourceTimeout: resourceTimeout,
		log:             log,
		staleWarnLim:    ratelimit.NewKeyedLimiter(staleWarnRPS, staleWarnBurst),
	}
}

// OnDeadlock registers the callback invoked when the deadlock loop
// breaks a cycle.
func (m *Manager) OnDeadlock(fn func(Deadlock)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeadlock = fn
}

func (m *Manager) stateFor(resource string) *resourceState {
	rs, ok := m.resources[resource]
	if !ok {
		rs = &resourceState{}
		m.resources[resource] = rs
	}
	return rs
}

// Acquire blocks until granted, times out, or ctx is cancelled.
// Idempotent: a worker already holding returns immediately.
func (m *Manager) Acquire(ctx context.Context, resource, worker string, priority types.Priority) error {
	m.mu.Lock()
	rs := m.stateFor(resource)
	if rs.holder == worker {
		m.mu.Unlock()
		return nil
	}
	if rs.holder == "" {
		rs.holder = worker
		rs.lockedAt = time.Now()
		m.mu.Unlock()
		return nil
	}

	w := &waiter{
		worker:    worker,
		priority:  priority,
		requested: time.Now(),
		grant:     make(chan struct{}),
	}
	rs.waitQueue = append(rs.waitQueue, w)
	sortWaitQueue(rs.waitQueue)
	m.mu.Unlock()

	timeout := m.resourceTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.grant:
		return nil
	case <-timeoutCh:
		if m.abandonWait(rs, w) {
			return nil
		}
		return coorderrors.New(coorderrors.ResourceTimeout, resource, nil)
	case <-ctx.Done():
		if m.abandonWait(rs, w) {
			return nil
		}
		return coorderrors.New(coorderrors.Cancelled, resource, ctx.Err())
	}
}

// abandonWait removes w from the wait queue; it reports true when the
// grant raced ahead of the timeout/cancel, in which case the caller
// holds the resource after all.
func (m *Manager) abandonWait(rs *resourceState, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-w.grant:
		return true
	default:
	}
	m.removeWaiterLocked(rs, w)
	return false
}

func sortWaitQueue(q []*waiter) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].priority != q[j].priority {
			return q[i].priority > q[j].priority
		}
		return q[i].requested.Before(q[j].requested)
	})
}

func (m *Manager) removeWaiterLocked(rs *resourceState, target *waiter) {
	out := rs.waitQueue[:0]
	for _, w := range rs.waitQueue {
		if w != target {
			out = append(out, w)
		}
	}
	rs.waitQueue = out
}

// Release hands the resource to the head of the wait queue, if any. A
// no-op with a log line if the caller is not the holder.
func (m *Manager) Release(resource, worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, ok := m.resources[resource]
	if !ok || rs.holder != worker {
		m.log.Warn("release by non-holder ignored", "resource", resource, "worker", worker)
		return
	}

	rs.holder = ""
	if len(rs.waitQueue) == 0 {
		return
	}
	next := rs.waitQueue[0]
	rs.waitQueue = rs.waitQueue[1:]
	rs.holder = next.worker
	rs.lockedAt = time.Now()
	close(next.grant)
}

// ReleaseAllFor force-releases every resource held or awaited by worker,
// invoked on worker termination.
func (m *Manager) ReleaseAllFor(worker string) {
	m.mu.Lock()
	var toGrant []string
	for id, rs := range m.resources {
		if rs.holder == worker {
			toGrant = append(toGrant, id)
		}
		out := rs.waitQueue[:0]
		for _, w := range rs.waitQueue {
			if w.worker != worker {
				out = append(out, w)
			}
		}
		rs.waitQueue = out
	}
	m.mu.Unlock()

	for _, id := range toGrant {
		m.Release(id, worker)
	}
}

// WaitForGraph returns the snapshot used by the periodic deadlock sweep:
// an edge w1 -> w2 iff w1 is blocked on a resource held by w2.
func (m *Manager) WaitForGraph() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	edges := make(map[string][]string)
	for _, rs := range m.resources {
		if rs.holder == "" {
			continue
		}
		for _, w := range rs.waitQueue {
			edges[w.worker] = append(edges[w.worker], rs.holder)
		}
	}
	return edges
}

// resourcesInCycle lists the resources whose holder and at least one
// waiter are both members of the cycle; these are the locks the cycle
// is contending over.
func (m *Manager) resourcesInCycle(workers []string) []string {
	inCycle := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		inCycle[w] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rs := range m.resources {
		if _, ok := inCycle[rs.holder]; !ok {
			continue
		}
		for _, w := range rs.waitQueue {
			if _, ok := inCycle[w.worker]; ok {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// DetectDeadlocks runs DFS cycle detection over the wait-for graph.
func (m *Manager) DetectDeadlocks() []Deadlock {
	edges := m.WaitForGraph()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var deadlocks []Deadlock

	var visit func(string)
	visit = func(n string) {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range edges[n] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				idx := -1
				for i, s := range stack {
					if s == next {
						idx = i
						break
					}
				}
				if idx >= 0 {
					cyc := append([]string(nil), stack[idx:]...)
					deadlocks = append(deadlocks, Deadlock{Workers: cyc, Resources: m.resourcesInCycle(cyc)})
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for n := range edges {
		if color[n] == white {
			visit(n)
		}
	}
	return deadlocks
}

// RunDeadlockDetection performs one sweep: detect, emit, and resolve by
// preempting the lowest-priority member of each cycle. The
// caller supplies priorityOf to avoid the lock manager owning worker
// records, and requeueRunning to push the preempted worker's running
// tasks back into scheduling — the lock
// manager owns resources, not tasks, so it never touches the scheduler
// directly.
func (m *Manager) RunDeadlockDetection(priorityOf func(worker string) types.Priority, requeueRunning func(worker string)) {
	for _, dl := range m.DetectDeadlocks() {
		if len(dl.Workers) == 0 {
			continue
		}
		loser := dl.Workers[0]
		lowest := priorityOf(loser)
		for _, w := range dl.Workers[1:] {
			if p := priorityOf(w); p < lowest {
				lowest = p
				loser = w
			}
		}
		m.log.Warn("deadlock detected", "cycle", dl.Workers, "preempting", loser)
		m.ReleaseAllFor(loser)
		if requeueRunning != nil {
			requeueRunning(loser)
		}
		if m.onDeadlock != nil {
			m.onDeadlock(dl)
		}
	}
}

// SweepStale force-releases locks held longer than 2x resource_timeout.
// Stale holds normally mean a lost worker that never deregistered.
// Wait-queue entries are not touched here; a waiter leaves the queue
// when its own resource_timeout expires in Acquire.
func (m *Manager) SweepStale() {
	m.mu.Lock()
	staleAfter := 2 * m.resourceTimeout
	now := time.Now()
	var staleHolders []string
	for id, rs := range m.resources {
		if rs.holder != "" && staleAfter > 0 && now.Sub(rs.lockedAt) > staleAfter {
			if m.staleWarnLim.Allow(id) {
				m.log.Warn("stale lock force-released", "resource", id, "holder", rs.holder)
			}
			staleHolders = append(staleHolders, id)
		}
	}
	m.mu.Unlock()

	for _, id := range staleHolders {
		m.mu.Lock()
		rs := m.resources[id]
		holder := rs.holder
		m.mu.Unlock()
		m.Release(id, holder)
	}
}

// Snapshot returns a read-only view of a resource for observability.
func (m *Manager) Snapshot(resource string) (holder string, waiting int, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[resource]
	if !ok {
		return "", 0, false
	}
	return rs.holder, len(rs.waitQueue), rs.holder != ""
}
