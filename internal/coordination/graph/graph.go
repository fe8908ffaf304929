// Package graph implements the task dependency graph: readiness
// tracking, topological ordering, and cycle detection. Readiness is
// maintained incrementally off a completed-set so the scheduler never
// needs a global sweep.
package graph

import (
	"sync"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/pkg/logger"
)

type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
)

// Node is a dependency graph node.
type Node struct {
	TaskID     string
	Deps       map[string]struct{}
	Dependents map[string]struct{}
	Status     NodeStatus
}

// Graph is single-writer: every mutating method acquires the graph's
// own mutex and never calls out to another component while holding it.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	log logger.Logger
}

func New(log logger.Logger) *Graph {
	if log == nil {
		log = logger.NewNop()
	}
	return &Graph{
		nodes: make(map[string]*Node),
		log:   log,
	}
}

// Add inserts a task's node. Fails with DependencyMissing if any
// dependency is not already a node in the graph; a completed task counts
// only while its node is kept (Remove forgets it).
// On success the node's status is `ready` iff every dependency is
// `completed`, else `pending`.
func (g *Graph) Add(taskID string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	depSet := make(map[string]struct{}, len(deps))
	allCompleted := true
	for _, d := range deps {
		dn, ok := g.nodes[d]
		if !ok {
			return coorderrors.New(coorderrors.DependencyMissing, "task "+taskID+" depends on unknown "+d, nil)
		}
		depSet[d] = struct{}{}
		if dn.Status != NodeCompleted {
			allCompleted = false
		}
	}

	status := NodePending
	if allCompleted {
		status = NodeReady
	}

	node := &Node{
		TaskID:     taskID,
		Deps:       depSet,
		Dependents: make(map[string]struct{}),
		Status:     status,
	}
	g.nodes[taskID] = node

	for d := range depSet {
		g.nodes[d].Dependents[taskID] = struct{}{}
	}

	return nil
}

// MarkRunning transitions a ready node to running.
func (g *Graph) MarkRunning(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.Status = NodeRunning
	}
}

// MarkCompleted moves id into the completed set and returns the ids of
// dependents that just became ready. Idempotent: a no-op if id is
// already completed.
func (g *Graph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok || n.Status == NodeCompleted {
		return nil
	}
	n.Status = NodeCompleted

	var readyIDs []string
	for dependentID := range n.Dependents {
		dn := g.nodes[dependentID]
		if dn.Status != NodePending {
			continue
		}
		if g.allDepsCompletedLocked(dn) {
			dn.Status = NodeReady
			readyIDs = append(readyIDs, dependentID)
		}
	}
	return readyIDs
}

func (g *Graph) allDepsCompletedLocked(n *Node) bool {
	for d := range n.Deps {
		if g.nodes[d].Status != NodeCompleted {
			return false
		}
	}
	return true
}

// MarkFailed marks id failed and returns the full transitive set of
// dependents to be cancelled by the scheduler.
func (g *Graph) MarkFailed(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	n.Status = NodeFailed

	seen := make(map[string]struct{})
	var stack []string
	for dep := range n.Dependents {
		stack = append(stack, dep)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		if cn, ok := g.nodes[cur]; ok {
			for dep := range cn.Dependents {
				stack = append(stack, dep)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// DetectCycles runs DFS with a recursion stack and returns every cycle
// found, as a list of task id slices.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for dep := range g.nodes[id].Deps {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// found a back edge; extract the cycle portion of stack
				idx := indexOf(stack, dep)
				if idx >= 0 {
					cyc := append([]string(nil), stack[idx:]...)
					cycles = append(cycles, cyc)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for id := range g.nodes {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

// TopologicalSort returns a valid order, or ok=false when a cycle makes
// one impossible.
func (g *Graph) TopologicalSort() (order []string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.detectCyclesLocked()) > 0 {
		return nil, false
	}

	indegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		indegree[id] = len(n.Deps)
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for dep := range g.nodes[cur].Dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, false
	}
	return order, true
}

// Status returns a node's current status.
func (g *Graph) Status(id string) (NodeStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.Status, true
}

// Remove deletes a node once a task's terminal state has been archived
// to history.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}
