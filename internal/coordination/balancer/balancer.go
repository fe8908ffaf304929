// Package balancer implements the work-stealing load balancer: it
// plans migrations of not-yet-running tasks from overloaded to
// underloaded workers off the per-worker load snapshots collected each
// rebalance tick.
package balancer

import (
	"sort"
	"sync"

	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
)

const defaultStealThreshold = 3 // minimum backlog before a worker counts as overloaded

type Config struct {
	StealThreshold int
	MaxStealBatch  int
}

// StealableTask is the minimal view the balancer needs of a queued task
// to decide whether to migrate it.
type StealableTask struct {
	TaskID   string
	Priority types.Priority
	Status   types.TaskStatus
}

// Steal describes one completed migration batch.
type Steal struct {
	Src   string
	Dst   string
	Tasks []string
}

// Balancer holds no owning references to scheduler or worker state,
// only ids and the load snapshots handed to it each tick.
type Balancer struct {
	mu  sync.Mutex
	cfg Config
	log logger.Logger
}

func New(cfg Config, log logger.Logger) *Balancer {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.StealThreshold <= 0 {
		cfg.StealThreshold = defaultStealThreshold
	}
	return &Balancer{cfg: cfg, log: log}
}

// Plan computes the steal batches for one rebalance tick given the
// latest load snapshots and each worker's stealable (queued/assigned,
// never running) task list. Each overloaded worker is paired with the
// most underloaded target still unused, stealing the lowest-priority
// half of the queue difference up to the batch cap.
func (b *Balancer) Plan(loads map[string]types.LoadSnapshot, queues map[string][]StealableTask) []Steal {
	b.mu.Lock()
	defer b.mu.Unlock()

	type scored struct {
		id          string
		utilization float64
		queueDepth  int
	}

	var overloaded, underloaded []scored
	for id, snap := range loads {
		u := snap.Utilization()
		s := scored{id: id, utilization: u, queueDepth: snap.QueueDepth}
		switch {
		case u > 0.8 && snap.QueueDepth > b.cfg.StealThreshold:
			overloaded = append(overloaded, s)
		case u < 0.3 && snap.QueueDepth < 2:
			underloaded = append(underloaded, s)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil
	}

	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].utilization > overloaded[j].utilization })
	sort.Slice(underloaded, func(i, j int) bool { return underloaded[i].utilization < underloaded[j].utilization })

	var steals []Steal
	used := make(map[string]bool)

	for _, src := range overloaded {
		var target *scored
		for i := range underloaded {
			if !used[underloaded[i].id] {
				target = &underloaded[i]
				break
			}
		}
		if target == nil {
			break
		}
		used[target.id] = true

		stealCount := (src.queueDepth - target.queueDepth) / 2
		if stealCount > b.cfg.MaxStealBatch {
			stealCount = b.cfg.MaxStealBatch
		}
		if stealCount <= 0 {
			continue
		}

		candidates := stealableOnly(queues[src.id])
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
		if stealCount > len(candidates) {
			stealCount = len(candidates)
		}
		if stealCount == 0 {
			continue
		}

		var ids []string
		for _, t := range candidates[:stealCount] {
			ids = append(ids, t.TaskID)
		}
		steals = append(steals, Steal{Src: src.id, Dst: target.id, Tasks: ids})
	}

	return steals
}

func stealableOnly(tasks []StealableTask) []StealableTask {
	var out []StealableTask
	for _, t := range tasks {
		if t.Status == types.TaskQueued || t.Status == types.TaskAssigned {
			out = append(out, t)
		}
	}
	return out
}
