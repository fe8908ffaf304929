// Package conflict implements the conflict resolver: a name-keyed
// strategy registry producing {winner, losers, reason, timestamp},
// mirroring the vtable shape of the scheduler's selection strategies.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow-go/internal/coordination/types"
)

// Candidate is one contender in a conflict, with the context a
// strategy needs to pick a winner.
type Candidate struct {
	WorkerID    string
	Priority    int
	RequestedAt time.Time
	Votes       int
}

type Strategy func(candidates []Candidate) (winnerIdx int, reason string)

// Resolver holds the registered strategies and a bounded history for
// audit.
type Resolver struct {
	mu                 sync.Mutex
	strategies         map[string]Strategy
	optimisticValidate OptimisticValidator
	history            []types.Conflict
	historyCap         int
}

// OptimisticValidator is supplied by the caller so the "optimistic"
// strategy can defer the winner decision to the optimistic lock
// manager's version CAS
// instead of duplicating version state here: given the conflict's
// target resource and a candidate, it reports whether that candidate's
// held version still validates.
type OptimisticValidator func(targetID string, candidate Candidate) bool

func New(historyCap int) *Resolver {
	r := &Resolver{
		strategies: make(map[string]Strategy),
		historyCap: historyCap,
	}
	r.Register("priority", priorityStrategy)
	r.Register("timestamp", timestampStrategy)
	r.Register("vote", voteStrategy)
	r.Register("optimistic", priorityStrategy)
	return r
}

// RegisterOptimistic wires the "optimistic" strategy to an
// actual version validator, replacing the priority-strategy placeholder
// registered by New. Resolve closes over targetID for each call so the
// validator always checks the right resource's version.
func (r *Resolver) RegisterOptimistic(validate OptimisticValidator) {
	r.mu.Lock()
	r.optimisticValidate = validate
	r.mu.Unlock()
}

func (r *Resolver) Register(name string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = s
}

// Resolve runs the named strategy (priority when the name is unknown)
// and appends the outcome to history. It keeps no record of earlier
// resolutions: resolving the same conflict again runs the strategy again
// and appends another history entry.
func (r *Resolver) Resolve(kind types.ConflictKind, targetID, strategyName string, candidates []Candidate) (*types.Resolution, error) {
	r.mu.Lock()
	strategy, ok := r.strategies[strategyName]
	validate := r.optimisticValidate
	r.mu.Unlock()
	if !ok {
		strategy = priorityStrategy
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	if strategyName == "optimistic" && validate != nil {
		strategy = func(cands []Candidate) (int, string) {
			for i, c := range cands {
				if validate(targetID, c) {
					return i, "optimistic"
				}
			}
			return priorityStrategy(cands)
		}
	}

	idx, reason := strategy(candidates)
	winner := candidates[idx].WorkerID
	var losers []string
	for i, c := range candidates {
		if i != idx {
			losers = append(losers, c.WorkerID)
		}
	}

	res := &types.Resolution{
		Winner:    winner,
		Losers:    losers,
		Reason:    reason,
		Timestamp: time.Now(),
	}

	r.mu.Lock()
	contenders := make([]string, 0, len(candidates))
	for _, c := range candidates {
		contenders = append(contenders, c.WorkerID)
	}
	r.history = append(r.history, types.Conflict{
		ID:         uuid.New().String(),
		Kind:       kind,
		TargetID:   targetID,
		Contenders: contenders,
		Resolved:   true,
		Resolution: res,
		Timestamp:  res.Timestamp,
	})
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	r.mu.Unlock()

	return res, nil
}

func (r *Resolver) History() []types.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Conflict(nil), r.history...)
}

func priorityStrategy(candidates []Candidate) (int, string) {
	best := 0
	for i, c := range candidates {
		if c.Priority > candidates[best].Priority {
			best = i
		}
	}
	return best, "priority"
}

func timestampStrategy(candidates []Candidate) (int, string) {
	best := 0
	for i, c := range candidates {
		if c.RequestedAt.Before(candidates[best].RequestedAt) {
			best = i
		}
	}
	return best, "timestamp"
}

func voteStrategy(candidates []Candidate) (int, string) {
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Votes > ranked[j].Votes })
	best := ranked[0]
	for i, c := range candidates {
		if c.WorkerID == best.WorkerID {
			return i, "vote"
		}
	}
	return 0, "vote"
}
