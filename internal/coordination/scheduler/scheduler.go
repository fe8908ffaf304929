// Package scheduler implements the coordination scheduler: a
// dependency-respecting task queue plus pluggable strategy-based worker
// selection. Each strategy exposes one narrow capability — select a
// worker given a task and context — registered into a vtable keyed by
// name.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/linkflow-go/internal/coordination/balancer"
	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/graph"
	"github.com/linkflow-go/internal/coordination/predictor"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/telemetry"
)

// WorkerView is the read-only worker state the scheduler needs to
// select and track assignment; Scheduler holds no owning Worker
// references, only this snapshot.
type WorkerView struct {
	ID           string
	Capabilities map[string]struct{}
	Priority     int
	Status       types.WorkerStatus
	Load         types.LoadSnapshot
	PerfScore    float64
}

// Strategy selects one worker from eligible for task, or ok=false when
// none qualify.
type Strategy func(task *types.Task, eligible []WorkerView, history map[string]string) (WorkerView, bool)

type Config struct {
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	DeadLetterCap    int
	HybridWeights    HybridWeights
}

// HybridWeights are the tunables of the hybrid strategy, always
// normalized to sum to 1 before blending so a partially-configured
// weight set can't skew the score range.
type HybridWeights struct {
	Load      float64
	Perf      float64
	Cap       float64
	Affinity  float64
	Predictor float64
}

func (w HybridWeights) normalized() HybridWeights {
	sum := w.Load + w.Perf + w.Cap + w.Affinity
	if sum == 0 {
		sum = 1
	}
	return HybridWeights{
		Load:     w.Load / sum,
		Perf:     w.Perf / sum,
		Cap:      w.Cap / sum,
		Affinity: w.Affinity / sum,
	}
}

// Scheduler owns Task records and the strategy registry; the executor
// and coordination manager mutate tasks only through it.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	graph     *graph.Graph
	log       logger.Logger
	predictor *predictor.Predictor

	tasks           map[string]*types.Task
	strategies      map[string]Strategy
	activeStrategy  string
	affinityHistory map[string]string // task type -> last worker id

	roundRobinIdx int
	deadLetter    []*types.Task

	onReady  func(task *types.Task)
	onCancel func(task *types.Task, cause string)

	tracer *telemetry.Telemetry
}

func New(cfg Config, g *graph.Graph, pred *predictor.Predictor, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Scheduler{
		cfg:             cfg,
		graph:           g,
		log:             log,
		predictor:       pred,
		tasks:           make(map[string]*types.Task),
		strategies:      make(map[string]Strategy),
		activeStrategy:  "hybrid",
		affinityHistory: make(map[string]string),
		tracer:          telemetry.NewNop(),
	}
	s.RegisterStrategy("capability", s.capabilityStrategy)
	s.RegisterStrategy("round-robin", s.roundRobinStrategy)
	s.RegisterStrategy("least-loaded", s.leastLoadedStrategy)
	s.RegisterStrategy("affinity", s.affinityStrategy)
	s.RegisterStrategy("hybrid", s.hybridStrategy)
	return s
}

func (s *Scheduler) RegisterStrategy(name string, strat Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[name] = strat
}

func (s *Scheduler) SetActiveStrategy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStrategy = name
}

// OnReady registers the callback fired when a task becomes eligible to
// run (newly ready, or re-queued after retry backoff).
func (s *Scheduler) OnReady(fn func(task *types.Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// OnCancel registers the callback fired for cascade-cancellation.
func (s *Scheduler) OnCancel(fn func(task *types.Task, cause string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = fn
}

// SetTracer wires the scheduler's selection span to a real
// tracer; defaults to a no-op tracer otherwise.
func (s *Scheduler) SetTracer(t *telemetry.Telemetry) {
	if t == nil {
		return
	}
	s.tracer = t
}

// Assign registers a task with the graph and, if ready, selects a
// worker (unless one was explicitly given), marks it queued, and fires
// the OnReady callback.
func (s *Scheduler) Assign(task *types.Task, eligible []WorkerView, worker string) error {
	deps := make([]string, 0, len(task.Dependencies))
	for d := range task.Dependencies {
		deps = append(deps, d)
	}
	if err := s.graph.Add(task.ID, deps); err != nil {
		return err
	}

	task.Status = types.TaskPending
	task.CreatedAt = time.Now()
	if task.MaxRetries == 0 && s.cfg.MaxRetries > 0 {
		task.MaxRetries = s.cfg.MaxRetries
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	status, _ := s.graph.Status(task.ID)
	if status != graph.NodeReady {
		return nil
	}
	task.Status = types.TaskReady

	if worker != "" {
		task.AssignedWorker = worker
		task.Status = types.TaskQueued
	} else {
		chosen, ok := s.selectWorker(task, eligible)
		if !ok {
			// Task stays registered; the planner can retry once workers
			// register.
			return coorderrors.New(coorderrors.NoSuitableWorker, task.ID, nil)
		}
		task.AssignedWorker = chosen.ID
		task.Status = types.TaskQueued
	}

	s.notifyReady(task)
	return nil
}

func (s *Scheduler) notifyReady(task *types.Task) {
	s.mu.Lock()
	fn := s.onReady
	s.mu.Unlock()
	if fn != nil {
		fn(task)
	}
}

func (s *Scheduler) selectWorker(task *types.Task, eligible []WorkerView) (WorkerView, bool) {
	s.mu.Lock()
	strat, ok := s.strategies[s.activeStrategy]
	strategyName := s.activeStrategy
	history := s.affinityHistory
	s.mu.Unlock()

	_, span := s.tracer.StartSpan(context.Background(), "scheduler.select_worker")
	span.SetAttributes(
		telemetry.TaskIDAttribute(task.ID),
		telemetry.TaskTypeAttribute(task.Type),
		telemetry.StrategyAttribute(strategyName),
	)
	defer span.End()

	if !ok {
		span.SetStatus(codes.Error, "unknown strategy")
		return WorkerView{}, false
	}
	chosen, ok := strat(task, eligible, history)
	if !ok {
		span.SetStatus(codes.Error, "no suitable worker")
		return WorkerView{}, false
	}

	s.mu.Lock()
	s.affinityHistory[task.Type] = chosen.ID
	s.mu.Unlock()
	span.SetAttributes(telemetry.WorkerIDAttribute(chosen.ID))
	return chosen, true
}

// Complete moves a task to completed, advances the graph, and returns
// newly-ready dependents.
func (s *Scheduler) Complete(taskID string, result *types.TaskResult) []string {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	now := time.Now()
	task.Status = types.TaskCompleted
	task.Result = result
	task.CompletedAt = &now

	ready := s.graph.MarkCompleted(taskID)
	for _, id := range ready {
		s.mu.Lock()
		dep, ok := s.tasks[id]
		s.mu.Unlock()
		if !ok || dep.Status != types.TaskPending {
			continue
		}
		dep.Status = types.TaskReady
		s.notifyReady(dep)
	}
	return ready
}

// Fail applies the retry policy: re-queue with exponential backoff
// while attempts remain, otherwise mark failed and cascade-cancel the
// transitive dependents.
func (s *Scheduler) Fail(taskID string, cause error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}

	task.Attempts++
	task.Err = cause

	if task.Attempts <= task.MaxRetries {
		delay := backoff(s.cfg.RetryBackoffBase, s.cfg.RetryBackoffMax, task.Attempts)
		task.Status = types.TaskPending
		go func() {
			time.Sleep(delay)
			task.Status = types.TaskReady
			s.notifyReady(task)
		}()
		return
	}

	task.Status = types.TaskFailed
	now := time.Now()
	task.CompletedAt = &now

	s.mu.Lock()
	s.deadLetter = append(s.deadLetter, task.Clone())
	if len(s.deadLetter) > s.cfg.DeadLetterCap {
		s.deadLetter = s.deadLetter[len(s.deadLetter)-s.cfg.DeadLetterCap:]
	}
	s.mu.Unlock()

	cancelled := s.graph.MarkFailed(taskID)
	s.cascadeCancel(cancelled, taskID)
}

func backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// Cancel marks a task cancelled from any non-terminal state and fires
// cascade.
func (s *Scheduler) Cancel(taskID, reason string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if isTerminal(task.Status) {
		return
	}
	task.Status = types.TaskCancelled
	now := time.Now()
	task.CompletedAt = &now

	cancelled := s.graph.MarkFailed(taskID)
	s.cascadeCancel(cancelled, taskID)
}

func (s *Scheduler) cascadeCancel(ids []string, cause string) {
	s.mu.Lock()
	fn := s.onCancel
	s.mu.Unlock()
	for _, id := range ids {
		s.mu.Lock()
		t, ok := s.tasks[id]
		s.mu.Unlock()
		if !ok || isTerminal(t.Status) {
			continue
		}
		t.Status = types.TaskCancelled
		now := time.Now()
		t.CompletedAt = &now
		if fn != nil {
			fn(t, cause)
		}
	}
}

func isTerminal(s types.TaskStatus) bool {
	switch s {
	case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
		return true
	default:
		return false
	}
}

func (s *Scheduler) Task(id string) (*types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns a cloned view of every registered task, used by the
// coordination manager's best-effort snapshot.
func (s *Scheduler) Tasks() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

func (s *Scheduler) DeadLetter() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Task(nil), s.deadLetter...)
}

// StealableTasks returns workerID's queued/assigned (never running)
// task view for the balancer's steal planning.
func (s *Scheduler) StealableTasks(workerID string) []balancer.StealableTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []balancer.StealableTask
	for _, t := range s.tasks {
		if t.AssignedWorker == workerID && (t.Status == types.TaskQueued || t.Status == types.TaskAssigned) {
			out = append(out, balancer.StealableTask{TaskID: t.ID, Priority: t.Priority, Status: t.Status})
		}
	}
	return out
}

// Migrate reassigns a queued/assigned task to a new worker, executing
// one steal from a balancer batch; a running task is never migrated.
func (s *Scheduler) Migrate(taskID, newWorker string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || (t.Status != types.TaskQueued && t.Status != types.TaskAssigned) {
		return false
	}
	t.AssignedWorker = newWorker
	return true
}

// RunningTasksFor returns the ids of workerID's running tasks, used
// when a worker is lost to a deadlock preemption or deregistration.
func (s *Scheduler) RunningTasksFor(workerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, t := range s.tasks {
		if t.AssignedWorker == workerID && t.Status == types.TaskRunning {
			out = append(out, id)
		}
	}
	return out
}

// QueuedOrAssignedFor returns the ids of workerID's not-yet-started
// tasks, used on worker deregistration.
func (s *Scheduler) QueuedOrAssignedFor(workerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, t := range s.tasks {
		if t.AssignedWorker == workerID && (t.Status == types.TaskQueued || t.Status == types.TaskAssigned) {
			out = append(out, id)
		}
	}
	return out
}

// Requeue resets a running task back to ready so it reappears for
// scheduling, without counting against max_retries: used when the task's
// worker is preempted by deadlock resolution, not when the
// task itself failed.
func (s *Scheduler) Requeue(taskID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskRunning {
		s.mu.Unlock()
		return false
	}
	t.AssignedWorker = ""
	t.Status = types.TaskReady
	s.mu.Unlock()
	s.notifyReady(t)
	return true
}

// Unassign resets a queued/assigned task back to ready for reassignment
// to a different worker, used when its worker deregisters before the
// task ever started running.
func (s *Scheduler) Unassign(taskID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || (t.Status != types.TaskQueued && t.Status != types.TaskAssigned) {
		s.mu.Unlock()
		return false
	}
	t.AssignedWorker = ""
	t.Status = types.TaskReady
	s.mu.Unlock()
	s.notifyReady(t)
	return true
}

// Reassign selects a worker for an already-registered ready task and
// marks it queued; used by the onReady callback to give a task that
// reappeared for scheduling (retry backoff elapsed, deadlock requeue,
// worker deregistration) a new worker without re-adding it to the
// dependency graph.
func (s *Scheduler) Reassign(task *types.Task, eligible []WorkerView) bool {
	if task.Status != types.TaskReady {
		return false
	}
	chosen, ok := s.selectWorker(task, eligible)
	if !ok {
		return false
	}
	task.AssignedWorker = chosen.ID
	task.Status = types.TaskQueued
	return true
}

// --- selection strategies ---

func (s *Scheduler) capabilityStrategy(task *types.Task, eligible []WorkerView, _ map[string]string) (WorkerView, bool) {
	var candidates []WorkerView
	for _, w := range eligible {
		if w.HasCapabilities(task.RequiredCapabilities) {
			candidates = append(candidates, w)
		}
	}
	return tieBreak(candidates)
}

func (w WorkerView) HasCapabilities(required map[string]struct{}) bool {
	for c := range required {
		if _, ok := w.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

func (s *Scheduler) roundRobinStrategy(task *types.Task, eligible []WorkerView, _ map[string]string) (WorkerView, bool) {
	if len(eligible) == 0 {
		return WorkerView{}, false
	}
	s.mu.Lock()
	idx := s.roundRobinIdx % len(eligible)
	s.roundRobinIdx++
	s.mu.Unlock()
	return eligible[idx], true
}

func (s *Scheduler) leastLoadedStrategy(task *types.Task, eligible []WorkerView, _ map[string]string) (WorkerView, bool) {
	if len(eligible) == 0 {
		return WorkerView{}, false
	}
	best := eligible[0]
	for _, w := range eligible[1:] {
		if w.Load.Utilization() < best.Load.Utilization() {
			best = w
		}
	}
	return best, true
}

func (s *Scheduler) affinityStrategy(task *types.Task, eligible []WorkerView, history map[string]string) (WorkerView, bool) {
	if prevID, ok := history[task.Type]; ok {
		for _, w := range eligible {
			if w.ID == prevID {
				return w, true
			}
		}
	}
	return s.capabilityStrategy(task, eligible, history)
}

func (s *Scheduler) hybridStrategy(task *types.Task, eligible []WorkerView, history map[string]string) (WorkerView, bool) {
	var candidates []WorkerView
	for _, w := range eligible {
		if w.HasCapabilities(task.RequiredCapabilities) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return WorkerView{}, false
	}

	weights := s.cfg.HybridWeights.normalized()
	affinityWorker := history[task.Type]

	type scored struct {
		w     WorkerView
		score float64
	}
	var ranked []scored
	for _, w := range candidates {
		loadScore := 1 - w.Load.Utilization()
		perfScore := w.PerfScore
		capScore := 1.0
		affinityScore := 0.0
		if w.ID == affinityWorker {
			affinityScore = 1.0
		}

		score := weights.Load*loadScore + weights.Perf*perfScore + weights.Cap*capScore + weights.Affinity*affinityScore

		if s.predictor != nil && s.cfg.HybridWeights.Predictor > 0 {
			complexity := predictor.ComplexityBump(task.Timeout > 5*time.Minute, false, len(task.RequiredCapabilities))
			predicted := s.predictor.PredictedLoad(w.ID, complexity)
			score = 0.7*score + 0.3*(1-predicted)
		}

		ranked = append(ranked, scored{w: w, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].w.Priority != ranked[j].w.Priority {
			return ranked[i].w.Priority > ranked[j].w.Priority
		}
		if ranked[i].w.Load.Utilization() != ranked[j].w.Load.Utilization() {
			return ranked[i].w.Load.Utilization() < ranked[j].w.Load.Utilization()
		}
		return ranked[i].w.ID < ranked[j].w.ID
	})

	return ranked[0].w, true
}

// tieBreak applies the universal tie-break order: worker priority
// desc, smaller load, stable worker id.
func tieBreak(candidates []WorkerView) (WorkerView, bool) {
	if len(candidates) == 0 {
		return WorkerView{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].Load.Utilization() != candidates[j].Load.Utilization() {
			return candidates[i].Load.Utilization() < candidates[j].Load.Utilization()
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// NewTaskID generates a task id; exposed so the coordination manager
// can mint ids for incoming planner task specs.
func NewTaskID() string {
	return uuid.New().String()
}
