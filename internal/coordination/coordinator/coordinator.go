// Package coordinator implements the coordination manager: it owns the
// lifecycle, wires the graph, breakers, locks, router, scheduler,
// executor, balancer, predictor, conflict resolver, and metrics
// together, and exposes the public entry points for planners and worker
// runtimes. It also writes the best-effort JSON snapshot.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/linkflow-go/internal/coordination/balancer"
	"github.com/linkflow-go/internal/coordination/breaker"
	"github.com/linkflow-go/internal/coordination/conflict"
	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/internal/coordination/executor"
	"github.com/linkflow-go/internal/coordination/graph"
	"github.com/linkflow-go/internal/coordination/lock"
	"github.com/linkflow-go/internal/coordination/metrics"
	"github.com/linkflow-go/internal/coordination/optimistic"
	"github.com/linkflow-go/internal/coordination/predictor"
	"github.com/linkflow-go/internal/coordination/router"
	"github.com/linkflow-go/internal/coordination/scheduler"
	"github.com/linkflow-go/internal/coordination/types"
	"github.com/linkflow-go/pkg/config"
	"github.com/linkflow-go/pkg/discovery"
	"github.com/linkflow-go/pkg/events"
	"github.com/linkflow-go/pkg/logger"
	pkgmetrics "github.com/linkflow-go/pkg/metrics"
	"github.com/linkflow-go/pkg/telemetry"
)

// Config bundles every wired sub-component's tunables, sourced from
// config.CoordinationConfig.
type Config struct {
	Coordination config.CoordinationConfig
	Redis        config.RedisConfig
	Discovery    config.DiscoveryConfig
	Kafka        config.KafkaConfig
	Telemetry    config.TelemetryConfig
}

// Manager binds the sub-components and owns the Worker records; Task
// records live in the scheduler and Resource records in the lock manager.
type Manager struct {
	cfg Config
	log logger.Logger

	metrics   *metrics.Collector
	router    *router.Router
	locks     *lock.Manager
	graph     *graph.Graph
	breakers  *breaker.Registry
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	predictor *predictor.Predictor
	balancer  *balancer.Balancer
	conflicts *conflict.Resolver
	optimist  *optimistic.Manager
	discovery discovery.ServiceDiscovery
	telemetry *telemetry.Telemetry

	mu         sync.RWMutex
	workers    map[string]*types.Worker
	loads      map[string]types.LoadSnapshot
	objectives map[string]*Objective

	redis *redis.Client
	cron  *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		workers:    make(map[string]*types.Worker),
		loads:      make(map[string]types.LoadSnapshot),
		objectives: make(map[string]*Objective),
		stopCh:     make(chan struct{}),
	}
}

// Initialize wires the sub-components bottom-up: metrics, router,
// locks, graph, breakers, then scheduler and executor, so each layer's
// dependencies exist before it is constructed.
func (m *Manager) Initialize() error {
	c := m.cfg.Coordination

	stallTimeout := c.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = 300
	}
	minThroughput := c.MinThroughputPerMin
	if minThroughput <= 0 {
		minThroughput = 0.5
	}
	m.metrics = metrics.New(c.MetricsRetention, metrics.Thresholds{
		CPU:                 0.9,
		Memory:              0.9,
		MaxErrorRatePerMin:  0.5,
		StallTimeout:        time.Duration(stallTimeout) * time.Second,
		MinThroughputPerMin: minThroughput,
	})

	m.router = router.New(time.Duration(c.MessageTimeout)*time.Second, m.log.With("component", "router"))

	if m.cfg.Kafka.Enabled {
		bus, err := events.NewKafkaEventBus(m.cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return fmt.Errorf("coordinator: kafka bridge: %w", err)
		}
		if err := m.router.SetBridge(bus, m.cfg.Kafka.Topic); err != nil {
			return fmt.Errorf("coordinator: kafka bridge subscribe: %w", err)
		}
	}

	m.locks = lock.New(time.Duration(c.ResourceTimeout)*time.Second, m.log.With("component", "lock"))
	m.locks.OnDeadlock(func(dl lock.Deadlock) {
		m.metrics.IncCounter("deadlocks", 1)
		pkgmetrics.DeadlocksDetected.WithLabelValues().Inc()
		m.router.Broadcast("coordinator", map[string]interface{}{
			"type":      "DeadlockDetected",
			"workers":   dl.Workers,
			"resources": dl.Resources,
		})
	})

	m.graph = graph.New(m.log.With("component", "graph"))

	m.breakers = breaker.NewRegistry(breaker.Config{
		FailThreshold:    c.CircuitBreaker.FailureThreshold,
		SuccessThreshold: c.CircuitBreaker.SuccessThreshold,
		Timeout:          time.Duration(c.CircuitBreaker.Timeout) * time.Second,
		HalfOpenLimit:    c.CircuitBreaker.HalfOpenLimit,
		OnStateChange: func(name string, from, to breaker.State) {
			m.log.Info("breaker state changed", "target", name, "from", from, "to", to)
			pkgmetrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}, m.log.With("component", "breaker"))

	m.predictor = predictor.New()

	t, err := telemetry.New(telemetry.Config{
		Enabled:      m.cfg.Telemetry.Enabled,
		JaegerURL:    m.cfg.Telemetry.JaegerURL,
		ServiceName:  m.cfg.Telemetry.ServiceName,
		SamplingRate: m.cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("coordinator: telemetry: %w", err)
	}
	m.telemetry = t

	m.scheduler = scheduler.New(scheduler.Config{
		MaxRetries:       c.MaxRetries,
		RetryBackoffBase: time.Duration(c.RetryBackoffBase) * time.Millisecond,
		RetryBackoffMax:  time.Duration(c.RetryBackoffMax) * time.Millisecond,
		DeadLetterCap:    c.DeadLetterCapacity,
		HybridWeights: scheduler.HybridWeights{
			Load: 0.4, Perf: 0.2, Cap: 0.2, Affinity: 0.2, Predictor: 0.3,
		},
	}, m.graph, m.predictor, m.log.With("component", "scheduler"))

	m.scheduler.OnCancel(func(task *types.Task, cause string) {
		m.metrics.RecordTaskTerminal("cancelled", task.Type, 0, string(coorderrors.Cancelled))
	})
	m.scheduler.OnReady(m.onTaskReady)
	m.scheduler.SetTracer(m.telemetry)

	m.executor = executor.New(executor.Config{
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		DefaultTimeout:     time.Duration(c.DefaultTaskTimeout) * time.Second,
		KillTimeout:        time.Duration(c.KillTimeout) * time.Second,
		ResourcePollEvery:  5 * time.Second,
		RetryBackoffBase:   time.Duration(c.RetryBackoffBase) * time.Millisecond,
		RetryBackoffMax:    time.Duration(c.RetryBackoffMax) * time.Millisecond,
	}, m.log.With("component", "executor"))
	m.executor.SetBreakerGate(func(scope string) (func(bool), error) {
		return m.breakers.Get(scope).Allow()
	})
	m.executor.SetTracer(m.telemetry)

	m.balancer = balancer.New(balancer.Config{
		StealThreshold: c.WorkStealing.StealThreshold,
		MaxStealBatch:  c.WorkStealing.MaxStealBatch,
	}, m.log.With("component", "balancer"))

	conflictCap := c.ConflictHistoryCapacity
	if conflictCap <= 0 {
		conflictCap = 500
	}
	m.conflicts = conflict.New(conflictCap)

	optimisticMaxAge := time.Duration(c.OptimisticLockMaxAge) * time.Second
	m.optimist = optimistic.New(optimisticMaxAge)
	m.conflicts.RegisterOptimistic(func(targetID string, cand conflict.Candidate) bool {
		version := m.optimist.Acquire(targetID, cand.WorkerID)
		_, err := m.optimist.ValidateAndUpdate(targetID, cand.WorkerID, version)
		return err == nil
	})

	if m.cfg.Redis.Enabled {
		m.redis = redis.NewClient(&redis.Options{
			Addr:     m.cfg.Redis.Addr(),
			Password: m.cfg.Redis.Password,
			DB:       m.cfg.Redis.DB,
			PoolSize: m.cfg.Redis.PoolSize,
		})
	}

	switch m.cfg.Discovery.Backend {
	case "etcd":
		d, err := discovery.NewEtcdDiscovery(m.cfg.Discovery.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return fmt.Errorf("coordinator: etcd discovery: %w", err)
		}
		m.discovery = d
	default:
		m.discovery = discovery.NewInMemoryDiscovery()
	}

	return nil
}

// Start launches the background loops: deadlock detection, heartbeat
// expiry, rebalancing, router maintenance, and snapshotting run on
// plain tickers, with the slow optimistic-lock purge registered as a
// cron entry alongside them.
func (m *Manager) Start(ctx context.Context) error {
	c := m.cfg.Coordination

	m.cron = cron.New()
	if c.DeadlockDetection {
		interval := c.DeadlockInterval
		if interval <= 0 {
			interval = 10
		}
		m.startTicker(time.Duration(interval)*time.Second, m.runDeadlockDetection)
	}

	rebalance := c.RebalanceInterval
	if rebalance <= 0 {
		rebalance = 10
	}
	if c.WorkStealing.Enabled {
		m.startTicker(time.Duration(rebalance)*time.Second, m.runRebalance)
	}

	maintInterval := c.RouterMaintenanceInterval
	if maintInterval <= 0 {
		maintInterval = 60
	}
	m.startTicker(time.Duration(maintInterval)*time.Second, m.router.Maintain)

	heartbeat := c.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10
	}
	m.startTicker(time.Duration(heartbeat)*time.Second, m.checkHeartbeats)

	if c.SnapshotInterval > 0 {
		m.startTicker(time.Duration(c.SnapshotInterval)*time.Second, func() { _ = m.snapshot(ctx) })
	}

	if _, err := m.cron.AddFunc("@every 5m", m.optimist.Purge); err != nil {
		return fmt.Errorf("coordinator: schedule optimistic lock purge: %w", err)
	}
	m.cron.Start()
	m.log.Info("coordination manager started")
	return nil
}

func (m *Manager) startTicker(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) runDeadlockDetection() {
	m.locks.RunDeadlockDetection(func(worker string) types.Priority {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if w, ok := m.workers[worker]; ok {
			return types.Priority(w.Priority)
		}
		return types.PriorityLow
	}, func(worker string) {
		for _, taskID := range m.scheduler.RunningTasksFor(worker) {
			m.scheduler.Requeue(taskID)
		}
	})
	m.locks.SweepStale()
}

// runRebalance feeds the balancer the real per-worker load (capacity/task count
// from the worker registry, CPU/mem/efficiency from the last heartbeat,
// queue depth from the scheduler's own ground truth) and the scheduler's
// actual queued/assigned task lists, then executes the returned steal
// batches against the scheduler.
func (m *Manager) runRebalance() {
	m.mu.RLock()
	loads := make(map[string]types.LoadSnapshot, len(m.workers))
	for id, w := range m.workers {
		snap := m.loads[id]
		snap.WorkerID = id
		snap.Capacity = w.MaxConcurrent
		snap.TaskCount = len(w.CurrentTasks)
		loads[id] = snap
	}
	m.mu.RUnlock()

	queues := make(map[string][]balancer.StealableTask, len(loads))
	for id, snap := range loads {
		tasks := m.scheduler.StealableTasks(id)
		queues[id] = tasks
		snap.QueueDepth = len(tasks)
		loads[id] = snap
	}

	steals := m.balancer.Plan(loads, queues)
	for _, s := range steals {
		moved := 0
		for _, taskID := range s.Tasks {
			if m.scheduler.Migrate(taskID, s.Dst) {
				moved++
			}
		}
		m.metrics.RecordWorkStealing(s.Src, s.Dst, moved)
	}
}

// Shutdown stops all loops, cancels running tasks, flushes the router,
// and releases locks.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopCh)
	if m.cron != nil {
		m.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("shutdown timed out waiting for background loops")
	}

	m.mu.RLock()
	workerIDs := make([]string, 0, len(m.workers))
	for id := range m.workers {
		workerIDs = append(workerIDs, id)
	}
	m.mu.RUnlock()
	for _, id := range workerIDs {
		for _, taskID := range m.scheduler.RunningTasksFor(id) {
			m.scheduler.Cancel(taskID, "shutdown")
		}
		m.locks.ReleaseAllFor(id)
	}

	if m.redis != nil {
		_ = m.redis.Close()
	}
	if m.discovery != nil {
		_ = m.discovery.Close()
	}
	if m.router != nil {
		_ = m.router.Close()
	}
	if m.telemetry != nil {
		_ = m.telemetry.Close()
	}

	m.log.Info("coordination manager shut down")
	return nil
}

// RegisterWorker implements the worker runtime's register contract.
func (m *Manager) RegisterWorker(w *types.Worker) {
	w.Status = types.WorkerIdle
	w.LastHeartbeat = time.Now()
	if w.CurrentTasks == nil {
		w.CurrentTasks = make(map[string]struct{})
	}
	m.mu.Lock()
	m.workers[w.ID] = w
	m.mu.Unlock()

	if m.discovery != nil {
		instance := &discovery.ServiceInstance{
			ID:   w.ID,
			Name: "coordination-worker",
			Metadata: map[string]string{
				"priority": fmt.Sprintf("%d", w.Priority),
			},
		}
		if err := m.discovery.Register(context.Background(), instance); err != nil {
			m.log.Warn("discovery registration failed", "worker", w.ID, "error", err)
		}
	}
}

// Heartbeat implements the worker runtime's heartbeat contract: it
// records the worker's load snapshot for rebalance planning and the
// utilization gauge/alerts, and feeds the predictor's regression
// history so the hybrid strategy's predictive blend is fit on real
// samples instead of an always-empty history.
func (m *Manager) Heartbeat(workerID string, snapshot types.LoadSnapshot) bool {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	w.LastHeartbeat = time.Now()
	snapshot.WorkerID = workerID
	snapshot.Timestamp = time.Now()
	m.loads[workerID] = snapshot
	m.mu.Unlock()

	m.metrics.RecordWorkerLoad(workerID, snapshot)
	m.predictor.Record(workerID, snapshot.Utilization())

	if m.discovery != nil {
		if err := m.discovery.Heartbeat(context.Background(), workerID); err != nil {
			m.log.Warn("discovery heartbeat failed", "worker", workerID, "error", err)
		}
	}
	return true
}

// DeregisterWorker removes a worker: held resources are force-released
// (or, with QuarantineOnDeregister set, left quarantined rather than
// handed to the next waiter), its not-yet-started queued/assigned tasks
// are requeued for reassignment, and its running tasks are failed
// through the normal retry path.
func (m *Manager) DeregisterWorker(workerID string) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if ok {
		w.Status = types.WorkerTerminated
	}
	delete(m.workers, workerID)
	delete(m.loads, workerID)
	m.mu.Unlock()

	if m.discovery != nil {
		if err := m.discovery.Deregister(context.Background(), workerID); err != nil {
			m.log.Warn("discovery deregistration failed", "worker", workerID, "error", err)
		}
	}

	if !m.cfg.Coordination.QuarantineOnDeregister {
		m.locks.ReleaseAllFor(workerID)
	} else {
		m.log.Warn("worker deregistered while holding resources; quarantined", "worker", workerID)
	}

	for _, taskID := range m.scheduler.QueuedOrAssignedFor(workerID) {
		m.scheduler.Unassign(taskID)
	}
	for _, taskID := range m.scheduler.RunningTasksFor(workerID) {
		m.scheduler.Fail(taskID, coorderrors.New(coorderrors.ExecutionFailure, "worker "+workerID+" deregistered", nil))
	}
}

// checkHeartbeats considers a worker dead after three consecutive
// missed heartbeats and deregisters it, which releases its locks and
// requeues or fails its tasks.
func (m *Manager) checkHeartbeats() {
	interval := m.cfg.Coordination.HeartbeatInterval
	if interval <= 0 {
		interval = 10
	}
	cutoff := time.Now().Add(-3 * time.Duration(interval) * time.Second)

	m.mu.RLock()
	var dead []string
	for id, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range dead {
		m.log.Warn("worker missed 3 heartbeats, deregistering", "worker", id)
		m.DeregisterWorker(id)
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}

// onTaskReady is the scheduler's OnReady callback: it gives a task that
// reappeared for scheduling (retry backoff elapsed, deadlock requeue,
// worker deregistration) a new worker. Tasks that already carry an
// explicit assignment are left alone.
func (m *Manager) onTaskReady(task *types.Task) {
	if task.Status != types.TaskReady {
		return
	}
	eligible := m.eligibleWorkers(task)
	if len(eligible) == 0 {
		m.log.Warn("no suitable worker for ready task", "task", task.ID)
		return
	}
	m.scheduler.Reassign(task, eligible)
}

// Objective groups the task graph built for one planner-supplied goal.
type Objective struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Strategy    string    `json:"strategy"`
	Status      string    `json:"status"`
	TaskIDs     []string  `json:"task_ids"`
	CreatedAt   time.Time `json:"created_at"`

	pending []*types.Task
}

// CreateObjective registers a new objective and returns its id.
func (m *Manager) CreateObjective(description, strategy string) string {
	obj := &Objective{
		ID:          uuid.New().String(),
		Description: description,
		Strategy:    strategy,
		Status:      "created",
		CreatedAt:   time.Now(),
	}
	m.mu.Lock()
	m.objectives[obj.ID] = obj
	m.mu.Unlock()
	return obj.ID
}

// AddTask attaches a task spec to an objective; tasks are held back
// until StartObjective submits the whole graph.
func (m *Manager) AddTask(objectiveID string, task *types.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objectives[objectiveID]
	if !ok {
		return coorderrors.New(coorderrors.SystemError, "unknown objective "+objectiveID, nil)
	}
	obj.pending = append(obj.pending, task)
	return nil
}

// StartObjective submits the objective's tasks to the scheduler. Tasks
// may be added in any order; submission retries tasks whose
// dependencies were simply later in the list, and only surfaces
// DependencyMissing when a dependency is genuinely absent.
func (m *Manager) StartObjective(objectiveID string) error {
	m.mu.Lock()
	obj, ok := m.objectives[objectiveID]
	if !ok {
		m.mu.Unlock()
		return coorderrors.New(coorderrors.SystemError, "unknown objective "+objectiveID, nil)
	}
	pending := obj.pending
	obj.pending = nil
	m.mu.Unlock()

	for len(pending) > 0 {
		var deferred []*types.Task
		var lastErr error
		for _, task := range pending {
			err := m.AssignTask(task)
			switch {
			case err == nil, coorderrors.Is(err, coorderrors.NoSuitableWorker):
				// NoSuitableWorker leaves the task registered and
				// pending; it reappears once a worker registers.
				m.mu.Lock()
				obj.TaskIDs = append(obj.TaskIDs, task.ID)
				m.mu.Unlock()
			case coorderrors.Is(err, coorderrors.DependencyMissing):
				deferred = append(deferred, task)
				lastErr = err
			default:
				return err
			}
		}
		if len(deferred) == len(pending) {
			return lastErr
		}
		pending = deferred
	}

	m.mu.Lock()
	obj.Status = "running"
	m.mu.Unlock()
	return nil
}

// Objective returns a point-in-time copy of an objective's public state.
func (m *Manager) Objective(objectiveID string) (Objective, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objectives[objectiveID]
	if !ok {
		return Objective{}, false
	}
	cp := *obj
	cp.TaskIDs = append([]string(nil), obj.TaskIDs...)
	cp.pending = nil
	return cp, true
}

// AssignTask is the public entry point for planner-supplied tasks.
func (m *Manager) AssignTask(task *types.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	eligible := m.eligibleWorkers(task)
	return m.scheduler.Assign(task, eligible, "")
}

func (m *Manager) eligibleWorkers(task *types.Task) []scheduler.WorkerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var views []scheduler.WorkerView
	for _, w := range m.workers {
		if w.Status != types.WorkerIdle && w.Status != types.WorkerBusy {
			continue
		}
		if len(w.CurrentTasks) >= w.MaxConcurrent {
			continue
		}
		views = append(views, scheduler.WorkerView{
			ID:           w.ID,
			Capabilities: w.Capabilities,
			Priority:     w.Priority,
			Status:       w.Status,
			Load:         types.LoadSnapshot{WorkerID: w.ID, TaskCount: len(w.CurrentTasks), Capacity: w.MaxConcurrent},
			PerfScore:    w.Health,
		})
	}
	return views
}

// ExecuteTask runs a queued/assigned task on its assigned worker
// through the executor: acquires the task's required resource locks,
// marks it running, races the child process against its timeout behind
// the worker's circuit breaker scope, and routes the outcome into the
// Complete/Fail paths.
func (m *Manager) ExecuteTask(ctx context.Context, taskID string) error {
	task, ok := m.scheduler.Task(taskID)
	if !ok {
		return coorderrors.New(coorderrors.SystemError, "unknown task "+taskID, nil)
	}
	if task.Status != types.TaskQueued && task.Status != types.TaskAssigned {
		return coorderrors.New(coorderrors.SystemError, "task "+taskID+" is not queued for execution", nil)
	}
	workerID := task.AssignedWorker
	if workerID == "" {
		return coorderrors.New(coorderrors.NoSuitableWorker, taskID, nil)
	}

	m.mu.Lock()
	w, registered := m.workers[workerID]
	if !registered {
		m.mu.Unlock()
		return coorderrors.New(coorderrors.NoSuitableWorker, "worker "+workerID+" not registered", nil)
	}
	w.CurrentTasks[task.ID] = struct{}{}
	w.Status = types.WorkerBusy
	m.mu.Unlock()

	var held []string
	defer func() {
		for _, id := range held {
			m.locks.Release(id, workerID)
		}
	}()
	for _, rr := range task.RequiredResources {
		if err := m.AcquireResource(ctx, rr.ID, workerID, task.Priority); err != nil {
			m.FailTask(taskID, err)
			return err
		}
		held = append(held, rr.ID)
	}

	now := time.Now()
	task.StartedAt = &now
	task.Status = types.TaskRunning
	m.graph.MarkRunning(task.ID)
	pkgmetrics.TasksActive.WithLabelValues(workerID).Inc()
	defer pkgmetrics.TasksActive.WithLabelValues(workerID).Dec()

	outcome := m.executor.Run(ctx, executor.Job{
		Task:         task,
		WorkerID:     workerID,
		BreakerScope: "worker:" + workerID,
	})
	if outcome.Err != nil {
		m.FailTask(taskID, outcome.Err)
		return outcome.Err
	}
	m.CompleteTask(taskID, outcome.Result)
	return nil
}

// CompleteTask implements the CompleteTask contract.
func (m *Manager) CompleteTask(taskID string, result *types.TaskResult) []string {
	task, ok := m.scheduler.Task(taskID)
	ready := m.scheduler.Complete(taskID, result)
	if ok {
		var dur time.Duration
		if task.StartedAt != nil {
			dur = time.Since(*task.StartedAt)
		}
		m.metrics.RecordTaskTerminal("completed", task.Type, dur, "")
	}
	m.releaseWorkerSlot(task)
	return ready
}

// FailTask implements the FailTask contract, routing through the
// scheduler's retry/cascade policy. The terminal metric is
// recorded only once retries are exhausted; a retried attempt is not a
// terminal state.
func (m *Manager) FailTask(taskID string, cause error) {
	task, _ := m.scheduler.Task(taskID)
	m.scheduler.Fail(taskID, cause)
	if task != nil && task.Status == types.TaskFailed {
		m.metrics.RecordTaskTerminal("failed", task.Type, 0, string(coorderrors.KindOf(cause)))
	}
	m.releaseWorkerSlot(task)
}

// CancelTask implements the CancelTask contract.
func (m *Manager) CancelTask(taskID, reason string) {
	m.scheduler.Cancel(taskID, reason)
}

func (m *Manager) releaseWorkerSlot(task *types.Task) {
	if task == nil || task.AssignedWorker == "" {
		return
	}
	m.mu.Lock()
	if w, ok := m.workers[task.AssignedWorker]; ok {
		delete(w.CurrentTasks, task.ID)
		if len(w.CurrentTasks) == 0 {
			w.Status = types.WorkerIdle
		}
	}
	m.mu.Unlock()
}

// AcquireResource / ReleaseResource are the lock manager pass-throughs.
func (m *Manager) AcquireResource(ctx context.Context, resource, worker string, priority types.Priority) error {
	start := time.Now()
	err := m.locks.Acquire(ctx, resource, worker, priority)
	pkgmetrics.ResourceWaitDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
	return err
}

func (m *Manager) ReleaseResource(resource, worker string) {
	m.locks.Release(resource, worker)
}

// SendMessage is the message router pass-through.
func (m *Manager) SendMessage(from, to string, payload interface{}) types.Message {
	return m.router.Send(from, to, payload)
}

// ReportConflict is the conflict resolver pass-through: resolves
// contention over a resource or task using the named strategy and
// records the outcome in the conflict history.
func (m *Manager) ReportConflict(kind types.ConflictKind, targetID, strategyName string, candidates []conflict.Candidate) (*types.Resolution, error) {
	return m.conflicts.Resolve(kind, targetID, strategyName, candidates)
}

// HealthStatus is returned by GetHealthStatus.
type HealthStatus struct {
	WorkerCount      int
	ThroughputPerMin float64
	ErrorRatePerMin  float64
	BreakerStates    map[string]breaker.State
}

func (m *Manager) GetHealthStatus() HealthStatus {
	m.mu.RLock()
	count := len(m.workers)
	m.mu.RUnlock()
	derived := m.metrics.Derived()
	return HealthStatus{
		WorkerCount:      count,
		ThroughputPerMin: derived.ThroughputPerMin,
		ErrorRatePerMin:  derived.ErrorRatePerMin,
		BreakerStates:    m.breakers.States(),
	}
}

// PerformMaintenance runs an out-of-cycle maintenance pass: used
// by callers that want an immediate sweep rather than waiting for the
// next ticker tick.
func (m *Manager) PerformMaintenance() {
	m.runDeadlockDetection()
	m.router.Maintain()
	m.optimist.Purge()
	m.metrics.SweepAlerts()
}

// snapshotDoc is the single JSON blob written at a configurable
// cadence; the core starts cleanly without it.
type snapshotDoc struct {
	Timestamp  time.Time                `json:"timestamp"`
	Objectives map[string]*Objective    `json:"objectives"`
	Tasks      []*types.Task            `json:"tasks"`
	Workers    map[string]*types.Worker `json:"workers_less_current_task"`
}

func (m *Manager) snapshot(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	m.mu.RLock()
	workersCopy := make(map[string]*types.Worker, len(m.workers))
	for id, w := range m.workers {
		cp := *w
		cp.CurrentTasks = nil
		workersCopy[id] = &cp
	}
	objectivesCopy := make(map[string]*Objective, len(m.objectives))
	for id, obj := range m.objectives {
		cp := *obj
		cp.pending = nil
		objectivesCopy[id] = &cp
	}
	m.mu.RUnlock()

	doc := snapshotDoc{
		Timestamp:  time.Now(),
		Objectives: objectivesCopy,
		Tasks:      m.scheduler.Tasks(),
		Workers:    workersCopy,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, "coordination:snapshot", data, 0).Err()
}
