// Package breaker implements the per-target circuit breaker: an
// explicit CLOSED/OPEN/HALF_OPEN state table with failure and success
// thresholds and a bounded number of half-open probes. The
// admit-execute-record triple is built on github.com/sony/gobreaker's
// TwoStepCircuitBreaker — Allow() admits (or rejects) a call and hands
// back a done(bool) closure that records the outcome. gobreaker's own
// ReadyToTrip state machine is ratio-based and has no notion of a
// half-open probe limit, so the state table itself (failures,
// successes, next_attempt_at, half_open_in_flight) is tracked here and
// gobreaker supplies only the concurrency-safe two-step admit/record
// mechanics. ForceState gives operator control gobreaker has no
// equivalent for.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	coorderrors "github.com/linkflow-go/internal/coordination/errors"
	"github.com/linkflow-go/pkg/logger"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

type Config struct {
	Name             string
	FailThreshold    int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenLimit    int
	OnStateChange    func(name string, from, to State)
}

// Breaker owns the explicit state table; gb supplies the underlying
// concurrency-safe admit/record primitive.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	gb  *gobreaker.TwoStepCircuitBreaker
	log logger.Logger

	state            State
	failures         int
	successes        int
	nextAttemptAt    time.Time
	halfOpenInFlight int
	forced           *State
}

func New(cfg Config, log logger.Logger) *Breaker {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Breaker{cfg: cfg, log: log, state: Closed}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Timeout:     cfg.Timeout,
		// Never let gobreaker trip on its own ratio: CLOSED->OPEN is
		// driven by our fail_threshold counter below.
		ReadyToTrip: func(gobreaker.Counts) bool { return false },
	}
	b.gb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return b
}

// DoneFunc completes the admit-execute-record triple for one admitted
// call.
type DoneFunc func(success bool)

// Allow is the admit half of the triple. It returns CircuitOpen
// immediately when the breaker is OPEN and now < next_attempt_at;
// otherwise it admits the call — possibly as one of up to
// half_open_limit HALF_OPEN probes — and returns a DoneFunc to record
// the result.
func (b *Breaker) Allow() (DoneFunc, error) {
	b.mu.Lock()
	effective := b.effectiveStateLocked()

	switch effective {
	case Open:
		b.mu.Unlock()
		return nil, coorderrors.New(coorderrors.CircuitOpen, b.cfg.Name, nil)
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenLimit {
			b.mu.Unlock()
			return nil, coorderrors.New(coorderrors.CircuitOpen, b.cfg.Name, nil)
		}
		b.halfOpenInFlight++
	}
	b.mu.Unlock()

	gbDone, err := b.gb.Allow()
	if err != nil {
		// gobreaker itself is closed/ratio-driven and should not reject
		// when our own table admitted the call; treat as a defensive
		// CircuitOpen rather than panicking the caller.
		b.mu.Lock()
		if effective == HalfOpen {
			b.halfOpenInFlight--
		}
		b.mu.Unlock()
		return nil, coorderrors.New(coorderrors.CircuitOpen, b.cfg.Name, err)
	}

	return func(success bool) {
		gbDone(success)
		b.mu.Lock()
		from := b.effectiveStateLocked()
		if from == HalfOpen {
			b.halfOpenInFlight--
		}
		b.recordLocked(from, success)
		to := b.effectiveStateLocked()
		b.mu.Unlock()
		if from != to && b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(b.cfg.Name, from, to)
		}
	}, nil
}

// effectiveStateLocked resolves OPEN->HALF_OPEN once next_attempt_at has
// passed, and honors a forced override. Must be called with b.mu held.
func (b *Breaker) effectiveStateLocked() State {
	if b.forced != nil {
		return *b.forced
	}
	if b.state == Open && !time.Now().Before(b.nextAttemptAt) {
		b.state = HalfOpen
		b.successes = 0
		b.halfOpenInFlight = 0
	}
	return b.state
}

func (b *Breaker) recordLocked(from State, success bool) {
	switch from {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailThreshold {
			b.tripLocked()
		}
	case HalfOpen:
		if success {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.failures = 0
				b.successes = 0
			}
			return
		}
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.failures = 0
	b.successes = 0
	b.halfOpenInFlight = 0
	b.nextAttemptAt = time.Now().Add(b.cfg.Timeout)
	b.log.Warn("circuit breaker opened", "name", b.cfg.Name, "next_attempt_at", b.nextAttemptAt)
}

// State reports the breaker's current logical state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveStateLocked()
}

// ForceState pins the breaker to s; ForceState(nil) clears the override
// and resets the breaker to CLOSED with fresh counters. Operator control
// only.
func (b *Breaker) ForceState(s *State) {
	b.mu.Lock()
	from := b.effectiveStateLocked()
	b.forced = s
	if s != nil {
		b.state = *s
		if *s == Open {
			b.nextAttemptAt = time.Now().Add(b.cfg.Timeout)
		}
	} else {
		b.state = Closed
		b.failures = 0
		b.successes = 0
		b.halfOpenInFlight = 0
	}
	to := b.effectiveStateLocked()
	b.mu.Unlock()
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// Registry is a name-keyed map of breakers with double-checked
// locking, one breaker per call target.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	log      logger.Logger
}

func NewRegistry(defaultConfig Config, log logger.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      defaultConfig,
		log:      log,
	}
}

func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[target]; ok {
		return b
	}
	cfg := r.cfg
	cfg.Name = target
	b = New(cfg, r.log)
	r.breakers[target] = b
	return b
}

func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
