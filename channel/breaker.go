package channel

import (
	"sync"
	"time"

	"leadpilot/utils"
)

// BreakerState is the circuit breaker position for one external service.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerSnapshot is a read-only copy of a breaker's state.
type BreakerSnapshot struct {
	Service         string       `json:"service"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime *time.Time   `json:"last_failure_time"`
}

// Breaker guards calls to a single external service.
type Breaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
	Snapshot() BreakerSnapshot
}

// BreakerRegistry hands out per-service breakers. Callers of the same
// service share one instance.
type BreakerRegistry interface {
	Get(service string) Breaker
	Snapshots() []BreakerSnapshot
}

// CircuitBreaker opens after FailureThreshold consecutive failures, blocks
// until ResetTimeout elapses, then admits exactly one half-open trial.
type CircuitBreaker struct {
	mu sync.Mutex

	service          string
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time

	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool
}

func NewCircuitBreaker(service string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		service:          service,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		state:            StateClosed,
	}
}

// CanExecute reports whether a call may proceed. When the reset timeout has
// elapsed on an open breaker the first caller gets the half-open trial and
// every other caller is refused until the trial reports back.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.trialInFlight = false
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen || b.failureCount >= b.failureThreshold {
		b.state = StateOpen
	}
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Service:      b.service,
		State:        b.state,
		FailureCount: b.failureCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}

// Registry is the in-process BreakerRegistry.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
	failureThreshold int
	resetTimeout     time.Duration
	now              func() time.Time
}

func NewRegistry(failureThreshold int, resetTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// WithClock replaces the time source of the registry and all future breakers.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, b := range r.breakers {
		b.mu.Lock()
		b.now = now
		b.mu.Unlock()
	}
	return r
}

func (r *Registry) Get(service string) Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := NewCircuitBreaker(service, r.failureThreshold, r.resetTimeout)
	b.now = r.now
	r.breakers[service] = b
	return b
}

func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Guard runs call behind b. An open breaker fails fast with
// ServiceUnavailable and call is never made. A nil breaker guards nothing.
func Guard(b Breaker, service, op string, call func() error) error {
	if b == nil {
		return call()
	}
	if !b.CanExecute() {
		return utils.NewError(utils.KindServiceUnavailable, op, "circuit breaker open for "+service)
	}
	err := call()
	RecordOutcome(b, err)
	return err
}

// RecordOutcome reports a finished call to b. Only timeouts and connection
// failures count against the service; a refused credential or pace means it
// answered.
func RecordOutcome(b Breaker, err error) {
	switch utils.KindOf(err) {
	case utils.KindTimeout, utils.KindConnectionFailure:
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
}
