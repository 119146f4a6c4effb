package recovery

import (
	"log"
	"sync"
	"time"

	"relay/pkg/models"
)

// BreakerState represents the state of one circuit breaker.
type BreakerState int

const (
	// StateClosed - normal operation, dispatch allowed.
	StateClosed BreakerState = iota
	// StateOpen - dispatch short-circuited.
	StateOpen
	// StateHalfOpen - a single trial dispatch is permitted.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is the circuit breaker for one (kind, agent) pair.
// Only the recovery layer mutates it; everything else reads through the
// BreakerSet.
type Breaker struct {
	kind    string
	agentID string

	mu sync.Mutex
	// threshold is the consecutive-failure count that opens the circuit.
	threshold int
	// openFor is how long the circuit stays open before a trial.
	openFor time.Duration
	// state is the current circuit state.
	state BreakerState
	// failures counts consecutive failures while closed.
	failures int
	// lastTransition is when the state last changed.
	lastTransition time.Time
	// trialInFlight marks that the single half-open trial has been handed out.
	trialInFlight bool
}

// Allow reports whether a dispatch may proceed. While open, it returns
// models.ErrCircuitOpen until the open duration elapses, at which point the
// breaker moves to half-open and permits exactly one trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastTransition) < b.openFor {
			return models.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return models.ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// MarkSuccess records a successful attempt. A half-open trial success
// closes the circuit and resets the failure counter.
func (b *Breaker) MarkSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// MarkFailure records a failed attempt. Reaching the threshold opens the
// circuit; a half-open trial failure re-opens it and restarts the timer.
func (b *Breaker) MarkFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
		return
	}

	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transition(StateOpen)
	}
}

// State returns the current circuit state, promoting open to half-open when
// the open duration has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastTransition) >= b.openFor {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition changes state and stamps the transition time.
// Caller must hold b.mu.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	b.lastTransition = time.Now()
	log.Printf("[recovery] breaker (%s, %s): %s -> %s (failures=%d)",
		b.kind, b.agentID, from, to, b.failures)
}

// setParams refreshes the breaker's thresholds from the latest policy
// snapshot.
func (b *Breaker) setParams(threshold int, openFor time.Duration) {
	b.mu.Lock()
	b.threshold = threshold
	b.openFor = openFor
	b.mu.Unlock()
}

// BreakerSet holds one breaker per (kind, agent) pair. Concurrent tasks
// hitting the same agent serialize only on that pair's lock, never on the
// whole set.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[breakerKey]*Breaker
}

type breakerKey struct {
	kind    string
	agentID string
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[breakerKey]*Breaker)}
}

// Get returns the breaker for a (kind, agent) pair, creating it with the
// given parameters on first use and refreshing the parameters otherwise so
// policy hot-reloads take effect.
func (s *BreakerSet) Get(kind, agentID string, threshold int, openFor time.Duration) *Breaker {
	key := breakerKey{kind: kind, agentID: agentID}

	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()

	if ok {
		b.setParams(threshold, openFor)
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = &Breaker{
		kind:      kind,
		agentID:   agentID,
		threshold: threshold,
		openFor:   openFor,
		state:     StateClosed,
	}
	s.breakers[key] = b
	return b
}

// Open reports whether the (kind, agent) circuit currently blocks dispatch.
// Unknown pairs are closed. Half-open does not count as open: the policy
// engine may route the trial call.
func (s *BreakerSet) Open(kind, agentID string) bool {
	s.mu.RLock()
	b, ok := s.breakers[breakerKey{kind: kind, agentID: agentID}]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	return b.State() == StateOpen
}
