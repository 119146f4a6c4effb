package recovery

import (
	"fmt"
	"time"

	"relay/internal/config"
	"relay/pkg/models"
)

// Action is what the coordinator should do with a task after an attempt.
type Action int

const (
	// ActionNone - the attempt succeeded, nothing to recover.
	ActionNone Action = iota
	// ActionRetry - schedule another attempt after Decision.Delay.
	ActionRetry
	// ActionFail - the retry budget is exhausted, mark the task failed.
	ActionFail
)

// String returns a human-readable action name.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the recovery verdict for one completed attempt.
type Decision struct {
	// Action tells the coordinator what to do next.
	Action Action
	// Delay is how long to wait before the retry. Zero unless Action is
	// ActionRetry.
	Delay time.Duration
	// Reason explains a terminal failure for the task record.
	Reason string
}

// Recovery applies retry and circuit-breaking policy to attempt outcomes.
// It reads the kind policy fresh from the store on every call so hot
// reloads affect the next decision, not just new tasks.
type Recovery struct {
	policies *config.PolicyStore
	breakers *BreakerSet
}

// New creates a Recovery backed by the given policy store.
func New(policies *config.PolicyStore) *Recovery {
	return &Recovery{
		policies: policies,
		breakers: NewBreakerSet(),
	}
}

// Breakers exposes the breaker set for availability reads.
func (r *Recovery) Breakers() *BreakerSet {
	return r.breakers
}

// Allow reports whether a dispatch to the (kind, agent) pair may proceed.
// Returns models.ErrCircuitOpen while the pair's circuit blocks traffic.
func (r *Recovery) Allow(kind, agentID string) error {
	kp := r.policies.Current().ForKind(kind)
	b := r.breakers.Get(kind, agentID, kp.BreakerThreshold, kp.BreakerOpenFor)
	return b.Allow()
}

// Open reports whether the (kind, agent) circuit is open.
func (r *Recovery) Open(kind, agentID string) bool {
	return r.breakers.Open(kind, agentID)
}

// Evaluate records an attempt outcome with the pair's breaker and decides
// whether the task retries, fails, or is done. The attempt is 1-based; the
// retry budget comes from the kind policy, so a task makes at most
// MaxAttempts attempts total.
func (r *Recovery) Evaluate(kind, agentID string, attempt int, outcome models.Outcome, errDetail string) Decision {
	kp := r.policies.Current().ForKind(kind)
	b := r.breakers.Get(kind, agentID, kp.BreakerThreshold, kp.BreakerOpenFor)

	if outcome == models.OutcomeSuccess {
		b.MarkSuccess()
		return Decision{Action: ActionNone}
	}

	// Timeouts count as failures for the breaker: a hanging agent is as
	// unhealthy as an erroring one.
	b.MarkFailure()

	if attempt >= kp.MaxAttempts {
		reason := errDetail
		if reason == "" {
			reason = string(outcome)
		}
		return Decision{
			Action: ActionFail,
			Reason: fmt.Sprintf("attempt %d/%d failed: %s", attempt, kp.MaxAttempts, reason),
		}
	}

	backoff := BackoffFromPolicy(kp)
	return Decision{
		Action: ActionRetry,
		Delay:  backoff.Jittered(attempt),
	}
}
