package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for terminal and infrastructure conditions.
var (
	// ErrNoEligibleAgent indicates the policy engine found no candidate
	// agent for a task's kind. Terminal; the coordinator must not retry.
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrDeadlineExceeded indicates the task's wall-clock deadline passed.
	// Terminal; the in-flight attempt is abandoned.
	ErrDeadlineExceeded = errors.New("task deadline exceeded")

	// ErrQueueUnavailable indicates a message queue infrastructure failure.
	// Surfaces as a system health condition, not a per-task error.
	ErrQueueUnavailable = errors.New("message queue unavailable")

	// ErrCircuitOpen indicates dispatch was short-circuited because the
	// (kind, agent) circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTaskNotFound indicates a status or result query named an unknown
	// task ID.
	ErrTaskNotFound = errors.New("task not found")
)

// ValidationError indicates a malformed submission, rejected synchronously
// before any state is persisted or enqueued.
type ValidationError struct {
	// Field is the offending task attribute.
	Field string
	// Reason explains why the value was rejected.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// AgentError indicates an execution failure reported by an agent.
// Subject to retry, backoff, and circuit breaking.
type AgentError struct {
	// AgentID is the agent that failed.
	AgentID string
	// Msg is the agent-reported error detail.
	Msg string
	// Timeout marks failures caused by the attempt timeout expiring.
	Timeout bool
}

func (e *AgentError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %s: attempt timed out", e.AgentID)
	}
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Msg)
}

// IsValidation reports whether err is a submission validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
