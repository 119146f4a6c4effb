package models

import "time"

// ExecParams are the execution parameters chosen for one attempt.
type ExecParams struct {
	// Timeout is the per-attempt timeout.
	Timeout time.Duration `json:"timeout"`
	// MaxAttempts is the retry budget for the task's kind.
	MaxAttempts int `json:"max_attempts"`
}

// CandidateScore records how one candidate agent scored during selection.
// Kept on the decision for auditability.
type CandidateScore struct {
	// AgentID is the scored agent.
	AgentID string `json:"agent_id"`
	// Score is the weighted sum over normalized factors.
	Score float64 `json:"score"`
}

// PolicyDecision is the policy engine's output for one admission or re-plan.
// Immutable once produced; a re-plan after a failure produces a new decision
// rather than mutating the old one.
type PolicyDecision struct {
	// TaskID is the task this decision applies to.
	TaskID string `json:"task_id"`
	// Attempt is the attempt number this decision dispatches.
	Attempt int `json:"attempt"`
	// AgentID is the chosen agent.
	AgentID string `json:"agent_id"`
	// Params are the chosen execution parameters.
	Params ExecParams `json:"params"`
	// Score is the chosen agent's score.
	Score float64 `json:"score"`
	// Rejected holds the scores of candidates that were not chosen.
	Rejected []CandidateScore `json:"rejected,omitempty"`
	// DecidedAt is when the decision was made.
	DecidedAt time.Time `json:"decided_at"`
}
