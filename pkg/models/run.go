package models

import (
	"encoding/json"
	"time"
)

// Outcome represents the result of one execution attempt.
type Outcome string

const (
	// OutcomeSuccess indicates the attempt completed successfully.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure indicates the agent reported an error.
	OutcomeFailure Outcome = "failure"
	// OutcomeTimeout indicates no response arrived within the attempt timeout.
	OutcomeTimeout Outcome = "timeout"
)

// Valid returns true if the outcome is a known value.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// TaskRun represents one execution attempt of a task by a specific agent.
// Attempt numbers for a task are strictly increasing and contiguous,
// starting at 1.
type TaskRun struct {
	// TaskID is the task this attempt belongs to.
	TaskID string `json:"task_id"`
	// Attempt is the 1-based attempt sequence number.
	Attempt int `json:"attempt"`
	// AgentID is the agent that executed this attempt.
	AgentID string `json:"agent_id"`
	// Kind is the task kind, denormalized for per-(kind, agent) aggregation.
	Kind string `json:"kind"`
	// StartedAt is when the attempt was dispatched.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the result was observed.
	EndedAt time.Time `json:"ended_at"`
	// Outcome is the attempt result.
	Outcome Outcome `json:"outcome"`
	// Cost is the abstract cost of the attempt (API spend, compute units).
	Cost float64 `json:"cost"`
	// Result is the payload returned on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error holds the error detail. Present iff Outcome != success.
	Error string `json:"error,omitempty"`
}

// Latency returns the wall-clock duration of the attempt.
func (r *TaskRun) Latency() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// MetricRecord is the append-only outcome record consumed by the learning
// loop. Derived from a TaskRun, never edited.
type MetricRecord struct {
	// TaskID is the task the attempt belonged to.
	TaskID string `json:"task_id"`
	// Attempt is the attempt sequence number.
	Attempt int `json:"attempt"`
	// Kind is the task kind.
	Kind string `json:"kind"`
	// AgentID is the agent that executed the attempt.
	AgentID string `json:"agent_id"`
	// Success indicates whether the attempt succeeded.
	Success bool `json:"success"`
	// Cost is the abstract cost of the attempt.
	Cost float64 `json:"cost"`
	// LatencyMS is the attempt duration in milliseconds.
	LatencyMS int64 `json:"latency_ms"`
	// RecordedAt is when the record was written.
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordFromRun derives a MetricRecord from a completed TaskRun.
func RecordFromRun(run *TaskRun) *MetricRecord {
	return &MetricRecord{
		TaskID:     run.TaskID,
		Attempt:    run.Attempt,
		Kind:       run.Kind,
		AgentID:    run.AgentID,
		Success:    run.Outcome == OutcomeSuccess,
		Cost:       run.Cost,
		LatencyMS:  run.Latency().Milliseconds(),
		RecordedAt: time.Now(),
	}
}
