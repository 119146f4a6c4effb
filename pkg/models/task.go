// Package models defines the core data types shared across relay components.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been admitted but not dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task has been dispatched to an agent.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed terminally.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Task represents a unit of work routed through the coordinator.
type Task struct {
	// ID is the unique identifier for this task. Never reused.
	ID string `json:"id"`
	// Kind is the task category that determines agent eligibility.
	// Immutable after creation.
	Kind string `json:"kind"`
	// Payload is the task input, opaque to the orchestration core.
	Payload json.RawMessage `json:"payload"`
	// Priority orders tasks within a topic; higher runs sooner.
	Priority int `json:"priority,omitempty"`
	// Status is the current lifecycle state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was admitted.
	CreatedAt time.Time `json:"created_at"`
	// Deadline is the wall-clock limit for the whole task, if any.
	Deadline *time.Time `json:"deadline,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Attempts is the number of execution attempts made so far.
	Attempts int `json:"attempts,omitempty"`
	// Result is the payload produced by the successful attempt.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the human-readable reason the task failed, if it did.
	Error string `json:"error,omitempty"`
}

// Expired returns true if the task has a deadline and now is past it.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}
