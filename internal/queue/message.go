package queue

import (
	"encoding/json"
	"time"

	"relay/pkg/models"
)

// Topic names. Two logical topics are enough: dispatches flow from the
// coordinator to agents, results flow back.
const (
	TopicDispatch = "dispatch"
	TopicResult   = "result"
)

// Message is one unit in transit. The queue owns its delivery lifetime only;
// task identity and semantics belong to the coordinator.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`
	// Topic is the logical channel the message travels on.
	Topic string `json:"topic"`
	// TaskID partitions delivery so messages for the same task are never
	// processed out of order relative to each other.
	TaskID string `json:"task_id"`
	// Attempt is the attempt number the message carries.
	Attempt int `json:"attempt"`
	// Body is the serialized payload.
	Body json.RawMessage `json:"body"`
	// EnqueuedAt is when the message entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Deliveries counts delivery attempts, 1 on first dequeue.
	Deliveries int `json:"deliveries"`
}

// DispatchBody is the payload of a dispatch-topic message.
type DispatchBody struct {
	// TaskID is the task to execute.
	TaskID string `json:"task_id"`
	// Attempt is the attempt number being dispatched.
	Attempt int `json:"attempt"`
	// AgentID is the agent chosen by the policy engine.
	AgentID string `json:"agent_id"`
	// Kind is the task kind.
	Kind string `json:"kind"`
	// Payload is the task input.
	Payload json.RawMessage `json:"payload"`
	// Params are the execution parameters for this attempt.
	Params models.ExecParams `json:"params"`
}

// ResultBody is the payload of a result-topic message.
type ResultBody struct {
	// TaskID is the task the result belongs to.
	TaskID string `json:"task_id"`
	// Attempt is the attempt that produced the result.
	Attempt int `json:"attempt"`
	// AgentID is the agent that executed the attempt.
	AgentID string `json:"agent_id"`
	// Outcome is the attempt outcome.
	Outcome models.Outcome `json:"outcome"`
	// Result is the output payload on success.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the failure detail. Present iff Outcome != success.
	Error string `json:"error,omitempty"`
	// Cost is the abstract cost of the attempt.
	Cost float64 `json:"cost"`
	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when execution finished.
	EndedAt time.Time `json:"ended_at"`
}

// NewDispatch builds a dispatch-topic message.
func NewDispatch(body DispatchBody) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:   TopicDispatch,
		TaskID:  body.TaskID,
		Attempt: body.Attempt,
		Body:    data,
	}, nil
}

// NewResult builds a result-topic message.
func NewResult(body ResultBody) (*Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:   TopicResult,
		TaskID:  body.TaskID,
		Attempt: body.Attempt,
		Body:    data,
	}, nil
}

// DecodeDispatch unmarshals a dispatch message body.
func DecodeDispatch(m *Message) (*DispatchBody, error) {
	var body DispatchBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// DecodeResult unmarshals a result message body.
func DecodeResult(m *Message) (*ResultBody, error) {
	var body ResultBody
	if err := json.Unmarshal(m.Body, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
