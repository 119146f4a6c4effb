package models

// Availability represents an agent's current dispatch eligibility.
type Availability string

const (
	// AgentAvailable indicates the agent can accept new dispatches.
	AgentAvailable Availability = "available"
	// AgentBusy indicates the agent is at its concurrency capacity.
	AgentBusy Availability = "busy"
	// AgentCircuitOpen indicates dispatch to this agent is short-circuited.
	AgentCircuitOpen Availability = "circuit_open"
)

// Valid returns true if the availability is a known value.
func (a Availability) Valid() bool {
	switch a {
	case AgentAvailable, AgentBusy, AgentCircuitOpen:
		return true
	default:
		return false
	}
}

// AgentDescriptor describes a registered executor: its static capabilities
// and its current dynamic state as seen by the coordinator.
type AgentDescriptor struct {
	// ID is the unique agent identifier.
	ID string `json:"id"`
	// Kinds lists the task kinds this agent is eligible to execute.
	Kinds []string `json:"kinds"`
	// Capacity is the maximum number of simultaneous attempts.
	Capacity int `json:"capacity"`
	// Load is the number of attempts currently in flight.
	Load int `json:"load"`
	// Availability is the agent's current dispatch eligibility.
	Availability Availability `json:"availability"`
}

// Eligible returns true if the agent can execute the given task kind.
func (a *AgentDescriptor) Eligible(kind string) bool {
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasCapacity returns true if the agent has a free execution slot.
func (a *AgentDescriptor) HasCapacity() bool {
	return a.Load < a.Capacity
}
