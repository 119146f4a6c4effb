package models

import "testing"

func TestAvailability_Valid(t *testing.T) {
	tests := []struct {
		name  string
		avail Availability
		want  bool
	}{
		{"available is valid", AgentAvailable, true},
		{"busy is valid", AgentBusy, true},
		{"circuit_open is valid", AgentCircuitOpen, true},
		{"empty is invalid", Availability(""), false},
		{"unknown is invalid", Availability("offline"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.avail.Valid(); got != tt.want {
				t.Errorf("Availability(%q).Valid() = %v, want %v", tt.avail, got, tt.want)
			}
		})
	}
}

func TestAgentDescriptor_Eligible(t *testing.T) {
	agent := &AgentDescriptor{
		ID:    "agent-a",
		Kinds: []string{"research", "vision"},
	}

	if !agent.Eligible("research") {
		t.Error("expected agent eligible for research")
	}
	if agent.Eligible("browser") {
		t.Error("expected agent not eligible for browser")
	}
}

func TestAgentDescriptor_HasCapacity(t *testing.T) {
	tests := []struct {
		name     string
		load     int
		capacity int
		want     bool
	}{
		{"idle agent has capacity", 0, 2, true},
		{"partially loaded agent has capacity", 1, 2, true},
		{"full agent has no capacity", 2, 2, false},
		{"overloaded agent has no capacity", 3, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &AgentDescriptor{ID: "a", Load: tt.load, Capacity: tt.capacity}
			if got := agent.HasCapacity(); got != tt.want {
				t.Errorf("HasCapacity() = %v, want %v", got, tt.want)
			}
		})
	}
}
