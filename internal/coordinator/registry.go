package coordinator

import (
	"fmt"
	"sync"

	"relay/pkg/models"
)

// Registry tracks registered agents and their current load. Load changes
// only through Acquire and Release, so a descriptor snapshot always reflects
// slots actually handed out by the coordinator.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentDescriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*models.AgentDescriptor)}
}

// Register adds or replaces an agent. Capacity below 1 is rejected.
func (r *Registry) Register(desc models.AgentDescriptor) error {
	if desc.ID == "" {
		return fmt.Errorf("agent ID required")
	}
	if len(desc.Kinds) == 0 {
		return fmt.Errorf("agent %s: at least one kind required", desc.ID)
	}
	if desc.Capacity < 1 {
		return fmt.Errorf("agent %s: capacity must be positive", desc.ID)
	}

	desc.Load = 0
	desc.Availability = models.AgentAvailable

	r.mu.Lock()
	r.agents[desc.ID] = &desc
	r.mu.Unlock()
	return nil
}

// Acquire takes one slot on the agent. Returns false when the agent is
// unknown or already at capacity.
func (r *Registry) Acquire(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok || a.Load >= a.Capacity {
		return false
	}
	a.Load++
	return true
}

// Release returns one slot on the agent. Releasing an unknown or idle agent
// is a no-op.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok && a.Load > 0 {
		a.Load--
	}
}

// Get returns a copy of the agent's descriptor.
func (r *Registry) Get(agentID string) (models.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return snapshotLocked(a), true
}

// Descriptors returns a copy of every registered agent with availability
// derived from its load.
func (r *Registry) Descriptors() []models.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, snapshotLocked(a))
	}
	return out
}

func snapshotLocked(a *models.AgentDescriptor) models.AgentDescriptor {
	c := *a
	c.Kinds = append([]string(nil), a.Kinds...)
	if c.Load >= c.Capacity {
		c.Availability = models.AgentBusy
	} else {
		c.Availability = models.AgentAvailable
	}
	return c
}
