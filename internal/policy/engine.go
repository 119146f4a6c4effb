// Package policy implements agent selection: scoring candidate agents for a
// task from weighted, normalized history factors and producing an auditable
// decision. Choose is pure given its inputs, the current policy snapshot,
// and the current weight set, so the coordinator can call it again on every
// re-plan.
package policy

import (
	"sort"
	"sync/atomic"
	"time"

	"relay/internal/config"
	"relay/internal/state"
	"relay/pkg/models"
)

// Cold-start factor priors, used for any (kind, agent) pair with no history
// in the metrics window. Neutral midpoints so new agents are neither favored
// nor starved.
const (
	priorSuccessRate   = 0.5
	priorCostFactor    = 0.5
	priorLatencyFactor = 0.5
)

// Candidate pairs an agent descriptor with its metric history for the
// task's kind. Stats may be nil (cold start).
type Candidate struct {
	// Agent is the descriptor snapshot taken by the coordinator.
	Agent models.AgentDescriptor
	// Stats is the (kind, agent) metric summary, nil or zero-count when
	// no history exists.
	Stats *state.MetricSummary
}

// Engine selects agents. Weight reads are lock-free snapshots; the learning
// loop publishes new weights with SetWeights (copy-and-swap), so a choose
// call never observes a partially updated weight set.
type Engine struct {
	policies *config.PolicyStore
	weights  atomic.Pointer[config.Weights]
}

// NewEngine creates an engine seeded with the snapshot's prior weights.
func NewEngine(policies *config.PolicyStore) *Engine {
	e := &Engine{policies: policies}
	priors := policies.Current().Priors
	e.weights.Store(&priors)
	return e
}

// Weights returns the current scoring weights.
func (e *Engine) Weights() config.Weights {
	return *e.weights.Load()
}

// SetWeights publishes a new weight set, clamped to the policy snapshot's
// configured range.
func (e *Engine) SetWeights(w config.Weights) {
	clamped := e.policies.Current().Clamp(w)
	e.weights.Store(&clamped)
}

// Choose selects an agent for the task from the candidate set.
//
// Eligibility: the agent must list the task's kind, must not be
// circuit-open, and must have a free slot. An empty eligible set yields
// models.ErrNoEligibleAgent, which is terminal for the task.
//
// Ties break on the most recent successful run for the kind, then on the
// lowest agent ID, so repeated calls with identical inputs return the same
// decision.
func (e *Engine) Choose(task *models.Task, attempt int, candidates []Candidate) (*models.PolicyDecision, error) {
	snapshot := e.policies.Current()
	weights := e.Weights()

	type scored struct {
		candidate Candidate
		score     float64
	}

	var eligible []scored
	for _, c := range candidates {
		if !c.Agent.Eligible(task.Kind) {
			continue
		}
		if c.Agent.Availability == models.AgentCircuitOpen {
			continue
		}
		if !c.Agent.HasCapacity() {
			continue
		}
		eligible = append(eligible, scored{
			candidate: c,
			score:     score(c, weights),
		})
	}

	if len(eligible) == 0 {
		return nil, models.ErrNoEligibleAgent
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.score != b.score {
			return a.score > b.score
		}
		at, bt := lastSuccess(a.candidate), lastSuccess(b.candidate)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.candidate.Agent.ID < b.candidate.Agent.ID
	})

	chosen := eligible[0]
	kp := snapshot.ForKind(task.Kind)

	decision := &models.PolicyDecision{
		TaskID:  task.ID,
		Attempt: attempt,
		AgentID: chosen.candidate.Agent.ID,
		Params: models.ExecParams{
			Timeout:     kp.AttemptTimeout,
			MaxAttempts: kp.MaxAttempts,
		},
		Score:     chosen.score,
		DecidedAt: time.Now(),
	}
	for _, s := range eligible[1:] {
		decision.Rejected = append(decision.Rejected, models.CandidateScore{
			AgentID: s.candidate.Agent.ID,
			Score:   s.score,
		})
	}

	return decision, nil
}

// score computes the weighted sum of normalized factors for one candidate.
// Every factor lies in [0, 1]:
//   - historical success rate for (kind, agent)
//   - inverse of recent average cost
//   - inverse of recent average latency
//   - free-capacity fraction (load penalty)
func score(c Candidate, w config.Weights) float64 {
	success := priorSuccessRate
	costFactor := priorCostFactor
	latencyFactor := priorLatencyFactor

	if c.Stats != nil && c.Stats.Count > 0 {
		success = c.Stats.SuccessRate
		costFactor = 1.0 / (1.0 + c.Stats.AvgCost)
		latencyFactor = 1.0 / (1.0 + c.Stats.AvgLatencyMS/1000.0)
	}

	loadFactor := 0.0
	if c.Agent.Capacity > 0 {
		loadFactor = 1.0 - float64(c.Agent.Load)/float64(c.Agent.Capacity)
	}

	return w.SuccessRate*success +
		w.Cost*costFactor +
		w.Latency*latencyFactor +
		w.Load*loadFactor
}

// lastSuccess returns the candidate's most recent success time, zero when
// unknown.
func lastSuccess(c Candidate) time.Time {
	if c.Stats == nil {
		return time.Time{}
	}
	return c.Stats.LastSuccess
}
