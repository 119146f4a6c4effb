package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Result is what an executor produces for one attempt.
type Result struct {
	// Output is the payload returned to the task's submitter.
	Output json.RawMessage
	// Cost is the abstract cost of the attempt (API spend, compute units).
	Cost float64
}

// Executor is the capability contract an agent implements. Execute must
// honor ctx cancellation; the worker enforces the attempt timeout through
// it. A non-nil error marks the attempt failed.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) (*Result, error) {
	return f(ctx, payload)
}

// SimulatedExecutor is a configurable fake agent for local runs and
// exercising the router without real backends.
type SimulatedExecutor struct {
	// Delay is how long each attempt takes.
	Delay time.Duration
	// FailureRate is the probability in [0, 1] that an attempt fails.
	FailureRate float64
	// Cost is reported per attempt.
	Cost float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a simulated agent with its own seeded source.
func NewSimulatedExecutor(delay time.Duration, failureRate, cost float64) *SimulatedExecutor {
	return &SimulatedExecutor{
		Delay:       delay,
		FailureRate: failureRate,
		Cost:        cost,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute sleeps for the configured delay, then fails with the configured
// probability or echoes the payload back.
func (s *SimulatedExecutor) Execute(ctx context.Context, payload json.RawMessage) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	roll := s.rng.Float64()
	s.mu.Unlock()

	if roll < s.FailureRate {
		return nil, fmt.Errorf("simulated failure")
	}
	return &Result{Output: payload, Cost: s.Cost}, nil
}
