// Package coordinator owns the task lifecycle: admission, planning through
// the policy engine, dispatch over the queue, result handling, retries, and
// terminal resolution. All lifecycle state lives in the SQLite store; the
// coordinator keeps only transient state (retry timers, agent load) in
// memory, so a restart can rebuild its view from the store and the queue log.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/config"
	"relay/internal/learning"
	"relay/internal/metrics"
	"relay/internal/policy"
	"relay/internal/queue"
	"relay/internal/recovery"
	"relay/internal/state"
	"relay/pkg/models"
)

// Health is the coordinator's operational status. Degraded means queue
// infrastructure is failing; admitted tasks are kept pending until it
// recovers.
type Health struct {
	Healthy bool
	Reason  string
}

// Coordinator routes tasks to agents and resolves their outcomes.
type Coordinator struct {
	cfg       *config.Config
	db        *state.DB
	q         *queue.Queue
	engine    *policy.Engine
	policies  *config.PolicyStore
	recovery  *recovery.Recovery
	collector *metrics.Collector
	learner   *learning.Loop
	registry  *Registry
	dbg       *DebugLogger

	mu       sync.Mutex
	retries  map[string]*time.Timer
	holds    map[string]bool
	stopped  bool
	degraded string

	kick chan struct{}
	wg   sync.WaitGroup
}

// Options carries the coordinator's collaborators. Learner may be nil when
// learning is disabled.
type Options struct {
	Config    *config.Config
	DB        *state.DB
	Queue     *queue.Queue
	Engine    *policy.Engine
	Policies  *config.PolicyStore
	Recovery  *recovery.Recovery
	Collector *metrics.Collector
	Learner   *learning.Loop
	Debug     *DebugLogger
}

// New creates a coordinator. Run must be called to process results.
func New(opts Options) *Coordinator {
	dbg := opts.Debug
	if dbg == nil {
		dbg = &DebugLogger{}
	}
	return &Coordinator{
		cfg:       opts.Config,
		db:        opts.DB,
		q:         opts.Queue,
		engine:    opts.Engine,
		policies:  opts.Policies,
		recovery:  opts.Recovery,
		collector: opts.Collector,
		learner:   opts.Learner,
		registry:  NewRegistry(),
		dbg:       dbg,
		retries:   make(map[string]*time.Timer),
		holds:     make(map[string]bool),
		kick:      make(chan struct{}, 1),
	}
}

// RegisterAgent adds an agent to the routing pool.
func (c *Coordinator) RegisterAgent(desc models.AgentDescriptor) error {
	return c.registry.Register(desc)
}

// Registry exposes the agent registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Submit validates and admits a task, then attempts the first dispatch.
// Validation failures return a *models.ValidationError and leave no trace in
// the store or the queue. A queue outage leaves the task pending and the
// coordinator degraded; the task dispatches when the queue recovers.
func (c *Coordinator) Submit(task *models.Task) (*models.Task, error) {
	if err := c.validate(task); err != nil {
		return nil, err
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if len(task.Payload) == 0 {
		task.Payload = json.RawMessage(`{}`)
	}
	task.Status = models.TaskStatusPending
	task.CreatedAt = time.Now()
	task.Attempts = 0

	if err := c.db.CreateTask(task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	c.dbg.Printf("submit task=%s kind=%s priority=%d", task.ID, task.Kind, task.Priority)

	if err := c.dispatchNext(task.ID, ""); err != nil && !errors.Is(err, models.ErrQueueUnavailable) {
		return nil, err
	}

	current, err := c.db.GetTask(task.ID)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// validate checks a submission before anything is persisted.
func (c *Coordinator) validate(task *models.Task) error {
	if task == nil {
		return &models.ValidationError{Field: "task", Reason: "is required"}
	}
	if task.Kind == "" {
		return &models.ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if len(task.Payload) > 0 && !json.Valid(task.Payload) {
		return &models.ValidationError{Field: "payload", Reason: "must be valid JSON"}
	}
	if task.Deadline != nil && !task.Deadline.After(time.Now()) {
		return &models.ValidationError{Field: "deadline", Reason: "must be in the future"}
	}
	if task.ID != "" {
		existing, err := c.db.GetTask(task.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &models.ValidationError{Field: "id", Reason: "already exists"}
		}
	}
	return nil
}

// Status returns the task's current state.
func (c *Coordinator) Status(taskID string) (*models.Task, error) {
	task, err := c.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
	}
	return task, nil
}

// Result returns the output of a succeeded task. Failed tasks yield their
// terminal error; non-terminal tasks yield an error saying so.
func (c *Coordinator) Result(taskID string) (json.RawMessage, error) {
	task, err := c.Status(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusSucceeded:
		return task.Result, nil
	case models.TaskStatusFailed:
		return nil, fmt.Errorf("task %s failed: %s", taskID, task.Error)
	default:
		return nil, fmt.Errorf("task %s is %s, result not available", taskID, task.Status)
	}
}

// Runs returns the attempt history for a task.
func (c *Coordinator) Runs(taskID string) ([]models.TaskRun, error) {
	return c.db.ListRuns(taskID)
}

// Decisions returns the planning audit log for a task.
func (c *Coordinator) Decisions(taskID string) ([]models.PolicyDecision, error) {
	return c.db.ListDecisions(taskID)
}

// Health reports whether the coordinator can reach its queue.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded != "" {
		return Health{Healthy: false, Reason: c.degraded}
	}
	return Health{Healthy: true}
}

func (c *Coordinator) markDegraded(reason string) {
	c.mu.Lock()
	was := c.degraded
	c.degraded = reason
	c.mu.Unlock()
	if was == "" {
		log.Printf("[coordinator] degraded: %s", reason)
	}
}

func (c *Coordinator) markHealthy() {
	c.mu.Lock()
	was := c.degraded
	c.degraded = ""
	c.mu.Unlock()
	if was != "" {
		log.Printf("[coordinator] queue recovered")
	}
}

// dispatchNext plans and dispatches the task's next attempt. preferredAgent
// is the previous attempt's agent, honored only when the kind policy pins
// retries.
func (c *Coordinator) dispatchNext(taskID, preferredAgent string) error {
	task, err := c.db.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status.Terminal() || task.Status == models.TaskStatusRunning {
		return nil
	}

	now := time.Now()
	if task.Expired(now) {
		return c.finalize(task, models.TaskStatusFailed, nil, models.ErrDeadlineExceeded.Error())
	}

	lastAttempt, err := c.db.LatestAttempt(task.ID)
	if err != nil {
		return err
	}
	attempt := lastAttempt + 1

	snapshot := c.policies.Current()
	kp := snapshot.ForKind(task.Kind)
	if attempt > kp.MaxAttempts {
		return c.finalize(task, models.TaskStatusFailed, nil,
			fmt.Sprintf("retry budget exhausted after %d attempts", lastAttempt))
	}

	decision, err := c.plan(task, attempt, kp, preferredAgent, snapshot.Learning.Window)
	if err != nil {
		if errors.Is(err, models.ErrNoEligibleAgent) {
			c.dbg.Printf("plan task=%s attempt=%d: no eligible agent", task.ID, attempt)
			return c.finalize(task, models.TaskStatusFailed, nil, models.ErrNoEligibleAgent.Error())
		}
		return err
	}

	// The chosen agent passed the availability filter, but the half-open
	// trial slot may have been taken since the snapshot. Leave the task
	// pending; the sweep re-plans it.
	if err := c.recovery.Allow(task.Kind, decision.AgentID); err != nil {
		c.dbg.Printf("dispatch task=%s attempt=%d agent=%s blocked: %v",
			task.ID, attempt, decision.AgentID, err)
		return nil
	}
	if !c.registry.Acquire(decision.AgentID) {
		return nil
	}

	if err := c.db.CreateDecision(decision); err != nil {
		c.registry.Release(decision.AgentID)
		return fmt.Errorf("persist decision: %w", err)
	}

	run := &models.TaskRun{
		TaskID:    task.ID,
		Attempt:   attempt,
		AgentID:   decision.AgentID,
		Kind:      task.Kind,
		StartedAt: now,
	}
	if err := c.db.CreateRun(run); err != nil {
		c.registry.Release(decision.AgentID)
		return fmt.Errorf("persist run: %w", err)
	}

	task.Status = models.TaskStatusRunning
	task.Attempts = attempt
	if err := c.db.UpdateTask(task); err != nil {
		c.registry.Release(decision.AgentID)
		return err
	}

	msg, err := queue.NewDispatch(queue.DispatchBody{
		TaskID:  task.ID,
		Attempt: attempt,
		AgentID: decision.AgentID,
		Kind:    task.Kind,
		Payload: task.Payload,
		Params:  decision.Params,
	})
	if err != nil {
		c.registry.Release(decision.AgentID)
		return err
	}
	if err := c.q.Enqueue(msg); err != nil {
		// Roll the task back to pending so the sweep retries once the
		// queue recovers. The orphaned run row keeps attempt numbers
		// strictly increasing.
		c.registry.Release(decision.AgentID)
		c.markDegraded(err.Error())
		task.Status = models.TaskStatusPending
		if uerr := c.db.UpdateTask(task); uerr != nil {
			return uerr
		}
		return err
	}

	c.markHealthy()
	c.dbg.Printf("dispatch task=%s attempt=%d agent=%s score=%.4f timeout=%s",
		task.ID, attempt, decision.AgentID, decision.Score, decision.Params.Timeout)
	return nil
}

// plan selects an agent for the attempt. With sticky retries the previous
// agent is re-used while it remains dispatchable; otherwise, and as the
// fallback, the full candidate set is scored.
func (c *Coordinator) plan(task *models.Task, attempt int, kp config.KindPolicy, preferredAgent string, window time.Duration) (*models.PolicyDecision, error) {
	candidates := c.candidates(task.Kind, window)

	if preferredAgent != "" && kp.StickyRetries {
		var pinned []policy.Candidate
		for _, cand := range candidates {
			if cand.Agent.ID == preferredAgent {
				pinned = append(pinned, cand)
				break
			}
		}
		if d, err := c.engine.Choose(task, attempt, pinned); err == nil {
			return d, nil
		}
	}

	return c.engine.Choose(task, attempt, candidates)
}

// candidates builds the scored candidate set: every registered agent with
// its availability composed from load and circuit state, plus its windowed
// metric history.
func (c *Coordinator) candidates(kind string, window time.Duration) []policy.Candidate {
	descs := c.registry.Descriptors()
	out := make([]policy.Candidate, 0, len(descs))
	for _, d := range descs {
		if c.recovery.Open(kind, d.ID) {
			d.Availability = models.AgentCircuitOpen
		}
		stats, err := c.collector.Summary(kind, d.ID, window)
		if err != nil {
			log.Printf("[coordinator] summary (%s, %s): %v", kind, d.ID, err)
			stats = nil
		}
		out = append(out, policy.Candidate{Agent: d, Stats: stats})
	}
	return out
}

// handleResult applies one attempt outcome. Idempotent: stale attempts,
// unknown tasks, and replayed results for finished runs are all ignored, so
// at-least-once result delivery is safe.
func (c *Coordinator) handleResult(body *queue.ResultBody) error {
	task, err := c.db.GetTask(body.TaskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status.Terminal() {
		return nil
	}
	if body.Attempt != task.Attempts {
		c.dbg.Printf("result task=%s attempt=%d stale (current=%d), ignored",
			body.TaskID, body.Attempt, task.Attempts)
		return nil
	}

	run, err := c.db.GetRun(body.TaskID, body.Attempt)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("result for unknown run %s/%d", body.TaskID, body.Attempt)
	}
	if run.Outcome != "" {
		// Redelivered result for a run already applied.
		return nil
	}

	run.Outcome = body.Outcome
	run.Cost = body.Cost
	run.Result = body.Result
	run.Error = body.Error
	run.EndedAt = body.EndedAt
	if run.EndedAt.IsZero() {
		run.EndedAt = time.Now()
	}
	if err := c.db.FinishRun(run); err != nil {
		return err
	}

	c.registry.Release(body.AgentID)
	c.collector.Record(run)
	if c.learner != nil {
		c.learner.Notify()
	}

	decision := c.recovery.Evaluate(task.Kind, body.AgentID, body.Attempt, body.Outcome, body.Error)
	c.dbg.Printf("result task=%s attempt=%d agent=%s outcome=%s action=%s",
		task.ID, body.Attempt, body.AgentID, body.Outcome, decision.Action)

	switch decision.Action {
	case recovery.ActionNone:
		return c.finalize(task, models.TaskStatusSucceeded, body.Result, "")

	case recovery.ActionRetry:
		if task.Expired(time.Now()) {
			return c.finalize(task, models.TaskStatusFailed, nil, models.ErrDeadlineExceeded.Error())
		}
		// Hold the task before it turns pending so the sweep cannot
		// dispatch it ahead of the backoff delay, then arm the timer.
		c.holdRetry(task.ID)
		task.Status = models.TaskStatusPending
		if err := c.db.UpdateTask(task); err != nil {
			c.releaseHold(task.ID)
			return err
		}
		c.scheduleRetry(task.ID, body.AgentID, decision.Delay)
		return nil

	default:
		return c.finalize(task, models.TaskStatusFailed, nil, decision.Reason)
	}
}

// holdRetry keeps the pending sweep off a task while its retry transition
// is written.
func (c *Coordinator) holdRetry(taskID string) {
	c.mu.Lock()
	c.holds[taskID] = true
	c.mu.Unlock()
}

func (c *Coordinator) releaseHold(taskID string) {
	c.mu.Lock()
	delete(c.holds, taskID)
	c.mu.Unlock()
}

// scheduleRetry dispatches the task's next attempt after the backoff delay,
// replacing any hold placed during the transition.
func (c *Coordinator) scheduleRetry(taskID, lastAgent string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.holds, taskID)
	if c.stopped {
		return
	}
	if t, ok := c.retries[taskID]; ok {
		t.Stop()
	}
	c.retries[taskID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.retries, taskID)
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		if err := c.dispatchNext(taskID, lastAgent); err != nil {
			log.Printf("[coordinator] retry dispatch task=%s: %v", taskID, err)
		}
	})
}

// retryPending reports whether a retry timer holds the task back from the
// pending sweep.
func (c *Coordinator) retryPending(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds[taskID] {
		return true
	}
	_, ok := c.retries[taskID]
	return ok
}

// finalize writes a task's terminal state and cancels any scheduled retry.
func (c *Coordinator) finalize(task *models.Task, status models.TaskStatus, result json.RawMessage, errMsg string) error {
	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Result = result
	task.Error = errMsg
	if err := c.db.UpdateTask(task); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.holds, task.ID)
	if t, ok := c.retries[task.ID]; ok {
		t.Stop()
		delete(c.retries, task.ID)
	}
	c.mu.Unlock()

	c.dbg.Printf("finalize task=%s status=%s error=%q", task.ID, status, errMsg)
	return nil
}
