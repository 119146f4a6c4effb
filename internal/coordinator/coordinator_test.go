package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay/internal/config"
	"relay/internal/metrics"
	"relay/internal/policy"
	"relay/internal/queue"
	"relay/internal/recovery"
	"relay/internal/state"
	"relay/internal/worker"
	"relay/pkg/models"
)

type env struct {
	db        *state.DB
	q         *queue.Queue
	store     *config.PolicyStore
	engine    *policy.Engine
	rec       *recovery.Recovery
	collector *metrics.Collector
	coord     *Coordinator
	worker    *worker.Worker
	cancel    context.CancelFunc
}

// setupEnv builds a full routing stack over a temp database with fast test
// timings. The coordinator and worker loops are running on return.
func setupEnv(t *testing.T, mutate func(*config.PolicySnapshot)) *env {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	snapshot := config.DefaultPolicy()
	snapshot.Defaults.AttemptTimeout = 2 * time.Second
	snapshot.Defaults.BackoffBase = 10 * time.Millisecond
	snapshot.Defaults.BackoffMax = 50 * time.Millisecond
	if mutate != nil {
		mutate(snapshot)
	}
	store := config.NewPolicyStore(snapshot)

	cfg := config.Default()
	cfg.Coordinator.PollInterval = 20 * time.Millisecond
	cfg.Coordinator.ReconcileOnStart = false

	q := queue.New(db, queue.DefaultConfig())
	engine := policy.NewEngine(store)
	rec := recovery.New(store)
	collector := metrics.NewCollector(db)

	coord := New(Options{
		Config:    cfg,
		DB:        db,
		Queue:     q,
		Engine:    engine,
		Policies:  store,
		Recovery:  rec,
		Collector: collector,
	})

	w := worker.New(q, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	go w.Run(ctx)

	t.Cleanup(func() {
		cancel()
		q.Close()
		collector.Close()
		db.Close()
	})

	return &env{
		db:        db,
		q:         q,
		store:     store,
		engine:    engine,
		rec:       rec,
		collector: collector,
		coord:     coord,
		worker:    w,
		cancel:    cancel,
	}
}

// addAgent registers the descriptor with the coordinator and the executor
// with the worker under the same ID.
func (e *env) addAgent(t *testing.T, id string, kinds []string, capacity int, exec worker.Executor) {
	t.Helper()
	err := e.coord.RegisterAgent(models.AgentDescriptor{ID: id, Kinds: kinds, Capacity: capacity})
	if err != nil {
		t.Fatalf("RegisterAgent %s: %v", id, err)
	}
	e.worker.Register(id, exec)
}

func echoExecutor(cost float64) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
		return &worker.Result{Output: payload, Cost: cost}, nil
	})
}

func failingExecutor(msg string) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
		return nil, errors.New(msg)
	})
}

func waitTerminal(t *testing.T, c *Coordinator, taskID string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := c.Status(taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestSubmit_SuccessEndToEnd(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, echoExecutor(1.0))

	task, err := e.coord.Submit(&models.Task{
		Kind:    "research",
		Payload: json.RawMessage(`{"q":"go routing"}`),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Submit did not assign an ID")
	}

	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (error: %s), want succeeded", done.Status, done.Error)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	result, err := e.coord.Result(task.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if string(result) != `{"q":"go routing"}` {
		t.Errorf("result = %s", result)
	}

	runs, err := e.coord.Runs(task.ID)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != models.OutcomeSuccess {
		t.Errorf("runs = %+v, want one successful run", runs)
	}

	decisions, err := e.coord.Decisions(task.ID)
	if err != nil {
		t.Fatalf("Decisions failed: %v", err)
	}
	if len(decisions) != 1 || decisions[0].AgentID != "agent-a" {
		t.Errorf("decisions = %+v, want one for agent-a", decisions)
	}
}

func TestSubmit_ValidationRejected(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, echoExecutor(1.0))

	cases := []struct {
		name string
		task *models.Task
	}{
		{"empty kind", &models.Task{}},
		{"bad payload", &models.Task{Kind: "research", Payload: json.RawMessage(`{broken`)}},
		{"past deadline", &models.Task{Kind: "research", Deadline: timePtr(time.Now().Add(-time.Minute))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.coord.Submit(tc.task); !models.IsValidation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}

	// Rejected submissions leave no persisted task.
	pending := models.TaskStatusPending
	tasks, err := e.db.ListTasks(&pending)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("rejected submissions persisted %d tasks", len(tasks))
	}
}

func TestSubmit_DuplicateIDRejected(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, echoExecutor(1.0))

	if _, err := e.coord.Submit(&models.Task{ID: "fixed", Kind: "research"}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := e.coord.Submit(&models.Task{ID: "fixed", Kind: "research"}); !models.IsValidation(err) {
		t.Errorf("duplicate ID err = %v, want validation error", err)
	}
}

func TestStatus_UnknownTask(t *testing.T) {
	e := setupEnv(t, nil)

	if _, err := e.coord.Status("nope"); !errors.Is(err, models.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestRetry_ExhaustsBudgetThenFails(t *testing.T) {
	e := setupEnv(t, func(s *config.PolicySnapshot) {
		s.Defaults.MaxAttempts = 3
	})
	e.addAgent(t, "agent-a", []string{"research"}, 2, failingExecutor("always broken"))

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "always broken") {
		t.Errorf("error %q should carry the agent failure", done.Error)
	}

	runs, err := e.coord.Runs(task.ID)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	// Exactly the retry budget, no more.
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, r := range runs {
		if r.Attempt != i+1 {
			t.Errorf("run %d has attempt %d", i, r.Attempt)
		}
		if r.Outcome != models.OutcomeFailure {
			t.Errorf("run %d outcome = %s", i, r.Outcome)
		}
	}
}

func TestRetry_SecondAttemptSucceeds(t *testing.T) {
	e := setupEnv(t, nil)

	var calls atomic.Int64
	e.addAgent(t, "agent-a", []string{"research"}, 2,
		worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return &worker.Result{Output: payload, Cost: 1.0}, nil
		}))

	task, err := e.coord.Submit(&models.Task{Kind: "research", Payload: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (error: %s), want succeeded", done.Status, done.Error)
	}
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", done.Attempts)
	}
}

func TestStickyRetries_PinAgent(t *testing.T) {
	e := setupEnv(t, func(s *config.PolicySnapshot) {
		s.Defaults.StickyRetries = true
	})

	var calls atomic.Int64
	flaky := worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return &worker.Result{Output: payload}, nil
	})
	e.addAgent(t, "agent-a", []string{"research"}, 2, flaky)
	e.addAgent(t, "agent-b", []string{"research"}, 2, flaky)

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitTerminal(t, e.coord, task.ID)

	runs, err := e.coord.Runs(task.ID)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].AgentID != runs[1].AgentID {
		t.Errorf("retry moved from %s to %s despite pinning", runs[0].AgentID, runs[1].AgentID)
	}
}

func TestCircuitOpen_RoutesAroundAgent(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, failingExecutor("broken"))
	e.addAgent(t, "agent-b", []string{"research"}, 2, echoExecutor(1.0))

	// Trip agent-a's circuit directly through the recovery layer.
	for i := 0; i < 5; i++ {
		e.rec.Evaluate("research", "agent-a", 1, models.OutcomeFailure, "induced")
	}
	if !e.rec.Open("research", "agent-a") {
		t.Fatal("agent-a circuit should be open")
	}

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusSucceeded {
		t.Fatalf("status = %s (error: %s), want succeeded", done.Status, done.Error)
	}

	runs, _ := e.coord.Runs(task.ID)
	for _, r := range runs {
		if r.AgentID == "agent-a" {
			t.Errorf("attempt %d dispatched to circuit-open agent-a", r.Attempt)
		}
	}
}

func TestNoEligibleAgent_TerminalFailure(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"vision"}, 2, echoExecutor(1.0))

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "no eligible agent") {
		t.Errorf("error = %q", done.Error)
	}
	if len(mustRuns(t, e, task.ID)) != 0 {
		t.Error("no attempts should run without an eligible agent")
	}
}

func TestDeadline_ExpiresBeforeAgentFinishes(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-slow", []string{"research"}, 2,
		worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return &worker.Result{Output: payload}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	task, err := e.coord.Submit(&models.Task{
		Kind:     "research",
		Deadline: timePtr(time.Now().Add(100 * time.Millisecond)),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, e.coord, task.ID)
	if done.Status != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "deadline") {
		t.Errorf("error = %q, want deadline exceeded", done.Error)
	}

	// The late success must not flip the terminal state.
	time.Sleep(600 * time.Millisecond)
	after, err := e.coord.Status(task.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if after.Status != models.TaskStatusFailed {
		t.Errorf("late result overwrote terminal state: %s", after.Status)
	}
}

func TestResult_NotReadyWhileRunning(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-slow", []string{"research"}, 2,
		worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
			select {
			case <-time.After(time.Second):
				return &worker.Result{Output: payload}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := e.coord.Result(task.ID); err == nil {
		t.Error("Result on a non-terminal task should fail")
	}
}

func TestHealth_DegradedOnQueueFailure(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, echoExecutor(1.0))

	if h := e.coord.Health(); !h.Healthy {
		t.Fatalf("fresh coordinator unhealthy: %s", h.Reason)
	}

	// Kill the queue. Submission is still admitted but cannot dispatch.
	e.cancel()
	e.q.Close()

	task, err := e.coord.Submit(&models.Task{Kind: "research"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status = %s, want pending during outage", task.Status)
	}
	if h := e.coord.Health(); h.Healthy {
		t.Error("coordinator should be degraded after queue failure")
	}
}

func TestReconcile_ResolvesInterruptedTasks(t *testing.T) {
	e := setupEnv(t, nil)
	e.addAgent(t, "agent-a", []string{"research"}, 2, echoExecutor(1.0))

	// A task left running with nothing in the queue log: lost mid-flight.
	lost := &models.Task{
		ID: "lost", Kind: "research", Payload: json.RawMessage(`{}`),
		Status: models.TaskStatusRunning, CreatedAt: time.Now(), Attempts: 1,
	}
	if err := e.db.CreateTask(lost); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// A task left running with an unacked dispatch: should re-plan.
	redo := &models.Task{
		ID: "redo", Kind: "research", Payload: json.RawMessage(`{}`),
		Status: models.TaskStatusRunning, CreatedAt: time.Now(), Attempts: 1,
	}
	if err := e.db.CreateTask(redo); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	err := e.db.AppendMessage(&state.QueueMessage{
		ID: "m-redo", Topic: queue.TopicDispatch, TaskID: "redo", Attempt: 1,
		Payload: "{}", EnqueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := e.coord.Reconcile(); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	lostAfter, _ := e.coord.Status("lost")
	if lostAfter.Status != models.TaskStatusFailed {
		t.Errorf("lost task status = %s, want failed", lostAfter.Status)
	}

	redoAfter, _ := e.coord.Status("redo")
	if redoAfter.Status != models.TaskStatusPending {
		t.Errorf("redo task status = %s, want pending", redoAfter.Status)
	}

	// The sweep picks the pending task back up and completes it.
	done := waitTerminal(t, e.coord, "redo")
	if done.Status != models.TaskStatusSucceeded {
		t.Errorf("redo final status = %s (error: %s)", done.Status, done.Error)
	}
}

func TestPriority_HigherDispatchesFirst(t *testing.T) {
	e := setupEnv(t, nil)

	var mu sync.Mutex
	var order []string
	e.addAgent(t, "agent-a", []string{"research"}, 1,
		worker.ExecutorFunc(func(ctx context.Context, payload json.RawMessage) (*worker.Result, error) {
			var body struct {
				Name string `json:"name"`
			}
			json.Unmarshal(payload, &body)
			mu.Lock()
			order = append(order, body.Name)
			mu.Unlock()
			return &worker.Result{Output: payload}, nil
		}))

	// Insert pending tasks directly, the way an external submitter sharing
	// the database does; the sweep must pick the higher priority first.
	for _, tc := range []struct {
		id       string
		priority int
	}{
		{"low", 1},
		{"high", 9},
	} {
		err := e.db.CreateTask(&models.Task{
			ID: tc.id, Kind: "research",
			Payload:   json.RawMessage(`{"name":"` + tc.id + `"}`),
			Priority:  tc.priority,
			Status:    models.TaskStatusPending,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("CreateTask %s: %v", tc.id, err)
		}
	}

	waitTerminal(t, e.coord, "low")
	waitTerminal(t, e.coord, "high")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" {
		t.Errorf("execution order = %v, want high first", order)
	}
}

func mustRuns(t *testing.T, e *env, taskID string) []models.TaskRun {
	t.Helper()
	runs, err := e.coord.Runs(taskID)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	return runs
}

func timePtr(t time.Time) *time.Time {
	return &t
}
