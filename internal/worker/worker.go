// Package worker hosts agent executors. Each worker goroutine dequeues
// dispatches, runs the named agent's executor under the attempt timeout,
// and publishes the result back on the result topic. The dispatch is acked
// only after the result is durably enqueued, so a crash between execution
// and publish redelivers the dispatch rather than losing the attempt.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"relay/internal/queue"
	"relay/pkg/models"
)

// Worker runs registered executors against the dispatch topic.
type Worker struct {
	q *queue.Queue

	mu        sync.RWMutex
	executors map[string]Executor

	dequeueTimeout time.Duration
}

// New creates a worker reading from q. dequeueTimeout bounds each poll so
// Run notices context cancellation promptly.
func New(q *queue.Queue, dequeueTimeout time.Duration) *Worker {
	if dequeueTimeout <= 0 {
		dequeueTimeout = time.Second
	}
	return &Worker{
		q:              q,
		executors:      make(map[string]Executor),
		dequeueTimeout: dequeueTimeout,
	}
}

// Register binds an executor to an agent ID. Dispatches naming an agent
// with no executor fail the attempt.
func (w *Worker) Register(agentID string, e Executor) {
	w.mu.Lock()
	w.executors[agentID] = e
	w.mu.Unlock()
}

// Run processes dispatches until the context is canceled. Start one
// goroutine per desired concurrency; the queue's per-task ordering keeps
// concurrent workers from racing on attempts of the same task.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		m, err := w.q.Dequeue(ctx, queue.TopicDispatch, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker] dequeue failed: %v", err)
			continue
		}
		if m == nil {
			continue
		}

		w.process(ctx, m)
	}
}

// process executes one dispatch and publishes its result.
func (w *Worker) process(ctx context.Context, m *queue.Message) {
	body, err := queue.DecodeDispatch(m)
	if err != nil {
		// Malformed bodies can never succeed; ack to drop.
		log.Printf("[worker] dropping malformed dispatch %s: %v", m.ID, err)
		w.ack(m)
		return
	}

	result := w.execute(ctx, body)

	rm, err := queue.NewResult(result)
	if err != nil {
		log.Printf("[worker] encode result for task %s attempt %d: %v",
			body.TaskID, body.Attempt, err)
		w.nack(m)
		return
	}
	if err := w.q.Enqueue(rm); err != nil {
		// Leave the dispatch unacked: it redelivers and the attempt reruns.
		log.Printf("[worker] publish result for task %s attempt %d: %v",
			body.TaskID, body.Attempt, err)
		w.nack(m)
		return
	}

	w.ack(m)
}

// execute runs the executor under the attempt timeout and classifies the
// outcome.
func (w *Worker) execute(ctx context.Context, body *queue.DispatchBody) queue.ResultBody {
	rb := queue.ResultBody{
		TaskID:    body.TaskID,
		Attempt:   body.Attempt,
		AgentID:   body.AgentID,
		StartedAt: time.Now(),
	}

	w.mu.RLock()
	e, ok := w.executors[body.AgentID]
	w.mu.RUnlock()

	if !ok {
		rb.Outcome = models.OutcomeFailure
		rb.Error = "no executor registered for agent " + body.AgentID
		rb.EndedAt = time.Now()
		return rb
	}

	execCtx := ctx
	if body.Params.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, body.Params.Timeout)
		defer cancel()
	}

	res, err := e.Execute(execCtx, body.Payload)
	rb.EndedAt = time.Now()

	switch {
	case err == nil:
		rb.Outcome = models.OutcomeSuccess
		if res != nil {
			rb.Result = res.Output
			rb.Cost = res.Cost
		}
	case isTimeout(err):
		rb.Outcome = models.OutcomeTimeout
		rb.Error = "attempt timed out after " + body.Params.Timeout.String()
	default:
		rb.Outcome = models.OutcomeFailure
		rb.Error = err.Error()
	}
	if res != nil && err != nil {
		rb.Cost = res.Cost
	}
	return rb
}

// isTimeout reports whether an execution error was a deadline expiry, either
// from the attempt context or reported by the agent itself.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var agentErr *models.AgentError
	return errors.As(err, &agentErr) && agentErr.Timeout
}

func (w *Worker) ack(m *queue.Message) {
	if err := w.q.Ack(m.ID); err != nil {
		log.Printf("[worker] ack %s: %v", m.ID, err)
	}
}

func (w *Worker) nack(m *queue.Message) {
	if err := w.q.Nack(m.ID); err != nil {
		log.Printf("[worker] nack %s: %v", m.ID, err)
	}
}
