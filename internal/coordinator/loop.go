package coordinator

import (
	"context"
	"log"
	"sort"
	"time"

	"relay/internal/queue"
	"relay/internal/state"
	"relay/pkg/models"
)

// Run processes results and housekeeping until the context is canceled.
// It blocks; callers run it in a goroutine when they need to keep going.
func (c *Coordinator) Run(ctx context.Context) {
	if c.cfg.Coordinator.ReconcileOnStart {
		if err := c.Reconcile(); err != nil {
			log.Printf("[coordinator] reconcile: %v", err)
		}
	}

	c.wg.Add(2)
	go c.resultPump(ctx)
	go c.housekeeping(ctx)

	<-ctx.Done()

	c.mu.Lock()
	c.stopped = true
	for id, t := range c.retries {
		t.Stop()
		delete(c.retries, id)
	}
	for id := range c.holds {
		delete(c.holds, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Kick asks the housekeeping loop to sweep pending tasks now instead of
// waiting for the next poll interval.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// resultPump consumes the result topic and applies each outcome. A result
// is acked only after its state changes are persisted; a crash in between
// redelivers it and the idempotent handler absorbs the duplicate.
func (c *Coordinator) resultPump(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		m, err := c.q.Dequeue(ctx, queue.TopicResult, c.cfg.Coordinator.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[coordinator] dequeue result: %v", err)
			continue
		}
		if m == nil {
			continue
		}

		body, err := queue.DecodeResult(m)
		if err != nil {
			log.Printf("[coordinator] dropping malformed result %s: %v", m.ID, err)
			c.ackResult(m.ID)
			continue
		}

		if err := c.handleResult(body); err != nil {
			log.Printf("[coordinator] handle result task=%s attempt=%d: %v",
				body.TaskID, body.Attempt, err)
			if nerr := c.q.Nack(m.ID); nerr != nil {
				log.Printf("[coordinator] nack result %s: %v", m.ID, nerr)
			}
			continue
		}
		c.ackResult(m.ID)
	}
}

func (c *Coordinator) ackResult(msgID string) {
	if err := c.q.Ack(msgID); err != nil {
		log.Printf("[coordinator] ack result %s: %v", msgID, err)
	}
}

// housekeeping periodically fails tasks past their deadline and dispatches
// pending tasks that are not waiting out a backoff delay.
func (c *Coordinator) housekeeping(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Coordinator.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}

		if err := c.expireDeadlines(); err != nil {
			log.Printf("[coordinator] deadline sweep: %v", err)
		}
		if err := c.sweepPending(); err != nil {
			log.Printf("[coordinator] pending sweep: %v", err)
		}
	}
}

// expireDeadlines fails every non-terminal task whose deadline has passed.
// An in-flight attempt is abandoned; its late result arrives against a
// terminal task and is ignored.
func (c *Coordinator) expireDeadlines() error {
	now := time.Now()
	for _, status := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusRunning} {
		s := status
		tasks, err := c.db.ListTasks(&s)
		if err != nil {
			return err
		}
		for i := range tasks {
			t := tasks[i]
			if !t.Expired(now) {
				continue
			}
			if t.Status == models.TaskStatusRunning {
				if run, err := c.db.GetRun(t.ID, t.Attempts); err == nil && run != nil && run.Outcome == "" {
					c.registry.Release(run.AgentID)
				}
			}
			if err := c.finalize(&t, models.TaskStatusFailed, nil, models.ErrDeadlineExceeded.Error()); err != nil {
				return err
			}
		}
	}
	return nil
}

// sweepPending dispatches pending tasks, highest priority first. Tasks
// waiting on a retry timer are skipped; everything else pending either just
// arrived, was rolled back by a queue outage, or was reset by
// reconciliation.
func (c *Coordinator) sweepPending() error {
	pending := models.TaskStatusPending
	tasks, err := c.db.ListTasks(&pending)
	if err != nil {
		return err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
	for i := range tasks {
		t := tasks[i]
		if c.retryPending(t.ID) {
			continue
		}
		if err := c.dispatchNext(t.ID, ""); err != nil {
			log.Printf("[coordinator] dispatch task=%s: %v", t.ID, err)
		}
	}
	return nil
}

// Reconcile resolves tasks left running by a previous process: results that
// arrived but were never applied replay through the restored queue, attempts
// that never resolved re-plan from pending, and attempts lost mid-flight
// fail the task.
func (c *Coordinator) Reconcile() error {
	interrupted, err := state.NewReconciler(c.db).Scan()
	if err != nil {
		return err
	}

	for _, it := range interrupted {
		t := it.Task
		log.Printf("[coordinator] reconcile task=%s action=%s: %s", t.ID, it.Action, it.Reason)

		switch it.Action {
		case state.ActionReplayResult:
			// The restored result message replays through the pump.

		case state.ActionRedispatch:
			t.Status = models.TaskStatusPending
			if err := c.db.UpdateTask(&t); err != nil {
				return err
			}

		case state.ActionFail:
			if err := c.finalize(&t, models.TaskStatusFailed, nil, it.Reason); err != nil {
				return err
			}
		}
	}
	return nil
}
