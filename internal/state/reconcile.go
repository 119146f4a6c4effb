package state

import (
	"fmt"

	"relay/pkg/models"
)

// ReconcileAction is what the coordinator should do with a task that was
// left running when the process stopped.
type ReconcileAction string

const (
	// ActionReplayResult means an unacked result is waiting in the queue
	// log; the coordinator should process it normally.
	ActionReplayResult ReconcileAction = "replay_result"
	// ActionRedispatch means the dispatch never produced a result; the
	// coordinator should re-plan and dispatch a fresh attempt.
	ActionRedispatch ReconcileAction = "redispatch"
	// ActionFail means nothing recoverable remains; the coordinator should
	// finalize the task as failed.
	ActionFail ReconcileAction = "fail"
)

// InterruptedTask describes one task found running during reconciliation.
type InterruptedTask struct {
	// Task is the persisted task.
	Task models.Task
	// LastAttempt is the highest recorded attempt number.
	LastAttempt int
	// Action is the recommended resolution.
	Action ReconcileAction
	// Reason explains the recommendation for the operator log.
	Reason string
}

// Reconciler detects tasks interrupted by a process restart and recommends
// how to resolve each one from the persisted queue log.
type Reconciler struct {
	db *DB
}

// NewReconciler creates a Reconciler over the given database.
func NewReconciler(db *DB) *Reconciler {
	return &Reconciler{db: db}
}

// Scan finds tasks left in the running state and classifies each one:
// an unacked result message means the outcome arrived but was never applied;
// an unacked dispatch means the attempt may never have executed; neither
// means the attempt was lost mid-flight.
func (rm *Reconciler) Scan() ([]InterruptedTask, error) {
	running := models.TaskStatusRunning
	tasks, err := rm.db.ListTasks(&running)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	unackedResults, err := rm.unackedByTask("result")
	if err != nil {
		return nil, err
	}
	unackedDispatches, err := rm.unackedByTask("dispatch")
	if err != nil {
		return nil, err
	}

	var interrupted []InterruptedTask
	for _, t := range tasks {
		lastAttempt, err := rm.db.LatestAttempt(t.ID)
		if err != nil {
			return nil, err
		}

		it := InterruptedTask{Task: t, LastAttempt: lastAttempt}
		switch {
		case unackedResults[t.ID]:
			it.Action = ActionReplayResult
			it.Reason = "unacknowledged result found in queue log"
		case unackedDispatches[t.ID]:
			it.Action = ActionRedispatch
			it.Reason = "dispatch was never resolved; attempt may not have run"
		default:
			it.Action = ActionFail
			it.Reason = "in-flight attempt lost across restart"
		}
		interrupted = append(interrupted, it)
	}

	return interrupted, nil
}

// unackedByTask returns the set of task IDs with unacked messages on a topic.
func (rm *Reconciler) unackedByTask(topic string) (map[string]bool, error) {
	msgs, err := rm.db.ListUnacked(topic)
	if err != nil {
		return nil, fmt.Errorf("list unacked %s: %w", topic, err)
	}
	set := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		set[m.TaskID] = true
	}
	return set, nil
}
