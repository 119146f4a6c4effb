package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"relay/internal/state"
	"relay/pkg/models"
)

func setupQueue(t *testing.T, cfg Config) (*Queue, *state.DB) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := New(db, cfg)
	t.Cleanup(func() {
		q.Close()
		db.Close()
	})
	return q, db
}

func dispatchMsg(t *testing.T, taskID string, attempt int) *Message {
	t.Helper()
	m, err := NewDispatch(DispatchBody{
		TaskID:  taskID,
		Attempt: attempt,
		AgentID: "agent-a",
		Kind:    "research",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("NewDispatch: %v", err)
	}
	return m
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, db := setupQueue(t, DefaultConfig())

	m := dispatchMsg(t, "t1", 1)
	if err := q.Enqueue(m); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got == nil {
		t.Fatal("Dequeue returned nil message")
	}
	if got.TaskID != "t1" || got.Deliveries != 1 {
		t.Errorf("message = %+v", got)
	}

	body, err := DecodeDispatch(got)
	if err != nil {
		t.Fatalf("DecodeDispatch failed: %v", err)
	}
	if body.AgentID != "agent-a" {
		t.Errorf("body.AgentID = %q", body.AgentID)
	}

	if err := q.Ack(got.ID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// Acked message must be gone from the durable log.
	unacked, err := db.ListUnacked(TopicDispatch)
	if err != nil {
		t.Fatalf("ListUnacked failed: %v", err)
	}
	if len(unacked) != 0 {
		t.Errorf("expected no unacked messages, got %d", len(unacked))
	}
}

func TestDequeue_TimeoutReturnsNil(t *testing.T) {
	q, _ := setupQueue(t, DefaultConfig())

	m, err := q.Dequeue(context.Background(), TopicDispatch, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil on timeout, got %+v", m)
	}
}

func TestDequeue_FIFOOrder(t *testing.T) {
	q, _ := setupQueue(t, DefaultConfig())

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := q.Enqueue(dispatchMsg(t, id, 1)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		m, err := q.Dequeue(context.Background(), TopicDispatch, time.Second)
		if err != nil || m == nil {
			t.Fatalf("Dequeue failed: %v, %v", m, err)
		}
		if m.TaskID != want {
			t.Errorf("dequeued %s, want %s", m.TaskID, want)
		}
		q.Ack(m.ID)
	}
}

func TestNack_Redelivers(t *testing.T) {
	q, _ := setupQueue(t, DefaultConfig())

	q.Enqueue(dispatchMsg(t, "t1", 1))

	m, _ := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if m == nil {
		t.Fatal("first dequeue returned nil")
	}
	if err := q.Nack(m.ID); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	m2, err := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if err != nil || m2 == nil {
		t.Fatalf("redelivery dequeue failed: %v, %v", m2, err)
	}
	if m2.ID != m.ID {
		t.Errorf("redelivered different message: %s vs %s", m2.ID, m.ID)
	}
	if m2.Deliveries != 2 {
		t.Errorf("Deliveries = %d, want 2", m2.Deliveries)
	}
}

func TestVisibilityTimeout_Redelivers(t *testing.T) {
	cfg := Config{
		VisibilityTimeout:  50 * time.Millisecond,
		RedeliveryInterval: 10 * time.Millisecond,
	}
	q, _ := setupQueue(t, cfg)

	q.Enqueue(dispatchMsg(t, "t1", 1))

	m, _ := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if m == nil {
		t.Fatal("first dequeue returned nil")
	}
	// Never ack: the consumer "crashed". The sweeper must redeliver.

	m2, err := q.Dequeue(context.Background(), TopicDispatch, 2*time.Second)
	if err != nil {
		t.Fatalf("Dequeue after expiry failed: %v", err)
	}
	if m2 == nil {
		t.Fatal("message was not redelivered after visibility timeout")
	}
	if m2.ID != m.ID || m2.Deliveries != 2 {
		t.Errorf("redelivered = %+v", m2)
	}
}

func TestPerTaskOrdering_HoldsBackWhileInflight(t *testing.T) {
	q, _ := setupQueue(t, DefaultConfig())

	// Two messages for the same task, one for another.
	q.Enqueue(dispatchMsg(t, "t1", 1))
	q.Enqueue(dispatchMsg(t, "t1", 2))
	q.Enqueue(dispatchMsg(t, "t2", 1))

	first, _ := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if first == nil || first.TaskID != "t1" || first.Attempt != 1 {
		t.Fatalf("first = %+v, want t1 attempt 1", first)
	}

	// t1 attempt 2 must be held back while attempt 1 is in flight;
	// t2 is free to go.
	second, _ := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if second == nil || second.TaskID != "t2" {
		t.Fatalf("second = %+v, want t2", second)
	}

	third, err := q.Dequeue(context.Background(), TopicDispatch, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if third != nil {
		t.Fatalf("t1 attempt 2 delivered while attempt 1 in flight: %+v", third)
	}

	// Acking attempt 1 releases attempt 2.
	q.Ack(first.ID)
	third, err = q.Dequeue(context.Background(), TopicDispatch, time.Second)
	if err != nil || third == nil {
		t.Fatalf("Dequeue after ack failed: %v, %v", third, err)
	}
	if third.TaskID != "t1" || third.Attempt != 2 {
		t.Errorf("third = %+v, want t1 attempt 2", third)
	}
}

func TestRestore_ReloadsUnacked(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")

	db, err := state.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q := New(db, DefaultConfig())
	q.Enqueue(dispatchMsg(t, "t1", 1))
	q.Enqueue(dispatchMsg(t, "t2", 1))

	// Consume and ack t1; t2 is still pending when the "process" dies.
	m, _ := q.Dequeue(context.Background(), TopicDispatch, time.Second)
	q.Ack(m.ID)
	q.Close()
	db.Close()

	// Restart.
	db2, err := state.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q2 := New(db2, DefaultConfig())
	defer q2.Close()
	if err := q2.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got, err := q2.Dequeue(context.Background(), TopicDispatch, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue after restore failed: %v, %v", got, err)
	}
	if got.TaskID != "t2" {
		t.Errorf("restored task = %s, want t2", got.TaskID)
	}
}

func TestClose_UnblocksAndRejects(t *testing.T) {
	q, _ := setupQueue(t, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), TopicDispatch, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error from Dequeue on closed queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}

	if err := q.Enqueue(dispatchMsg(t, "t9", 1)); err == nil {
		t.Error("expected Enqueue on closed queue to fail")
	}
}

func TestEnqueue_QueueUnavailableWrapped(t *testing.T) {
	q, db := setupQueue(t, DefaultConfig())
	q.Enqueue(dispatchMsg(t, "t1", 1))

	// Closing the DB makes the durable log unwritable.
	db.Close()
	err := q.Enqueue(dispatchMsg(t, "t2", 1))
	if err == nil {
		t.Fatal("expected error with closed db")
	}
	if !errors.Is(err, models.ErrQueueUnavailable) {
		t.Errorf("error %v should wrap ErrQueueUnavailable", err)
	}
}
