// Package queue implements the durable hand-off between the coordinator and
// agents: per-topic FIFO delivery, at-least-once semantics with a visibility
// timeout, and explicit ack/nack. It is the sole synchronization point
// between the coordinator's control loop and agent execution.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/state"
	"relay/pkg/models"
)

// Config contains queue tuning parameters.
type Config struct {
	// VisibilityTimeout is how long a dequeued message stays invisible
	// before it is redelivered.
	VisibilityTimeout time.Duration
	// RedeliveryInterval is how often expired deliveries are swept back
	// into the ready list.
	RedeliveryInterval time.Duration
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout:  30 * time.Second,
		RedeliveryInterval: time.Second,
	}
}

// Queue is an in-process message queue backed by the state store's message
// log. Delivery state (ready/in-flight) lives in memory; the log is what
// lets unacked messages survive a restart.
type Queue struct {
	db  *state.DB
	cfg Config

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// topicState holds per-topic delivery state.
type topicState struct {
	// ready is the FIFO list of deliverable messages.
	ready []*Message
	// inflight maps message ID to its delivery record.
	inflight map[string]*delivery
	// notify wakes one blocked Dequeue when work may be available.
	notify chan struct{}
}

// delivery tracks one in-flight message.
type delivery struct {
	msg      *Message
	deadline time.Time
}

// New creates a queue over the given state store and starts the redelivery
// sweeper.
func New(db *state.DB, cfg Config) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.RedeliveryInterval <= 0 {
		cfg.RedeliveryInterval = time.Second
	}

	q := &Queue{
		db:     db,
		cfg:    cfg,
		topics: make(map[string]*topicState),
		done:   make(chan struct{}),
	}

	q.wg.Add(1)
	go q.sweep()

	return q
}

// Restore loads unacked messages from the durable log into the ready lists.
// Called once on startup, before any dequeues.
func (q *Queue) Restore() error {
	for _, topic := range []string{TopicDispatch, TopicResult} {
		msgs, err := q.db.ListUnacked(topic)
		if err != nil {
			return fmt.Errorf("restore %s: %w", topic, err)
		}

		q.mu.Lock()
		ts := q.topic(topic)
		for _, m := range msgs {
			ts.ready = append(ts.ready, &Message{
				ID:         m.ID,
				Topic:      m.Topic,
				TaskID:     m.TaskID,
				Attempt:    m.Attempt,
				Body:       []byte(m.Payload),
				EnqueuedAt: m.EnqueuedAt,
			})
		}
		q.signalLocked(ts)
		q.mu.Unlock()

		if len(msgs) > 0 {
			log.Printf("[queue] restored %d unacked messages on %s", len(msgs), topic)
		}
	}
	return nil
}

// Enqueue appends a message to its topic. The message is durably logged
// before it becomes deliverable; a logging failure surfaces as
// ErrQueueUnavailable and the message is not queued.
func (q *Queue) Enqueue(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	err := q.db.AppendMessage(&state.QueueMessage{
		ID:         m.ID,
		Topic:      m.Topic,
		TaskID:     m.TaskID,
		Attempt:    m.Attempt,
		Payload:    string(m.Body),
		EnqueuedAt: m.EnqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: queue closed", models.ErrQueueUnavailable)
	}

	ts := q.topic(m.Topic)
	ts.ready = append(ts.ready, m)
	q.signalLocked(ts)

	return nil
}

// Dequeue blocks until a message is available on the topic, the context is
// done, or the timeout expires. A timeout returns (nil, nil) so pollers can
// loop without treating it as an error. The returned message stays invisible
// to other consumers until acked, nacked, or its visibility timeout expires.
func (q *Queue) Dequeue(ctx context.Context, topic string, timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: queue closed", models.ErrQueueUnavailable)
		}

		ts := q.topic(topic)
		if m := q.popLocked(ts); m != nil {
			// Wake the next consumer if more work remains; the notify
			// token is coalesced, one signal per wait.
			if len(ts.ready) > 0 {
				q.signalLocked(ts)
			}
			q.mu.Unlock()
			return m, nil
		}
		notify := ts.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.done:
			return nil, fmt.Errorf("%w: queue closed", models.ErrQueueUnavailable)
		case <-notify:
		}
	}
}

// popLocked removes and returns the first deliverable message, or nil.
// A message is not deliverable while another message for the same task is
// in flight on the same topic; that preserves per-task processing order
// under redelivery.
func (q *Queue) popLocked(ts *topicState) *Message {
	busy := make(map[string]bool, len(ts.inflight))
	for _, d := range ts.inflight {
		busy[d.msg.TaskID] = true
	}

	for i, m := range ts.ready {
		if busy[m.TaskID] {
			continue
		}
		ts.ready = append(ts.ready[:i], ts.ready[i+1:]...)
		m.Deliveries++
		ts.inflight[m.ID] = &delivery{
			msg:      m,
			deadline: time.Now().Add(q.cfg.VisibilityTimeout),
		}
		return m
	}
	return nil
}

// Ack marks a message as fully processed and removes it from the durable log.
func (q *Queue) Ack(msgID string) error {
	q.mu.Lock()
	var topic string
	for name, ts := range q.topics {
		if _, ok := ts.inflight[msgID]; ok {
			delete(ts.inflight, msgID)
			topic = name
			break
		}
	}
	// The same task may have a queued follow-up that just became deliverable.
	if topic != "" {
		q.signalLocked(q.topics[topic])
	}
	q.mu.Unlock()

	if err := q.db.AckMessage(msgID); err != nil {
		return fmt.Errorf("%w: %v", models.ErrQueueUnavailable, err)
	}
	return nil
}

// Nack returns an in-flight message to the front of its topic for
// redelivery.
func (q *Queue) Nack(msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ts := range q.topics {
		if d, ok := ts.inflight[msgID]; ok {
			delete(ts.inflight, msgID)
			ts.ready = append([]*Message{d.msg}, ts.ready...)
			q.signalLocked(ts)
			return nil
		}
	}
	return fmt.Errorf("nack: message %s not in flight", msgID)
}

// Depth returns the number of ready messages on a topic.
func (q *Queue) Depth(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(topic).ready)
}

// InflightCount returns the number of in-flight messages on a topic.
func (q *Queue) InflightCount(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(topic).inflight)
}

// Close stops the sweeper and wakes all blocked consumers.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	return nil
}

// sweep returns expired in-flight messages to their ready lists.
func (q *Queue) sweep() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.RedeliveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.redeliverExpired()
		}
	}
}

// redeliverExpired moves timed-out deliveries back to the front of ready.
func (q *Queue) redeliverExpired() {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	for name, ts := range q.topics {
		for id, d := range ts.inflight {
			if now.Before(d.deadline) {
				continue
			}
			delete(ts.inflight, id)
			ts.ready = append([]*Message{d.msg}, ts.ready...)
			q.signalLocked(ts)
			log.Printf("[queue] redelivering %s message %s for task %s (delivery %d)",
				name, id, d.msg.TaskID, d.msg.Deliveries+1)
		}
	}
}

// topic returns the state for a topic, creating it on first use.
// Caller must hold q.mu.
func (q *Queue) topic(name string) *topicState {
	ts, ok := q.topics[name]
	if !ok {
		ts = &topicState{
			inflight: make(map[string]*delivery),
			notify:   make(chan struct{}, 1),
		}
		q.topics[name] = ts
	}
	return ts
}

// signalLocked wakes one blocked consumer. Caller must hold q.mu.
func (q *Queue) signalLocked(ts *topicState) {
	select {
	case ts.notify <- struct{}{}:
	default:
	}
}
