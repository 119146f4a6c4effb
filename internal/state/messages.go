package state

import (
	"fmt"
	"time"
)

// Queue message log. The queue keeps delivery state in memory; this log is
// what makes "no message is silently dropped" hold across restarts.

// QueueMessage is the durable form of an in-transit message.
type QueueMessage struct {
	// ID is the unique message identifier.
	ID string
	// Topic is "dispatch" or "result".
	Topic string
	// TaskID is the task the message belongs to.
	TaskID string
	// Attempt is the attempt number the message carries.
	Attempt int
	// Payload is the serialized message body.
	Payload string
	// EnqueuedAt is when the message was appended.
	EnqueuedAt time.Time
	// Acked marks the message as fully processed.
	Acked bool
}

// AppendMessage durably records an enqueued message.
func (db *DB) AppendMessage(m *QueueMessage) error {
	_, err := db.Exec(`
		INSERT INTO queue_messages (id, topic, task_id, attempt, payload, enqueued_at, acked)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, m.ID, m.Topic, m.TaskID, m.Attempt, m.Payload, formatTime(m.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// AckMessage marks a message as processed.
func (db *DB) AckMessage(id string) error {
	_, err := db.Exec(`UPDATE queue_messages SET acked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// ListUnacked returns unacked messages for a topic in enqueue order.
func (db *DB) ListUnacked(topic string) ([]QueueMessage, error) {
	rows, err := db.Query(`
		SELECT id, topic, task_id, attempt, payload, enqueued_at, acked
		FROM queue_messages WHERE topic = ? AND acked = 0
		ORDER BY enqueued_at, id
	`, topic)
	if err != nil {
		return nil, fmt.Errorf("list unacked: %w", err)
	}
	defer rows.Close()

	var msgs []QueueMessage
	for rows.Next() {
		var m QueueMessage
		var enqueuedAt string
		var acked int
		if err := rows.Scan(&m.ID, &m.Topic, &m.TaskID, &m.Attempt, &m.Payload, &enqueuedAt, &acked); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		m.Acked = acked != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// PurgeAckedMessages removes acked messages older than the cutoff.
func (db *DB) PurgeAckedMessages(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`DELETE FROM queue_messages WHERE acked = 1 AND enqueued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge acked messages: %w", err)
	}
	return result.RowsAffected()
}
