package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"relay/pkg/models"
)

// Task CRUD operations

// CreateTask persists a newly admitted task.
func (db *DB) CreateTask(t *models.Task) error {
	var deadline any
	if t.Deadline != nil {
		deadline = formatTime(*t.Deadline)
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, kind, payload, priority, status, created_at, deadline, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Kind, string(t.Payload), t.Priority, string(t.Status), formatTime(t.CreatedAt), deadline, t.Attempts)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`
		SELECT id, kind, payload, priority, status, created_at, deadline, completed_at, attempts, result, error
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists the task's mutable fields.
func (db *DB) UpdateTask(t *models.Task) error {
	var completed any
	if t.CompletedAt != nil {
		completed = formatTime(*t.CompletedAt)
	}

	result, err := db.Exec(`
		UPDATE tasks SET status = ?, attempts = ?, completed_at = ?, result = ?, error = ?
		WHERE id = ?
	`, string(t.Status), t.Attempts, completed, string(t.Result), t.Error, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

// ListTasks returns tasks, optionally filtered by status.
func (db *DB) ListTasks(status *models.TaskStatus) ([]models.Task, error) {
	query := `
		SELECT id, kind, payload, priority, status, created_at, deadline, completed_at, attempts, result, error
		FROM tasks
	`
	var args []any
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY created_at"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan code.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var payload, result, errMsg sql.NullString
	var createdAt string
	var deadline, completedAt sql.NullString
	var status string

	err := s.Scan(&t.ID, &t.Kind, &payload, &t.Priority, &status, &createdAt, &deadline, &completedAt, &t.Attempts, &result, &errMsg)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.Deadline = parseNullableTime(deadline)
	t.CompletedAt = parseNullableTime(completedAt)

	return &t, nil
}
