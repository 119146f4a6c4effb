package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"relay/pkg/models"
)

// TaskRun operations. Attempt numbers are enforced contiguous by the
// coordinator; the (task_id, attempt) primary key rejects duplicates.

// CreateRun records the start of an execution attempt.
func (db *DB) CreateRun(r *models.TaskRun) error {
	_, err := db.Exec(`
		INSERT INTO task_runs (task_id, attempt, agent_id, kind, started_at, cost)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.TaskID, r.Attempt, r.AgentID, r.Kind, formatTime(r.StartedAt), r.Cost)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of an attempt.
func (db *DB) FinishRun(r *models.TaskRun) error {
	result, err := db.Exec(`
		UPDATE task_runs SET ended_at = ?, outcome = ?, cost = ?, result = ?, error = ?
		WHERE task_id = ? AND attempt = ?
	`, formatTime(r.EndedAt), string(r.Outcome), r.Cost, string(r.Result), r.Error, r.TaskID, r.Attempt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s/%d not found", r.TaskID, r.Attempt)
	}
	return nil
}

// GetRun retrieves one attempt. Returns nil if not found.
func (db *DB) GetRun(taskID string, attempt int) (*models.TaskRun, error) {
	row := db.QueryRow(`
		SELECT task_id, attempt, agent_id, kind, started_at, ended_at, outcome, cost, result, error
		FROM task_runs WHERE task_id = ? AND attempt = ?
	`, taskID, attempt)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns all attempts for a task in attempt order.
func (db *DB) ListRuns(taskID string) ([]models.TaskRun, error) {
	rows, err := db.Query(`
		SELECT task_id, attempt, agent_id, kind, started_at, ended_at, outcome, cost, result, error
		FROM task_runs WHERE task_id = ? ORDER BY attempt
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.TaskRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// LatestAttempt returns the highest attempt number recorded for a task,
// or 0 if none exist.
func (db *DB) LatestAttempt(taskID string) (int, error) {
	var attempt int
	row := db.QueryRow(`SELECT COALESCE(MAX(attempt), 0) FROM task_runs WHERE task_id = ?`, taskID)
	if err := row.Scan(&attempt); err != nil {
		return 0, fmt.Errorf("latest attempt: %w", err)
	}
	return attempt, nil
}

func scanRun(s scanner) (*models.TaskRun, error) {
	var r models.TaskRun
	var startedAt string
	var endedAt, outcome, result, errMsg sql.NullString

	err := s.Scan(&r.TaskID, &r.Attempt, &r.AgentID, &r.Kind, &startedAt, &endedAt, &outcome, &r.Cost, &result, &errMsg)
	if err != nil {
		return nil, err
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if t := parseNullableTime(endedAt); t != nil {
		r.EndedAt = *t
	}
	r.Outcome = models.Outcome(outcome.String)
	if result.Valid && result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	r.Error = errMsg.String

	return &r, nil
}
