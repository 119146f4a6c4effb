package state

import (
	"encoding/json"
	"fmt"

	"relay/pkg/models"
)

// PolicyDecision storage. Decisions are immutable: a re-plan inserts a new
// row, superseding (never overwriting) the previous one.

// CreateDecision appends a policy decision to the audit log.
func (db *DB) CreateDecision(d *models.PolicyDecision) error {
	params, err := json.Marshal(d.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	var rejected []byte
	if len(d.Rejected) > 0 {
		rejected, err = json.Marshal(d.Rejected)
		if err != nil {
			return fmt.Errorf("marshal rejected: %w", err)
		}
	}

	_, err = db.Exec(`
		INSERT INTO decisions (task_id, attempt, agent_id, params, score, rejected, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.TaskID, d.Attempt, d.AgentID, string(params), d.Score, string(rejected), formatTime(d.DecidedAt))
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// ListDecisions returns all decisions for a task in the order they were made.
func (db *DB) ListDecisions(taskID string) ([]models.PolicyDecision, error) {
	rows, err := db.Query(`
		SELECT task_id, attempt, agent_id, params, score, rejected, decided_at
		FROM decisions WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.PolicyDecision
	for rows.Next() {
		var d models.PolicyDecision
		var params, rejected, decidedAt string

		if err := rows.Scan(&d.TaskID, &d.Attempt, &d.AgentID, &params, &d.Score, &rejected, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}

		if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		if rejected != "" {
			if err := json.Unmarshal([]byte(rejected), &d.Rejected); err != nil {
				return nil, fmt.Errorf("unmarshal rejected: %w", err)
			}
		}
		if d.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}

		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
