package state

import (
	"database/sql"
	"fmt"
	"time"

	"relay/pkg/models"
)

// Metric storage. Records are append-only and never edited; the learning
// loop and policy engine only ever read aggregates.

// InsertMetric appends one metric record.
func (db *DB) InsertMetric(m *models.MetricRecord) error {
	success := 0
	if m.Success {
		success = 1
	}

	_, err := db.Exec(`
		INSERT INTO metrics (task_id, attempt, kind, agent_id, success, cost, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.TaskID, m.Attempt, m.Kind, m.AgentID, success, m.Cost, m.LatencyMS, formatTime(m.RecordedAt))
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// MetricSummary is the aggregate view of (kind, agent) history consumed by
// the policy engine and the learning loop.
type MetricSummary struct {
	// Kind is the task kind.
	Kind string
	// AgentID is the agent.
	AgentID string
	// SuccessRate is successes / count, in [0, 1].
	SuccessRate float64
	// AvgCost is the mean attempt cost.
	AvgCost float64
	// AvgLatencyMS is the mean attempt latency in milliseconds.
	AvgLatencyMS float64
	// Count is the number of records in the window.
	Count int
	// LastSuccess is when the most recent successful attempt was recorded.
	// Zero if the agent has never succeeded for this kind.
	LastSuccess time.Time
}

// Summarize aggregates metric records for one (kind, agent) pair within the
// window ending now. A zero count means cold start; callers fall back to
// configured priors.
func (db *DB) Summarize(kind, agentID string, window time.Duration) (*MetricSummary, error) {
	cutoff := formatTime(time.Now().Add(-window))

	row := db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(AVG(success), 0),
		       COALESCE(AVG(cost), 0),
		       COALESCE(AVG(latency_ms), 0),
		       MAX(CASE WHEN success = 1 THEN recorded_at END)
		FROM metrics
		WHERE kind = ? AND agent_id = ? AND recorded_at >= ?
	`, kind, agentID, cutoff)

	s := &MetricSummary{Kind: kind, AgentID: agentID}
	var lastSuccess sql.NullString
	if err := row.Scan(&s.Count, &s.SuccessRate, &s.AvgCost, &s.AvgLatencyMS, &lastSuccess); err != nil {
		return nil, fmt.Errorf("summarize metrics: %w", err)
	}

	if t := parseNullableTime(lastSuccess); t != nil {
		s.LastSuccess = *t
	}

	return s, nil
}

// CountMetricsSince returns the number of records appended after the cutoff.
// Used by the learning loop to decide whether enough new data arrived.
func (db *DB) CountMetricsSince(cutoff time.Time) (int, error) {
	var count int
	row := db.QueryRow(`SELECT COUNT(*) FROM metrics WHERE recorded_at >= ?`, formatTime(cutoff))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return count, nil
}

// ListKindAgentPairs returns every (kind, agent) pair seen in the window.
func (db *DB) ListKindAgentPairs(window time.Duration) ([][2]string, error) {
	cutoff := formatTime(time.Now().Add(-window))

	rows, err := db.Query(`
		SELECT DISTINCT kind, agent_id FROM metrics WHERE recorded_at >= ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list kind/agent pairs: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var kind, agent string
		if err := rows.Scan(&kind, &agent); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		pairs = append(pairs, [2]string{kind, agent})
	}
	return pairs, rows.Err()
}
