package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"overlay/internal/logging"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusAbandoned = "abandoned"
)

// Run is one replay session of a workflow.
type Run struct {
	ID         string
	WorkflowID string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}

// RunStep records how one step resolved during a run. AIConfidence is
// set only for AI-healed resolutions; Reason carries the failure detail
// for failed ones.
type RunStep struct {
	RunID        string
	StepOrder    int
	Resolution   string
	Score        float64
	AIConfidence *float64
	DurationMs   int64
	Reason       string
}

// StartRun opens a run record and returns its id.
func (s *LocalStore) StartRun(workflowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO runs (id, workflow_id, started_at, status) VALUES (?, ?, ?, ?)",
		id, workflowID, time.Now().UTC(), RunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	logging.Store("started run %s for workflow %s", id, workflowID)
	return id, nil
}

// FinishRun closes a run with a final status.
func (s *LocalStore) FinishRun(runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE runs SET finished_at = ?, status = ? WHERE id = ?",
		time.Now().UTC(), status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.Store("run %s finished: %s", runID, status)
	return nil
}

// RecordRunStep upserts the resolution outcome for one step of a run.
// A re-resolve after navigation overwrites the earlier outcome for the
// same step; history keeps the final word.
func (s *LocalStore) RecordRunStep(rs RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conf sql.NullFloat64
	if rs.AIConfidence != nil {
		conf = sql.NullFloat64{Float64: *rs.AIConfidence, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO run_steps (run_id, step_order, resolution, score, ai_confidence, duration_ms, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_order) DO UPDATE SET
			resolution = excluded.resolution,
			score = excluded.score,
			ai_confidence = excluded.ai_confidence,
			duration_ms = excluded.duration_ms,
			reason = excluded.reason,
			recorded_at = excluded.recorded_at`,
		rs.RunID, rs.StepOrder, rs.Resolution, rs.Score, conf, rs.DurationMs, rs.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record run step: %w", err)
	}
	return nil
}

// RunHistory returns the most recent runs for a workflow, newest first.
func (s *LocalStore) RunHistory(workflowID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, workflow_id, started_at, finished_at, status
		FROM runs WHERE workflow_id = ? ORDER BY started_at DESC LIMIT ?`,
		workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load run history: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.StartedAt, &finished, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunSteps returns the per-step outcomes of a run in step order.
func (s *LocalStore) RunSteps(runID string) ([]RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT run_id, step_order, resolution, score, ai_confidence, duration_ms, reason
		FROM run_steps WHERE run_id = ? ORDER BY step_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run steps: %w", err)
	}
	defer rows.Close()

	var out []RunStep
	for rows.Next() {
		var (
			rs   RunStep
			conf sql.NullFloat64
		)
		if err := rows.Scan(&rs.RunID, &rs.StepOrder, &rs.Resolution, &rs.Score, &conf, &rs.DurationMs, &rs.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		if conf.Valid {
			c := conf.Float64
			rs.AIConfidence = &c
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
