package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"overlay/internal/dom"
	"overlay/internal/logging"
	"overlay/internal/workflow"
)

// SaveWorkflow upserts a workflow and replaces its step list atomically.
// The step list is the source of truth: a save after step deletion removes
// the dropped rows, preserving the remaining (possibly gapped) orders.
func (s *LocalStore) SaveWorkflow(wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO workflows (id, name, description, start_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			start_url = excluded.start_url,
			updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.Description, wf.StartURL, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM steps WHERE workflow_id = ?", wf.ID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO steps (id, workflow_id, step_order, action, descriptor, value, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range wf.Steps {
		var desc sql.NullString
		if st.Descriptor != nil {
			raw, err := json.Marshal(st.Descriptor)
			if err != nil {
				return fmt.Errorf("failed to encode descriptor for step %d: %w", st.Order, err)
			}
			desc = sql.NullString{String: string(raw), Valid: true}
		}
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		if _, err := stmt.Exec(st.ID, wf.ID, st.Order, string(st.Action), desc, st.Value, st.URL, st.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert step %d: %w", st.Order, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}

	logging.Store("saved workflow %q (%d steps)", wf.Name, len(wf.Steps))
	return nil
}

// GetWorkflow loads a workflow with its steps ordered by position.
func (s *LocalStore) GetWorkflow(id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkflowLocked("id = ?", id)
}

// GetWorkflowByName loads a workflow by its unique name.
func (s *LocalStore) GetWorkflowByName(name string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getWorkflowLocked("name = ?", name)
}

func (s *LocalStore) getWorkflowLocked(where string, arg interface{}) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := s.db.QueryRow(
		"SELECT id, name, description, start_url, created_at, updated_at FROM workflows WHERE "+where, arg,
	).Scan(&wf.ID, &wf.Name, &wf.Description, &wf.StartURL, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, step_order, action, descriptor, value, url, created_at
		FROM steps WHERE workflow_id = ? ORDER BY step_order`, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st     workflow.Step
			action string
			desc   sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Order, &action, &desc, &st.Value, &st.URL, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.WorkflowID = wf.ID
		st.Action = workflow.ActionType(action)
		if desc.Valid && desc.String != "" {
			var d dom.ElementDescriptor
			if err := json.Unmarshal([]byte(desc.String), &d); err != nil {
				logging.Get(logging.CategoryStore).Warn("corrupt descriptor on step %d of %s: %v", st.Order, wf.ID, err)
			} else {
				st.Descriptor = &d
			}
		}
		wf.Steps = append(wf.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return &wf, nil
}

// WorkflowSummary is a listing row; steps are not loaded.
type WorkflowSummary struct {
	ID          string
	Name        string
	Description string
	StartURL    string
	StepCount   int
	UpdatedAt   time.Time
}

// ListWorkflows returns all workflows, most recently updated first.
func (s *LocalStore) ListWorkflows() ([]WorkflowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT w.id, w.name, w.description, w.start_url, w.updated_at,
		       (SELECT COUNT(*) FROM steps st WHERE st.workflow_id = w.id)
		FROM workflows w ORDER BY w.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []WorkflowSummary
	for rows.Next() {
		var ws WorkflowSummary
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Description, &ws.StartURL, &ws.UpdatedAt, &ws.StepCount); err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow, its steps, and its run history.
func (s *LocalStore) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	logging.Store("deleted workflow %s", id)
	return nil
}

// DeleteStep removes one step by position. Remaining steps keep their
// orders; gaps are legal and replay skips over them.
func (s *LocalStore) DeleteStep(workflowID string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM steps WHERE workflow_id = ? AND step_order = ?", workflowID, order)
	if err != nil {
		return fmt.Errorf("failed to delete step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.Exec(
		"UPDATE workflows SET updated_at = ? WHERE id = ?", time.Now().UTC(), workflowID); err != nil {
		logging.StoreDebug("failed to touch workflow %s: %v", workflowID, err)
	}
	return nil
}
