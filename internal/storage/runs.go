package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// RunFilter selects workflow runs; zero fields match everything
type RunFilter struct {
	Workflow string
	Statuses []model.RunStatus
	Limit    int
	Offset   int
}

// CreateRun stores a new run. A run whose trigger key already exists is
// rejected with model.ErrDuplicateTrigger, which is what keeps a cron instant
// from firing twice.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	data, err := encode(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow, status, trigger_key, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Workflow,
		string(run.Status),
		run.TriggerKey,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
		data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trigger %s: %w", run.TriggerKey, model.ErrDuplicateTrigger)
		}
		return fmt.Errorf("failed to store workflow run: %w", err)
	}
	return nil
}

// SaveRun overwrites an existing run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.WorkflowRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(run.Status),
		run.UpdatedAt.UnixNano(),
		data,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return &model.NotFoundError{Kind: "run", Name: run.ID}
	}
	return nil
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM workflow_runs WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "run", Name: id}
		}
		return nil, fmt.Errorf("failed to load workflow run: %w", err)
	}
	run := &model.WorkflowRun{}
	if err := decode(data, run); err != nil {
		return nil, err
	}
	return run, nil
}

// QueryRuns returns the runs matching f, oldest first.
func (s *SQLiteStore) QueryRuns(ctx context.Context, f RunFilter) ([]*model.WorkflowRun, error) {
	var q queryBuilder
	if f.Workflow != "" {
		q.where("workflow = ?", f.Workflow)
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	q.in("status", statuses)
	query, args := q.build("SELECT data FROM workflow_runs", "created_at, rowid", f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow runs: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		run := &model.WorkflowRun{}
		if err := decode(data, run); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
