package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// InstanceFilter selects task instances; zero fields match everything
type InstanceFilter struct {
	RunID    string
	TaskName string
	Workflow string
	States   []model.TaskState
	Limit    int
	Offset   int
}

// CreateInstance stores a new instance at version 1. A second instance for
// the same task in the same run is rejected with model.ErrConflict.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *model.TaskInstance) error {
	return insertInstance(ctx, s.db, inst)
}

func insertInstance(ctx context.Context, ex execer, inst *model.TaskInstance) error {
	inst.Version = 1
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = time.Now()
	}
	data, err := encode(inst)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO task_instances (
			id, task_name, workflow, run_id, state, version, scheduled_at, updated_at, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.TaskName,
		inst.Workflow,
		inst.RunID,
		string(inst.State),
		inst.Version,
		inst.ScheduledAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
		data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance of %s in run %s: %w", inst.TaskName, inst.RunID, model.ErrConflict)
		}
		return fmt.Errorf("failed to store task instance: %w", err)
	}
	return nil
}

// UpdateInstance writes inst if the stored version still equals inst.Version,
// then bumps inst.Version. A lost race returns model.ErrConflict and leaves
// inst.Version untouched.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *model.TaskInstance) error {
	expected := inst.Version
	inst.Version = expected + 1
	data, err := encode(inst)
	if err != nil {
		inst.Version = expected
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE task_instances SET
			state = ?,
			version = ?,
			updated_at = ?,
			data = ?
		WHERE id = ? AND version = ?`,
		string(inst.State),
		inst.Version,
		inst.UpdatedAt.UnixNano(),
		data,
		inst.ID,
		expected,
	)
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("failed to update task instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		inst.Version = expected
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		inst.Version = expected
		return fmt.Errorf("instance %s at version %d: %w", inst.ID, expected, model.ErrConflict)
	}
	return nil
}

// GetInstance loads one instance.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*model.TaskInstance, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM task_instances WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "instance", Name: id}
		}
		return nil, fmt.Errorf("failed to load task instance: %w", err)
	}
	inst := &model.TaskInstance{}
	if err := decode(data, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// QueryInstances returns the instances matching f, oldest scheduled first.
func (s *SQLiteStore) QueryInstances(ctx context.Context, f InstanceFilter) ([]*model.TaskInstance, error) {
	var q queryBuilder
	if f.RunID != "" {
		q.where("run_id = ?", f.RunID)
	}
	if f.TaskName != "" {
		q.where("task_name = ?", f.TaskName)
	}
	if f.Workflow != "" {
		q.where("workflow = ?", f.Workflow)
	}
	states := make([]string, len(f.States))
	for i, st := range f.States {
		states[i] = string(st)
	}
	q.in("state", states)
	query, args := q.build("SELECT data FROM task_instances", "scheduled_at, rowid", f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task instances: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskInstance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task instance: %w", err)
		}
		inst := &model.TaskInstance{}
		if err := decode(data, inst); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
