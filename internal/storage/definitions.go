package storage

import (
	"context"
	"fmt"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// workflowRecord is the workflow row without its tasks, which live in task_definitions.
type workflowRecord struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	FailFast    bool   `json:"fail_fast,omitempty"`
}

// SaveWorkflow upserts a workflow and all of its task definitions in one transaction.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	data, err := encode(workflowRecord{Name: wf.Name, Description: wf.Description, FailFast: wf.FailFast})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (name, data) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data`,
		wf.Name, data,
	); err != nil {
		return fmt.Errorf("failed to store workflow: %w", err)
	}

	names := make([]interface{}, 0, len(wf.Tasks)+1)
	names = append(names, wf.Name)
	for _, d := range wf.Tasks {
		names = append(names, d.Name)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_definitions WHERE workflow = ? AND name NOT IN (`+placeholders(len(wf.Tasks))+`)`,
		names...,
	); err != nil {
		return fmt.Errorf("failed to prune task definitions of %s: %w", wf.Name, err)
	}

	for _, d := range wf.Tasks {
		data, err := encode(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_definitions (name, workflow, seq, handler, disabled, data)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				workflow = excluded.workflow,
				seq = excluded.seq,
				handler = excluded.handler,
				disabled = excluded.disabled,
				data = excluded.data`,
			d.Name, d.Workflow, d.Seq, d.Handler, d.Disabled, data,
		); err != nil {
			return fmt.Errorf("failed to store task definition %s: %w", d.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow %s: %w", wf.Name, err)
	}
	return nil
}

// ListWorkflows returns every stored workflow with its tasks, both in registration order.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.data FROM workflows w
		ORDER BY (SELECT MIN(d.seq) FROM task_definitions d WHERE d.workflow = w.name), w.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*model.WorkflowDefinition
	byName := map[string]*model.WorkflowDefinition{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var rec workflowRecord
		if err := decode(data, &rec); err != nil {
			return nil, err
		}
		wf := &model.WorkflowDefinition{Name: rec.Name, Description: rec.Description, FailFast: rec.FailFast}
		workflows = append(workflows, wf)
		byName[wf.Name] = wf
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	defs, err := s.ListDefinitions(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if wf, ok := byName[d.Workflow]; ok {
			wf.Tasks = append(wf.Tasks, d)
		}
	}
	return workflows, nil
}

// ListDefinitions returns stored task definitions in registration order,
// optionally restricted to one workflow.
func (s *SQLiteStore) ListDefinitions(ctx context.Context, workflow string) ([]*model.TaskDefinition, error) {
	var q queryBuilder
	if workflow != "" {
		q.where("workflow = ?", workflow)
	}
	query, args := q.build("SELECT data FROM task_definitions", "seq", 0, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.TaskDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task definition: %w", err)
		}
		d := &model.TaskDefinition{}
		if err := decode(data, d); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return defs, nil
}
