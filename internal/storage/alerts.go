package storage

import (
	"context"
	"fmt"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// SaveAlert upserts an alert; resolving an alert saves it again.
func (s *SQLiteStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	data, err := encode(alert)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, target, created_at, resolved_at, data) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET resolved_at = excluded.resolved_at, data = excluded.data`,
		alert.ID,
		alert.RuleID,
		alert.Target,
		alert.CreatedAt.UnixNano(),
		nullNanos(alert.ResolvedAt),
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recent alerts first; activeOnly skips resolved ones.
func (s *SQLiteStore) ListAlerts(ctx context.Context, activeOnly bool, limit int) ([]*model.Alert, error) {
	var q queryBuilder
	if activeOnly {
		q.where("resolved_at IS NULL")
	}
	query, args := q.build("SELECT data FROM alerts", "created_at DESC", limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*model.Alert
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert := &model.Alert{}
		if err := decode(data, alert); err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
