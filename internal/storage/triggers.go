package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// SaveTrigger upserts the evaluation state of a time trigger.
func (s *SQLiteStore) SaveTrigger(ctx context.Context, sched *model.CronSchedule) error {
	data, err := encode(sched)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_triggers (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		sched.ID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to store trigger: %w", err)
	}
	return nil
}

// GetTrigger loads the state of a time trigger.
func (s *SQLiteStore) GetTrigger(ctx context.Context, id string) (*model.CronSchedule, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM cron_triggers WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "trigger", Name: id}
		}
		return nil, fmt.Errorf("failed to load trigger: %w", err)
	}
	sched := &model.CronSchedule{}
	if err := decode(data, sched); err != nil {
		return nil, err
	}
	return sched, nil
}
