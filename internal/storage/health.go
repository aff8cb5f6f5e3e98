package storage

import (
	"context"
	"fmt"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// SaveHealth upserts the health record of a service.
func (s *SQLiteStore) SaveHealth(ctx context.Context, rec *model.HealthRecord) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_health (service, status, updated_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		rec.Service,
		string(rec.Status),
		rec.UpdatedAt.UnixNano(),
		data,
	)
	if err != nil {
		return fmt.Errorf("failed to store health record: %w", err)
	}
	return nil
}

// ListHealth returns every stored health record ordered by service.
func (s *SQLiteStore) ListHealth(ctx context.Context) ([]*model.HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM service_health ORDER BY service")
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	defer rows.Close()

	var out []*model.HealthRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		rec := &model.HealthRecord{}
		if err := decode(data, rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
