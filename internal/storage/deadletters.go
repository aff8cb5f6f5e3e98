package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// DeadLetterFilter selects dead-letter entries
type DeadLetterFilter struct {
	Unreplayed bool
	TaskName   string
	Limit      int
	Offset     int
}

// AppendDeadLetter appends an entry. The log holds at most one entry per
// instance; a second append for the same instance returns model.ErrConflict.
func (s *SQLiteStore) AppendDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	data, err := encode(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, instance_id, task_name, workflow, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.InstanceID,
		entry.TaskName,
		entry.Workflow,
		entry.CreatedAt.UnixNano(),
		data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dead letter for instance %s: %w", entry.InstanceID, model.ErrConflict)
		}
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter loads one entry.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return getDeadLetter(ctx, s.db, id)
}

func getDeadLetter(ctx context.Context, ex execer, id string) (*model.DeadLetterEntry, error) {
	var data string
	err := ex.QueryRowContext(ctx, "SELECT data FROM dead_letters WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &model.NotFoundError{Kind: "dead letter", Name: id}
		}
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	entry := &model.DeadLetterEntry{}
	if err := decode(data, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListDeadLetters returns entries in append order.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	var q queryBuilder
	if f.Unreplayed {
		q.where("replayed_at IS NULL")
	}
	if f.TaskName != "" {
		q.where("task_name = ?", f.TaskName)
	}
	query, args := q.build("SELECT data FROM dead_letters", "seq", f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*model.DeadLetterEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		entry := &model.DeadLetterEntry{}
		if err := decode(data, entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// CountDeadLetters returns the number of entries not yet replayed.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters WHERE replayed_at IS NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// MarkReplayed records that the entry was replayed as replayID. An entry can
// be replayed once; a second call returns model.ErrAlreadyReplayed.
func (s *SQLiteStore) MarkReplayed(ctx context.Context, id, replayID string, at time.Time) error {
	return markReplayed(ctx, s.db, id, replayID, at)
}

// ReplayDeadLetter marks the entry replayed and stores inst as its replay in
// one transaction, so an entry is never marked without an instance to show
// for it.
func (s *SQLiteStore) ReplayDeadLetter(ctx context.Context, id string, inst *model.TaskInstance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := markReplayed(ctx, tx, id, inst.ID, inst.CreatedAt); err != nil {
		return err
	}
	if err := insertInstance(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replay of %s: %w", id, err)
	}
	return nil
}

func markReplayed(ctx context.Context, ex execer, id, replayID string, at time.Time) error {
	entry, err := getDeadLetter(ctx, ex, id)
	if err != nil {
		return err
	}
	entry.ReplayedAt = &at
	entry.ReplayInstanceID = replayID
	data, err := encode(entry)
	if err != nil {
		return err
	}

	result, err := ex.ExecContext(ctx, `
		UPDATE dead_letters SET replayed_at = ?, data = ? WHERE id = ? AND replayed_at IS NULL`,
		at.UnixNano(), data, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, model.ErrAlreadyReplayed)
	}
	return nil
}
