package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/model"
)

// SQLiteStore persists definitions, instances, runs, health records, dead
// letters, trigger state and alerts in one SQLite database. Every row keeps
// the full entity as JSON in a data column; the other columns exist for
// filtering and conditional updates.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(logger *zap.Logger, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection serializes writers, which is what conditional updates rely on
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_definitions (
			name TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			seq INTEGER NOT NULL,
			handler TEXT NOT NULL,
			disabled INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_task_definitions_workflow ON task_definitions(workflow, seq);

		CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			workflow TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			scheduled_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_task_instances_run_task ON task_instances(run_id, task_name) WHERE run_id <> '';
		CREATE INDEX IF NOT EXISTS idx_task_instances_state ON task_instances(state);
		CREATE INDEX IF NOT EXISTS idx_task_instances_task ON task_instances(task_name);
		CREATE INDEX IF NOT EXISTS idx_task_instances_updated_at ON task_instances(updated_at);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_key TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow, created_at);

		CREATE TABLE IF NOT EXISTS service_health (
			service TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL UNIQUE,
			task_name TEXT NOT NULL,
			workflow TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			replayed_at INTEGER,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cron_triggers (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			resolved_at INTEGER,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DeleteBefore removes terminal instances and runs, and resolved alerts, last
// updated before the given time. Instances of runs still in progress are kept
// whatever their age, since run evaluation reads them. Dead letters are kept
// until replayed.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var total int64

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{
			query: fmt.Sprintf(`DELETE FROM task_instances WHERE updated_at < ? AND state IN (%s)
				AND run_id NOT IN (SELECT id FROM workflow_runs WHERE status IN (%s))`, placeholders(4), placeholders(2)),
			args: []interface{}{cutoff, string(model.TaskStateSucceeded), string(model.TaskStateDeadLettered),
				string(model.TaskStateSkipped), string(model.TaskStateAborted),
				string(model.RunStatusCreated), string(model.RunStatusRunning)},
		},
		{
			query: fmt.Sprintf("DELETE FROM workflow_runs WHERE updated_at < ? AND status IN (%s)", placeholders(3)),
			args: []interface{}{cutoff, string(model.RunStatusCompleted), string(model.RunStatusFailed),
				string(model.RunStatusAborted)},
		},
		{
			query: "DELETE FROM dead_letters WHERE replayed_at IS NOT NULL AND replayed_at < ?",
			args:  []interface{}{cutoff},
		},
		{
			query: "DELETE FROM alerts WHERE resolved_at IS NOT NULL AND resolved_at < ?",
			args:  []interface{}{cutoff},
		},
	}
	for _, st := range stmts {
		result, err := s.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return total, fmt.Errorf("failed to delete old records: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get affected rows: %w", err)
		}
		total += affected
	}

	s.logger.Info("Deleted old records",
		zap.Time("before", before),
		zap.Int64("deleted", total))
	return total, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(data), nil
}

func decode(data string, v interface{}) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// queryBuilder collects AND-ed conditions for a SELECT.
type queryBuilder struct {
	conds []string
	args  []interface{}
}

func (q *queryBuilder) where(cond string, args ...interface{}) {
	q.conds = append(q.conds, cond)
	q.args = append(q.args, args...)
}

func (q *queryBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	q.where(fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))), args...)
}

func (q *queryBuilder) build(base, order string, limit, offset int) (string, []interface{}) {
	query := base
	if len(q.conds) > 0 {
		query += " WHERE " + strings.Join(q.conds, " AND ")
	}
	query += " ORDER BY " + order
	args := q.args
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return query, args
}
