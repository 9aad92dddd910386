package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Both sqlite and postgres accept $N placeholders and ON CONFLICT upserts,
// so a single set of statements serves either driver.
const (
	sqlCreateTable = `CREATE TABLE IF NOT EXISTS batch_tasks (
	id         TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`
	sqlUpsertTask = `INSERT INTO batch_tasks (id, payload, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	sqlDeleteTask = `DELETE FROM batch_tasks WHERE id = $1`
	sqlLoadTasks  = `SELECT payload FROM batch_tasks ORDER BY updated_at`
)

type sqlStore struct {
	db *sql.DB
}

// NewSQLStore opens driver ("sqlite3" or "postgres") with dsn and ensures the
// tasks table exists.
func NewSQLStore(ctx context.Context, driver, dsn string) (TaskStore, error) { //nolint:ireturn
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, sqlCreateTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) SaveTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlUpsertTask, t.ID, string(data), t.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteTask, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadTasks)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			continue
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
