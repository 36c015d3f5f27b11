package recipe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 200
)

// SQLiteExecutionRepository implements ExecutionRepository using SQLite.
//
// Runs are journaled in the recipe_executions table with failures stored
// as a JSON array.
type SQLiteExecutionRepository struct {
	db *sql.DB
}

// NewSQLiteExecutionRepository creates a new SQLite execution repository.
func NewSQLiteExecutionRepository(db *sql.DB) *SQLiteExecutionRepository {
	return &SQLiteExecutionRepository{db: db}
}

// RecordStart inserts a new running execution.
func (r *SQLiteExecutionRepository) RecordStart(ctx context.Context, exec Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recipe_executions (id, recipe_name, started_at, status, step_count, failures)
		 VALUES (?, ?, ?, ?, ?, '[]')`,
		exec.ID,
		exec.RecipeName,
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		StatusRunning,
		exec.StepCount,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

// RecordFinish marks an execution finished.
func (r *SQLiteExecutionRepository) RecordFinish(ctx context.Context, id, status string, completedAt time.Time, failures []StepFailure) error {
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if failures == nil {
		failures = []StepFailure{}
	}

	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("marshalling failures: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE recipe_executions
		 SET status = ?, completed_at = ?, failures = ?
		 WHERE id = ?`,
		status,
		completedAt.UTC().Format(time.RFC3339Nano),
		string(failuresJSON),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("execution %s not found", id)
	}

	return nil
}

// GetRecent returns recent executions, newest first. Limit defaults to 50
// and is capped at 200.
func (r *SQLiteExecutionRepository) GetRecent(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipe_name, started_at, completed_at, status, step_count, failures
		 FROM recipe_executions
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	executions := make([]Execution, 0, limit)
	for rows.Next() {
		var exec Execution
		var startedAt string
		var completedAt sql.NullString
		var failuresJSON string

		if err := rows.Scan(&exec.ID, &exec.RecipeName, &startedAt, &completedAt, &exec.Status, &exec.StepCount, &failuresJSON); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}

		exec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}

		if completedAt.Valid {
			ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing completed_at: %w", err)
			}
			exec.CompletedAt = &ts
		}

		if err := json.Unmarshal([]byte(failuresJSON), &exec.Failures); err != nil {
			return nil, fmt.Errorf("unmarshalling failures: %w", err)
		}

		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}

	return executions, nil
}
