package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-classifier/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveRun inserts a new processing run or updates an existing one in
// place. The update never replaces the row, so suggestion and audit
// rows hanging off the run are untouched.
func (s *SQLiteStore) SaveRun(ctx context.Context, run model.ProcessingRun) error {
	errorLog, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshaling error log for run %s: %w", run.ID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var completedAt interface{}
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_runs (
			id, principal, status,
			total, processed, generated, applied,
			folder, cursor, error_log,
			created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			processed = excluded.processed,
			generated = excluded.generated,
			applied = excluded.applied,
			cursor = excluded.cursor,
			error_log = excluded.error_log,
			completed_at = excluded.completed_at`,
		run.ID, run.Principal, string(run.Status),
		run.Total, run.Processed, run.Generated, run.Applied,
		run.Folder, run.Cursor, string(errorLog),
		run.CreatedAt.UTC(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	return tx.Commit()
}

// GetRun retrieves a single processing run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ProcessingRun, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM processing_runs WHERE id = ?", id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying run %s: %w", id, err)
		}
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves processing runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ProcessingRun, error) {
	var conditions []string
	var args []interface{}

	if filter.Principal != nil {
		conditions = append(conditions, "principal = ?")
		args = append(args, *filter.Principal)
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT * FROM processing_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []model.ProcessingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// CleanupRuns deletes runs created before the cutoff. Suggestions and
// audit entries follow via cascade. Returns the number of runs removed.
func (s *SQLiteStore) CleanupRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM processing_runs WHERE created_at < ?", olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old runs: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted runs: %w", err)
	}

	return deleted, tx.Commit()
}

// scanRun scans a processing run row from a sqlx.Rows result set.
func scanRun(rows *sqlx.Rows) (model.ProcessingRun, error) {
	var (
		run         model.ProcessingRun
		status      string
		errorLog    string
		createdAt   time.Time
		completedAt sql.NullTime
	)

	err := rows.Scan(
		&run.ID, &run.Principal, &status,
		&run.Total, &run.Processed, &run.Generated, &run.Applied,
		&run.Folder, &run.Cursor, &errorLog,
		&createdAt, &completedAt,
	)
	if err != nil {
		return model.ProcessingRun{}, fmt.Errorf("scanning run row: %w", err)
	}

	run.Status = model.RunStatus(status)
	run.CreatedAt = createdAt
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	if errorLog != "" {
		if err := json.Unmarshal([]byte(errorLog), &run.Errors); err != nil {
			return model.ProcessingRun{}, fmt.Errorf("unmarshaling error log: %w", err)
		}
	}

	return run, nil
}
