package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-classifier/internal/model"
)

// SaveSuggestions upserts a batch of suggestions in one transaction.
// The (run_id, item_id) unique constraint makes the write idempotent:
// items already recorded for the run are skipped, so a resumed page
// cannot double-count. Returns the number of rows actually inserted.
func (s *SQLiteStore) SaveSuggestions(
	ctx context.Context,
	suggestions []model.Suggestion,
) (int64, error) {
	if len(suggestions) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO suggestions (run_id, item_id, labels, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, item_id) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing suggestion insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, sg := range suggestions {
		labels, err := json.Marshal(sg.Labels)
		if err != nil {
			return 0, fmt.Errorf("marshaling labels for item %s: %w", sg.ItemID, err)
		}

		res, err := stmt.ExecContext(ctx,
			sg.RunID, sg.ItemID, string(labels), string(sg.Status), sg.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting suggestion for item %s: %w", sg.ItemID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting inserted suggestions: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing suggestions: %w", err)
	}
	return inserted, nil
}

// GetSuggestion retrieves a single suggestion by ID.
func (s *SQLiteStore) GetSuggestion(ctx context.Context, id int64) (*model.Suggestion, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM suggestions WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying suggestion %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying suggestion %d: %w", id, err)
		}
		return nil, fmt.Errorf("suggestion %d: %w", id, ErrNotFound)
	}

	sg, err := scanSuggestion(rows)
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

// GetSuggestions retrieves suggestions matching the filter. The
// (run_id, status) composite index serves the hot path.
func (s *SQLiteStore) GetSuggestions(
	ctx context.Context,
	filter SuggestionFilter,
) ([]model.Suggestion, error) {
	conditions := []string{"run_id = ?"}
	args := []interface{}{filter.RunID}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT * FROM suggestions WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []model.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		suggestions = append(suggestions, sg)
	}

	return suggestions, rows.Err()
}

// UpdateSuggestionStatus moves a suggestion to a new status. The
// current status is read and validated against the state machine
// inside the same transaction as the update, so an illegal transition
// never partially applies.
func (s *SQLiteStore) UpdateSuggestionStatus(
	ctx context.Context,
	id int64,
	to model.SuggestionStatus,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.GetContext(ctx, &current,
		"SELECT status FROM suggestions WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("reading suggestion %d status: %w", id, err)
	}

	if err := model.CheckTransition(model.SuggestionStatus(current), to); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE suggestions SET status = ? WHERE id = ?", string(to), id,
	); err != nil {
		return fmt.Errorf("updating suggestion %d status: %w", id, err)
	}

	return tx.Commit()
}

// scanSuggestion scans a suggestion row from a sqlx.Rows result set.
func scanSuggestion(rows *sqlx.Rows) (model.Suggestion, error) {
	var (
		sg        model.Suggestion
		labels    string
		status    string
		createdAt time.Time
	)

	err := rows.Scan(&sg.ID, &sg.RunID, &sg.ItemID, &labels, &status, &createdAt)
	if err != nil {
		return model.Suggestion{}, fmt.Errorf("scanning suggestion row: %w", err)
	}

	sg.Status = model.SuggestionStatus(status)
	sg.CreatedAt = createdAt

	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &sg.Labels); err != nil {
			return model.Suggestion{}, fmt.Errorf("unmarshaling labels: %w", err)
		}
	}

	return sg, nil
}
