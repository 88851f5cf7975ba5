package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-classifier/internal/model"
)

// AppendAuditEntry writes an intended remote mutation to the audit log
// and returns the new entry's ID. Called before the remote call is
// issued.
func (s *SQLiteStore) AppendAuditEntry(
	ctx context.Context,
	entry model.AuditEntry,
) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			run_id, suggestion_id, op, item_id, label,
			attempted_at, success, synced, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.SuggestionID, string(entry.Op), entry.ItemID, entry.Label,
		entry.AttemptedAt.UTC(), boolToInt(entry.Success), boolToInt(entry.Synced),
		entry.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("appending audit entry for item %s: %w", entry.ItemID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading audit entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing audit entry: %w", err)
	}
	return id, nil
}

// MarkAuditResult records the outcome of the remote call for an audit
// entry. A failed remote call is recorded with its error message; the
// entry stays unsynced either way until the local suggestion update
// commits.
func (s *SQLiteStore) MarkAuditResult(
	ctx context.Context,
	id int64,
	success bool,
	errMsg string,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE audit_log SET success = ?, error_message = ? WHERE id = ?",
		boolToInt(success), errMsg, id,
	); err != nil {
		return fmt.Errorf("marking audit entry %d result: %w", id, err)
	}

	return tx.Commit()
}

// MarkApplied sets the suggestion to applied and the audit entry to
// synced inside one transaction. If this transaction fails after the
// remote mutation already succeeded, the entry remains unsynced and
// the drift is picked up by the next reconciliation pass.
func (s *SQLiteStore) MarkApplied(ctx context.Context, auditID, suggestionID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.GetContext(ctx, &current,
		"SELECT status FROM suggestions WHERE id = ?", suggestionID,
	); err != nil {
		return fmt.Errorf("reading suggestion %d status: %w", suggestionID, err)
	}

	if err := model.CheckTransition(
		model.SuggestionStatus(current), model.SuggestionApplied,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE suggestions SET status = ? WHERE id = ?",
		string(model.SuggestionApplied), suggestionID,
	); err != nil {
		return fmt.Errorf("updating suggestion %d status: %w", suggestionID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE audit_log SET synced = 1 WHERE id = ?", auditID,
	); err != nil {
		return fmt.Errorf("marking audit entry %d synced: %w", auditID, err)
	}

	return tx.Commit()
}

// MarkAuditSynced marks a single audit entry as synced without
// touching the suggestion. Used by reconciliation when the remote
// state shows no repair is needed.
func (s *SQLiteStore) MarkAuditSynced(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE audit_log SET synced = 1 WHERE id = ?", id,
	); err != nil {
		return fmt.Errorf("marking audit entry %d synced: %w", id, err)
	}

	return tx.Commit()
}

// UnsyncedAuditEntries returns audit entries whose local bookkeeping
// never committed, oldest first. An empty runID selects all runs.
func (s *SQLiteStore) UnsyncedAuditEntries(
	ctx context.Context,
	runID string,
) ([]model.AuditEntry, error) {
	query := "SELECT * FROM audit_log WHERE synced = 0"
	var args []interface{}
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unsynced audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// scanAuditEntry scans an audit log row from a sqlx.Rows result set.
func scanAuditEntry(rows *sqlx.Rows) (model.AuditEntry, error) {
	var (
		entry       model.AuditEntry
		op          string
		attemptedAt time.Time
		success     int
		synced      int
	)

	err := rows.Scan(
		&entry.ID, &entry.RunID, &entry.SuggestionID, &op, &entry.ItemID,
		&entry.Label, &attemptedAt, &success, &synced, &entry.ErrorMessage,
	)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("scanning audit row: %w", err)
	}

	entry.Op = model.AuditOp(op)
	entry.AttemptedAt = attemptedAt
	entry.Success = success != 0
	entry.Synced = synced != 0

	return entry, nil
}
