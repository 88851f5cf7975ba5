package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nhle/mail-classifier/internal/model"
)

// FolderCache returns the cached folder list for a principal and
// whether it is still fresh. Freshness is decided per read from the
// oldest cached_at against the TTL.
func (s *SQLiteStore) FolderCache(
	ctx context.Context,
	principal string,
	ttl time.Duration,
) ([]model.Folder, bool, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT name, delimiter, attributes, cached_at FROM folder_cache WHERE principal = ? ORDER BY name",
		principal,
	)
	if err != nil {
		return nil, false, fmt.Errorf("querying folder cache: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	oldest := time.Time{}
	for rows.Next() {
		var (
			f        model.Folder
			attrs    string
			cachedAt time.Time
		)
		if err := rows.Scan(&f.Name, &f.Delimiter, &attrs, &cachedAt); err != nil {
			return nil, false, fmt.Errorf("scanning folder cache row: %w", err)
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &f.Attributes); err != nil {
				return nil, false, fmt.Errorf("unmarshaling folder attributes: %w", err)
			}
		}
		if oldest.IsZero() || cachedAt.Before(oldest) {
			oldest = cachedAt
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if len(folders) == 0 {
		return nil, false, nil
	}

	fresh := time.Since(oldest) < ttl
	return folders, fresh, nil
}

// SaveFolderCache replaces the cached folder list for a principal in
// one transaction.
func (s *SQLiteStore) SaveFolderCache(
	ctx context.Context,
	principal string,
	folders []model.Folder,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM folder_cache WHERE principal = ?", principal,
	); err != nil {
		return fmt.Errorf("clearing folder cache: %w", err)
	}

	now := time.Now().UTC()
	for _, f := range folders {
		attrs, err := json.Marshal(f.Attributes)
		if err != nil {
			return fmt.Errorf("marshaling folder attributes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folder_cache (principal, name, delimiter, attributes, cached_at)
			VALUES (?, ?, ?, ?, ?)`,
			principal, f.Name, f.Delimiter, string(attrs), now,
		); err != nil {
			return fmt.Errorf("caching folder %s: %w", f.Name, err)
		}
	}

	return tx.Commit()
}

// UpsertSession inserts or replaces a persisted session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec model.SessionRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			id, principal, state, retry_count, created_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Principal, string(rec.State), rec.RetryCount,
		rec.CreatedAt.UTC(), rec.LastActivity.UTC(),
	); err != nil {
		return fmt.Errorf("upserting session %s: %w", rec.ID, err)
	}

	return tx.Commit()
}

// ListSessions retrieves session records, most recently active first.
// An empty principal selects all principals.
func (s *SQLiteStore) ListSessions(
	ctx context.Context,
	principal string,
) ([]model.SessionRecord, error) {
	query := "SELECT * FROM sessions"
	var args []interface{}
	if principal != "" {
		query += " WHERE principal = ?"
		args = append(args, principal)
	}
	query += " ORDER BY last_activity DESC"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var records []model.SessionRecord
	for rows.Next() {
		var (
			rec   model.SessionRecord
			state string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Principal, &state, &rec.RetryCount,
			&rec.CreatedAt, &rec.LastActivity,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		rec.State = model.SessionState(state)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteSession removes a persisted session record by ID.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}
