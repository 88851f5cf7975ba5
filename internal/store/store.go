package store

import (
	"context"
	"time"

	"github.com/nhle/mail-classifier/internal/model"
)

// RunFilter controls filtering for processing run queries.
type RunFilter struct {
	Principal *string
	Status    *model.RunStatus
	Limit     int
}

// SuggestionFilter controls filtering for suggestion queries.
type SuggestionFilter struct {
	RunID  string
	Status *model.SuggestionStatus
	Limit  int
}

// Store defines the persistence interface for processing runs,
// suggestions, the remote-mutation audit log, cached mailbox metadata,
// and session records. Every write executes inside one transaction;
// a failed write rolls back fully.
type Store interface {
	// === Processing runs ===

	SaveRun(ctx context.Context, run model.ProcessingRun) error
	GetRun(ctx context.Context, id string) (*model.ProcessingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ProcessingRun, error)
	CleanupRuns(ctx context.Context, olderThan time.Time) (int64, error)

	// === Suggestions ===

	// SaveSuggestions upserts a batch keyed by (run_id, item_id);
	// items already recorded for the run are skipped. Returns the
	// number of rows actually inserted.
	SaveSuggestions(ctx context.Context, suggestions []model.Suggestion) (int64, error)
	GetSuggestion(ctx context.Context, id int64) (*model.Suggestion, error)
	GetSuggestions(ctx context.Context, filter SuggestionFilter) ([]model.Suggestion, error)

	// UpdateSuggestionStatus enforces the status state machine inside
	// the update transaction; an illegal transition returns a
	// model.ValidationError and leaves the row unchanged.
	UpdateSuggestionStatus(ctx context.Context, id int64, to model.SuggestionStatus) error

	// === Audit log ===

	AppendAuditEntry(ctx context.Context, entry model.AuditEntry) (int64, error)
	MarkAuditResult(ctx context.Context, id int64, success bool, errMsg string) error

	// MarkApplied sets the suggestion to applied and the audit entry to
	// synced in one transaction. This is the commit that closes the
	// remote-then-local write pair.
	MarkApplied(ctx context.Context, auditID, suggestionID int64) error

	MarkAuditSynced(ctx context.Context, id int64) error
	UnsyncedAuditEntries(ctx context.Context, runID string) ([]model.AuditEntry, error)

	// === Folder cache ===

	// FolderCache returns the cached folder list for a principal and
	// whether it is still fresh under the TTL.
	FolderCache(ctx context.Context, principal string, ttl time.Duration) ([]model.Folder, bool, error)
	SaveFolderCache(ctx context.Context, principal string, folders []model.Folder) error

	// === Session records ===

	UpsertSession(ctx context.Context, rec model.SessionRecord) error
	ListSessions(ctx context.Context, principal string) ([]model.SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	Close() error
}
