package model

import "time"

// AuditOp is the kind of remote mutation an audit entry records.
type AuditOp string

const (
	AuditAddLabel    AuditOp = "add_label"
	AuditRemoveLabel AuditOp = "remove_label"
)

// AuditEntry records an intended remote mutation. It is written before
// the remote call and marked synced only after the matching local
// suggestion update commits. An entry that stays unsynced after a
// successful remote call is the detectable local/remote drift that the
// reconciliation engine repairs.
type AuditEntry struct {
	ID           int64
	RunID        string
	SuggestionID int64
	Op           AuditOp
	ItemID       string
	Label        string
	AttemptedAt  time.Time
	Success      bool
	Synced       bool
	ErrorMessage string
}
