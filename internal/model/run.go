package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a processing run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer change status.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunError is one entry in a run's error log.
type RunError struct {
	At      time.Time `json:"at"`
	Page    int       `json:"page"`
	Message string    `json:"message"`
}

// ProcessingRun tracks one classification execution: progress counters,
// the resumable page cursor, and an error log. Mutated only by the
// batch coordinator; terminal once completed or failed.
type ProcessingRun struct {
	ID        string
	Principal string
	Status    RunStatus

	Total     int // items the run intends to process (0 = until exhausted)
	Processed int // items fetched and classified
	Generated int // suggestions persisted
	Applied   int // suggestions applied remotely

	Folder string
	Cursor string // opaque page token; empty means start of mailbox

	Errors []RunError

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewProcessingRun creates a pending run for the given principal.
func NewProcessingRun(principal, folder string, total int) ProcessingRun {
	return ProcessingRun{
		ID:        uuid.New().String(),
		Principal: principal,
		Status:    RunPending,
		Total:     total,
		Folder:    folder,
		CreatedAt: time.Now().UTC(),
	}
}

// RecordError appends a page failure to the run's error log.
func (r *ProcessingRun) RecordError(page int, msg string) {
	r.Errors = append(r.Errors, RunError{
		At:      time.Now().UTC(),
		Page:    page,
		Message: msg,
	})
}
