// Package reconcile applies approved suggestions to the remote mailbox
// and repairs local/remote drift afterwards. Every remote mutation is
// preceded by an audit entry, so an interrupted apply leaves a trace
// that reconciliation can resolve against the remote's actual state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mail-classifier/internal/mailbox"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/quota"
	"github.com/nhle/mail-classifier/internal/store"
)

// Engine applies approved suggestions and reconciles unsynced audit
// entries.
type Engine struct {
	store  store.Store
	guard  *quota.Guard
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(s store.Store, g *quota.Guard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, guard: g, logger: logger}
}

// ApplyResult summarizes one apply pass.
type ApplyResult struct {
	Applied int
	Failed  int
}

// Apply pushes every approved suggestion of the run to the remote
// mailbox. For each one: write the audit entry, make the remote call,
// record its outcome, then commit suggestion and audit entry together.
// A failure on one suggestion does not stop the rest.
func (e *Engine) Apply(ctx context.Context, conn mailbox.Conn, runID string) (*ApplyResult, error) {
	approved := model.SuggestionApproved
	suggestions, err := e.store.GetSuggestions(ctx, store.SuggestionFilter{
		RunID:  runID,
		Status: &approved,
	})
	if err != nil {
		return nil, fmt.Errorf("loading approved suggestions for run %s: %w", runID, err)
	}

	result := &ApplyResult{}
	for _, s := range suggestions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.applyOne(ctx, conn, s); err != nil {
			e.logger.Warn("applying suggestion failed",
				"run", runID, "suggestion", s.ID, "item", s.ItemID, "error", err)
			result.Failed++
			continue
		}
		result.Applied++
	}

	e.bumpApplied(ctx, runID, result.Applied)

	e.logger.Info("apply pass finished",
		"run", runID, "applied", result.Applied, "failed", result.Failed)
	return result, nil
}

// bumpApplied adds n to the run's applied counter. Best effort: the
// suggestion rows are the source of truth, the counter is a summary.
func (e *Engine) bumpApplied(ctx context.Context, runID string, n int) {
	if n == 0 {
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Warn("loading run for applied count failed", "run", runID, "error", err)
		return
	}
	run.Applied += n
	if err := e.store.SaveRun(ctx, *run); err != nil {
		e.logger.Warn("updating applied count failed", "run", runID, "error", err)
	}
}

// applyOne performs the audited remote-then-local write pair for one
// suggestion.
func (e *Engine) applyOne(ctx context.Context, conn mailbox.Conn, s model.Suggestion) error {
	label := s.BestLabel()
	if label == nil {
		return fmt.Errorf("suggestion %d has no label", s.ID)
	}

	// The intent is durable before the remote call: if we crash after
	// the mutation, the unsynced entry marks the drift.
	auditID, err := e.store.AppendAuditEntry(ctx, model.AuditEntry{
		RunID:        s.RunID,
		SuggestionID: s.ID,
		Op:           model.AuditAddLabel,
		ItemID:       s.ItemID,
		Label:        label.Name,
		AttemptedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}

	if err := e.guard.Wait(ctx, quota.ScopeMailbox); err != nil {
		return err
	}
	if err := conn.MutateLabel(ctx, s.ItemID, label.Name, true); err != nil {
		if markErr := e.store.MarkAuditResult(ctx, auditID, false, err.Error()); markErr != nil {
			e.logger.Error("recording audit failure failed", "audit", auditID, "error", markErr)
		}
		return fmt.Errorf("mutating remote label: %w", err)
	}

	if err := e.store.MarkAuditResult(ctx, auditID, true, ""); err != nil {
		return fmt.Errorf("recording audit success: %w", err)
	}

	// One transaction: suggestion applied + audit entry synced.
	if err := e.store.MarkApplied(ctx, auditID, s.ID); err != nil {
		return fmt.Errorf("committing applied state: %w", err)
	}

	return nil
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Examined  int
	Repaired  int // local state caught up to a mutation the remote has
	Discarded int // entry closed without a local repair
}

// Reconcile resolves every unsynced audit entry of the run (or of all
// runs when runID is empty) against the remote's authoritative state.
// The remote is read, never re-mutated: if the label is present the
// local suggestion is caught up, otherwise the entry is closed and the
// suggestion stays approved for a future apply pass. Running it twice
// is a no-op the second time.
func (e *Engine) Reconcile(ctx context.Context, conn mailbox.Conn, runID string) (*ReconcileResult, error) {
	entries, err := e.store.UnsyncedAuditEntries(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading unsynced audit entries: %w", err)
	}

	result := &ReconcileResult{Examined: len(entries)}
	repairedPerRun := make(map[string]int)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := e.guard.Wait(ctx, quota.ScopeMailbox); err != nil {
			return result, err
		}
		labels, err := conn.FetchItemLabels(ctx, entry.ItemID)
		if err != nil {
			e.logger.Warn("reading remote labels failed",
				"audit", entry.ID, "item", entry.ItemID, "error", err)
			continue
		}

		if hasLabel(labels, entry.Label) {
			// The mutation landed remotely; only the local commit is
			// missing.
			err := e.store.MarkApplied(ctx, entry.ID, entry.SuggestionID)
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				// The suggestion already reached applied, usually
				// through a later retry. Local and remote agree, so
				// only the entry itself needs closing.
				if err := e.store.MarkAuditSynced(ctx, entry.ID); err != nil {
					e.logger.Warn("closing audit entry failed", "audit", entry.ID, "error", err)
					continue
				}
				result.Discarded++
				continue
			}
			if err != nil {
				e.logger.Warn("catching up local state failed",
					"audit", entry.ID, "suggestion", entry.SuggestionID, "error", err)
				continue
			}
			result.Repaired++
			repairedPerRun[entry.RunID]++
		} else {
			if err := e.store.MarkAuditSynced(ctx, entry.ID); err != nil {
				e.logger.Warn("closing audit entry failed", "audit", entry.ID, "error", err)
				continue
			}
			result.Discarded++
		}
	}

	for id, n := range repairedPerRun {
		e.bumpApplied(ctx, id, n)
	}

	e.logger.Info("reconcile pass finished",
		"run", runID, "examined", result.Examined,
		"repaired", result.Repaired, "discarded", result.Discarded)
	return result, nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
