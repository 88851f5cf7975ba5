// Package coordinator drives classification runs page by page: fetch a
// bounded page from the mailbox, classify it, persist the suggestions,
// and commit the cursor. A run interrupted mid-page resumes from the
// last committed cursor without double-counting.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nhle/mail-classifier/internal/classify"
	"github.com/nhle/mail-classifier/internal/mailbox"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/quota"
	"github.com/nhle/mail-classifier/internal/store"
)

// Coordinator runs the fetch-classify-persist loop for one principal
// at a time.
type Coordinator struct {
	store      store.Store
	classifier classify.Classifier
	guard      *quota.Guard
	logger     *slog.Logger
	pageSize   int
	cacheTTL   time.Duration
}

// New creates a batch coordinator. The config's page size bounds how
// many items one page fetches and classifies.
func New(
	s store.Store,
	c classify.Classifier,
	g *quota.Guard,
	cfg model.ClassifierConfig,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      s,
		classifier: c,
		guard:      g,
		logger:     logger,
		pageSize:   cfg.PageSize,
		cacheTTL:   cfg.FolderCacheTTL(),
	}
}

// RunOptions configures a new classification run.
type RunOptions struct {
	Principal string
	Folder    string
	Limit     int // 0 means process until the folder is exhausted
}

// Run starts a new classification run over the folder and processes
// it to completion, pause, or failure. The returned run reflects the
// final persisted state.
func (c *Coordinator) Run(
	ctx context.Context,
	conn mailbox.Conn,
	opts RunOptions,
) (*model.ProcessingRun, error) {
	run := model.NewProcessingRun(opts.Principal, opts.Folder, opts.Limit)
	run.Status = model.RunInProgress

	if err := c.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	c.logger.Info("run started",
		"run", run.ID, "principal", opts.Principal, "folder", opts.Folder, "limit", opts.Limit)

	err := c.process(ctx, conn, &run)
	return &run, err
}

// Resume continues an interrupted run from its last committed cursor.
// Pages already committed are not refetched; the page that failed is
// reprocessed in full, and the suggestion upsert keeps items recorded
// during the failed attempt from being counted twice.
func (c *Coordinator) Resume(
	ctx context.Context,
	conn mailbox.Conn,
	runID string,
) (*model.ProcessingRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if run.Status.IsTerminal() {
		return run, fmt.Errorf("run %s is already %s", runID, run.Status)
	}

	run.Status = model.RunInProgress
	if err := c.store.SaveRun(ctx, *run); err != nil {
		return nil, fmt.Errorf("resuming run %s: %w", runID, err)
	}

	c.logger.Info("run resumed", "run", run.ID, "cursor", run.Cursor, "processed", run.Processed)

	err = c.process(ctx, conn, run)
	return run, err
}

// process executes the page loop. The cursor in the run record only
// ever points at the last fully committed page: a failure inside a
// page pauses the run without advancing it.
func (c *Coordinator) process(
	ctx context.Context,
	conn mailbox.Conn,
	run *model.ProcessingRun,
) error {
	labels, err := c.candidateLabels(ctx, conn, run)
	if err != nil {
		return c.pause(ctx, run, 0, err)
	}

	if err := c.guard.Wait(ctx, quota.ScopeMailbox); err != nil {
		return c.pause(ctx, run, 0, err)
	}
	if _, err := conn.SelectFolder(ctx, run.Folder); err != nil {
		return c.pause(ctx, run, 0, err)
	}

	for page := run.Processed/c.pageSize + 1; ; page++ {
		// Cancellation is only honored between pages so a committed
		// page is never half-done.
		if err := ctx.Err(); err != nil {
			return c.pause(ctx, run, page, err)
		}

		size := c.pageSize
		if run.Total > 0 {
			if remaining := run.Total - run.Processed; remaining < size {
				size = remaining
			}
		}
		if size <= 0 {
			return c.complete(ctx, run)
		}

		if err := c.guard.Wait(ctx, quota.ScopeMailbox); err != nil {
			return c.pause(ctx, run, page, err)
		}
		fetched, err := conn.FetchPage(ctx, run.Cursor, size)
		if err != nil {
			return c.pause(ctx, run, page, err)
		}
		if len(fetched.Items) == 0 {
			return c.complete(ctx, run)
		}

		if err := c.guard.Wait(ctx, quota.ScopeClassify); err != nil {
			return c.pause(ctx, run, page, err)
		}
		results, err := c.classifier.Classify(ctx, fetched.Items, labels)
		if err != nil {
			return c.pause(ctx, run, page, err)
		}

		suggestions := buildSuggestions(run.ID, results)
		inserted, err := c.store.SaveSuggestions(ctx, suggestions)
		if err != nil {
			return c.pause(ctx, run, page, err)
		}

		run.Processed += len(fetched.Items)
		run.Generated += int(inserted)
		run.Cursor = fetched.NextCursor
		if err := c.store.SaveRun(ctx, *run); err != nil {
			return c.pause(ctx, run, page, err)
		}

		c.logger.Info("page committed",
			"run", run.ID, "page", page, "items", len(fetched.Items), "new_suggestions", inserted)

		if !fetched.HasMore {
			return c.complete(ctx, run)
		}
	}
}

// buildSuggestions converts classifier results into pending
// suggestions. A result with no label becomes a no_match record so the
// item is never reclassified on resume.
func buildSuggestions(runID string, results []classify.Result) []model.Suggestion {
	now := time.Now().UTC()
	suggestions := make([]model.Suggestion, 0, len(results))
	for _, r := range results {
		s := model.Suggestion{
			RunID:     runID,
			ItemID:    r.ItemID,
			Status:    model.SuggestionPending,
			CreatedAt: now,
		}
		if r.Label == "" {
			s.Status = model.SuggestionNoMatch
		} else {
			s.Labels = []model.SuggestedLabel{{
				Name:       r.Label,
				Confidence: r.Confidence,
				Reasoning:  r.Reasoning,
			}}
		}
		suggestions = append(suggestions, s)
	}
	return suggestions
}

// candidateLabels returns the label taxonomy for the run's principal:
// the account's folders, served from the cache while fresh.
func (c *Coordinator) candidateLabels(
	ctx context.Context,
	conn mailbox.Conn,
	run *model.ProcessingRun,
) ([]string, error) {
	folders, fresh, err := c.store.FolderCache(ctx, run.Principal, c.cacheTTL)
	if err != nil {
		c.logger.Warn("reading folder cache failed", "principal", run.Principal, "error", err)
	}

	if !fresh {
		if err := c.guard.Wait(ctx, quota.ScopeMailbox); err != nil {
			return nil, err
		}
		folders, err = conn.ListFolders(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing folders: %w", err)
		}
		if err := c.store.SaveFolderCache(ctx, run.Principal, folders); err != nil {
			c.logger.Warn("caching folders failed", "principal", run.Principal, "error", err)
		}
	}

	var labels []string
	for _, f := range folders {
		if f.Name == run.Folder || !selectable(f) {
			continue
		}
		// Provider-internal folders are not useful labels.
		if strings.HasPrefix(f.Name, "[") {
			continue
		}
		labels = append(labels, f.Name)
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("no candidate labels for %s", run.Principal)
	}
	return labels, nil
}

func selectable(f model.Folder) bool {
	for _, attr := range f.Attributes {
		if attr == "\\Noselect" {
			return false
		}
	}
	return true
}

// pause records the failure and persists the run without advancing the
// cursor. Recoverable failures leave the run paused for a later resume;
// a credential rejection is permanent and fails the run.
func (c *Coordinator) pause(
	ctx context.Context,
	run *model.ProcessingRun,
	page int,
	cause error,
) error {
	run.RecordError(page, cause.Error())
	run.Status = model.RunPaused
	if mailbox.IsAuthError(cause) {
		run.Status = model.RunFailed
	}

	// Persist with a fresh context so cancellation does not lose the
	// pause record.
	saveCtx := ctx
	if ctx.Err() != nil {
		saveCtx = context.Background()
	}
	if err := c.store.SaveRun(saveCtx, *run); err != nil {
		c.logger.Error("persisting paused run failed", "run", run.ID, "error", err)
	}

	c.logger.Warn("run paused", "run", run.ID, "page", page, "error", cause)
	return fmt.Errorf("run %s paused at page %d: %w", run.ID, page, cause)
}

// complete marks the run terminal and persists it.
func (c *Coordinator) complete(ctx context.Context, run *model.ProcessingRun) error {
	now := time.Now().UTC()
	run.Status = model.RunCompleted
	run.CompletedAt = &now

	if err := c.store.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("completing run %s: %w", run.ID, err)
	}

	c.logger.Info("run completed",
		"run", run.ID, "processed", run.Processed, "suggestions", run.Generated)
	return nil
}
