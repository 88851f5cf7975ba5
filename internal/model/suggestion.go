package model

import (
	"fmt"
	"time"
)

// SuggestionStatus is the lifecycle status of a classification suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionApplied  SuggestionStatus = "applied"
	SuggestionNoMatch  SuggestionStatus = "no_match"
)

// legalTransitions holds the allowed status transitions. Everything
// else is rejected. rejected, applied, and no_match are terminal.
var legalTransitions = map[SuggestionStatus][]SuggestionStatus{
	SuggestionPending:  {SuggestionApproved, SuggestionRejected, SuggestionNoMatch},
	SuggestionApproved: {SuggestionApplied},
}

// ValidationError reports a locally rejected operation, such as an
// illegal status transition. The target is left unchanged.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to SuggestionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a ValidationError if the transition is illegal.
func CheckTransition(from, to SuggestionStatus) error {
	if !CanTransition(from, to) {
		return &ValidationError{
			Message: fmt.Sprintf("invalid suggestion transition %s -> %s", from, to),
		}
	}
	return nil
}

// SuggestedLabel is one label proposal with its confidence score.
type SuggestedLabel struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Suggestion is one classification outcome for one remote item,
// scoped to a processing run.
type Suggestion struct {
	ID     int64
	RunID  string
	ItemID string // remote item id (IMAP UID rendered as string)

	Labels    []SuggestedLabel
	Status    SuggestionStatus
	CreatedAt time.Time
}

// BestLabel returns the highest-confidence label, or nil when the
// suggestion carries none (a no-match outcome).
func (s *Suggestion) BestLabel() *SuggestedLabel {
	var best *SuggestedLabel
	for i := range s.Labels {
		if best == nil || s.Labels[i].Confidence > best.Confidence {
			best = &s.Labels[i]
		}
	}
	return best
}

// Transition moves the suggestion to a new status, enforcing the state
// machine. On error the status is unchanged.
func (s *Suggestion) Transition(to SuggestionStatus) error {
	if err := CheckTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	return nil
}
