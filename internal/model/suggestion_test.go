package model

import (
	"errors"
	"testing"
)

func TestSuggestionTransitions(t *testing.T) {
	tests := []struct {
		name string
		from SuggestionStatus
		to   SuggestionStatus
		ok   bool
	}{
		{"pending to approved", SuggestionPending, SuggestionApproved, true},
		{"pending to rejected", SuggestionPending, SuggestionRejected, true},
		{"pending to no_match", SuggestionPending, SuggestionNoMatch, true},
		{"pending to applied", SuggestionPending, SuggestionApplied, false},
		{"approved to applied", SuggestionApproved, SuggestionApplied, true},
		{"approved to rejected", SuggestionApproved, SuggestionRejected, false},
		{"approved to pending", SuggestionApproved, SuggestionPending, false},
		{"rejected is terminal", SuggestionRejected, SuggestionApproved, false},
		{"applied is terminal", SuggestionApplied, SuggestionPending, false},
		{"no_match is terminal", SuggestionNoMatch, SuggestionApproved, false},
		{"self transition rejected", SuggestionPending, SuggestionPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}

			s := Suggestion{Status: tt.from}
			err := s.Transition(tt.to)
			if tt.ok {
				if err != nil {
					t.Fatalf("Transition(%s -> %s) unexpected error: %v", tt.from, tt.to, err)
				}
				if s.Status != tt.to {
					t.Errorf("status = %s, want %s", s.Status, tt.to)
				}
			} else {
				if err == nil {
					t.Fatalf("Transition(%s -> %s) expected error", tt.from, tt.to)
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				if s.Status != tt.from {
					t.Errorf("status changed to %s on illegal transition", s.Status)
				}
			}
		})
	}
}

func TestBestLabel(t *testing.T) {
	s := Suggestion{
		Labels: []SuggestedLabel{
			{Name: "receipts", Confidence: 0.4},
			{Name: "travel", Confidence: 0.9},
			{Name: "newsletters", Confidence: 0.7},
		},
	}

	best := s.BestLabel()
	if best == nil || best.Name != "travel" {
		t.Fatalf("BestLabel() = %v, want travel", best)
	}

	empty := Suggestion{}
	if empty.BestLabel() != nil {
		t.Error("BestLabel() on empty suggestion should be nil")
	}
}
