// Package classify decides which label, if any, each mail item should
// carry. The production implementation calls the Claude Messages API;
// the interface keeps the coordinator testable without the network.
package classify

import (
	"context"

	"github.com/nhle/mail-classifier/internal/mailbox"
)

// Result is the classification outcome for one item. An empty Label
// means no candidate label matched with enough confidence.
type Result struct {
	ItemID     string
	Label      string
	Confidence float64
	Reasoning  string
}

// Classifier assigns candidate labels to a batch of items.
type Classifier interface {
	Classify(ctx context.Context, items []mailbox.Item, labels []string) ([]Result, error)
}
