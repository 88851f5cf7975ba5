package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// review command
var reviewCmd = &cobra.Command{
	Use:   "review RUN_ID",
	Short: "Review pending suggestions interactively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		runID := args[0]

		pending := model.SuggestionPending
		suggestions, err := a.Store.GetSuggestions(ctx, store.SuggestionFilter{
			RunID:  runID,
			Status: &pending,
		})
		if err != nil {
			return err
		}

		if len(suggestions) == 0 {
			fmt.Println("No pending suggestions for this run.")
			return nil
		}

		approved, rejected := 0, 0
		for i, s := range suggestions {
			label := s.BestLabel()
			if label == nil {
				continue
			}

			fmt.Println()
			fmt.Println(headerStyle.Render(
				fmt.Sprintf("Suggestion %d of %d", i+1, len(suggestions))))
			fmt.Printf("Item:       %s\n", s.ItemID)
			fmt.Printf("Label:      %s %s\n",
				labelStyle.Render(label.Name),
				dimStyle.Render(fmt.Sprintf("(confidence %.2f)", label.Confidence)))
			if label.Reasoning != "" {
				fmt.Printf("Reasoning:  %s\n", label.Reasoning)
			}

			var choice string
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title("Decision").
					Options(
						huh.NewOption("Approve", "approve"),
						huh.NewOption("Reject", "reject"),
						huh.NewOption("Skip", "skip"),
						huh.NewOption("Quit", "quit"),
					).
					Value(&choice),
			))
			if err := form.Run(); err != nil {
				return err
			}

			switch choice {
			case "approve":
				if err := a.Store.UpdateSuggestionStatus(ctx, s.ID, model.SuggestionApproved); err != nil {
					return err
				}
				approved++
			case "reject":
				if err := a.Store.UpdateSuggestionStatus(ctx, s.ID, model.SuggestionRejected); err != nil {
					return err
				}
				rejected++
			case "quit":
				fmt.Printf("\nApproved %d, rejected %d. Remaining stay pending.\n", approved, rejected)
				return nil
			}
		}

		fmt.Printf("\nApproved %d, rejected %d\n", approved, rejected)
		if approved > 0 {
			fmt.Printf("Run `mailclass apply %s` to push approved labels.\n", runID)
		}
		return nil
	},
}
