package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mail-classifier/internal/app"
	"github.com/nhle/mail-classifier/internal/coordinator"
	"github.com/nhle/mail-classifier/internal/credential"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mailclass",
	Short:         "Classify mailbox items and apply reviewed labels",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// newApp assembles the application from the configured path. The
// caller must defer a.Close().
func newApp() (*app.App, error) {
	path := configPath
	if path == "" {
		path = model.DefaultConfigPath()
	}
	return app.New(path)
}

// classify command
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run classification over a mailbox folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		apply, _ := cmd.Flags().GetBool("apply")
		folder, _ := cmd.Flags().GetString("folder")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if folder == "" {
			folder = a.Config.IMAP.DefaultFolder
		}

		ctx := cmd.Context()
		sess, err := a.Connect(ctx)
		if err != nil {
			return err
		}

		conn, err := a.Sessions.Conn(sess.ID)
		if err != nil {
			return err
		}

		run, err := a.Coordinator.Run(ctx, conn, coordinator.RunOptions{
			Principal: sess.Principal,
			Folder:    folder,
			Limit:     limit,
		})
		if run != nil {
			fmt.Printf("Run %s: %s, %d processed, %d suggestions\n",
				run.ID, run.Status, run.Processed, run.Generated)
		}
		if err != nil {
			return err
		}

		if apply {
			if err := approveAllPending(ctx, a, run.ID); err != nil {
				return err
			}
			result, err := a.Reconciler.Apply(ctx, conn, run.ID)
			if result != nil {
				fmt.Printf("Applied %d, failed %d\n", result.Applied, result.Failed)
			}
			if err != nil {
				return err
			}
		}

		return nil
	},
}

// resume command
var resumeCmd = &cobra.Command{
	Use:   "resume RUN_ID",
	Short: "Resume an interrupted run from its last committed page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		sess, err := a.Connect(ctx)
		if err != nil {
			return err
		}
		conn, err := a.Sessions.Conn(sess.ID)
		if err != nil {
			return err
		}

		run, err := a.Coordinator.Resume(ctx, conn, args[0])
		if run != nil {
			fmt.Printf("Run %s: %s, %d processed, %d suggestions\n",
				run.ID, run.Status, run.Processed, run.Generated)
		}
		return err
	},
}

// apply command
var applyCmd = &cobra.Command{
	Use:   "apply RUN_ID",
	Short: "Apply the approved suggestions of a run to the mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		sess, err := a.Connect(ctx)
		if err != nil {
			return err
		}
		conn, err := a.Sessions.Conn(sess.ID)
		if err != nil {
			return err
		}

		if _, err := conn.SelectFolder(ctx, folderForRun(ctx, a, args[0])); err != nil {
			return err
		}

		result, err := a.Reconciler.Apply(ctx, conn, args[0])
		if result != nil {
			fmt.Printf("Applied %d, failed %d\n", result.Applied, result.Failed)
		}
		return err
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [RUN_ID]",
	Short: "Resolve unsynced audit entries against the mailbox",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runID := ""
		if len(args) > 0 {
			runID = args[0]
		}

		ctx := cmd.Context()
		sess, err := a.Connect(ctx)
		if err != nil {
			return err
		}
		conn, err := a.Sessions.Conn(sess.ID)
		if err != nil {
			return err
		}

		folder := a.Config.IMAP.DefaultFolder
		if runID != "" {
			folder = folderForRun(ctx, a, runID)
		}
		if _, err := conn.SelectFolder(ctx, folder); err != nil {
			return err
		}

		result, err := a.Reconciler.Reconcile(ctx, conn, runID)
		if result != nil {
			fmt.Printf("Examined %d, repaired %d, discarded %d\n",
				result.Examined, result.Repaired, result.Discarded)
		}
		return err
	},
}

// sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Store.ListSessions(cmd.Context(), "")
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}

		for _, r := range records {
			fmt.Printf("%s  %-30s  %-12s  retries:%d  last active %s\n",
				r.ID[:8], r.Principal, r.State, r.RetryCount,
				r.LastActivity.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List processing runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := a.Store.ListRuns(cmd.Context(), store.RunFilter{Limit: limit})
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			fmt.Printf("%s  %-12s  %-20s  processed:%d  suggestions:%d  %s\n",
				r.ID[:8], r.Status, r.Folder, r.Processed, r.Generated,
				r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old runs with their suggestions and audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if days <= 0 {
			days = a.Config.Storage.KeepDays
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		deleted, err := a.Store.CleanupRuns(cmd.Context(), cutoff)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d run(s) older than %d days\n", deleted, days)
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login [ACCOUNT]",
	Short: "Store mailbox credentials or the classifier API key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey, _ := cmd.Flags().GetBool("api-key")
		if apiKey {
			fmt.Print("Classifier API key: ")
			secret, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading API key: %w", err)
			}
			if err := credential.SetAPIKey(string(secret)); err != nil {
				return err
			}
			fmt.Println("Classifier API key stored")
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("account required (or use --api-key)")
		}
		principal := args[0]

		fmt.Printf("Password for %s: ", principal)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}

		if err := credential.SetSecret(principal, string(secret)); err != nil {
			return err
		}

		fmt.Printf("Credentials stored for %s\n", principal)
		return nil
	},
}

// logout command
var logoutCmd = &cobra.Command{
	Use:   "logout ACCOUNT",
	Short: "Remove stored credentials for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := credential.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Printf("Credentials removed for %s\n", args[0])
		return nil
	},
}

// approveAllPending moves every pending suggestion of the run to
// approved, so an unattended run can be applied in one pass.
func approveAllPending(ctx context.Context, a *app.App, runID string) error {
	pending := model.SuggestionPending
	suggestions, err := a.Store.GetSuggestions(ctx, store.SuggestionFilter{
		RunID:  runID,
		Status: &pending,
	})
	if err != nil {
		return err
	}
	for _, s := range suggestions {
		if err := a.Store.UpdateSuggestionStatus(ctx, s.ID, model.SuggestionApproved); err != nil {
			return err
		}
	}
	return nil
}

// folderForRun returns the folder a run was created against, falling
// back to INBOX when the run cannot be loaded.
func folderForRun(ctx context.Context, a *app.App, runID string) string {
	run, err := a.Store.GetRun(ctx, runID)
	if err != nil || run.Folder == "" {
		return a.Config.IMAP.DefaultFolder
	}
	return run.Folder
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	classifyCmd.Flags().IntP("limit", "n", 0, "Maximum items to process (0 = all)")
	classifyCmd.Flags().Bool("apply", false, "Approve and apply all suggestions without review")
	classifyCmd.Flags().String("folder", "", "Folder to classify (default from config)")
	rootCmd.AddCommand(classifyCmd)

	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sessionsCmd)

	runsCmd.Flags().IntP("limit", "n", 20, "Maximum runs to show")
	rootCmd.AddCommand(runsCmd)

	cleanupCmd.Flags().Int("days", 0, "Delete runs older than this many days (default from config)")
	rootCmd.AddCommand(cleanupCmd)

	loginCmd.Flags().Bool("api-key", false, "Store the classifier API key instead of a mailbox password")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
