// Package app wires the application together: configuration, logging,
// storage, quota, sessions, and the engines the CLI commands drive.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nhle/mail-classifier/internal/classify"
	"github.com/nhle/mail-classifier/internal/coordinator"
	"github.com/nhle/mail-classifier/internal/credential"
	"github.com/nhle/mail-classifier/internal/mailbox"
	"github.com/nhle/mail-classifier/internal/model"
	"github.com/nhle/mail-classifier/internal/quota"
	"github.com/nhle/mail-classifier/internal/reconcile"
	"github.com/nhle/mail-classifier/internal/session"
	"github.com/nhle/mail-classifier/internal/store"
)

// shutdownGrace bounds how long Close waits for remote logouts.
const shutdownGrace = 5 * time.Second

// App is the composition root for one CLI invocation.
type App struct {
	Config      *model.Config
	Store       store.Store
	Guard       *quota.Guard
	Sessions    *session.Manager
	Coordinator *coordinator.Coordinator
	Reconciler  *reconcile.Engine
	Logger      *slog.Logger
}

// New loads configuration and assembles the application. The caller
// must defer Close.
func New(configPath string) (*App, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	s, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	guard := quota.NewGuard(cfg.Quota)

	var transport mailbox.Transport
	switch cfg.IMAP.AuthMethod {
	case "oauth":
		transport = mailbox.NewOAuthTransport(cfg.IMAP.Server, cfg.IMAP.Port)
	default:
		transport = mailbox.NewPasswordTransport(cfg.IMAP.Server, cfg.IMAP.Port)
	}

	sessions := session.NewManager(transport, guard, s, cfg.Session, logger)
	sessions.Start()

	apiKey, err := credential.GetAPIKey()
	if err != nil {
		// Commands that never classify still work without the key.
		apiKey = ""
	}
	classifier := classify.NewAnthropicClassifier(
		apiKey, cfg.Classifier.Model, cfg.Classifier.MaxTokens,
	)

	return &App{
		Config:      cfg,
		Store:       s,
		Guard:       guard,
		Sessions:    sessions,
		Coordinator: coordinator.New(s, classifier, guard, cfg.Classifier, logger),
		Reconciler:  reconcile.NewEngine(s, guard, logger),
		Logger:      logger,
	}, nil
}

// Connect authenticates the configured account and returns its live
// session.
func (a *App) Connect(ctx context.Context) (*session.Session, error) {
	principal := a.Config.IMAP.Username
	if principal == "" {
		return nil, fmt.Errorf("no account configured; set imap.username or run login")
	}

	secret, err := credential.GetSecret(principal)
	if err != nil {
		return nil, fmt.Errorf("no stored credentials for %s; run login first", principal)
	}

	return a.Sessions.Authenticate(ctx, principal, secret)
}

// Close shuts down the session manager and the store.
func (a *App) Close() error {
	a.Sessions.Close(shutdownGrace)
	return a.Store.Close()
}
