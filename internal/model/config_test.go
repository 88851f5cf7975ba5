package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.IMAP.Port != 993 {
		t.Errorf("default port = %d, want 993", cfg.IMAP.Port)
	}
	if cfg.Session.MaxPerPrincipal != 5 || cfg.Session.MaxRetries != 5 {
		t.Errorf("session defaults wrong: %+v", cfg.Session)
	}
	if cfg.Session.BackoffBaseSec != 2 || cfg.Session.BackoffCapSec != 15 {
		t.Errorf("backoff defaults wrong: %+v", cfg.Session)
	}
	if cfg.Quota.AuthMaxFailures != 5 || cfg.Quota.LockoutCapMin != 64 {
		t.Errorf("quota defaults wrong: %+v", cfg.Quota)
	}
	if cfg.Classifier.PageSize != 100 {
		t.Errorf("default page size = %d, want 100", cfg.Classifier.PageSize)
	}
	if got := cfg.Classifier.FolderCacheTTL(); got != 10*time.Minute {
		t.Errorf("default folder cache TTL = %v, want 10m", got)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
imap:
  server: mail.example.com
  username: alice@example.com
session:
  max_per_principal: 2
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.IMAP.Server != "mail.example.com" {
		t.Errorf("server = %s, want mail.example.com", cfg.IMAP.Server)
	}
	if cfg.IMAP.Username != "alice@example.com" {
		t.Errorf("username = %s", cfg.IMAP.Username)
	}
	if cfg.Session.MaxPerPrincipal != 2 {
		t.Errorf("max_per_principal = %d, want 2", cfg.Session.MaxPerPrincipal)
	}
	// Untouched keys keep their defaults.
	if cfg.IMAP.Port != 993 {
		t.Errorf("port = %d, want default 993", cfg.IMAP.Port)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.IMAP.Username = "bob@example.com"
	cfg.Storage.KeepDays = 7

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reloading config: %v", err)
	}
	if loaded.IMAP.Username != "bob@example.com" || loaded.Storage.KeepDays != 7 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
