package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// IMAPConfig holds the remote mailbox endpoint settings.
type IMAPConfig struct {
	Server        string `mapstructure:"server" yaml:"server"`
	Port          int    `mapstructure:"port" yaml:"port"`
	Username      string `mapstructure:"username" yaml:"username"`
	TimeoutSec    int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	AuthMethod    string `mapstructure:"auth_method" yaml:"auth_method"` // "password" or "oauth"
	DefaultFolder string `mapstructure:"default_folder" yaml:"default_folder"`
}

// SessionConfig holds session lifecycle policy.
type SessionConfig struct {
	MaxPerPrincipal  int `mapstructure:"max_per_principal" yaml:"max_per_principal"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" yaml:"sweep_interval_sec"`
	StaleTimeoutMin  int `mapstructure:"stale_timeout_min" yaml:"stale_timeout_min"`
	MaxRetries       int `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBaseSec   int `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffCapSec    int `mapstructure:"backoff_cap_sec" yaml:"backoff_cap_sec"`
}

// QuotaConfig holds rate-limiting policy for the independent call
// scopes and the per-principal authentication attempt limiter.
type QuotaConfig struct {
	MailboxPerSec   float64 `mapstructure:"mailbox_per_sec" yaml:"mailbox_per_sec"`
	MailboxBurst    int     `mapstructure:"mailbox_burst" yaml:"mailbox_burst"`
	ClassifyPerSec  float64 `mapstructure:"classify_per_sec" yaml:"classify_per_sec"`
	ClassifyBurst   int     `mapstructure:"classify_burst" yaml:"classify_burst"`
	AuthWindowMin   int     `mapstructure:"auth_window_min" yaml:"auth_window_min"`
	AuthMaxFailures int     `mapstructure:"auth_max_failures" yaml:"auth_max_failures"`
	LockoutCapMin   int     `mapstructure:"lockout_cap_min" yaml:"lockout_cap_min"`
}

// ClassifierConfig holds settings for the external scorer and the
// run loop driving it.
type ClassifierConfig struct {
	Model             string `mapstructure:"model" yaml:"model"`
	MaxTokens         int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	PageSize          int    `mapstructure:"page_size" yaml:"page_size"`
	FolderCacheTTLMin int    `mapstructure:"folder_cache_ttl_min" yaml:"folder_cache_ttl_min"`
}

// StorageConfig holds local database settings.
type StorageConfig struct {
	DBPath   string `mapstructure:"db_path" yaml:"db_path"`
	KeepDays int    `mapstructure:"keep_days" yaml:"keep_days"`
}

// Config is the top-level application configuration. It is constructed
// once at startup and passed by injection; components never mutate it.
type Config struct {
	IMAP       IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Quota      QuotaConfig      `mapstructure:"quota" yaml:"quota"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
}

// SweepInterval returns the sweep period as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// StaleTimeout returns the idle threshold as a duration.
func (c SessionConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMin) * time.Minute
}

// FolderCacheTTL returns how long a cached folder list stays fresh.
func (c ClassifierConfig) FolderCacheTTL() time.Duration {
	return time.Duration(c.FolderCacheTTLMin) * time.Minute
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailclass/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailclass", "config.yaml")
}

func defaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		IMAP: IMAPConfig{
			Server:        "imap.gmail.com",
			Port:          993,
			TimeoutSec:    30,
			AuthMethod:    "password",
			DefaultFolder: "INBOX",
		},
		Session: SessionConfig{
			MaxPerPrincipal:  5,
			SweepIntervalSec: 300,
			StaleTimeoutMin:  25,
			MaxRetries:       5,
			BackoffBaseSec:   2,
			BackoffCapSec:    15,
		},
		Quota: QuotaConfig{
			MailboxPerSec:   5,
			MailboxBurst:    10,
			ClassifyPerSec:  1,
			ClassifyBurst:   2,
			AuthWindowMin:   15,
			AuthMaxFailures: 5,
			LockoutCapMin:   64,
		},
		Classifier: ClassifierConfig{
			Model:             "claude-sonnet-4-5-20250929",
			MaxTokens:         2048,
			PageSize:          100,
			FolderCacheTTLMin: 10,
		},
		Storage: StorageConfig{
			DBPath:   filepath.Join(home, ".config", "mailclass", "sessions.db"),
			KeepDays: 30,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("imap.server", def.IMAP.Server)
	v.SetDefault("imap.port", def.IMAP.Port)
	v.SetDefault("imap.username", def.IMAP.Username)
	v.SetDefault("imap.timeout_sec", def.IMAP.TimeoutSec)
	v.SetDefault("imap.auth_method", def.IMAP.AuthMethod)
	v.SetDefault("imap.default_folder", def.IMAP.DefaultFolder)
	v.SetDefault("session.max_per_principal", def.Session.MaxPerPrincipal)
	v.SetDefault("session.sweep_interval_sec", def.Session.SweepIntervalSec)
	v.SetDefault("session.stale_timeout_min", def.Session.StaleTimeoutMin)
	v.SetDefault("session.max_retries", def.Session.MaxRetries)
	v.SetDefault("session.backoff_base_sec", def.Session.BackoffBaseSec)
	v.SetDefault("session.backoff_cap_sec", def.Session.BackoffCapSec)
	v.SetDefault("quota.mailbox_per_sec", def.Quota.MailboxPerSec)
	v.SetDefault("quota.mailbox_burst", def.Quota.MailboxBurst)
	v.SetDefault("quota.classify_per_sec", def.Quota.ClassifyPerSec)
	v.SetDefault("quota.classify_burst", def.Quota.ClassifyBurst)
	v.SetDefault("quota.auth_window_min", def.Quota.AuthWindowMin)
	v.SetDefault("quota.auth_max_failures", def.Quota.AuthMaxFailures)
	v.SetDefault("quota.lockout_cap_min", def.Quota.LockoutCapMin)
	v.SetDefault("classifier.model", def.Classifier.Model)
	v.SetDefault("classifier.max_tokens", def.Classifier.MaxTokens)
	v.SetDefault("classifier.page_size", def.Classifier.PageSize)
	v.SetDefault("classifier.folder_cache_ttl_min", def.Classifier.FolderCacheTTLMin)
	v.SetDefault("storage.db_path", def.Storage.DBPath)
	v.SetDefault("storage.keep_days", def.Storage.KeepDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("session", cfg.Session)
	v.Set("quota", cfg.Quota)
	v.Set("classifier", cfg.Classifier)
	v.Set("storage", cfg.Storage)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
