package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "file", "env", or "auto".
	// "auto" (default) uses 1Password if configured, then the file if set,
	// otherwise the environment.
	Backend string

	// File is the YAML credentials file for the file backend.
	File string

	// 1Password Connect configuration. Empty fields fall back to
	// OP_CONNECT_HOST, OP_CONNECT_TOKEN and OP_VAULT_ID.
	OnePassword OnePasswordConfig
}

func (c *Config) applyEnvDefaults() {
	if c.OnePassword.Host == "" {
		c.OnePassword.Host = os.Getenv("OP_CONNECT_HOST")
	}
	if c.OnePassword.Token == "" {
		c.OnePassword.Token = os.Getenv("OP_CONNECT_TOKEN")
	}
	if c.OnePassword.VaultID == "" {
		c.OnePassword.VaultID = os.Getenv("OP_VAULT_ID")
	}
}

func (c *Config) onePasswordConfigured() bool {
	return c.OnePassword.Host != "" && c.OnePassword.Token != "" && c.OnePassword.VaultID != ""
}

// NewCredentialStore creates a CredentialStore based on configuration.
func NewCredentialStore(cfg Config, logger *slog.Logger) (CredentialStore, error) {
	cfg.applyEnvDefaults()

	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		if !cfg.onePasswordConfigured() {
			return nil, fmt.Errorf("1Password backend requested but host, token or vault_id not set")
		}
		return NewOnePasswordStore(cfg.OnePassword, logger)

	case "file":
		return NewFileStore(cfg.File)

	case "env":
		return NewEnvStore(), nil

	case "auto":
		// Try 1Password first, then the file, then the environment
		if cfg.onePasswordConfigured() {
			store, err := NewOnePasswordStore(cfg.OnePassword, logger)
			if err == nil {
				return store, nil
			}
			logger.Warn("failed to initialize 1Password, falling back", "error", err)
		}
		if cfg.File != "" {
			store, err := NewFileStore(cfg.File)
			if err == nil {
				return store, nil
			}
			logger.Warn("credentials file unusable, falling back to environment", "error", err)
		}
		logger.Info("using environment credentials")
		return NewEnvStore(), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
