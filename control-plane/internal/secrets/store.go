// Package secrets provides the credentials used to reach the Zabbix API.
//
// This package defines a CredentialStore interface. The production
// implementation reads a 1Password Connect item; a YAML file and plain
// environment variables serve development and simple deployments.
package secrets

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ZabbixCredentials authenticate the service against Zabbix. An API token
// takes precedence; otherwise username and password are used for user.login.
type ZabbixCredentials struct {
	APIToken string `yaml:"api_token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Validate checks that at least one way to authenticate is present.
func (c *ZabbixCredentials) Validate() error {
	if c.APIToken != "" {
		return nil
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("either api_token or username and password are required")
	}
	return nil
}

// CredentialStore provides Zabbix credentials.
type CredentialStore interface {
	// GetZabbixCredentials returns the current credentials. Called on first
	// use and again whenever Zabbix rejects the session, so rotated secrets
	// are picked up without a restart.
	GetZabbixCredentials(ctx context.Context) (*ZabbixCredentials, error)

	// Name identifies the backend in logs and health output.
	Name() string

	// Close releases any resources held by the store.
	Close() error
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// Environment variables read by EnvStore.
const (
	EnvAPIToken = "NETOVERVIEW_ZABBIX_API_TOKEN"
	EnvUsername = "NETOVERVIEW_ZABBIX_USERNAME"
	EnvPassword = "NETOVERVIEW_ZABBIX_PASSWORD"
)

// EnvStore reads credentials from environment variables on every call.
type EnvStore struct {
	getenv func(string) string
}

// NewEnvStore creates an environment-backed store.
func NewEnvStore() *EnvStore {
	return &EnvStore{getenv: os.Getenv}
}

func (s *EnvStore) GetZabbixCredentials(ctx context.Context) (*ZabbixCredentials, error) {
	creds := &ZabbixCredentials{
		APIToken: s.getenv(EnvAPIToken),
		Username: s.getenv(EnvUsername),
		Password: s.getenv(EnvPassword),
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("environment credentials: %w", err)
	}
	return creds, nil
}

func (s *EnvStore) Name() string { return "env" }
func (s *EnvStore) Close() error { return nil }

// =============================================================================
// FILE
// =============================================================================

// FileStore reads credentials from a YAML file on every call.
//
//	api_token: 0123abcd...
//	# or
//	username: overview
//	password: secret
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store. The file must exist.
func NewFileStore(path string) (*FileStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("credentials file: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) GetZabbixCredentials(ctx context.Context) (*ZabbixCredentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds ZabbixCredentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", s.path, err)
	}
	return &creds, nil
}

func (s *FileStore) Name() string { return "file" }
func (s *FileStore) Close() error { return nil }
