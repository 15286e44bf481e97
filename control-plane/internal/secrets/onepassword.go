package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// itemReader is the part of connect.Client the store uses.
type itemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordStore reads Zabbix credentials from a 1Password item using the
// Connect API.
//
// Configuration is via config file or environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding the item
//
// The item may carry an "api_token" (or "credential") field, or
// "username" and "password" fields.
type OnePasswordStore struct {
	client    itemReader
	vaultID   string
	itemTitle string
	ttl       time.Duration
	logger    *slog.Logger

	// Cache to avoid repeated API calls
	mu        sync.RWMutex
	cached    *ZabbixCredentials
	fetchedAt time.Time
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host      string // OP_CONNECT_HOST
	Token     string // OP_CONNECT_TOKEN
	VaultID   string // OP_VAULT_ID
	ItemTitle string // default: "zabbix-api"
}

// DefaultItemTitle is the 1Password item looked up when none is configured.
const DefaultItemTitle = "zabbix-api"

// onePasswordCacheTTL bounds how long fetched credentials are reused.
const onePasswordCacheTTL = time.Minute

// NewOnePasswordStore creates a new 1Password-backed credential store.
func NewOnePasswordStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "netoverview")
	return newOnePasswordStore(client, cfg, logger), nil
}

func newOnePasswordStore(client itemReader, cfg OnePasswordConfig, logger *slog.Logger) *OnePasswordStore {
	title := cfg.ItemTitle
	if title == "" {
		title = DefaultItemTitle
	}
	return &OnePasswordStore{
		client:    client,
		vaultID:   cfg.VaultID,
		itemTitle: title,
		ttl:       onePasswordCacheTTL,
		logger:    logger.With("component", "onepassword"),
	}
}

// GetZabbixCredentials returns the cached credentials or reads the item.
func (s *OnePasswordStore) GetZabbixCredentials(ctx context.Context) (*ZabbixCredentials, error) {
	// Check cache first
	s.mu.RLock()
	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		creds := *s.cached
		s.mu.RUnlock()
		return &creds, nil
	}
	s.mu.RUnlock()

	creds, err := s.readItem()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = creds
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("loaded Zabbix credentials", "item", s.itemTitle, "token", creds.APIToken != "")
	out := *creds
	return &out, nil
}

// Invalidate drops the cached credentials so the next call reads the vault.
func (s *OnePasswordStore) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *OnePasswordStore) Name() string { return "1password" }

// Close releases any resources.
func (s *OnePasswordStore) Close() error {
	s.Invalidate()
	return nil
}

// readItem retrieves the credentials item from 1Password by title.
func (s *OnePasswordStore) readItem() (*ZabbixCredentials, error) {
	items, err := s.client.GetItemsByTitle(s.itemTitle, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("1Password item %q not found", s.itemTitle)
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("1Password item %q not found", s.itemTitle)
	}

	// Get the full item (including fields)
	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	creds := itemToCredentials(item)
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("1Password item %q: %w", s.itemTitle, err)
	}
	return creds, nil
}

// itemToCredentials maps item fields by ID or label.
func itemToCredentials(item *onepassword.Item) *ZabbixCredentials {
	creds := &ZabbixCredentials{}
	for _, field := range item.Fields {
		if field == nil {
			continue
		}
		name := strings.ToLower(field.ID)
		if label := strings.ToLower(field.Label); label != "" {
			name = label
		}
		switch strings.ReplaceAll(name, " ", "_") {
		case "api_token", "credential", "token":
			creds.APIToken = field.Value
		case "username":
			creds.Username = field.Value
		case "password":
			creds.Password = field.Value
		}
	}
	return creds
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	// The 1Password SDK returns different error types, check the message
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") || strings.Contains(errStr, "404") || strings.Contains(errStr, "no items")
}
