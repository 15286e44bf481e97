package config

// Configuration is loaded from (in order of precedence):
// 1. Command-line flags (main)
// 2. Environment variables (NETOVERVIEW_*)
// 3. Config file (YAML)
// 4. Defaults (constants.go)
//
// # Example Config File
//
//	server:
//	  port: 8080
//	  api_key_hash: $2a$10$...
//	  auth_mode: enforce
//
//	zabbix:
//	  url: https://zabbix.example.net
//	  request_timeout: 10s
//
//	secrets:
//	  backend: 1password
//	  onepassword:
//	    host: http://op-connect:8080
//	    vault_id: abc123
//	    item_title: zabbix-api
//
//	cache:
//	  snapshot_ttl: 30s
//	  redis_url: redis://localhost:6379/0
//
//	scoring:
//	  availability_weight: 70
//	  severity_penalties: [0, 0.5, 1, 2, 4, 8]
//
//	classifier:
//	  site_names:
//	    LCH: Lake Charles
//	  rules:
//	    - pattern: "(?i)^cnr-"
//	      type: router
//	      subtype: cambium

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Zabbix      ZabbixConfig      `yaml:"zabbix"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Cache       CacheConfig       `yaml:"cache"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Refresher   RefresherConfig   `yaml:"refresher"`
}

// ServerConfig defines the HTTP listener and dashboard API-key check.
type ServerConfig struct {
	Port int `yaml:"port"`

	// APIKeyHash is a bcrypt hash of the dashboard API key. Empty disables the check.
	APIKeyHash string `yaml:"api_key_hash,omitempty"`
	// AuthMode is "grace" (log and allow) or "enforce" (reject).
	AuthMode string `yaml:"auth_mode"`
}

// ZabbixConfig defines how to reach the upstream monitoring API.
type ZabbixConfig struct {
	URL string `yaml:"url"` // base URL; /api_jsonrpc.php is appended

	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second
	RateBurst       int           `yaml:"rate_burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	RawHistoryLimit time.Duration `yaml:"raw_history_limit"`
}

// SecretsConfig selects where Zabbix credentials come from.
type SecretsConfig struct {
	// Backend is "env", "file", "1password" or "auto".
	Backend     string            `yaml:"backend"`
	File        string            `yaml:"file,omitempty"`
	OnePassword OnePasswordConfig `yaml:"onepassword"`
}

// OnePasswordConfig locates the credentials item in 1Password Connect.
type OnePasswordConfig struct {
	Host      string `yaml:"host"`
	Token     string `yaml:"token,omitempty"`
	VaultID   string `yaml:"vault_id"`
	ItemTitle string `yaml:"item_title"`
}

// CacheConfig defines cache TTLs and the optional Redis second level.
type CacheConfig struct {
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"`
	FailureTTL       time.Duration `yaml:"failure_ttl"`
	HistoryTTL       time.Duration `yaml:"history_ttl"`
	RedisURL         string        `yaml:"redis_url,omitempty"`
	RedisSnapshotTTL time.Duration `yaml:"redis_snapshot_ttl"`
}

// AggregationConfig defines fan-out and derived view behaviour.
type AggregationConfig struct {
	MetricsBatchSize int           `yaml:"metrics_batch_size"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	MaxHistoryHosts  int           `yaml:"max_history_hosts"`
	RankingSize      int           `yaml:"ranking_size"`
	MergeThreshold   time.Duration `yaml:"merge_threshold"`

	// EmitUnassigned reports hosts without a site code as a synthetic site.
	EmitUnassigned bool `yaml:"emit_unassigned"`
}

// ScoringConfig holds the health score weights.
type ScoringConfig struct {
	AvailabilityWeight  float64   `yaml:"availability_weight"`
	SeverityPenalties   []float64 `yaml:"severity_penalties"` // indexed by severity 0..5
	ProblemPenaltyCap   float64   `yaml:"problem_penalty_cap"`
	HighLatencyMs       float64   `yaml:"high_latency_ms"`
	HighLatencyFraction float64   `yaml:"high_latency_fraction"`
	LatencyPenalty      float64   `yaml:"latency_penalty"`
}

// ClassifierConfig extends or replaces the built-in classification rules.
type ClassifierConfig struct {
	Rules           []RuleConfig      `yaml:"rules"`
	ReplaceDefaults bool              `yaml:"replace_defaults"`
	SitePattern     string            `yaml:"site_pattern,omitempty"`
	ReservedTokens  []string          `yaml:"reserved_tokens,omitempty"`
	SiteNames       map[string]string `yaml:"site_names"`
}

// RuleConfig is one classification rule. Configured rules run before the defaults.
type RuleConfig struct {
	Pattern string `yaml:"pattern"`
	Field   string `yaml:"field"` // name, description or any (default name)
	Type    string `yaml:"type"`
	Subtype string `yaml:"subtype,omitempty"`
}

// RefresherConfig controls the background cache warmer.
type RefresherConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			AuthMode: "grace",
		},
		Zabbix: ZabbixConfig{
			RequestTimeout:  UpstreamTimeout,
			RetryDelay:      UpstreamRetryDelay,
			RateLimit:       UpstreamRateLimit,
			RateBurst:       UpstreamRateBurst,
			BreakerFailures: BreakerConsecutiveFailures,
			BreakerTimeout:  BreakerOpenTimeout,
			RawHistoryLimit: RawHistoryLimit,
		},
		Secrets: SecretsConfig{
			Backend: "auto",
		},
		Cache: CacheConfig{
			SnapshotTTL:      SnapshotTTL,
			FailureTTL:       FailureTTL,
			HistoryTTL:       HistoryTTL,
			RedisSnapshotTTL: RedisSnapshotTTL,
		},
		Aggregation: AggregationConfig{
			MetricsBatchSize: MetricsBatchSize,
			MaxInFlight:      MaxInFlight,
			MaxHistoryHosts:  MaxHistoryHosts,
			RankingSize:      DefaultRankingLimit,
			MergeThreshold:   MergeThreshold,
		},
		Scoring: ScoringConfig{
			AvailabilityWeight:  70,
			SeverityPenalties:   []float64{0, 0.5, 1, 2, 4, 8},
			ProblemPenaltyCap:   30,
			HighLatencyMs:       100,
			HighLatencyFraction: 0.2,
			LatencyPenalty:      10,
		},
		Classifier: ClassifierConfig{
			SiteNames: make(map[string]string),
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Zabbix.URL == "" {
		return fmt.Errorf("zabbix.url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.AuthMode {
	case "grace", "enforce":
	default:
		return fmt.Errorf("server.auth_mode must be grace or enforce, got %q", c.Server.AuthMode)
	}
	switch c.Secrets.Backend {
	case "env", "file", "1password", "auto":
	default:
		return fmt.Errorf("secrets.backend must be env, file, 1password or auto, got %q", c.Secrets.Backend)
	}
	if c.Secrets.Backend == "file" && c.Secrets.File == "" {
		return fmt.Errorf("secrets.file is required for the file backend")
	}
	if c.Cache.SnapshotTTL <= 0 {
		return fmt.Errorf("cache.snapshot_ttl must be positive")
	}
	if c.Cache.FailureTTL <= 0 {
		return fmt.Errorf("cache.failure_ttl must be positive")
	}
	if c.Cache.HistoryTTL <= 0 {
		return fmt.Errorf("cache.history_ttl must be positive")
	}
	if c.Zabbix.RequestTimeout <= 0 {
		return fmt.Errorf("zabbix.request_timeout must be positive")
	}
	if c.Aggregation.MetricsBatchSize <= 0 {
		return fmt.Errorf("aggregation.metrics_batch_size must be positive")
	}
	if c.Aggregation.MaxInFlight <= 0 {
		return fmt.Errorf("aggregation.max_in_flight must be positive")
	}
	if c.Aggregation.MergeThreshold < 0 {
		return fmt.Errorf("aggregation.merge_threshold must not be negative")
	}
	if c.Aggregation.RankingSize <= 0 || c.Aggregation.RankingSize > MaxRankingLimit {
		return fmt.Errorf("aggregation.ranking_size must be between 1 and %d", MaxRankingLimit)
	}
	if len(c.Scoring.SeverityPenalties) != 6 {
		return fmt.Errorf("scoring.severity_penalties needs 6 entries, got %d", len(c.Scoring.SeverityPenalties))
	}
	for i, r := range c.Classifier.Rules {
		if r.Pattern == "" || r.Type == "" {
			return fmt.Errorf("classifier.rules[%d]: pattern and type are required", i)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the NETOVERVIEW_ prefix:
// - NETOVERVIEW_PORT
// - NETOVERVIEW_ZABBIX_URL
// - NETOVERVIEW_SECRETS_BACKEND
// - NETOVERVIEW_SECRETS_FILE
// - NETOVERVIEW_OP_CONNECT_HOST / NETOVERVIEW_OP_CONNECT_TOKEN / NETOVERVIEW_OP_VAULT_ID
// - NETOVERVIEW_REDIS_URL
// - NETOVERVIEW_API_KEY_HASH
// - NETOVERVIEW_AUTH_MODE
// - NETOVERVIEW_REFRESH_INTERVAL (duration, e.g. "20s")
// - NETOVERVIEW_SITE_NAMES (JSON object, e.g. '{"LCH":"Lake Charles"}')
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NETOVERVIEW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("NETOVERVIEW_ZABBIX_URL"); v != "" {
		c.Zabbix.URL = v
	}
	if v := os.Getenv("NETOVERVIEW_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
	if v := os.Getenv("NETOVERVIEW_SECRETS_FILE"); v != "" {
		c.Secrets.File = v
	}
	if v := os.Getenv("NETOVERVIEW_OP_CONNECT_HOST"); v != "" {
		c.Secrets.OnePassword.Host = v
	}
	if v := os.Getenv("NETOVERVIEW_OP_CONNECT_TOKEN"); v != "" {
		c.Secrets.OnePassword.Token = v
	}
	if v := os.Getenv("NETOVERVIEW_OP_VAULT_ID"); v != "" {
		c.Secrets.OnePassword.VaultID = v
	}
	if v := os.Getenv("NETOVERVIEW_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("NETOVERVIEW_API_KEY_HASH"); v != "" {
		c.Server.APIKeyHash = v
	}
	if v := os.Getenv("NETOVERVIEW_AUTH_MODE"); v != "" {
		c.Server.AuthMode = v
	}
	if v := os.Getenv("NETOVERVIEW_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Refresher.Interval = d
		}
	}
	if v := os.Getenv("NETOVERVIEW_SITE_NAMES"); v != "" {
		var names map[string]string
		if err := json.Unmarshal([]byte(v), &names); err == nil {
			if c.Classifier.SiteNames == nil {
				c.Classifier.SiteNames = make(map[string]string)
			}
			for code, name := range names {
				c.Classifier.SiteNames[code] = name
			}
		}
	}
}
