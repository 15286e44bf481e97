// Package config provides configuration for the overview service.
//
// constants.go centralizes the policy defaults (TTLs, timeouts, batch sizes,
// thresholds). config.go loads the YAML file that may override most of them.
package config

import "time"

// Snapshot cache policy.
const (
	// SnapshotTTL - a built overview is served unchanged for this long.
	SnapshotTTL = 30 * time.Second

	// FailureTTL - after a failed refresh the stale fallback is served for
	// this long before the upstream is tried again.
	FailureTTL = 10 * time.Second

	// HistoryTTL is the TTL for latency/bandwidth history and outage queries.
	HistoryTTL = 60 * time.Second

	// RedisSnapshotTTL bounds how long the last-good copy survives in Redis.
	RedisSnapshotTTL = 15 * time.Minute
)

// Upstream (Zabbix) call policy.
const (
	// UpstreamTimeout is the per-attempt timeout of one JSON-RPC call.
	UpstreamTimeout = 10 * time.Second

	// UpstreamRetryDelay is the pause before the single transient retry.
	UpstreamRetryDelay = 500 * time.Millisecond

	// UpstreamRateLimit is the steady request rate against the API (req/s).
	UpstreamRateLimit = 20

	// UpstreamRateBurst allows short bursts during fan-out.
	UpstreamRateBurst = 10

	// BreakerConsecutiveFailures opens the circuit breaker.
	BreakerConsecutiveFailures = 5

	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout = 30 * time.Second

	// RawHistoryLimit - windows longer than this read trends instead of raw history.
	RawHistoryLimit = 48 * time.Hour
)

// Aggregation fan-out.
const (
	// MetricsBatchSize is the number of host ids per item.get call.
	MetricsBatchSize = 50

	// MaxInFlight bounds concurrent upstream calls within one pass.
	MaxInFlight = 8

	// MaxHistoryHosts caps the hosts one history query reads.
	MaxHistoryHosts = 100
)

// Outage reconstruction.
const (
	// MergeThreshold - problems on one host separated by at most this gap
	// are reported as one outage.
	MergeThreshold = 2 * time.Minute
)

// Query windows for history and outage endpoints.
const (
	DefaultWindow = 24 * time.Hour
	MaxWindow     = 30 * 24 * time.Hour
)

// Ranking sizes for API list endpoints.
const (
	// DefaultRankingLimit is the top-N size when no limit is specified.
	DefaultRankingLimit = 10

	// MaxRankingLimit is the largest top-N that can be requested.
	MaxRankingLimit = 100
)

// Connectivity checks.
const (
	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout = 10 * time.Second
)
