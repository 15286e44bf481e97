package types

import "time"

// InfrastructureHealth describes the service itself: process, upstream and cache.
type InfrastructureHealth struct {
	Timestamp time.Time      `json:"timestamp"`
	Process   ProcessHealth  `json:"process"`
	Upstream  UpstreamHealth `json:"upstream"`
	Cache     CacheHealth    `json:"cache"`
}

// ProcessHealth contains runtime metrics of this process.
type ProcessHealth struct {
	Status        string  `json:"status"` // healthy, degraded, down
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// UpstreamHealth reports reachability of the Zabbix API.
type UpstreamHealth struct {
	Status       string     `json:"status"` // healthy, degraded, down
	URL          string     `json:"url"`
	Version      string     `json:"version,omitempty"`
	Connected    bool       `json:"connected"`
	BreakerState string     `json:"breaker_state"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// CacheHealth reports snapshot cache behaviour since start.
type CacheHealth struct {
	SnapshotAgeSeconds *float64 `json:"snapshot_age_seconds"`
	Stale              bool     `json:"stale"`
	Hits               int64    `json:"hits"`
	Misses             int64    `json:"misses"`
	Fallbacks          int64    `json:"fallbacks"`
	RedisEnabled       bool     `json:"redis_enabled"`
	RedisConnected     bool     `json:"redis_connected"`
}

// CacheStats is the raw counter view a cache exposes for health reporting.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Fallbacks int64
	Age       *time.Duration
	Stale     bool
}
