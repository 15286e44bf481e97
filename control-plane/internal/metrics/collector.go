// Package metrics provides Prometheus instruments and the infrastructure
// health collector of the overview service.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

// UpstreamProvider exposes the Zabbix client state.
type UpstreamProvider interface {
	URL() string
	Status() zabbix.Status
	Version(ctx context.Context) (string, error)
}

// CacheStatsProvider exposes snapshot cache counters.
type CacheStatsProvider interface {
	Stats() types.CacheStats
}

// Pinger checks a dependency; used for Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector gathers infrastructure health with caching.
type Collector struct {
	upstream UpstreamProvider
	cache    CacheStatsProvider
	redis    Pinger // may be nil if Redis is disabled
	clock    clockwork.Clock

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
	version       string
}

// NewCollector creates a new health collector. redis may be nil.
func NewCollector(upstream UpstreamProvider, cache CacheStatsProvider, redis Pinger, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		upstream:      upstream,
		cache:         cache,
		redis:         redis,
		clock:         clock,
		startTime:     clock.Now(),
		cacheDuration: 10 * time.Second,
	}
}

// GetInfrastructureHealth returns the current infrastructure health.
// Results are cached briefly; the upstream version check is an API call.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) *types.InfrastructureHealth {
	c.mu.RLock()
	if c.cachedHealth != nil && c.clock.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = c.clock.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	out := *health
	return &out
}

func (c *Collector) collectHealth(ctx context.Context) *types.InfrastructureHealth {
	return &types.InfrastructureHealth{
		Timestamp: c.clock.Now(),
		Process:   c.collectProcessHealth(),
		Upstream:  c.collectUpstreamHealth(ctx),
		Cache:     c.collectCacheHealth(ctx),
	}
}

func (c *Collector) collectProcessHealth() types.ProcessHealth {
	health := types.ProcessHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(c.clock.Since(c.startTime).Seconds()),
	}

	// Get process metrics using gopsutil
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectUpstreamHealth(ctx context.Context) types.UpstreamHealth {
	if c.upstream == nil {
		return types.UpstreamHealth{Status: "down"}
	}

	st := c.upstream.Status()
	health := types.UpstreamHealth{
		URL:          c.upstream.URL(),
		BreakerState: st.BreakerState,
		LastSuccess:  st.LastSuccess,
		LastError:    st.LastError,
	}

	// apiinfo.version needs no auth, so it checks reachability alone
	version, err := c.upstream.Version(ctx)
	if err == nil {
		health.Version = version
		health.Connected = true
		c.mu.Lock()
		c.version = version
		c.mu.Unlock()
	} else {
		c.mu.RLock()
		health.Version = c.version
		c.mu.RUnlock()
		if health.LastError == "" {
			health.LastError = err.Error()
		}
	}

	switch {
	case !health.Connected:
		health.Status = "down"
	case st.BreakerState != "closed" && st.BreakerState != "":
		health.Status = "degraded"
	case st.LastError != "" && (st.LastSuccess == nil || c.clock.Since(*st.LastSuccess) > time.Minute):
		health.Status = "degraded"
	default:
		health.Status = "healthy"
	}
	return health
}

func (c *Collector) collectCacheHealth(ctx context.Context) types.CacheHealth {
	var health types.CacheHealth
	if c.cache != nil {
		stats := c.cache.Stats()
		health.Hits = stats.Hits
		health.Misses = stats.Misses
		health.Fallbacks = stats.Fallbacks
		health.Stale = stats.Stale
		if stats.Age != nil {
			age := stats.Age.Seconds()
			health.SnapshotAgeSeconds = &age
		}
	}

	if c.redis != nil {
		health.RedisEnabled = true
		health.RedisConnected = c.redis.Ping(ctx) == nil
	}
	return health
}
