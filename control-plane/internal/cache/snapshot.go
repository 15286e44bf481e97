package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/pilot-net/netoverview/pkg/types"
)

const snapshotKey = "snapshot:overview"

// Builder performs one aggregation pass.
type Builder func(ctx context.Context) (types.InfraOverviewSnapshot, error)

// SnapshotOptions configures a SnapshotCache. Zero durations select defaults.
type SnapshotOptions struct {
	TTL        time.Duration // default 30s
	FailureTTL time.Duration // default 10s
	L2TTL      time.Duration // default 15m

	L2       SecondLevel // optional
	Clock    clockwork.Clock
	Recorder Recorder

	// IsFatal marks build errors that reach readers even when a previous
	// snapshot can be served. Nil treats every error as recoverable.
	IsFatal func(error) bool
}

// SnapshotCache is a single-entry TTL cache in front of a Builder.
//
// Concurrent misses share one build. After a failed build the cache serves
// the last good snapshot, marked stale and disconnected, for FailureTTL
// before trying again. Readers only see the build error when there is no
// previous snapshot or the error is fatal.
type SnapshotCache struct {
	build    Builder
	opts     SnapshotOptions
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder Recorder
	group    singleflight.Group

	mu         sync.Mutex
	current    *types.InfraOverviewSnapshot
	currentErr error // error served with current
	failed     bool  // current is a fallback
	expires    time.Time
	lastGood   *types.InfraOverviewSnapshot

	hits      atomic.Int64
	misses    atomic.Int64
	fallbacks atomic.Int64
}

// NewSnapshotCache creates a SnapshotCache.
func NewSnapshotCache(build Builder, opts SnapshotOptions, logger *slog.Logger) *SnapshotCache {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = 10 * time.Second
	}
	if opts.L2TTL <= 0 {
		opts.L2TTL = 15 * time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.IsFatal == nil {
		opts.IsFatal = func(error) bool { return false }
	}
	return &SnapshotCache{
		build:    build,
		opts:     opts,
		clock:    clock,
		logger:   logger.With("component", "snapshot_cache"),
		recorder: recorder,
	}
}

// Get returns the cached snapshot, building a new one when it has expired.
// The snapshot is always well-formed. A failed build served from a previous
// snapshot carries LastError and no error; the error is returned only on a
// cold start or a fatal failure.
func (c *SnapshotCache) Get(ctx context.Context) (types.InfraOverviewSnapshot, error) {
	c.mu.Lock()
	if c.current != nil && c.clock.Now().Before(c.expires) {
		snap, err := c.current.Copy(), c.currentErr
		c.mu.Unlock()
		c.hits.Add(1)
		c.recorder.CacheEvent("snapshot", "hit")
		return snap, err
	}
	c.mu.Unlock()

	c.misses.Add(1)
	c.recorder.CacheEvent("snapshot", "miss")
	res, _ := c.do(ctx)
	return res.snap.Copy(), res.served
}

// Refresh builds a new snapshot regardless of TTL. Concurrent calls share
// one build. Unlike Get it reports every build failure, including those
// covered by a fallback.
func (c *SnapshotCache) Refresh(ctx context.Context) (types.InfraOverviewSnapshot, error) {
	res, err := c.do(ctx)
	return res.snap.Copy(), err
}

type buildResult struct {
	snap   types.InfraOverviewSnapshot
	served error
}

func (c *SnapshotCache) do(ctx context.Context) (buildResult, error) {
	// The shared build must not die with the first caller's request.
	buildCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(snapshotKey, func() (any, error) {
		return c.refresh(buildCtx)
	})
	return v.(buildResult), err
}

func (c *SnapshotCache) refresh(ctx context.Context) (buildResult, error) {
	start := c.clock.Now()
	snap, err := c.build(ctx)
	now := c.clock.Now()

	if err == nil {
		stored := snap.Copy()
		c.mu.Lock()
		c.current = &stored
		c.currentErr = nil
		c.failed = false
		c.lastGood = &stored
		c.expires = now.Add(c.opts.TTL)
		c.mu.Unlock()

		c.logger.Debug("snapshot refreshed", "hosts", snap.TotalHosts, "degraded", len(snap.Degraded), "duration", now.Sub(start))
		c.storeL2(ctx, stored)
		return buildResult{snap: stored}, nil
	}

	fallback, warm := c.fallback(ctx, now, err)
	served := err
	if warm && !c.opts.IsFatal(err) {
		served = nil
	}
	c.mu.Lock()
	c.current = &fallback
	c.currentErr = served
	c.failed = true
	c.expires = now.Add(c.opts.FailureTTL)
	c.mu.Unlock()

	c.fallbacks.Add(1)
	c.recorder.CacheEvent("snapshot", "fallback")
	c.logger.Warn("snapshot build failed, serving fallback", "error", err, "stale", fallback.Stale)
	return buildResult{snap: fallback, served: served}, err
}

// fallback derives the degraded snapshot served after a failed build. warm
// reports whether it carries the data of a previous snapshot.
func (c *SnapshotCache) fallback(ctx context.Context, now time.Time, cause error) (snap types.InfraOverviewSnapshot, warm bool) {
	c.mu.Lock()
	good := c.lastGood
	c.mu.Unlock()

	if good == nil {
		good = c.loadL2(ctx)
	}

	var out types.InfraOverviewSnapshot
	if good != nil {
		out = good.Copy()
		out.Stale = true
	} else {
		out = types.EmptySnapshot(now)
	}
	out.Connected = false
	out.Timestamp = now
	out.LastError = cause.Error()
	return out, good != nil
}

func (c *SnapshotCache) storeL2(ctx context.Context, snap types.InfraOverviewSnapshot) {
	if c.opts.L2 == nil {
		return
	}
	if err := c.opts.L2.SetJSON(ctx, snapshotKey, snap, c.opts.L2TTL); err != nil {
		c.recorder.CacheEvent("snapshot", "l2_error")
		c.logger.Warn("failed to store snapshot in redis", "error", err)
	}
}

func (c *SnapshotCache) loadL2(ctx context.Context) *types.InfraOverviewSnapshot {
	if c.opts.L2 == nil {
		return nil
	}
	var snap types.InfraOverviewSnapshot
	found, err := c.opts.L2.GetJSON(ctx, snapshotKey, &snap)
	if err != nil {
		c.recorder.CacheEvent("snapshot", "l2_error")
		c.logger.Warn("failed to read snapshot from redis", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	c.recorder.CacheEvent("snapshot", "l2_hit")

	c.mu.Lock()
	if c.lastGood == nil {
		c.lastGood = &snap
	}
	c.mu.Unlock()
	return &snap
}

// Stats reports cache counters and the age of the last good snapshot.
func (c *SnapshotCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := types.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fallbacks: c.fallbacks.Load(),
		Stale:     c.current != nil && c.failed,
	}
	if c.lastGood != nil {
		age := c.clock.Since(c.lastGood.Timestamp)
		stats.Age = &age
	}
	return stats
}
