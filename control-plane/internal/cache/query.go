package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// QueryOptions configures a QueryCache. Zero durations select defaults.
type QueryOptions struct {
	TTL        time.Duration // default 60s
	FailureTTL time.Duration // default 10s
	L2TTL      time.Duration // default 15m

	L2       SecondLevel
	Clock    clockwork.Clock
	Recorder Recorder
}

// Loader fetches a fresh value for a key.
type Loader[T any] func(ctx context.Context) (T, error)

type queryEntry[T any] struct {
	value   T
	err     error
	stale   bool
	expires time.Time
	good    *T
	goodAt  time.Time
}

// QueryCache is a keyed TTL cache with the coalescing and fallback
// behaviour of SnapshotCache. Keys encode the query parameters.
type QueryCache[T any] struct {
	name     string
	opts     QueryOptions
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder Recorder
	group    singleflight.Group

	mu      sync.Mutex
	entries map[string]*queryEntry[T]
}

// NewQueryCache creates a QueryCache. name labels metrics and L2 keys.
func NewQueryCache[T any](name string, opts QueryOptions, logger *slog.Logger) *QueryCache[T] {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
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
	return &QueryCache[T]{
		name:     name,
		opts:     opts,
		clock:    clock,
		logger:   logger.With("component", "query_cache", "cache", name),
		recorder: recorder,
		entries:  make(map[string]*queryEntry[T]),
	}
}

// Get returns the cached value for key or loads it. When the load fails the
// last good value is returned with stale set, together with the error.
// With no good value at all the zero T is returned with the error.
func (q *QueryCache[T]) Get(ctx context.Context, key string, load Loader[T]) (value T, stale bool, err error) {
	q.mu.Lock()
	if e, ok := q.entries[key]; ok && q.clock.Now().Before(e.expires) {
		value, stale, err = e.value, e.stale, e.err
		q.mu.Unlock()
		q.recorder.CacheEvent(q.name, "hit")
		return value, stale, err
	}
	q.mu.Unlock()

	q.recorder.CacheEvent(q.name, "miss")
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := q.group.Do(key, func() (any, error) {
		return q.load(loadCtx, key, load)
	})
	e := v.(queryEntry[T])
	return e.value, e.stale, err
}

func (q *QueryCache[T]) load(ctx context.Context, key string, load Loader[T]) (queryEntry[T], error) {
	value, err := load(ctx)
	now := q.clock.Now()

	q.mu.Lock()
	prev := q.entries[key]
	q.mu.Unlock()

	if err == nil {
		good := value
		e := &queryEntry[T]{value: value, expires: now.Add(q.opts.TTL), good: &good, goodAt: now}
		q.store(key, e)
		if q.opts.L2 != nil {
			if l2err := q.opts.L2.SetJSON(ctx, q.l2Key(key), value, q.opts.L2TTL); l2err != nil {
				q.recorder.CacheEvent(q.name, "l2_error")
				q.logger.Warn("failed to store query result in redis", "key", key, "error", l2err)
			}
		}
		return *e, nil
	}

	e := &queryEntry[T]{err: err, expires: now.Add(q.opts.FailureTTL)}
	switch {
	case prev != nil && prev.good != nil:
		e.value, e.stale, e.good, e.goodAt = *prev.good, true, prev.good, prev.goodAt
	default:
		if v, ok := q.loadL2(ctx, key); ok {
			good := v
			e.value, e.stale, e.good, e.goodAt = v, true, &good, now
		}
	}
	q.store(key, e)

	q.recorder.CacheEvent(q.name, "fallback")
	q.logger.Warn("query failed, serving fallback", "key", key, "stale", e.stale, "error", err)
	return *e, err
}

func (q *QueryCache[T]) loadL2(ctx context.Context, key string) (T, bool) {
	var v T
	if q.opts.L2 == nil {
		return v, false
	}
	found, err := q.opts.L2.GetJSON(ctx, q.l2Key(key), &v)
	if err != nil {
		q.recorder.CacheEvent(q.name, "l2_error")
		q.logger.Warn("failed to read query result from redis", "key", key, "error", err)
		return v, false
	}
	if found {
		q.recorder.CacheEvent(q.name, "l2_hit")
	}
	return v, found
}

// store saves an entry and prunes entries whose last good value is older
// than the L2 TTL.
func (q *QueryCache[T]) store(key string, e *queryEntry[T]) {
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[key] = e
	for k, old := range q.entries {
		if now.After(old.expires) && now.Sub(old.goodAt) > q.opts.L2TTL {
			delete(q.entries, k)
		}
	}
}

func (q *QueryCache[T]) l2Key(key string) string {
	return "query:" + q.name + ":" + key
}

// Len returns the number of cached keys.
func (q *QueryCache[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
