// Package worker contains background workers of the overview service.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Refreshable rebuilds a cached view.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// RefresherConfig holds configuration for the cache warmer.
type RefresherConfig struct {
	// Interval between refreshes. Zero disables the worker.
	Interval time.Duration

	// Timeout bounds one refresh. Defaults to Interval.
	Timeout time.Duration
}

// Refresher keeps the snapshot cache warm so dashboard requests rarely
// wait on an aggregation pass.
type Refresher struct {
	target Refreshable
	config RefresherConfig
	clock  clockwork.Clock
	logger *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	runs     atomic.Int64
	failures atomic.Int64
}

// NewRefresher creates a new cache warmer.
func NewRefresher(target Refreshable, config RefresherConfig, clock clockwork.Clock, logger *slog.Logger) *Refresher {
	if config.Timeout <= 0 {
		config.Timeout = config.Interval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Refresher{
		target: target,
		config: config,
		clock:  clock,
		logger: logger.With("component", "refresher"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins refreshing in a goroutine. It returns false when the worker
// is disabled.
func (w *Refresher) Start(ctx context.Context) bool {
	if w.config.Interval <= 0 {
		w.logger.Info("cache refresher disabled")
		return false
	}
	if !w.started.CompareAndSwap(false, true) {
		return true
	}
	go w.run(ctx)
	return true
}

// Stop signals the worker to stop and waits for the current refresh.
func (w *Refresher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

// Runs returns the number of completed refreshes.
func (w *Refresher) Runs() int64 { return w.runs.Load() }

// Failures returns the number of failed refreshes.
func (w *Refresher) Failures() int64 { return w.failures.Load() }

func (w *Refresher) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("cache refresher started", "interval", w.config.Interval)

	// Run immediately on start
	w.runOnce(ctx)

	ticker := w.clock.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cache refresher stopped", "reason", "context cancelled")
			return
		case <-w.stopCh:
			w.logger.Info("cache refresher stopped")
			return
		case <-ticker.Chan():
			w.runOnce(ctx)
		}
	}
}

func (w *Refresher) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	start := w.clock.Now()
	err := w.target.Refresh(ctx)
	w.runs.Add(1)
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("cache refresh failed", "error", err, "duration", w.clock.Since(start))
		return
	}
	w.logger.Debug("cache refreshed", "duration", w.clock.Since(start))
}
