// Package service orchestrates aggregation passes over the monitoring API
// and serves the read operations of the overview.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/netoverview/control-plane/internal/aggregate"
	"github.com/pilot-net/netoverview/control-plane/internal/cache"
	"github.com/pilot-net/netoverview/control-plane/internal/classify"
	"github.com/pilot-net/netoverview/control-plane/internal/health"
	"github.com/pilot-net/netoverview/control-plane/internal/metrics"
	"github.com/pilot-net/netoverview/control-plane/internal/normalize"
	"github.com/pilot-net/netoverview/control-plane/internal/outage"
	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

// Upstream is the subset of the Zabbix client the service reads from.
type Upstream interface {
	FetchHosts(ctx context.Context) ([]zabbix.RawHost, error)
	FetchItems(ctx context.Context, hostIDs []string) ([]zabbix.RawItem, error)
	FetchActiveProblems(ctx context.Context) ([]zabbix.RawProblem, error)
	FetchProblemHistory(ctx context.Context, from, till time.Time) ([]zabbix.RawEvent, error)
	FetchHistory(ctx context.Context, kind zabbix.HistoryKind, hostIDs []string, from, till time.Time) ([]zabbix.ItemHistory, error)
	FetchLatencyHistory(ctx context.Context, hostID string, from, till time.Time) ([]zabbix.RawHistory, error)
	FetchBandwidthHistory(ctx context.Context, hostID string, from, till time.Time) (in, out []zabbix.ItemHistory, err error)
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	MetricsBatchSize int // host ids per item.get / history call, default 50
	MaxInFlight      int // concurrent upstream calls per pass, default 8
	MaxHistoryHosts  int // hosts read by one history query, default 100
	RankingSize      int // top-N in the snapshot, default 10
	MergeThreshold   time.Duration
	EmitUnassigned   bool

	SnapshotTTL time.Duration
	FailureTTL  time.Duration
	HistoryTTL  time.Duration
	L2TTL       time.Duration
	L2          cache.SecondLevel // optional Redis second level

	Clock   clockwork.Clock
	Metrics *metrics.Metrics // optional
}

func (o *Options) setDefaults() {
	if o.MetricsBatchSize <= 0 {
		o.MetricsBatchSize = 50
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 8
	}
	if o.MaxHistoryHosts <= 0 {
		o.MaxHistoryHosts = 100
	}
	if o.RankingSize <= 0 {
		o.RankingSize = 10
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Service builds overview snapshots and answers read queries.
type Service struct {
	upstream   Upstream
	normalizer *normalize.Normalizer
	classifier *classify.Classifier
	scorer     *health.Scorer
	aggregator *aggregate.Aggregator
	outages    *outage.Reconstructor
	opts       Options
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	snapshots *cache.SnapshotCache
	latency   *cache.QueryCache[types.HistoryResult]
	bandwidth *cache.QueryCache[types.HistoryResult]
	outageQ   *cache.QueryCache[types.OutageReport]
}

// NewService creates a service reading from upstream.
func NewService(upstream Upstream, classifier *classify.Classifier, scorer *health.Scorer, opts Options, logger *slog.Logger) *Service {
	opts.setDefaults()
	logger = logger.With("component", "service")

	s := &Service{
		upstream:   upstream,
		normalizer: normalize.New(logger),
		classifier: classifier,
		scorer:     scorer,
		aggregator: aggregate.New(aggregate.Options{
			EmitUnassigned: opts.EmitUnassigned,
			SiteName:       classifier.SiteName,
		}),
		outages: outage.New(opts.MergeThreshold, opts.Clock),
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  logger,
	}

	// A nil *metrics.Metrics must not become a non-nil Recorder
	var recorder cache.Recorder
	if opts.Metrics != nil {
		recorder = opts.Metrics
	}

	s.snapshots = cache.NewSnapshotCache(s.buildSnapshot, cache.SnapshotOptions{
		TTL:        opts.SnapshotTTL,
		FailureTTL: opts.FailureTTL,
		L2TTL:      opts.L2TTL,
		L2:         opts.L2,
		Clock:      opts.Clock,
		Recorder:   recorder,
		IsFatal:    isFatal,
	}, logger)

	queryOpts := cache.QueryOptions{
		TTL:        opts.HistoryTTL,
		FailureTTL: opts.FailureTTL,
		L2TTL:      opts.L2TTL,
		L2:         opts.L2,
		Clock:      opts.Clock,
		Recorder:   recorder,
	}
	s.latency = cache.NewQueryCache[types.HistoryResult]("latency", queryOpts, logger)
	s.bandwidth = cache.NewQueryCache[types.HistoryResult]("bandwidth", queryOpts, logger)
	s.outageQ = cache.NewQueryCache[types.OutageReport]("outages", queryOpts, logger)
	return s
}

// ClassifierRules returns the active classification rules in match order.
func (s *Service) ClassifierRules() []classify.Rule {
	return s.classifier.Rules()
}

// isFatal reports upstream errors that a stale snapshot must not hide.
func isFatal(err error) bool {
	return errors.Is(err, zabbix.ErrFatal)
}

// Stats returns snapshot cache counters.
func (s *Service) Stats() types.CacheStats {
	return s.snapshots.Stats()
}

// =============================================================================
// OVERVIEW
// =============================================================================

// ErrStaleSnapshot is returned by list reads answered from a fallback
// snapshot after a failed refresh.
var ErrStaleSnapshot = errors.New("upstream unavailable, serving last good snapshot")

// GetOverview returns the current overview snapshot. The snapshot is always
// well-formed. After a failed refresh it is the last good snapshot marked
// stale, with LastError set and a nil error; an error is returned only when
// no previous snapshot exists or the failure is fatal.
func (s *Service) GetOverview(ctx context.Context) (types.InfraOverviewSnapshot, error) {
	snap, err := s.snapshots.Get(ctx)
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(&snap)
	}
	return snap, err
}

// Refresh rebuilds the snapshot regardless of its age.
func (s *Service) Refresh(ctx context.Context) error {
	_, err := s.snapshots.Refresh(ctx)
	return err
}

// current reads the snapshot for list operations, turning a stale fallback
// into ErrStaleSnapshot so callers can report the upstream problem.
func (s *Service) current(ctx context.Context) (types.InfraOverviewSnapshot, error) {
	snap, err := s.GetOverview(ctx)
	if err == nil && snap.Stale {
		err = fmt.Errorf("%w: %s", ErrStaleSnapshot, snap.LastError)
	}
	return snap, err
}

// GetHosts returns the hosts of the current snapshot, optionally filtered
// by equipment type.
func (s *Service) GetHosts(ctx context.Context, typeFilter types.EquipmentType) ([]types.Host, error) {
	snap, err := s.current(ctx)
	return aggregate.FilterHosts(snap.Hosts, typeFilter), err
}

// GetProblems returns active problems matching filter, worst first.
func (s *Service) GetProblems(ctx context.Context, filter types.ProblemFilter) ([]types.Problem, error) {
	snap, err := s.current(ctx)
	return aggregate.FilterProblems(snap.Problems, filter), err
}

// GetSites returns the per-site rollups of the current snapshot.
func (s *Service) GetSites(ctx context.Context) ([]types.Site, error) {
	snap, err := s.current(ctx)
	return snap.Sites, err
}

// GetRankings returns the latency and bandwidth top-n.
func (s *Service) GetRankings(ctx context.Context, n int) (types.Rankings, error) {
	snap, err := s.current(ctx)
	return types.Rankings{
		Latency:   aggregate.LatencyRanking(snap.Hosts, n),
		Bandwidth: aggregate.BandwidthRanking(snap.Hosts, n),
		Timestamp: snap.Timestamp,
		Connected: snap.Connected,
	}, err
}

// GetWirelessClients returns wireless client counts per site and per AP.
func (s *Service) GetWirelessClients(ctx context.Context) (types.WirelessSummary, error) {
	snap, err := s.current(ctx)
	return snap.Wireless, err
}

// =============================================================================
// AGGREGATION PASS
// =============================================================================

// buildSnapshot runs one aggregation pass. Only a failed host listing
// fails the pass; other failed queries are recorded in Degraded.
func (s *Service) buildSnapshot(ctx context.Context) (types.InfraOverviewSnapshot, error) {
	start := s.clock.Now()

	var (
		rawHosts    []zabbix.RawHost
		hostsErr    error
		rawProblems []zabbix.RawProblem
		problemsErr error
	)

	// Tasks never return an error, so one failure does not cancel the other
	var g errgroup.Group
	g.Go(func() error {
		rawHosts, hostsErr = s.upstream.FetchHosts(ctx)
		return nil
	})
	g.Go(func() error {
		rawProblems, problemsErr = s.upstream.FetchActiveProblems(ctx)
		return nil
	})
	_ = g.Wait()

	if hostsErr != nil {
		s.observePass(start, false)
		return types.InfraOverviewSnapshot{}, fmt.Errorf("fetching hosts: %w", hostsErr)
	}

	now := s.clock.Now()
	var degraded []string

	hosts := s.normalizer.Hosts(rawHosts)
	s.classifier.Apply(hosts)

	problems := []types.Problem{}
	if problemsErr != nil {
		s.logger.Warn("active problems unavailable", "error", problemsErr)
		degraded = append(degraded, "problems")
	} else {
		problems = s.normalizer.Problems(rawProblems, now)
	}

	items, failed := s.fetchItems(ctx, hostIDs(hosts))
	degraded = append(degraded, failed...)
	s.normalizer.ApplyItems(hosts, items)

	snap := s.assemble(hosts, problems, now)
	snap.Degraded = degraded

	s.observePass(start, len(degraded) > 0)
	s.logger.Debug("aggregation pass complete",
		"hosts", snap.TotalHosts,
		"problems", snap.TotalProblems,
		"score", snap.HealthScore,
		"degraded", degraded,
		"duration", s.clock.Since(start))
	return snap, nil
}

// fetchItems reads items in host batches with bounded concurrency. It
// returns what it could read and the names of the failed batches.
func (s *Service) fetchItems(ctx context.Context, ids []string) ([]zabbix.RawItem, []string) {
	batches := chunk(ids, s.opts.MetricsBatchSize)
	results := make([][]zabbix.RawItem, len(batches))
	errs := make([]error, len(batches))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxInFlight)
	for i, batch := range batches {
		g.Go(func() error {
			results[i], errs[i] = s.upstream.FetchItems(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()

	var items []zabbix.RawItem
	var failed []string
	for i := range batches {
		if errs[i] != nil {
			s.logger.Warn("item batch failed", "batch", i, "hosts", len(batches[i]), "error", errs[i])
			failed = append(failed, fmt.Sprintf("items:batch-%d", i))
			continue
		}
		items = append(items, results[i]...)
	}
	return items, failed
}

// assemble computes every derived view from normalized hosts and problems.
func (s *Service) assemble(hosts []types.Host, problems []types.Problem, now time.Time) types.InfraOverviewSnapshot {
	aggregate.AnnotateProblems(hosts, problems)
	online, offline, unknown := aggregate.StatusCounts(hosts)
	counts := aggregate.ProblemCounts(problems)

	return types.InfraOverviewSnapshot{
		ID:              uuid.New().String(),
		Timestamp:       now,
		Connected:       true,
		TotalHosts:      len(hosts),
		OnlineHosts:     online,
		OfflineHosts:    offline,
		UnknownHosts:    unknown,
		UptimePercent:   aggregate.UptimePercent(hosts),
		ProblemCounts:   counts,
		TotalProblems:   counts.Total(),
		HealthScore:     s.scorer.Score(hosts, problems),
		Sites:           s.aggregator.Sites(hosts),
		Problems:        aggregate.FilterProblems(problems, types.ProblemFilter{}),
		Hosts:           hosts,
		EquipmentCounts: aggregate.EquipmentCounts(hosts),
		Wireless:        aggregate.WirelessClients(hosts),
		LatencyTop:      aggregate.LatencyRanking(hosts, s.opts.RankingSize),
		BandwidthTop:    aggregate.BandwidthRanking(hosts, s.opts.RankingSize),
	}
}

func (s *Service) observePass(start time.Time, degraded bool) {
	if s.metrics != nil {
		s.metrics.ObserveAggregation(s.clock.Since(start), degraded)
	}
}

func hostIDs(hosts []types.Host) []string {
	ids := make([]string, len(hosts))
	for i := range hosts {
		ids[i] = hosts[i].ID
	}
	return ids
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
