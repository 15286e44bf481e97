package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/netoverview/control-plane/internal/normalize"
	"github.com/pilot-net/netoverview/control-plane/internal/sampler"
	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

// Query windows.
const (
	DefaultWindow = 24 * time.Hour
	MaxWindow     = 30 * 24 * time.Hour
)

// ErrInvalidWindow is returned for windows longer than MaxWindow.
var ErrInvalidWindow = errors.New("invalid window")

// HistoryQuery selects the hosts and window of a history query. Empty
// filters match every host.
type HistoryQuery struct {
	Window time.Duration
	Type   types.EquipmentType
	Site   string
	HostID string
}

func (q HistoryQuery) key() string {
	return strings.Join([]string{types.FormatBucket(q.Window), string(q.Type), q.Site, q.HostID}, "|")
}

func (q HistoryQuery) matches(h *types.Host) bool {
	if q.HostID != "" && h.ID != q.HostID {
		return false
	}
	if q.Type != "" && h.Type != q.Type {
		return false
	}
	if q.Site != "" && h.Site != q.Site {
		return false
	}
	return true
}

// checkWindow applies the default window and rejects oversized ones.
func checkWindow(window time.Duration) (time.Duration, error) {
	if window <= 0 {
		return DefaultWindow, nil
	}
	if window > MaxWindow {
		return 0, fmt.Errorf("%w: %s exceeds %s", ErrInvalidWindow, types.FormatBucket(window), types.FormatBucket(MaxWindow))
	}
	return window, nil
}

// =============================================================================
// LATENCY / BANDWIDTH HISTORY
// =============================================================================

// GetLatencyHistory returns down-sampled latency series (ms) per host.
func (s *Service) GetLatencyHistory(ctx context.Context, q HistoryQuery) (types.HistoryResult, error) {
	return s.history(ctx, zabbix.HistoryLatency, q)
}

// GetBandwidthHistory returns down-sampled inbound and outbound series
// (Mbps) per host. Interfaces of one host are summed.
func (s *Service) GetBandwidthHistory(ctx context.Context, q HistoryQuery) (types.HistoryResult, error) {
	return s.history(ctx, zabbix.HistoryBandwidth, q)
}

func (s *Service) history(ctx context.Context, kind zabbix.HistoryKind, q HistoryQuery) (types.HistoryResult, error) {
	window, err := checkWindow(q.Window)
	if err != nil {
		return types.HistoryResult{}, err
	}
	q.Window = window

	qc := s.latency
	if kind == zabbix.HistoryBandwidth {
		qc = s.bandwidth
	}

	result, stale, err := qc.Get(ctx, q.key(), func(ctx context.Context) (types.HistoryResult, error) {
		return s.loadHistory(ctx, kind, q)
	})
	if stale {
		result.Connected = false
	}
	if err != nil && !stale {
		now := s.clock.Now()
		result = types.HistoryResult{
			Window: types.FormatBucket(window),
			Bucket: types.FormatBucket(sampler.BucketFor(window)),
			From:   now.Add(-window),
			Till:   now,
			Series: []types.HostSeries{},
		}
	}
	return result, err
}

// loadHistory reads history in host batches. A failed batch leaves its
// hosts out of the result; only a failure of every batch is an error.
func (s *Service) loadHistory(ctx context.Context, kind zabbix.HistoryKind, q HistoryQuery) (types.HistoryResult, error) {
	snap, snapErr := s.snapshots.Get(ctx)
	if len(snap.Hosts) == 0 && snapErr != nil {
		return types.HistoryResult{}, fmt.Errorf("listing hosts: %w", snapErr)
	}

	var hosts []types.Host
	for i := range snap.Hosts {
		if q.matches(&snap.Hosts[i]) {
			hosts = append(hosts, snap.Hosts[i])
		}
	}
	if len(hosts) > s.opts.MaxHistoryHosts {
		s.logger.Info("history query capped", "matched", len(hosts), "max", s.opts.MaxHistoryHosts)
		hosts = hosts[:s.opts.MaxHistoryHosts]
	}

	till := s.clock.Now()
	from := till.Add(-q.Window)
	bucket := sampler.BucketFor(q.Window)
	result := types.HistoryResult{
		Window:    types.FormatBucket(q.Window),
		Bucket:    types.FormatBucket(bucket),
		From:      from,
		Till:      till,
		Series:    []types.HostSeries{},
		Connected: true,
	}
	if len(hosts) == 0 {
		return result, nil
	}

	batches := chunk(hostIDs(hosts), s.opts.MetricsBatchSize)
	results := make([][]zabbix.ItemHistory, len(batches))
	errs := make([]error, len(batches))

	var g errgroup.Group
	g.SetLimit(s.opts.MaxInFlight)
	for i, batch := range batches {
		g.Go(func() error {
			if q.HostID != "" {
				results[i], errs[i] = s.fetchHostHistory(ctx, kind, q.HostID, from, till)
				return nil
			}
			results[i], errs[i] = s.upstream.FetchHistory(ctx, kind, batch, from, till)
			return nil
		})
	}
	_ = g.Wait()

	var histories []zabbix.ItemHistory
	var firstErr error
	for i := range batches {
		if errs[i] != nil {
			s.logger.Warn("history batch failed", "kind", kind, "batch", i, "error", errs[i])
			result.Degraded = append(result.Degraded, batches[i]...)
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		histories = append(histories, results[i]...)
	}
	if len(result.Degraded) == len(hosts) {
		return types.HistoryResult{}, fmt.Errorf("reading %s history: %w", kind, firstErr)
	}

	result.Series = s.buildSeries(hosts, histories, bucket, from, till)
	return result, nil
}

// fetchHostHistory reads the history of a single host.
func (s *Service) fetchHostHistory(ctx context.Context, kind zabbix.HistoryKind, hostID string, from, till time.Time) ([]zabbix.ItemHistory, error) {
	if kind == zabbix.HistoryBandwidth {
		in, out, err := s.upstream.FetchBandwidthHistory(ctx, hostID, from, till)
		if err != nil {
			return nil, err
		}
		return append(in, out...), nil
	}
	points, err := s.upstream.FetchLatencyHistory(ctx, hostID, from, till)
	if err != nil {
		return nil, err
	}
	return []zabbix.ItemHistory{{HostID: hostID, Key: "icmppingsec", Points: points}}, nil
}

type hostSamples struct {
	latency []types.Sample
	in      [][]types.Sample
	out     [][]types.Sample
}

// buildSeries turns item histories into per-host series. Latency items of
// one host are averaged per bucket; interface items are bucketed and summed.
func (s *Service) buildSeries(hosts []types.Host, histories []zabbix.ItemHistory, bucket time.Duration, from, till time.Time) []types.HostSeries {
	byHost := make(map[string]*hostSamples)
	for _, h := range histories {
		acc, ok := byHost[h.HostID]
		if !ok {
			acc = &hostSamples{}
			byHost[h.HostID] = acc
		}
		samples := sampler.Clip(s.normalizer.ItemSamples(h), from, till)
		if name, _ := normalize.SplitKey(h.Key); name == "icmppingsec" {
			acc.latency = append(acc.latency, samples...)
			continue
		}
		switch dir, _ := normalize.TrafficDirection(h.Key); dir {
		case "in":
			acc.in = append(acc.in, sampler.Downsample(samples, bucket))
		case "out":
			acc.out = append(acc.out, sampler.Downsample(samples, bucket))
		}
	}

	label := types.FormatBucket(bucket)
	series := []types.HostSeries{}
	for i := range hosts {
		h := &hosts[i]
		acc, ok := byHost[h.ID]
		if !ok {
			continue
		}
		add := func(kind types.SeriesKind, points []types.Sample) {
			if len(points) == 0 {
				return
			}
			series = append(series, types.HostSeries{
				HostID:   h.ID,
				HostName: h.Name,
				Site:     h.Site,
				Type:     h.Type,
				Kind:     kind,
				Bucket:   label,
				Points:   points,
			})
		}
		add(types.SeriesLatency, sampler.Downsample(acc.latency, bucket))
		add(types.SeriesBandwidthIn, sampler.Sum(acc.in...))
		add(types.SeriesBandwidthOut, sampler.Sum(acc.out...))
	}

	slices.SortStableFunc(series, func(a, b types.HostSeries) int {
		return cmp.Compare(a.HostName, b.HostName)
	})
	return series
}

// =============================================================================
// OUTAGES
// =============================================================================

// GetOutageEvents reconstructs outages from the problem history of the
// window ending now.
func (s *Service) GetOutageEvents(ctx context.Context, window time.Duration) (types.OutageReport, error) {
	window, err := checkWindow(window)
	if err != nil {
		return types.OutageReport{}, err
	}

	report, stale, err := s.outageQ.Get(ctx, types.FormatBucket(window), func(ctx context.Context) (types.OutageReport, error) {
		return s.loadOutages(ctx, window)
	})
	if stale {
		report.Connected = false
	}
	if err != nil && !stale {
		now := s.clock.Now()
		report = types.OutageReport{
			WindowStart:    now.Add(-window),
			WindowEnd:      now,
			Events:         []types.OutageEvent{},
			DowntimeByHost: map[string]time.Duration{},
		}
	}
	return report, err
}

func (s *Service) loadOutages(ctx context.Context, window time.Duration) (types.OutageReport, error) {
	till := s.clock.Now()
	from := till.Add(-window)

	raw, err := s.upstream.FetchProblemHistory(ctx, from, till)
	if err != nil {
		return types.OutageReport{}, fmt.Errorf("reading problem history: %w", err)
	}
	report := s.outages.Report(s.normalizer.ProblemRecords(raw), from, till)

	// Sites come from the snapshot; a missing snapshot only loses the site
	snap, _ := s.snapshots.Get(ctx)
	byID := make(map[string]*types.Host, len(snap.Hosts))
	for i := range snap.Hosts {
		byID[snap.Hosts[i].ID] = &snap.Hosts[i]
	}
	for i := range report.Events {
		ev := &report.Events[i]
		if h, ok := byID[ev.HostID]; ok {
			ev.Site = h.Site
			if ev.HostName == "" {
				ev.HostName = h.Name
			}
		}
	}
	if report.Events == nil {
		report.Events = []types.OutageEvent{}
	}
	return report, nil
}
