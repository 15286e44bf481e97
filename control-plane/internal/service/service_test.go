package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pilot-net/netoverview/control-plane/internal/classify"
	"github.com/pilot-net/netoverview/control-plane/internal/health"
	"github.com/pilot-net/netoverview/control-plane/internal/metrics"
	"github.com/pilot-net/netoverview/control-plane/internal/testutil"
	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// mockUpstream implements Upstream with canned data.
type mockUpstream struct {
	mu sync.Mutex

	hosts       []zabbix.RawHost
	hostsErr    error
	items       []zabbix.RawItem
	itemsFail   func(ids []string) error
	problems    []zabbix.RawProblem
	problemsErr error
	events      []zabbix.RawEvent
	eventsErr   error
	history     []zabbix.ItemHistory
	historyFail func(ids []string) error

	calls map[string]int
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{calls: make(map[string]int)}
}

func (m *mockUpstream) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockUpstream) FetchHosts(ctx context.Context) ([]zabbix.RawHost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["host.get"]++
	return m.hosts, m.hostsErr
}

func (m *mockUpstream) FetchItems(ctx context.Context, ids []string) ([]zabbix.RawItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["item.get"]++
	if m.itemsFail != nil {
		if err := m.itemsFail(ids); err != nil {
			return nil, err
		}
	}
	var out []zabbix.RawItem
	for _, it := range m.items {
		if slices.Contains(ids, it.HostID) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockUpstream) FetchActiveProblems(ctx context.Context) ([]zabbix.RawProblem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["problem.get"]++
	return m.problems, m.problemsErr
}

func (m *mockUpstream) FetchProblemHistory(ctx context.Context, from, till time.Time) ([]zabbix.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["event.get"]++
	return m.events, m.eventsErr
}

func (m *mockUpstream) FetchHistory(ctx context.Context, kind zabbix.HistoryKind, ids []string, from, till time.Time) ([]zabbix.ItemHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["history.get"]++
	if m.historyFail != nil {
		if err := m.historyFail(ids); err != nil {
			return nil, err
		}
	}
	var out []zabbix.ItemHistory
	for _, h := range m.history {
		if slices.Contains(ids, h.HostID) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockUpstream) hostHistory(hostID string) ([]zabbix.ItemHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["host_history"]++
	if m.historyFail != nil {
		if err := m.historyFail([]string{hostID}); err != nil {
			return nil, err
		}
	}
	var out []zabbix.ItemHistory
	for _, h := range m.history {
		if h.HostID == hostID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockUpstream) FetchLatencyHistory(ctx context.Context, hostID string, from, till time.Time) ([]zabbix.RawHistory, error) {
	items, err := m.hostHistory(hostID)
	if err != nil {
		return nil, err
	}
	var points []zabbix.RawHistory
	for _, it := range items {
		if it.Key == "icmppingsec" {
			points = append(points, it.Points...)
		}
	}
	return points, nil
}

func (m *mockUpstream) FetchBandwidthHistory(ctx context.Context, hostID string, from, till time.Time) (in, out []zabbix.ItemHistory, err error) {
	items, err := m.hostHistory(hostID)
	if err != nil {
		return nil, nil, err
	}
	for _, it := range items {
		switch {
		case strings.HasPrefix(it.Key, "net.if.in"):
			in = append(in, it)
		case strings.HasPrefix(it.Key, "net.if.out"):
			out = append(out, it)
		}
	}
	return in, out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func rawHost(id, name, available string) zabbix.RawHost {
	return zabbix.RawHost{
		HostID: id,
		Host:   name,
		Name:   name,
		Interfaces: []zabbix.RawInterface{{
			InterfaceID: "if" + id,
			IP:          "10.0.0." + id,
			Main:        "1",
			Available:   available,
		}},
	}
}

func rawItem(hostID, key, value, units string) zabbix.RawItem {
	return zabbix.RawItem{
		ItemID:    hostID + key,
		HostID:    hostID,
		Key:       key,
		LastValue: value,
		LastClock: "1709290000",
		Units:     units,
	}
}

func unixStr(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func points(values map[time.Time]string) []zabbix.RawHistory {
	var out []zabbix.RawHistory
	for t, v := range values {
		out = append(out, zabbix.RawHistory{Clock: unixStr(t), Value: v})
	}
	return out
}

// seedNetwork loads three hosts: an OLT and a router online in LCH, an
// offline access point in BSB with a high problem.
func seedNetwork(m *mockUpstream) {
	m.hosts = []zabbix.RawHost{
		rawHost("1", "OLT-LCH-01", "1"),
		rawHost("2", "RTR-LCH-01", "1"),
		rawHost("3", "AP-BSB-02", "2"),
	}
	m.items = []zabbix.RawItem{
		rawItem("1", "icmppingsec", "0.012", "s"),
		rawItem("2", "net.if.in[ether1]", "1250000", "Bps"),
		rawItem("3", "wireless.clients", "15", ""),
	}
	m.problems = []zabbix.RawProblem{{
		EventID:  "900",
		Name:     "Unavailable by ICMP ping",
		Severity: "4",
		Clock:    unixStr(base.Add(-10 * time.Minute)),
		Hosts:    []zabbix.RawHostRef{{HostID: "3", Name: "AP-BSB-02"}},
	}}
}

func newTestService(t *testing.T, up Upstream, opts Options) (*Service, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base)
	opts.Clock = clock
	scorer, err := health.New(health.DefaultWeights())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	return NewService(up, classify.Default(), scorer, opts, testutil.NewTestLogger()), clock
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func findHost(hosts []types.Host, id string) *types.Host {
	for i := range hosts {
		if hosts[i].ID == id {
			return &hosts[i]
		}
	}
	return nil
}

// =============================================================================
// OVERVIEW
// =============================================================================

func TestOverviewBuild(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc, _ := newTestService(t, up, Options{Metrics: m})

	snap, err := svc.GetOverview(context.Background())
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}

	if !snap.Connected || snap.Stale || snap.ID == "" || !snap.Timestamp.Equal(base) {
		t.Errorf("snapshot header = connected %v stale %v id %q ts %v", snap.Connected, snap.Stale, snap.ID, snap.Timestamp)
	}
	if snap.TotalHosts != 3 || snap.OnlineHosts != 2 || snap.OfflineHosts != 1 {
		t.Errorf("counts = %d/%d/%d", snap.TotalHosts, snap.OnlineHosts, snap.OfflineHosts)
	}
	if len(snap.Degraded) != 0 {
		t.Errorf("degraded = %v", snap.Degraded)
	}

	olt := findHost(snap.Hosts, "1")
	if olt == nil || olt.Type != types.EquipmentOLT || olt.Site != "LCH" {
		t.Fatalf("olt = %+v", olt)
	}
	if olt.LatencyMs == nil || !approx(*olt.LatencyMs, 12) {
		t.Errorf("olt latency = %v, want 12", olt.LatencyMs)
	}
	rtr := findHost(snap.Hosts, "2")
	if rtr.BandwidthInMbps == nil || *rtr.BandwidthInMbps != 10 {
		t.Errorf("router in = %v, want 10", rtr.BandwidthInMbps)
	}
	ap := findHost(snap.Hosts, "3")
	if ap.ActiveProblems != 1 || ap.WorstSeverity == nil || *ap.WorstSeverity != types.SeverityHigh {
		t.Errorf("ap problems = %d worst %v", ap.ActiveProblems, ap.WorstSeverity)
	}

	if len(snap.Sites) != 2 || snap.Sites[0].Code != "BSB" || snap.Sites[1].UpHosts != 2 {
		t.Errorf("sites = %+v", snap.Sites)
	}
	if snap.TotalProblems != 1 || snap.ProblemCounts.Get(types.SeverityHigh) != 1 {
		t.Errorf("problems = %d", snap.TotalProblems)
	}
	if snap.EquipmentCounts[types.EquipmentOLT] != 1 || snap.EquipmentCounts[types.EquipmentAccessPoint] != 1 {
		t.Errorf("equipment = %v", snap.EquipmentCounts)
	}
	if snap.Wireless.Total != 15 {
		t.Errorf("wireless total = %d, want 15", snap.Wireless.Total)
	}
	if len(snap.LatencyTop) != 1 || snap.LatencyTop[0].HostID != "1" {
		t.Errorf("latency top = %+v", snap.LatencyTop)
	}

	scorer, _ := health.New(health.DefaultWeights())
	if want := scorer.Score(snap.Hosts, snap.Problems); snap.HealthScore != want {
		t.Errorf("score = %d, want %d", snap.HealthScore, want)
	}
	if got := promtest.ToFloat64(m.HealthScore); got != float64(snap.HealthScore) {
		t.Errorf("exported score = %v, want %d", got, snap.HealthScore)
	}
}

func TestOverviewCachedWithinTTL(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	svc, clock := newTestService(t, up, Options{})
	ctx := context.Background()

	first, _ := svc.GetOverview(ctx)
	second, _ := svc.GetOverview(ctx)
	if first.ID != second.ID || up.count("host.get") != 1 {
		t.Errorf("expected one build, got %d (ids %s %s)", up.count("host.get"), first.ID, second.ID)
	}

	clock.Advance(31 * time.Second)
	third, _ := svc.GetOverview(ctx)
	if third.ID == first.ID || up.count("host.get") != 2 {
		t.Errorf("expected rebuild after TTL")
	}
}

func TestOverviewProblemsDegraded(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	up.problemsErr = errors.New("problem.get: timeout")
	svc, _ := newTestService(t, up, Options{})

	snap, err := svc.GetOverview(context.Background())
	if err != nil {
		t.Fatalf("partial failure must not fail the pass: %v", err)
	}
	if !slices.Equal(snap.Degraded, []string{"problems"}) {
		t.Errorf("degraded = %v", snap.Degraded)
	}
	if !snap.Connected || snap.TotalProblems != 0 || snap.TotalHosts != 3 {
		t.Errorf("snapshot = connected %v problems %d hosts %d", snap.Connected, snap.TotalProblems, snap.TotalHosts)
	}
}

func TestOverviewItemBatchFailure(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	up.itemsFail = func(ids []string) error {
		if slices.Contains(ids, "3") {
			return errors.New("item.get: 502")
		}
		return nil
	}
	svc, _ := newTestService(t, up, Options{MetricsBatchSize: 2})

	snap, err := svc.GetOverview(context.Background())
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}
	if up.count("item.get") != 2 {
		t.Errorf("item batches = %d, want 2", up.count("item.get"))
	}
	if !slices.Equal(snap.Degraded, []string{"items:batch-1"}) {
		t.Errorf("degraded = %v", snap.Degraded)
	}
	if ap := findHost(snap.Hosts, "3"); ap.WirelessClients != nil {
		t.Errorf("failed batch should leave metrics nil, got %v", *ap.WirelessClients)
	}
	if olt := findHost(snap.Hosts, "1"); olt.LatencyMs == nil {
		t.Error("healthy batch lost its metrics")
	}
}

func TestOverviewFallbackOnHostFailure(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	svc, clock := newTestService(t, up, Options{})
	ctx := context.Background()

	good, err := svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("GetOverview: %v", err)
	}

	up.mu.Lock()
	up.hostsErr = errors.New("connection refused")
	up.mu.Unlock()
	clock.Advance(time.Minute)

	snap, err := svc.GetOverview(ctx)
	if err != nil {
		t.Fatalf("stale fallback should not fail: %v", err)
	}
	if snap.Connected || !snap.Stale {
		t.Errorf("fallback connected=%v stale=%v", snap.Connected, snap.Stale)
	}
	if !strings.Contains(snap.LastError, "connection refused") {
		t.Errorf("last error = %q", snap.LastError)
	}
	if snap.TotalHosts != good.TotalHosts || snap.HealthScore != good.HealthScore {
		t.Errorf("fallback lost data: %d hosts score %d", snap.TotalHosts, snap.HealthScore)
	}
	if !snap.Timestamp.Equal(clock.Now()) {
		t.Errorf("fallback timestamp = %v, want now", snap.Timestamp)
	}

	hosts, err := svc.GetHosts(ctx, "")
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Errorf("GetHosts err = %v, want ErrStaleSnapshot", err)
	}
	if len(hosts) != good.TotalHosts {
		t.Errorf("stale hosts = %d, want %d", len(hosts), good.TotalHosts)
	}
}

func TestOverviewFatalErrorNotHiddenByFallback(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	svc, clock := newTestService(t, up, Options{})
	ctx := context.Background()

	if _, err := svc.GetOverview(ctx); err != nil {
		t.Fatalf("GetOverview: %v", err)
	}

	up.mu.Lock()
	up.hostsErr = fmt.Errorf("%w: login rejected", zabbix.ErrFatal)
	up.mu.Unlock()
	clock.Advance(time.Minute)

	snap, err := svc.GetOverview(ctx)
	if !errors.Is(err, zabbix.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if !snap.Stale || snap.Connected || snap.TotalHosts == 0 {
		t.Errorf("fatal fallback stale=%v connected=%v hosts=%d", snap.Stale, snap.Connected, snap.TotalHosts)
	}
}

func TestOverviewColdFailure(t *testing.T) {
	up := newMockUpstream()
	up.hostsErr = zabbix.ErrFatal
	svc, _ := newTestService(t, up, Options{})

	snap, err := svc.GetOverview(context.Background())
	if !errors.Is(err, zabbix.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if snap.Connected || snap.Hosts == nil || snap.Sites == nil || snap.TotalHosts != 0 {
		t.Errorf("cold snapshot not well-formed: %+v", snap)
	}
}

func TestReadOperations(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	up.problems = append(up.problems, zabbix.RawProblem{
		EventID:  "901",
		Name:     "High latency",
		Severity: "2",
		Clock:    unixStr(base.Add(-time.Hour)),
		Hosts:    []zabbix.RawHostRef{{HostID: "1"}},
	})
	svc, _ := newTestService(t, up, Options{})
	ctx := context.Background()

	olts, err := svc.GetHosts(ctx, types.EquipmentOLT)
	if err != nil || len(olts) != 1 || olts[0].ID != "1" {
		t.Errorf("GetHosts(olt) = %v, %v", olts, err)
	}
	all, _ := svc.GetHosts(ctx, "")
	if len(all) != 3 {
		t.Errorf("GetHosts() = %d hosts", len(all))
	}

	high := types.SeverityHigh
	problems, _ := svc.GetProblems(ctx, types.ProblemFilter{MinSeverity: &high})
	if len(problems) != 1 || problems[0].ID != "900" {
		t.Errorf("min severity high = %+v", problems)
	}
	problems, _ = svc.GetProblems(ctx, types.ProblemFilter{})
	if len(problems) != 2 || problems[0].Severity != types.SeverityHigh {
		t.Errorf("problems not worst-first: %+v", problems)
	}

	sites, _ := svc.GetSites(ctx)
	if len(sites) != 2 {
		t.Errorf("sites = %d", len(sites))
	}

	rankings, _ := svc.GetRankings(ctx, 5)
	if len(rankings.Latency) != 1 || len(rankings.Bandwidth) != 1 || !rankings.Connected {
		t.Errorf("rankings = %+v", rankings)
	}

	wireless, _ := svc.GetWirelessClients(ctx)
	if wireless.BySite["BSB"] != 15 {
		t.Errorf("wireless by site = %v", wireless.BySite)
	}

	if up.count("host.get") != 1 {
		t.Errorf("reads should share one snapshot, host.get = %d", up.count("host.get"))
	}
}

// =============================================================================
// HISTORY
// =============================================================================

func TestLatencyHistory(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	at := base.Add(-30 * time.Minute)
	up.history = []zabbix.ItemHistory{{
		ItemID: "i1",
		HostID: "1",
		Key:    "icmppingsec",
		Points: points(map[time.Time]string{
			at:                       "0.010",
			at.Add(10 * time.Second): "0.020",
			base.Add(-2 * time.Hour): "0.5", // outside the window
		}),
	}}
	svc, _ := newTestService(t, up, Options{})

	res, err := svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: time.Hour})
	if err != nil {
		t.Fatalf("GetLatencyHistory: %v", err)
	}
	if res.Window != "1h" || res.Bucket != "1m" || !res.Connected {
		t.Errorf("result header = %s/%s connected %v", res.Window, res.Bucket, res.Connected)
	}
	if len(res.Series) != 1 {
		t.Fatalf("series = %d, want 1", len(res.Series))
	}
	s := res.Series[0]
	if s.HostID != "1" || s.Kind != types.SeriesLatency || s.Site != "LCH" {
		t.Errorf("series = %+v", s)
	}
	if len(s.Points) != 1 || !approx(s.Points[0].Value, 15) || !s.Points[0].Time.Equal(at) {
		t.Errorf("points = %+v, want one 15ms bucket at %v", s.Points, at)
	}

	// Served from cache
	svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: time.Hour})
	if up.count("history.get") != 1 {
		t.Errorf("history calls = %d, want 1", up.count("history.get"))
	}
}

func TestHistorySingleHostUsesHostQuery(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	at := base.Add(-20 * time.Minute)
	up.history = []zabbix.ItemHistory{
		{ItemID: "i1", HostID: "1", Key: "icmppingsec", Points: points(map[time.Time]string{at: "0.008"})},
		{ItemID: "i3", HostID: "3", Key: "icmppingsec", Points: points(map[time.Time]string{at: "0.050"})},
		{ItemID: "b1", HostID: "2", Key: "net.if.out[ether1]", Units: "Bps", Points: points(map[time.Time]string{at: "250000"})},
	}
	svc, _ := newTestService(t, up, Options{})
	ctx := context.Background()

	res, err := svc.GetLatencyHistory(ctx, HistoryQuery{Window: time.Hour, HostID: "1"})
	if err != nil {
		t.Fatalf("GetLatencyHistory: %v", err)
	}
	if len(res.Series) != 1 || res.Series[0].HostID != "1" || !approx(res.Series[0].Points[0].Value, 8) {
		t.Errorf("series = %+v", res.Series)
	}

	bw, err := svc.GetBandwidthHistory(ctx, HistoryQuery{Window: time.Hour, HostID: "2"})
	if err != nil {
		t.Fatalf("GetBandwidthHistory: %v", err)
	}
	if len(bw.Series) != 1 || bw.Series[0].Kind != types.SeriesBandwidthOut || !approx(bw.Series[0].Points[0].Value, 2) {
		t.Errorf("bandwidth series = %+v", bw.Series)
	}

	if up.count("host_history") != 2 || up.count("history.get") != 0 {
		t.Errorf("host_history=%d history.get=%d, want 2/0", up.count("host_history"), up.count("history.get"))
	}
}

func TestBandwidthHistorySumsInterfaces(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	at := base.Add(-10 * time.Minute)
	up.history = []zabbix.ItemHistory{
		{ItemID: "a", HostID: "2", Key: "net.if.in[ether1]", Units: "Bps", Points: points(map[time.Time]string{at: "125000"})},
		{ItemID: "b", HostID: "2", Key: "net.if.in[ether2]", Units: "Bps", Points: points(map[time.Time]string{at: "125000"})},
		{ItemID: "c", HostID: "2", Key: "net.if.out[ether1]", Units: "bps", Points: points(map[time.Time]string{at: "5000000"})},
		{ItemID: "d", HostID: "2", Key: "net.if.in[ether1,errors]", Units: "", Points: points(map[time.Time]string{at: "99"})},
	}
	svc, _ := newTestService(t, up, Options{})

	res, err := svc.GetBandwidthHistory(context.Background(), HistoryQuery{Window: time.Hour, Type: types.EquipmentRouter})
	if err != nil {
		t.Fatalf("GetBandwidthHistory: %v", err)
	}
	if len(res.Series) != 2 {
		t.Fatalf("series = %+v, want in and out", res.Series)
	}
	byKind := map[types.SeriesKind]types.HostSeries{}
	for _, s := range res.Series {
		byKind[s.Kind] = s
	}
	if in := byKind[types.SeriesBandwidthIn]; len(in.Points) != 1 || in.Points[0].Value != 2 {
		t.Errorf("in = %+v, want 2 Mbps", in.Points)
	}
	if out := byKind[types.SeriesBandwidthOut]; len(out.Points) != 1 || out.Points[0].Value != 5 {
		t.Errorf("out = %+v, want 5 Mbps", out.Points)
	}
}

func TestHistoryBatchFailure(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	up.history = []zabbix.ItemHistory{{
		HostID: "1", Key: "icmppingsec",
		Points: points(map[time.Time]string{base.Add(-time.Minute): "0.001"}),
	}}
	up.historyFail = func(ids []string) error {
		if slices.Contains(ids, "3") {
			return errors.New("history.get: 500")
		}
		return nil
	}
	svc, _ := newTestService(t, up, Options{MetricsBatchSize: 1})

	res, err := svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: time.Hour})
	if err != nil {
		t.Fatalf("partial failure returned error: %v", err)
	}
	if !slices.Equal(res.Degraded, []string{"3"}) || len(res.Series) != 1 {
		t.Errorf("degraded = %v series = %d", res.Degraded, len(res.Series))
	}

	// Every batch failing is an error with a well-formed empty result
	up.mu.Lock()
	up.historyFail = func([]string) error { return zabbix.ErrTransient }
	up.mu.Unlock()
	res, err = svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: 6 * time.Hour})
	if !errors.Is(err, zabbix.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if res.Series == nil || res.Bucket != "5m" || res.Connected {
		t.Errorf("empty result = %+v", res)
	}
}

func TestHistoryHostCap(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	var seen []string
	up.historyFail = func(ids []string) error {
		seen = append(seen, ids...)
		return nil
	}
	svc, _ := newTestService(t, up, Options{MaxHistoryHosts: 2})

	if _, err := svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: time.Hour}); err != nil {
		t.Fatalf("GetLatencyHistory: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("queried hosts = %v, want 2", seen)
	}
}

func TestHistoryWindow(t *testing.T) {
	svc, _ := newTestService(t, newMockUpstream(), Options{})

	if _, err := svc.GetLatencyHistory(context.Background(), HistoryQuery{Window: 31 * 24 * time.Hour}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("err = %v, want ErrInvalidWindow", err)
	}

	res, err := svc.GetLatencyHistory(context.Background(), HistoryQuery{})
	if err != nil {
		t.Fatalf("default window: %v", err)
	}
	if res.Window != "1d" || res.Bucket != "15m" || len(res.Series) != 0 || res.Series == nil {
		t.Errorf("default window result = %+v", res)
	}
}

// =============================================================================
// OUTAGES
// =============================================================================

func TestOutageEvents(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	t0 := base.Add(-3 * time.Hour)
	up.events = []zabbix.RawEvent{
		{EventID: "1", Severity: "4", Name: "Unavailable", Clock: unixStr(t0), RecoveryClock: unixStr(t0.Add(10 * time.Minute)), Hosts: []zabbix.RawHostRef{{HostID: "3"}}},
		// one minute later, within the merge threshold
		{EventID: "2", Severity: "5", Name: "Down", Clock: unixStr(t0.Add(11 * time.Minute)), RecoveryClock: unixStr(t0.Add(20 * time.Minute)), Hosts: []zabbix.RawHostRef{{HostID: "3"}}},
		{EventID: "3", Severity: "2", Name: "Flapping", Clock: unixStr(base.Add(-5 * time.Minute)), Hosts: []zabbix.RawHostRef{{HostID: "1", Name: "OLT-LCH-01"}}},
	}
	svc, _ := newTestService(t, up, Options{MergeThreshold: 2 * time.Minute})

	report, err := svc.GetOutageEvents(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("GetOutageEvents: %v", err)
	}
	if len(report.Events) != 2 || report.ActiveCount != 1 || !report.Connected {
		t.Fatalf("report = %+v", report)
	}

	merged := report.Events[0]
	if merged.HostID != "3" || merged.Duration != 20*time.Minute || merged.Severity != types.SeverityDisaster {
		t.Errorf("merged = %+v", merged)
	}
	if merged.Site != "BSB" || merged.HostName != "AP-BSB-02" {
		t.Errorf("annotation site=%q name=%q", merged.Site, merged.HostName)
	}
	if got := report.DowntimeByHost["1"]; got != 5*time.Minute {
		t.Errorf("active downtime = %v, want 5m", got)
	}
}

func TestOutageEventsClipOutagesStartedBeforeWindow(t *testing.T) {
	up := newMockUpstream()
	seedNetwork(up)
	windowStart := base.Add(-24 * time.Hour)
	up.events = []zabbix.RawEvent{
		// down since before the window and still down
		{EventID: "20", Severity: "5", Name: "Down", Clock: unixStr(windowStart.Add(-2 * time.Hour)), Hosts: []zabbix.RawHostRef{{HostID: "3"}}},
		// recovered 30 minutes into the window
		{EventID: "21", Severity: "4", Name: "Unavailable", Clock: unixStr(windowStart.Add(-time.Hour)), RecoveryClock: unixStr(windowStart.Add(30 * time.Minute)), Hosts: []zabbix.RawHostRef{{HostID: "1"}}},
	}
	svc, _ := newTestService(t, up, Options{})

	report, err := svc.GetOutageEvents(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("GetOutageEvents: %v", err)
	}
	if len(report.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(report.Events))
	}
	if !report.WindowStart.Equal(windowStart) {
		t.Errorf("window start = %v, want %v", report.WindowStart, windowStart)
	}

	if got := report.DowntimeByHost["3"]; got != 24*time.Hour {
		t.Errorf("downtime of host down all window = %v, want 24h", got)
	}
	if got := report.DowntimeByHost["1"]; got != 30*time.Minute {
		t.Errorf("downtime of host recovered in window = %v, want 30m", got)
	}

	for _, ev := range report.Events {
		if ev.HostID == "3" {
			if !ev.Active || !ev.Start.Before(report.WindowStart) || ev.Duration != 26*time.Hour {
				t.Errorf("active event = %+v", ev)
			}
		}
	}
}

func TestOutageEventsUpstreamDown(t *testing.T) {
	up := newMockUpstream()
	up.eventsErr = errors.New("event.get: timeout")
	svc, _ := newTestService(t, up, Options{})

	report, err := svc.GetOutageEvents(context.Background(), time.Hour)
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Connected || report.Events == nil || report.DowntimeByHost == nil {
		t.Errorf("report not well-formed: %+v", report)
	}
	if report.WindowEnd.Sub(report.WindowStart) != time.Hour {
		t.Errorf("window = %v..%v", report.WindowStart, report.WindowEnd)
	}
}
