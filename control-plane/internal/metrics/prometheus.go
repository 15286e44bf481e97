package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pilot-net/netoverview/pkg/types"
)

// Metrics holds the Prometheus instruments of the service.
type Metrics struct {
	// Upstream: Zabbix API call latency and outcomes
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRequests *prometheus.CounterVec

	// Saturation: circuit breaker state (0 closed, 1 half-open, 2 open)
	BreakerState prometheus.Gauge

	CacheEvents *prometheus.CounterVec

	AggregationDuration prometheus.Histogram
	AggregationDegraded prometheus.Counter

	HealthScore   prometheus.Gauge
	HostsByStatus *prometheus.GaugeVec
	ProblemsBySev *prometheus.GaugeVec
	SnapshotStale prometheus.Gauge
}

// NewMetrics registers the instruments on reg. A nil reg uses a private
// registry, so the result can always be used.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netoverview_upstream_request_duration_seconds",
			Help:    "Latency of Zabbix API calls, including retries.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"method"}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netoverview_upstream_requests_total",
			Help: "Zabbix API calls by method and outcome.",
		}, []string{"method", "outcome"}), // ok, canceled, unauthorized, transient, api_error, error

		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "netoverview_upstream_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		CacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netoverview_cache_events_total",
			Help: "Cache hits, misses, fallbacks and second-level events.",
		}, []string{"cache", "event"}),

		AggregationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netoverview_aggregation_duration_seconds",
			Help:    "Duration of one overview aggregation pass.",
			Buckets: prometheus.DefBuckets,
		}),

		AggregationDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "netoverview_aggregation_degraded_total",
			Help: "Aggregation passes that completed with partial data.",
		}),

		HealthScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "netoverview_health_score",
			Help: "Infrastructure health score of the latest snapshot (0-100).",
		}),

		HostsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netoverview_hosts",
			Help: "Hosts in the latest snapshot by status.",
		}, []string{"status"}),

		ProblemsBySev: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netoverview_active_problems",
			Help: "Active problems in the latest snapshot by severity.",
		}, []string{"severity"}),

		SnapshotStale: f.NewGauge(prometheus.GaugeOpts{
			Name: "netoverview_snapshot_stale",
			Help: "1 when the served snapshot is a fallback.",
		}),
	}
}

// ObserveUpstream records one Zabbix API call.
func (m *Metrics) ObserveUpstream(method, outcome string, d time.Duration) {
	m.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
	m.UpstreamRequests.WithLabelValues(method, outcome).Inc()
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "open":
		m.BreakerState.Set(2)
	case "half-open":
		m.BreakerState.Set(1)
	default:
		m.BreakerState.Set(0)
	}
}

// CacheEvent counts a cache event.
func (m *Metrics) CacheEvent(cache, event string) {
	m.CacheEvents.WithLabelValues(cache, event).Inc()
}

// ObserveAggregation records a completed pass.
func (m *Metrics) ObserveAggregation(d time.Duration, degraded bool) {
	m.AggregationDuration.Observe(d.Seconds())
	if degraded {
		m.AggregationDegraded.Inc()
	}
}

// ObserveSnapshot updates the gauges describing a served snapshot.
func (m *Metrics) ObserveSnapshot(s *types.InfraOverviewSnapshot) {
	if s.Stale {
		m.SnapshotStale.Set(1)
	} else {
		m.SnapshotStale.Set(0)
	}
	if !s.Connected && !s.Stale {
		return // zero snapshot carries nothing worth exporting
	}
	m.HealthScore.Set(float64(s.HealthScore))
	m.HostsByStatus.WithLabelValues(string(types.HostStatusOnline)).Set(float64(s.OnlineHosts))
	m.HostsByStatus.WithLabelValues(string(types.HostStatusOffline)).Set(float64(s.OfflineHosts))
	m.HostsByStatus.WithLabelValues(string(types.HostStatusUnknown)).Set(float64(s.UnknownHosts))
	for _, sev := range types.Severities {
		m.ProblemsBySev.WithLabelValues(sev.String()).Set(float64(s.ProblemCounts.Get(sev)))
	}
}
