package types

import (
	"slices"
	"time"
)

// InfraOverviewSnapshot is the complete aggregated view built by one pass.
// Consumers receive copies; a snapshot is never mutated after it is cached.
type InfraOverviewSnapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Connected bool      `json:"zabbix_connected"`

	TotalHosts    int     `json:"total_hosts"`
	OnlineHosts   int     `json:"online_hosts"`
	OfflineHosts  int     `json:"offline_hosts"`
	UnknownHosts  int     `json:"unknown_hosts"`
	UptimePercent float64 `json:"uptime_percent"`

	ProblemCounts SeverityCounts `json:"problem_counts"`
	TotalProblems int            `json:"total_problems"`
	HealthScore   int            `json:"health_score"`

	Sites    []Site    `json:"sites"`
	Problems []Problem `json:"problems"`
	Hosts    []Host    `json:"hosts"`

	EquipmentCounts map[EquipmentType]int `json:"equipment_counts"`
	Wireless        WirelessSummary       `json:"wireless"`
	LatencyTop      []HostRanking         `json:"latency_top"`
	BandwidthTop    []HostRanking         `json:"bandwidth_top"`

	// Degraded lists the partial queries that failed during the pass,
	// e.g. "problems" or "items:batch-3".
	Degraded  []string `json:"degraded,omitempty"`
	Stale     bool     `json:"stale"`
	LastError string   `json:"last_error,omitempty"`
}

// HostRanking is one entry of a top-N list.
type HostRanking struct {
	HostID   string        `json:"host_id"`
	HostName string        `json:"host_name"`
	Site     string        `json:"site,omitempty"`
	Type     EquipmentType `json:"type"`
	Value    float64       `json:"value"`
}

// Rankings is the combined latency/bandwidth top-N view.
type Rankings struct {
	Latency   []HostRanking `json:"latency"`
	Bandwidth []HostRanking `json:"bandwidth"`
	Timestamp time.Time     `json:"timestamp"`
	Connected bool          `json:"zabbix_connected"`
}

// APClients is the wireless client count of one access point.
type APClients struct {
	HostID   string `json:"host_id"`
	HostName string `json:"host_name"`
	Site     string `json:"site,omitempty"`
	Clients  int    `json:"clients"`
}

// WirelessSummary aggregates wireless client counts.
type WirelessSummary struct {
	Total  int            `json:"total"`
	BySite map[string]int `json:"by_site"`
	ByAP   []APClients    `json:"by_ap"`
}

// Copy returns a deep copy safe to hand to a consumer.
func (s *InfraOverviewSnapshot) Copy() InfraOverviewSnapshot {
	out := *s
	out.Sites = slices.Clone(s.Sites)
	out.Problems = slices.Clone(s.Problems)
	out.Hosts = slices.Clone(s.Hosts)
	out.LatencyTop = slices.Clone(s.LatencyTop)
	out.BandwidthTop = slices.Clone(s.BandwidthTop)
	out.Degraded = slices.Clone(s.Degraded)
	out.Wireless.ByAP = slices.Clone(s.Wireless.ByAP)
	if s.EquipmentCounts != nil {
		out.EquipmentCounts = make(map[EquipmentType]int, len(s.EquipmentCounts))
		for k, v := range s.EquipmentCounts {
			out.EquipmentCounts[k] = v
		}
	}
	if s.Wireless.BySite != nil {
		out.Wireless.BySite = make(map[string]int, len(s.Wireless.BySite))
		for k, v := range s.Wireless.BySite {
			out.Wireless.BySite[k] = v
		}
	}
	return out
}

// EmptySnapshot returns a well-formed snapshot carrying no data.
func EmptySnapshot(now time.Time) InfraOverviewSnapshot {
	return InfraOverviewSnapshot{
		Timestamp:       now,
		Connected:       false,
		Sites:           []Site{},
		Problems:        []Problem{},
		Hosts:           []Host{},
		EquipmentCounts: map[EquipmentType]int{},
		Wireless:        WirelessSummary{BySite: map[string]int{}, ByAP: []APClients{}},
		LatencyTop:      []HostRanking{},
		BandwidthTop:    []HostRanking{},
	}
}
