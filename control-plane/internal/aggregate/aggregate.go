// Package aggregate rolls hosts and problems up into per-site summaries,
// rankings and inventory counts.
package aggregate

import (
	"cmp"
	"slices"

	"github.com/pilot-net/netoverview/pkg/types"
)

// UnassignedSite is the synthetic code for hosts without a site.
const UnassignedSite = "UNASSIGNED"

// Options configures an Aggregator.
type Options struct {
	// EmitUnassigned reports hosts without a site under UnassignedSite.
	EmitUnassigned bool
	// SiteName maps a code to its display name. Nil uses the code.
	SiteName func(code string) string
}

// Aggregator builds site summaries. It holds no mutable state.
type Aggregator struct {
	opts Options
}

// New creates an Aggregator.
func New(opts Options) *Aggregator {
	if opts.SiteName == nil {
		opts.SiteName = func(code string) string { return code }
	}
	return &Aggregator{opts: opts}
}

// AnnotateProblems sets ActiveProblems and WorstSeverity on each host from
// the active problems. Problems for unknown hosts are ignored.
func AnnotateProblems(hosts []types.Host, problems []types.Problem) {
	index := make(map[string]int, len(hosts))
	for i := range hosts {
		index[hosts[i].ID] = i
		hosts[i].ActiveProblems = 0
		hosts[i].WorstSeverity = nil
	}
	for _, p := range problems {
		i, ok := index[p.HostID]
		if !ok {
			continue
		}
		h := &hosts[i]
		h.ActiveProblems++
		if h.WorstSeverity == nil || p.Severity > *h.WorstSeverity {
			sev := p.Severity
			h.WorstSeverity = &sev
		}
	}
}

// IsWarning reports whether an online host carries an active problem of
// severity warning or worse. Hosts must be annotated first.
func IsWarning(h *types.Host) bool {
	return h.Status == types.HostStatusOnline &&
		h.WorstSeverity != nil && *h.WorstSeverity >= types.SeverityWarning
}

// Sites groups annotated hosts by site code. Each host is counted exactly
// once; sites without hosts are never emitted. Output is sorted by code.
func (a *Aggregator) Sites(hosts []types.Host) []types.Site {
	type acc struct {
		site       types.Site
		latencySum float64
		latencyN   int
	}
	bySite := make(map[string]*acc)

	for i := range hosts {
		h := &hosts[i]
		code := h.Site
		if code == "" {
			if !a.opts.EmitUnassigned {
				continue
			}
			code = UnassignedSite
		}

		s, ok := bySite[code]
		if !ok {
			name := code
			if code != UnassignedSite {
				name = a.opts.SiteName(code)
			}
			s = &acc{site: types.Site{Code: code, DisplayName: name}}
			bySite[code] = s
		}

		s.site.TotalHosts++
		s.site.ActiveProblems += h.ActiveProblems
		switch {
		case h.Status == types.HostStatusOffline:
			s.site.DownHosts++
		case IsWarning(h):
			s.site.WarningHosts++
		case h.Status == types.HostStatusOnline:
			s.site.UpHosts++
		default:
			s.site.UnknownHosts++
		}

		if h.LatencyMs != nil {
			s.latencySum += *h.LatencyMs
			s.latencyN++
		}
	}

	sites := make([]types.Site, 0, len(bySite))
	for _, s := range bySite {
		if s.latencyN > 0 {
			avg := s.latencySum / float64(s.latencyN)
			s.site.AvgLatencyMs = &avg
		}
		sites = append(sites, s.site)
	}
	slices.SortFunc(sites, func(x, y types.Site) int { return cmp.Compare(x.Code, y.Code) })
	return sites
}

// StatusCounts returns the number of online, offline and unknown hosts.
func StatusCounts(hosts []types.Host) (online, offline, unknown int) {
	for i := range hosts {
		switch hosts[i].Status {
		case types.HostStatusOnline:
			online++
		case types.HostStatusOffline:
			offline++
		default:
			unknown++
		}
	}
	return online, offline, unknown
}

// UptimePercent is the share of online hosts, 0 when there are no hosts.
func UptimePercent(hosts []types.Host) float64 {
	if len(hosts) == 0 {
		return 0
	}
	online, _, _ := StatusCounts(hosts)
	return float64(online) / float64(len(hosts)) * 100
}

// ProblemCounts tallies problems by severity.
func ProblemCounts(problems []types.Problem) types.SeverityCounts {
	var c types.SeverityCounts
	for _, p := range problems {
		c.Add(p.Severity)
	}
	return c
}

// LatencyRanking returns up to n online hosts with a latency reading,
// highest latency first.
func LatencyRanking(hosts []types.Host, n int) []types.HostRanking {
	return rank(hosts, n, func(h *types.Host) (float64, bool) {
		if h.Status != types.HostStatusOnline || h.LatencyMs == nil {
			return 0, false
		}
		return *h.LatencyMs, true
	})
}

// BandwidthRanking returns up to n hosts by combined in+out Mbps.
func BandwidthRanking(hosts []types.Host, n int) []types.HostRanking {
	return rank(hosts, n, func(h *types.Host) (float64, bool) {
		total := h.TotalBandwidthMbps()
		if total == nil {
			return 0, false
		}
		return *total, true
	})
}

func rank(hosts []types.Host, n int, value func(*types.Host) (float64, bool)) []types.HostRanking {
	out := make([]types.HostRanking, 0)
	if n <= 0 {
		return out
	}
	for i := range hosts {
		h := &hosts[i]
		v, ok := value(h)
		if !ok {
			continue
		}
		out = append(out, types.HostRanking{HostID: h.ID, HostName: h.Name, Site: h.Site, Type: h.Type, Value: v})
	}
	slices.SortStableFunc(out, func(a, b types.HostRanking) int {
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.HostID, b.HostID)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// EquipmentCounts counts hosts by equipment type. Every known type is present.
func EquipmentCounts(hosts []types.Host) map[types.EquipmentType]int {
	counts := make(map[types.EquipmentType]int, len(types.EquipmentTypes))
	for _, t := range types.EquipmentTypes {
		counts[t] = 0
	}
	for i := range hosts {
		t := hosts[i].Type
		if t == "" {
			t = types.EquipmentOther
		}
		counts[t]++
	}
	return counts
}

// WirelessClients sums client counts over hosts reporting them.
// Per-AP entries are sorted by client count, descending.
func WirelessClients(hosts []types.Host) types.WirelessSummary {
	summary := types.WirelessSummary{BySite: map[string]int{}, ByAP: []types.APClients{}}
	for i := range hosts {
		h := &hosts[i]
		if h.WirelessClients == nil {
			continue
		}
		c := *h.WirelessClients
		summary.Total += c
		site := h.Site
		if site == "" {
			site = UnassignedSite
		}
		summary.BySite[site] += c
		summary.ByAP = append(summary.ByAP, types.APClients{HostID: h.ID, HostName: h.Name, Site: h.Site, Clients: c})
	}
	slices.SortStableFunc(summary.ByAP, func(a, b types.APClients) int {
		if c := cmp.Compare(b.Clients, a.Clients); c != 0 {
			return c
		}
		return cmp.Compare(a.HostID, b.HostID)
	})
	return summary
}

// FilterHosts returns hosts of the given type, or all hosts when typ is empty.
func FilterHosts(hosts []types.Host, typ types.EquipmentType) []types.Host {
	out := make([]types.Host, 0, len(hosts))
	for i := range hosts {
		if typ == "" || hosts[i].Type == typ {
			out = append(out, hosts[i])
		}
	}
	return out
}

// FilterProblems returns problems matching f, most severe first, then oldest first.
func FilterProblems(problems []types.Problem, f types.ProblemFilter) []types.Problem {
	out := make([]types.Problem, 0, len(problems))
	for _, p := range problems {
		if f.Matches(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b types.Problem) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}
