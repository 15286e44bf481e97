// Package normalize converts raw Zabbix records into domain types.
//
// Every string-encoded field is parsed exactly once here. Missing, empty or
// non-numeric metric values become nil, never zero. Unit conversions live
// only in this package:
//
//	icmppingsec   seconds        -> milliseconds
//	net.if.in/out bytes/s (Bps)  -> Mbps (x8 / 1e6); bps items only / 1e6
//
// Malformed data is logged and dropped, never returned as an error.
package normalize

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

// Normalizer turns raw upstream records into domain values.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a Normalizer.
func New(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

// =============================================================================
// HOSTS
// =============================================================================

// Host converts a host record. Status comes from the main interface
// availability flag; ApplyItems may refine it from the icmpping item.
// Classification fields are left empty.
func (n *Normalizer) Host(raw zabbix.RawHost) types.Host {
	host := types.Host{
		ID:          raw.HostID,
		Name:        raw.DisplayName(),
		Description: raw.Description,
		Status:      types.HostStatusUnknown,
	}

	iface, ok := raw.MainInterface()
	if !ok {
		return host
	}

	host.IP = iface.IP
	if host.IP == "" {
		host.IP = iface.DNS
	}
	host.Status = statusFromAvailability(iface.Available)

	if host.Status == types.HostStatusOffline {
		host.LastError = iface.Error
		if since := ParseUnix(iface.ErrorsFrom); since != nil {
			host.LastStateChange = since
		}
	}
	return host
}

// Hosts converts host records, skipping records without an id.
func (n *Normalizer) Hosts(raw []zabbix.RawHost) []types.Host {
	hosts := make([]types.Host, 0, len(raw))
	for _, r := range raw {
		if r.HostID == "" {
			n.logger.Warn("skipping host without id", "name", r.DisplayName())
			continue
		}
		hosts = append(hosts, n.Host(r))
	}
	return hosts
}

func statusFromAvailability(available string) types.HostStatus {
	switch available {
	case "1":
		return types.HostStatusOnline
	case "2":
		return types.HostStatusOffline
	default:
		return types.HostStatusUnknown
	}
}

// =============================================================================
// ITEMS
// =============================================================================

// hostMetrics accumulates item values for one host.
type hostMetrics struct {
	ping       *float64
	latencySec *float64
	loss       *float64
	inMbps     *float64
	outMbps    *float64
	clients    *int
	uptime     *int64
}

// ApplyItems fills the metric fields of hosts from their items. Hosts whose
// items are absent keep nil metrics and the availability-derived status.
func (n *Normalizer) ApplyItems(hosts []types.Host, items []zabbix.RawItem) {
	byHost := make(map[string]*hostMetrics)
	for _, it := range items {
		m, ok := byHost[it.HostID]
		if !ok {
			m = &hostMetrics{}
			byHost[it.HostID] = m
		}
		n.applyItem(m, it)
	}

	for i := range hosts {
		m, ok := byHost[hosts[i].ID]
		if !ok {
			continue
		}
		applyMetrics(&hosts[i], m)
	}
}

func (n *Normalizer) applyItem(m *hostMetrics, it zabbix.RawItem) {
	value := itemValue(it)
	if value == nil {
		if it.LastValue != "" && it.LastClock != "0" {
			n.logger.Debug("non-numeric item value", "host_id", it.HostID, "key", it.Key, "value", it.LastValue)
		}
		return
	}

	name, params := SplitKey(it.Key)
	switch {
	case name == "icmpping":
		m.ping = value
	case name == "icmppingsec":
		m.latencySec = value
	case name == "icmppingloss":
		m.loss = value
	case name == "net.if.in" && isTrafficMode(params):
		m.inMbps = addPtr(m.inMbps, toMbps(*value, it.Units))
	case name == "net.if.out" && isTrafficMode(params):
		m.outMbps = addPtr(m.outMbps, toMbps(*value, it.Units))
	case strings.HasPrefix(name, "system.uptime"):
		up := int64(*value)
		m.uptime = &up
	case strings.Contains(strings.ToLower(name), "clients"):
		c := int(*value)
		if m.clients != nil {
			c += *m.clients
		}
		m.clients = &c
	}
}

func applyMetrics(h *types.Host, m *hostMetrics) {
	if m.ping != nil {
		switch *m.ping {
		case 1:
			h.Status = types.HostStatusOnline
			h.LastError = ""
		case 0:
			h.Status = types.HostStatusOffline
		}
	}

	// icmppingsec reads 0 for unreachable hosts; that is not a measurement.
	if m.latencySec != nil && h.Status != types.HostStatusOffline {
		ms := *m.latencySec * 1000
		h.LatencyMs = &ms
	}
	h.PacketLoss = m.loss
	h.BandwidthInMbps = m.inMbps
	h.BandwidthOutMbps = m.outMbps
	h.WirelessClients = m.clients
	h.UptimeSeconds = m.uptime
}

// itemValue parses the last value of an item, or nil when the item never
// reported (lastclock 0) or the value is not numeric.
func itemValue(it zabbix.RawItem) *float64 {
	if it.LastClock == "0" {
		return nil
	}
	return ParseFloat(it.LastValue)
}

// isTrafficMode accepts interface items measuring bytes, not errors or drops.
func isTrafficMode(params []string) bool {
	if len(params) < 2 {
		return true
	}
	mode := strings.TrimSpace(params[1])
	return mode == "" || mode == "bytes"
}

// toMbps converts an interface rate to megabits per second.
func toMbps(v float64, units string) float64 {
	if units == "bps" {
		return v / 1e6
	}
	return v * 8 / 1e6
}

func addPtr(acc *float64, v float64) *float64 {
	if acc != nil {
		v += *acc
	}
	return &v
}

// SplitKey splits an item key into its name and bracketed parameters:
// "net.if.in[eth0,bytes]" -> "net.if.in", ["eth0", "bytes"].
func SplitKey(key string) (string, []string) {
	open := strings.IndexByte(key, '[')
	if open < 0 || !strings.HasSuffix(key, "]") {
		return key, nil
	}
	inner := key[open+1 : len(key)-1]
	params := strings.Split(inner, ",")
	for i := range params {
		params[i] = strings.Trim(strings.TrimSpace(params[i]), `"`)
	}
	return key[:open], params
}

// =============================================================================
// PROBLEMS
// =============================================================================

// Problems converts active problems, one per affected host. Problems whose
// trigger resolved to no host are dropped.
func (n *Normalizer) Problems(raw []zabbix.RawProblem, now time.Time) []types.Problem {
	problems := make([]types.Problem, 0, len(raw))
	for _, r := range raw {
		if len(r.Hosts) == 0 {
			n.logger.Debug("dropping problem without host", "event_id", r.EventID, "name", r.Name)
			continue
		}

		severity := n.severity(r.Severity, r.EventID)
		started := now
		if t := ParseUnix(r.Clock); t != nil {
			started = *t
		} else {
			n.logger.Warn("problem without valid clock", "event_id", r.EventID, "clock", r.Clock)
		}

		for _, h := range r.Hosts {
			problems = append(problems, types.Problem{
				ID:           r.EventID,
				HostID:       h.HostID,
				HostName:     hostRefName(h),
				Severity:     severity,
				Description:  r.Name,
				StartedAt:    started,
				Acknowledged: r.Acknowledged == "1",
				Duration:     nonNegative(now.Sub(started)),
			})
		}
	}
	return problems
}

// ProblemRecords converts historical problem events, one per affected host.
// Events without a recovery clock are active.
func (n *Normalizer) ProblemRecords(raw []zabbix.RawEvent) []types.ProblemRecord {
	records := make([]types.ProblemRecord, 0, len(raw))
	for _, r := range raw {
		start := ParseUnix(r.Clock)
		if start == nil {
			n.logger.Warn("dropping event without valid clock", "event_id", r.EventID, "clock", r.Clock)
			continue
		}
		end := ParseUnix(r.RecoveryClock)
		if end != nil && end.Before(*start) {
			n.logger.Warn("recovery before problem start", "event_id", r.EventID)
			end = start
		}

		severity := n.severity(r.Severity, r.EventID)
		for _, h := range r.Hosts {
			records = append(records, types.ProblemRecord{
				ID:          r.EventID,
				HostID:      h.HostID,
				HostName:    hostRefName(h),
				Severity:    severity,
				Description: r.Name,
				Start:       *start,
				End:         end,
			})
		}
	}
	return records
}

// severity maps "0".."5" to a Severity; anything else is not_classified.
func (n *Normalizer) severity(raw, eventID string) types.Severity {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !types.Severity(v).Valid() {
		n.logger.Warn("unknown severity, using not_classified", "event_id", eventID, "severity", raw)
		return types.SeverityNotClassified
	}
	return types.Severity(v)
}

func hostRefName(h zabbix.RawHostRef) string {
	if h.Name != "" {
		return h.Name
	}
	return h.Host
}

// =============================================================================
// HISTORY
// =============================================================================

// Samples converts history points, multiplying each value by scale.
// Non-numeric points are dropped. Output is sorted by time.
func (n *Normalizer) Samples(points []zabbix.RawHistory, scale float64) []types.Sample {
	samples := make([]types.Sample, 0, len(points))
	dropped := 0
	for _, p := range points {
		t := ParseUnix(p.Clock)
		v := ParseFloat(p.Value)
		if t == nil || v == nil {
			dropped++
			continue
		}
		samples = append(samples, types.Sample{Time: *t, Value: *v * scale})
	}
	if dropped > 0 {
		n.logger.Debug("dropped malformed history points", "count", dropped)
	}
	sortSamples(samples)
	return samples
}

// LatencyScale converts icmppingsec history to milliseconds.
const LatencyScale = 1000.0

// BandwidthScale returns the factor converting an interface item to Mbps.
func BandwidthScale(units string) float64 {
	return toMbps(1, units)
}

// ItemSamples converts the history of one item, choosing the unit
// conversion from its key.
func (n *Normalizer) ItemSamples(h zabbix.ItemHistory) []types.Sample {
	scale := 1.0
	if name, _ := SplitKey(h.Key); name == "icmppingsec" {
		scale = LatencyScale
	} else if _, ok := TrafficDirection(h.Key); ok {
		scale = BandwidthScale(h.Units)
	}
	return n.Samples(h.Points, scale)
}

// TrafficDirection reports whether key is an interface traffic item and
// returns its direction, "in" or "out". Error and drop counters are not
// traffic.
func TrafficDirection(key string) (string, bool) {
	name, params := SplitKey(key)
	if !isTrafficMode(params) {
		return "", false
	}
	switch name {
	case "net.if.in":
		return "in", true
	case "net.if.out":
		return "out", true
	}
	return "", false
}

// =============================================================================
// PARSERS
// =============================================================================

// ParseFloat parses a numeric string, or returns nil.
func ParseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseUnix parses a positive unix timestamp string, or returns nil.
func ParseUnix(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func sortSamples(s []types.Sample) {
	// insertion sort; history.get already returns ordered points
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Time.Before(s[j-1].Time); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
