// Package types defines the shared domain model for the overview service.
//
// # Core Concepts
//
//   - Host: One monitored network device as reported by Zabbix, normalized and classified.
//   - Problem: An unresolved upstream alarm on a host, with a six-level severity.
//   - OutageEvent: A reconstructed unavailability interval built from one or more problems.
//   - Site: A derived grouping of hosts by the site code embedded in their names.
//   - InfraOverviewSnapshot: The complete aggregated view for one aggregation cycle.
//
// Nullable metrics are pointers: nil means "no data", which is rendered
// differently from a zero reading.
package types

import "time"

// =============================================================================
// HOST
// =============================================================================

// Host is a monitored device after normalization and classification.
type Host struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip,omitempty"`
	Description string `json:"description,omitempty"`

	// Classification (derived from name/description, never from upstream)
	Type    EquipmentType `json:"type"`
	Subtype string        `json:"subtype,omitempty"` // e.g. "airfiber", "gpon"
	Site    string        `json:"site,omitempty"`    // empty when no site code found

	// Status comes only from the icmpping item or the interface availability flag.
	Status HostStatus `json:"status"`

	// Metrics (nil = no data)
	LatencyMs        *float64 `json:"latency_ms"`
	PacketLoss       *float64 `json:"packet_loss"`
	BandwidthInMbps  *float64 `json:"bandwidth_in_mbps"`
	BandwidthOutMbps *float64 `json:"bandwidth_out_mbps"`
	WirelessClients  *int     `json:"wireless_clients"`
	UptimeSeconds    *int64   `json:"uptime_seconds"`

	LastStateChange *time.Time `json:"last_state_change,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	// Filled by the service from the active problem set.
	ActiveProblems int       `json:"active_problems"`
	WorstSeverity  *Severity `json:"worst_severity,omitempty"`
}

// HasSite reports whether a site code was extracted for the host.
func (h *Host) HasSite() bool {
	return h.Site != ""
}

// TotalBandwidthMbps returns in+out bandwidth, or nil when neither is known.
func (h *Host) TotalBandwidthMbps() *float64 {
	if h.BandwidthInMbps == nil && h.BandwidthOutMbps == nil {
		return nil
	}
	var total float64
	if h.BandwidthInMbps != nil {
		total += *h.BandwidthInMbps
	}
	if h.BandwidthOutMbps != nil {
		total += *h.BandwidthOutMbps
	}
	return &total
}

// HostStatus is the reachability state of a host.
type HostStatus string

const (
	HostStatusOnline  HostStatus = "online"
	HostStatusOffline HostStatus = "offline"
	HostStatusUnknown HostStatus = "unknown"
)

// EquipmentType is the functional taxonomy the classifier assigns.
type EquipmentType string

const (
	EquipmentRouter      EquipmentType = "router"
	EquipmentSwitch      EquipmentType = "switch"
	EquipmentAccessPoint EquipmentType = "access_point"
	EquipmentOLT         EquipmentType = "olt"
	EquipmentPTPLink     EquipmentType = "ptp_link" // point-to-point radio link
	EquipmentUPS         EquipmentType = "ups"
	EquipmentServer      EquipmentType = "server"
	EquipmentOther       EquipmentType = "other"
)

// EquipmentTypes lists every known equipment type in display order.
var EquipmentTypes = []EquipmentType{
	EquipmentRouter,
	EquipmentSwitch,
	EquipmentAccessPoint,
	EquipmentOLT,
	EquipmentPTPLink,
	EquipmentUPS,
	EquipmentServer,
	EquipmentOther,
}

// Valid reports whether t is one of the known equipment types.
func (t EquipmentType) Valid() bool {
	for _, known := range EquipmentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// =============================================================================
// SITE
// =============================================================================

// Site is a per-site rollup. It has no upstream identity; it exists only
// while at least one host carries its code.
type Site struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`

	TotalHosts   int `json:"total_hosts"`
	UpHosts      int `json:"up_hosts"`
	DownHosts    int `json:"down_hosts"`
	WarningHosts int `json:"warning_hosts"` // online with an active problem >= warning
	UnknownHosts int `json:"unknown_hosts"`

	AvgLatencyMs   *float64 `json:"avg_latency_ms"`
	ActiveProblems int      `json:"active_problems"`
}
