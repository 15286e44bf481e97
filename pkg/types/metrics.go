// Package types - Time-series samples for charting
//
// # Series Design
//
// History is read from Zabbix per host and down-sampled before it leaves the
// service. A window is given as a relative duration ("1h", "24h", "7d"); the
// bucket width is derived from it so every chart carries a similar number
// of points regardless of window.
//
// # Example Queries
//
//   - "Latency of every online OLT for the last 24h"
//   - "Bandwidth in/out of the core routers for the last 7d"
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SAMPLES
// =============================================================================

// Sample is one point of a series.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// SeriesKind names what a series measures.
type SeriesKind string

const (
	SeriesLatency      SeriesKind = "latency_ms"
	SeriesBandwidthIn  SeriesKind = "bandwidth_in_mbps"
	SeriesBandwidthOut SeriesKind = "bandwidth_out_mbps"
)

// HostSeries is a charting series for one host.
type HostSeries struct {
	HostID   string        `json:"host_id"`
	HostName string        `json:"host_name"`
	Site     string        `json:"site,omitempty"`
	Type     EquipmentType `json:"type"`
	Kind     SeriesKind    `json:"kind"`
	Bucket   string        `json:"bucket"`
	Points   []Sample      `json:"points"`
}

// HistoryResult is the response of a latency or bandwidth history query.
type HistoryResult struct {
	Window    string       `json:"window"`
	Bucket    string       `json:"bucket"`
	From      time.Time    `json:"from"`
	Till      time.Time    `json:"till"`
	Series    []HostSeries `json:"series"`
	Degraded  []string     `json:"degraded,omitempty"` // host ids whose history could not be read
	Connected bool         `json:"zabbix_connected"`
}

// TotalPoints returns the number of points across all series.
func (r *HistoryResult) TotalPoints() int {
	n := 0
	for _, s := range r.Series {
		n += len(s.Points)
	}
	return n
}

// =============================================================================
// WINDOWS
// =============================================================================

// ParseDuration parses duration strings including a day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %s", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}

// AutoSelectBucket chooses a bucket width for a window.
// Aims for roughly 60-170 points per series.
func AutoSelectBucket(window time.Duration) time.Duration {
	switch {
	case window <= 1*time.Hour:
		return time.Minute // 60 points
	case window <= 6*time.Hour:
		return 5 * time.Minute // 72 points
	case window <= 24*time.Hour:
		return 15 * time.Minute // 96 points
	case window <= 7*24*time.Hour:
		return time.Hour // 168 points
	case window <= 30*24*time.Hour:
		return 6 * time.Hour // 120 points
	default:
		return 24 * time.Hour
	}
}

// FormatBucket renders a bucket width the way windows are written ("15m", "1h", "1d").
func FormatBucket(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}
