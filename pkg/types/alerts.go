// Package types - Problems and outage events
//
// # Severity
//
// Zabbix reports trigger severity as a numeric string "0".."5". The ordinal is
// kept as an int so it can be compared directly; JSON uses the level name.
//
//	not_classified < information < warning < average < high < disaster
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity is the six-level upstream problem severity.
type Severity int

const (
	SeverityNotClassified Severity = iota
	SeverityInformation
	SeverityWarning
	SeverityAverage
	SeverityHigh
	SeverityDisaster
)

// Severities lists all levels in ascending order.
var Severities = []Severity{
	SeverityNotClassified,
	SeverityInformation,
	SeverityWarning,
	SeverityAverage,
	SeverityHigh,
	SeverityDisaster,
}

var severityNames = [...]string{
	"not_classified",
	"information",
	"warning",
	"average",
	"high",
	"disaster",
}

// String returns the level name.
func (s Severity) String() string {
	if s < SeverityNotClassified || s > SeverityDisaster {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Valid reports whether s is one of the six levels.
func (s Severity) Valid() bool {
	return s >= SeverityNotClassified && s <= SeverityDisaster
}

// MarshalText encodes the severity as its name.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts a level name or its ordinal.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a level name ("high") or ordinal ("4").
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range severityNames {
		if v == name || v == fmt.Sprint(i) {
			return Severity(i), nil
		}
	}
	switch v {
	case "info":
		return SeverityInformation, nil
	case "not classified", "unclassified":
		return SeverityNotClassified, nil
	}
	return SeverityNotClassified, fmt.Errorf("unknown severity %q", v)
}

// SeverityCounts holds problem counts per level.
type SeverityCounts struct {
	NotClassified int `json:"not_classified"`
	Information   int `json:"information"`
	Warning       int `json:"warning"`
	Average       int `json:"average"`
	High          int `json:"high"`
	Disaster      int `json:"disaster"`
}

// Add increments the counter for s.
func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SeverityInformation:
		c.Information++
	case SeverityWarning:
		c.Warning++
	case SeverityAverage:
		c.Average++
	case SeverityHigh:
		c.High++
	case SeverityDisaster:
		c.Disaster++
	default:
		c.NotClassified++
	}
}

// Get returns the counter for s.
func (c SeverityCounts) Get(s Severity) int {
	switch s {
	case SeverityInformation:
		return c.Information
	case SeverityWarning:
		return c.Warning
	case SeverityAverage:
		return c.Average
	case SeverityHigh:
		return c.High
	case SeverityDisaster:
		return c.Disaster
	default:
		return c.NotClassified
	}
}

// Total returns the sum over all levels.
func (c SeverityCounts) Total() int {
	return c.NotClassified + c.Information + c.Warning + c.Average + c.High + c.Disaster
}

// =============================================================================
// PROBLEM
// =============================================================================

// Problem is an unresolved upstream alarm.
type Problem struct {
	ID           string        `json:"id"` // upstream event id
	HostID       string        `json:"host_id"`
	HostName     string        `json:"host_name,omitempty"`
	Severity     Severity      `json:"severity"`
	Description  string        `json:"description"`
	StartedAt    time.Time     `json:"started_at"`
	Acknowledged bool          `json:"acknowledged"`
	Duration     time.Duration `json:"duration_ns"`
}

// ProblemFilter narrows a problem listing. Zero value matches everything.
type ProblemFilter struct {
	Severity    *Severity // exact level
	MinSeverity *Severity // level or worse
	HostID      string
}

// Matches reports whether p passes the filter.
func (f ProblemFilter) Matches(p Problem) bool {
	if f.Severity != nil && p.Severity != *f.Severity {
		return false
	}
	if f.MinSeverity != nil && p.Severity < *f.MinSeverity {
		return false
	}
	if f.HostID != "" && p.HostID != f.HostID {
		return false
	}
	return true
}

// ProblemRecord is a historical problem, resolved or not. It is the input
// to outage reconstruction.
type ProblemRecord struct {
	ID          string     `json:"id"`
	HostID      string     `json:"host_id"`
	HostName    string     `json:"host_name,omitempty"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"` // nil while unresolved
}

// Active reports whether the record is still unresolved.
func (r ProblemRecord) Active() bool {
	return r.End == nil
}

// =============================================================================
// OUTAGE EVENT
// =============================================================================

// OutageEvent is one (possibly coalesced) unavailability interval on a host.
type OutageEvent struct {
	HostID      string        `json:"host_id"`
	HostName    string        `json:"host_name,omitempty"`
	Site        string        `json:"site,omitempty"`
	Start       time.Time     `json:"start"`
	End         *time.Time    `json:"end,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Active      bool          `json:"active"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description,omitempty"`
	ProblemIDs  []string      `json:"problem_ids"`
}

// OutageReport is the response of an outage query for a window.
type OutageReport struct {
	WindowStart    time.Time                `json:"window_start"`
	WindowEnd      time.Time                `json:"window_end"`
	Events         []OutageEvent            `json:"events"`
	ActiveCount    int                      `json:"active_count"`
	DowntimeByHost map[string]time.Duration `json:"downtime_by_host_ns"`
	Connected      bool                     `json:"zabbix_connected"`
}
