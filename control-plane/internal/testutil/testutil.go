// Package testutil provides testing utilities and fixtures for the overview service.
//
// This package contains:
//   - Test helper functions (loggers, fake upstream server)
//   - Fixture factories for domain types (hosts, problems, problem records)
//   - Raw Zabbix payload builders for the fake server
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	host := testutil.FixtureHost()
//	host := testutil.FixtureHost(func(h *types.Host) {
//		h.Name = "OLT-LCH-01"
//		h.Site = "LCH"
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/netoverview/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// HOST FIXTURES
// =============================================================================

// FixtureHost creates an online router with sensible defaults.
// Use overrides to customize specific fields.
func FixtureHost(overrides ...func(*types.Host)) *types.Host {
	id := uuid.New().String()[:8]
	host := &types.Host{
		ID:        id,
		Name:      "RTR-LCH-" + id,
		IP:        "10.0.0.1",
		Type:      types.EquipmentRouter,
		Site:      "LCH",
		Status:    types.HostStatusOnline,
		LatencyMs: Ptr(12.5),
	}

	for _, override := range overrides {
		override(host)
	}

	return host
}

// FixtureHostOffline creates an offline host with no latency reading.
func FixtureHostOffline(overrides ...func(*types.Host)) *types.Host {
	return FixtureHost(append([]func(*types.Host){
		func(h *types.Host) {
			h.Status = types.HostStatusOffline
			h.LatencyMs = nil
			h.LastStateChange = TimeAgoPtr(10 * time.Minute)
			h.LastError = "Unreachable"
		},
	}, overrides...)...)
}

// FixtureHosts creates online hosts in one site followed by offline ones.
func FixtureHosts(site string, online, offline int) []types.Host {
	hosts := make([]types.Host, 0, online+offline)
	for i := 0; i < online; i++ {
		hosts = append(hosts, *FixtureHost(func(h *types.Host) { h.Site = site }))
	}
	for i := 0; i < offline; i++ {
		hosts = append(hosts, *FixtureHostOffline(func(h *types.Host) { h.Site = site }))
	}
	return hosts
}

// =============================================================================
// PROBLEM FIXTURES
// =============================================================================

// FixtureProblem creates an active problem on a host.
func FixtureProblem(hostID string, severity types.Severity, overrides ...func(*types.Problem)) *types.Problem {
	problem := &types.Problem{
		ID:          uuid.New().String()[:8],
		HostID:      hostID,
		Severity:    severity,
		Description: "ICMP: Unavailable by ICMP ping",
		StartedAt:   time.Now().Add(-15 * time.Minute),
		Duration:    15 * time.Minute,
	}

	for _, override := range overrides {
		override(problem)
	}

	return problem
}

// FixtureRecord creates a resolved problem record spanning [start, end].
// A nil end makes the record active.
func FixtureRecord(hostID string, start time.Time, end *time.Time, overrides ...func(*types.ProblemRecord)) types.ProblemRecord {
	record := types.ProblemRecord{
		ID:          uuid.New().String()[:8],
		HostID:      hostID,
		HostName:    "host-" + hostID,
		Severity:    types.SeverityHigh,
		Description: "Unavailable by ICMP ping",
		Start:       start,
		End:         end,
	}

	for _, override := range overrides {
		override(&record)
	}

	return record
}

// =============================================================================
// RAW ZABBIX PAYLOADS
// =============================================================================

// RawHost builds a host.get record. available is the main interface flag.
func RawHost(id, name, ip, available string) map[string]any {
	return map[string]any{
		"hostid":      id,
		"host":        name,
		"name":        name,
		"description": "",
		"status":      "0",
		"interfaces": []map[string]any{{
			"interfaceid": "if" + id,
			"ip":          ip,
			"dns":         "",
			"main":        "1",
			"type":        "2",
			"available":   available,
			"error":       "",
			"errors_from": "0",
		}},
	}
}

// RawItem builds an item.get record.
func RawItem(id, hostID, key, lastValue, valueType string) map[string]any {
	return map[string]any{
		"itemid":     id,
		"hostid":     hostID,
		"name":       key,
		"key_":       key,
		"lastvalue":  lastValue,
		"lastclock":  "1700000000",
		"value_type": valueType,
		"units":      "",
	}
}

// RawProblem builds a problem.get record.
func RawProblem(eventID, triggerID, name, severity string, clock time.Time) map[string]any {
	return map[string]any{
		"eventid":      eventID,
		"objectid":     triggerID,
		"name":         name,
		"severity":     severity,
		"clock":        unix(clock),
		"acknowledged": "0",
	}
}

// RawTrigger builds a trigger.get record with its host.
func RawTrigger(triggerID, hostID, hostName string) map[string]any {
	return map[string]any{
		"triggerid": triggerID,
		"hosts": []map[string]any{{
			"hostid": hostID,
			"host":   hostName,
			"name":   hostName,
		}},
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
// Useful for setting optional fields in fixtures.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns a time in the past by the given duration.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// TimeAgoPtr returns a pointer to a time in the past.
func TimeAgoPtr(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func unix(t time.Time) string {
	return formatInt(t.Unix())
}
