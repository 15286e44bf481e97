package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/pilot-net/netoverview/control-plane/internal/testutil"
	"github.com/pilot-net/netoverview/control-plane/internal/zabbix"
	"github.com/pilot-net/netoverview/pkg/types"
)

func rawHost(id, available string) zabbix.RawHost {
	return zabbix.RawHost{
		HostID: id,
		Host:   "tech-" + id,
		Name:   "RTR-LCH-" + id,
		Interfaces: []zabbix.RawInterface{
			{IP: "10.0.0." + id, Main: "1", Available: available, ErrorsFrom: "0"},
		},
	}
}

func item(hostID, key, value string) zabbix.RawItem {
	return zabbix.RawItem{HostID: hostID, Key: key, LastValue: value, LastClock: "1700000000", ValueType: "0"}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestHostStatusFromAvailability(t *testing.T) {
	n := New(testutil.NewTestLogger())

	tests := []struct {
		available string
		want      types.HostStatus
	}{
		{"1", types.HostStatusOnline},
		{"2", types.HostStatusOffline},
		{"0", types.HostStatusUnknown},
		{"", types.HostStatusUnknown},
	}
	for _, tt := range tests {
		if got := n.Host(rawHost("1", tt.available)).Status; got != tt.want {
			t.Errorf("available %q: status = %s, want %s", tt.available, got, tt.want)
		}
	}

	noIface := n.Host(zabbix.RawHost{HostID: "9", Host: "bare"})
	if noIface.Status != types.HostStatusUnknown || noIface.Name != "bare" {
		t.Errorf("host without interfaces = %+v", noIface)
	}
}

func TestHostOfflineStateChange(t *testing.T) {
	n := New(testutil.NewTestLogger())
	raw := rawHost("1", "2")
	raw.Interfaces[0].ErrorsFrom = "1700000000"
	raw.Interfaces[0].Error = "Timeout while connecting"

	h := n.Host(raw)
	if h.LastStateChange == nil || h.LastStateChange.Unix() != 1700000000 {
		t.Errorf("LastStateChange = %v", h.LastStateChange)
	}
	if h.LastError != "Timeout while connecting" {
		t.Errorf("LastError = %q", h.LastError)
	}
}

func TestHostsSkipsMissingID(t *testing.T) {
	n := New(testutil.NewTestLogger())
	hosts := n.Hosts([]zabbix.RawHost{rawHost("1", "1"), {Name: "ghost"}})
	if len(hosts) != 1 {
		t.Fatalf("len = %d, want 1", len(hosts))
	}
}

func TestApplyItemsConversions(t *testing.T) {
	n := New(testutil.NewTestLogger())
	hosts := []types.Host{n.Host(rawHost("1", "1"))}

	bps := item("1", "net.if.out[ifHCOutOctets.2]", "40000000")
	bps.Units = "bps"

	n.ApplyItems(hosts, []zabbix.RawItem{
		item("1", "icmpping", "1"),
		item("1", "icmppingsec", "0.0125"),
		item("1", "icmppingloss", "0"),
		item("1", "net.if.in[eth0]", "1250000"),       // 10 Mbps
		item("1", "net.if.in[eth1,bytes]", "625000"),  // 5 Mbps
		item("1", "net.if.in[eth0,errors]", "999999"), // ignored
		bps,
		item("1", "system.uptime", "86400"),
		item("1", "wlan.clients[radio0]", "12"),
		item("1", "wlan.clients[radio1]", "3"),
	})

	h := hosts[0]
	if h.LatencyMs == nil || !approx(*h.LatencyMs, 12.5) {
		t.Errorf("LatencyMs = %v, want 12.5", h.LatencyMs)
	}
	if h.PacketLoss == nil || *h.PacketLoss != 0 {
		t.Errorf("PacketLoss = %v, want 0 (not nil)", h.PacketLoss)
	}
	if h.BandwidthInMbps == nil || !approx(*h.BandwidthInMbps, 15) {
		t.Errorf("BandwidthInMbps = %v, want 15", h.BandwidthInMbps)
	}
	if h.BandwidthOutMbps == nil || !approx(*h.BandwidthOutMbps, 40) {
		t.Errorf("BandwidthOutMbps = %v, want 40", h.BandwidthOutMbps)
	}
	if h.UptimeSeconds == nil || *h.UptimeSeconds != 86400 {
		t.Errorf("UptimeSeconds = %v", h.UptimeSeconds)
	}
	if h.WirelessClients == nil || *h.WirelessClients != 15 {
		t.Errorf("WirelessClients = %v, want 15", h.WirelessClients)
	}
}

func TestApplyItemsMissingValuesAreNil(t *testing.T) {
	n := New(testutil.NewTestLogger())
	hosts := []types.Host{n.Host(rawHost("1", "1")), n.Host(rawHost("2", "1"))}

	neverPolled := item("1", "icmppingsec", "0")
	neverPolled.LastClock = "0"

	n.ApplyItems(hosts, []zabbix.RawItem{
		neverPolled,
		item("1", "icmppingloss", ""),
		item("1", "net.if.in[eth0]", "n/a"),
	})

	h := hosts[0]
	if h.LatencyMs != nil || h.PacketLoss != nil || h.BandwidthInMbps != nil {
		t.Errorf("expected nil metrics, got latency=%v loss=%v in=%v", h.LatencyMs, h.PacketLoss, h.BandwidthInMbps)
	}
	if hosts[1].LatencyMs != nil {
		t.Error("host without items should have nil latency")
	}
}

func TestApplyItemsPingOverridesAvailability(t *testing.T) {
	n := New(testutil.NewTestLogger())
	hosts := []types.Host{n.Host(rawHost("1", "1")), n.Host(rawHost("2", "0")), n.Host(rawHost("3", "2"))}

	n.ApplyItems(hosts, []zabbix.RawItem{
		item("1", "icmpping", "0"),
		item("1", "icmppingsec", "0"),
		item("2", "icmpping", "1"),
		item("3", "icmppingsec", "0.004"),
	})

	if hosts[0].Status != types.HostStatusOffline {
		t.Errorf("host 1 status = %s, want offline", hosts[0].Status)
	}
	if hosts[0].LatencyMs != nil {
		t.Errorf("offline host latency = %v, want nil", *hosts[0].LatencyMs)
	}
	if hosts[1].Status != types.HostStatusOnline {
		t.Errorf("host 2 status = %s, want online", hosts[1].Status)
	}
	// No icmpping item: availability flag stands, latency alone never decides status
	if hosts[2].Status != types.HostStatusOffline {
		t.Errorf("host 3 status = %s, want offline", hosts[2].Status)
	}
}

func TestProblems(t *testing.T) {
	n := New(testutil.NewTestLogger())
	now := time.Unix(1700001000, 0).UTC()

	problems := n.Problems([]zabbix.RawProblem{
		{EventID: "1", Name: "Unavailable by ICMP ping", Severity: "4", Clock: "1700000400", Acknowledged: "1",
			Hosts: []zabbix.RawHostRef{{HostID: "10", Host: "olt", Name: "OLT-LCH-01"}}},
		{EventID: "2", Name: "odd", Severity: "9", Clock: "1700000900",
			Hosts: []zabbix.RawHostRef{{HostID: "11", Host: "sw"}}},
		{EventID: "3", Name: "orphan", Severity: "2", Clock: "1700000900"},
	}, now)

	if len(problems) != 2 {
		t.Fatalf("len = %d, want 2", len(problems))
	}

	p := problems[0]
	if p.Severity != types.SeverityHigh || p.HostName != "OLT-LCH-01" || !p.Acknowledged {
		t.Errorf("problem = %+v", p)
	}
	if p.Duration != 10*time.Minute {
		t.Errorf("Duration = %v, want 10m", p.Duration)
	}

	if problems[1].Severity != types.SeverityNotClassified {
		t.Errorf("unknown severity = %s, want not_classified", problems[1].Severity)
	}
	if problems[1].HostName != "sw" {
		t.Errorf("HostName fallback = %q, want sw", problems[1].HostName)
	}
}

func TestProblemRecords(t *testing.T) {
	n := New(testutil.NewTestLogger())
	hosts := []zabbix.RawHostRef{{HostID: "10", Name: "RTR-LCH-01"}}

	records := n.ProblemRecords([]zabbix.RawEvent{
		{EventID: "1", Severity: "5", Clock: "1700000000", RecoveryClock: "1700000600", Hosts: hosts},
		{EventID: "2", Severity: "3", Clock: "1700001000", Hosts: hosts},
		{EventID: "3", Severity: "3", Clock: "", Hosts: hosts},
	})

	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	if records[0].Active() || records[0].End.Sub(records[0].Start) != 10*time.Minute {
		t.Errorf("resolved record = %+v", records[0])
	}
	if !records[1].Active() {
		t.Error("record without recovery should be active")
	}
}

func TestSamples(t *testing.T) {
	n := New(testutil.NewTestLogger())
	samples := n.Samples([]zabbix.RawHistory{
		{Clock: "1700000120", Value: "0.02"},
		{Clock: "1700000060", Value: "0.01"},
		{Clock: "1700000180", Value: "bad"},
	}, LatencyScale)

	if len(samples) != 2 {
		t.Fatalf("len = %d, want 2", len(samples))
	}
	if samples[0].Time.Unix() != 1700000060 || !approx(samples[0].Value, 10) {
		t.Errorf("first sample = %+v", samples[0])
	}
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key    string
		name   string
		params int
	}{
		{"icmpping", "icmpping", 0},
		{"net.if.in[eth0]", "net.if.in", 1},
		{`net.if.in["eth0",bytes]`, "net.if.in", 2},
		{"broken[", "broken[", 0},
	}
	for _, tt := range tests {
		name, params := SplitKey(tt.key)
		if name != tt.name || len(params) != tt.params {
			t.Errorf("SplitKey(%q) = %q, %v", tt.key, name, params)
		}
	}
}

func TestParsers(t *testing.T) {
	if ParseFloat("") != nil || ParseFloat("abc") != nil {
		t.Error("ParseFloat should return nil for empty and non-numeric input")
	}
	if v := ParseFloat(" 0 "); v == nil || *v != 0 {
		t.Error("ParseFloat(0) should be a non-nil zero")
	}
	if ParseUnix("0") != nil || ParseUnix("-5") != nil {
		t.Error("ParseUnix should reject non-positive clocks")
	}
	if BandwidthScale("bps") != 1e-6 || !approx(BandwidthScale("Bps"), 8e-6) {
		t.Error("BandwidthScale mismatch")
	}
}

func TestTrafficDirection(t *testing.T) {
	tests := []struct {
		key    string
		dir    string
		isFlow bool
	}{
		{"net.if.in[eth0]", "in", true},
		{"net.if.out[ifHCOutOctets.3]", "out", true},
		{"net.if.in[eth0,errors]", "", false},
		{"net.if.in.errors[eth0]", "", false},
		{"icmppingsec", "", false},
	}
	for _, tt := range tests {
		dir, ok := TrafficDirection(tt.key)
		if dir != tt.dir || ok != tt.isFlow {
			t.Errorf("TrafficDirection(%q) = %q, %v", tt.key, dir, ok)
		}
	}
}

func TestItemSamples(t *testing.T) {
	n := New(testutil.NewTestLogger())
	points := []zabbix.RawHistory{{Clock: "1700000000", Value: "125000"}}

	in := n.ItemSamples(zabbix.ItemHistory{Key: "net.if.in[eth0]", Units: "Bps", Points: points})
	if len(in) != 1 || !approx(in[0].Value, 1) {
		t.Errorf("bandwidth sample = %+v, want 1 Mbps", in)
	}

	lat := n.ItemSamples(zabbix.ItemHistory{Key: "icmppingsec", Points: []zabbix.RawHistory{{Clock: "1700000000", Value: "0.05"}}})
	if len(lat) != 1 || !approx(lat[0].Value, 50) {
		t.Errorf("latency sample = %+v, want 50 ms", lat)
	}
}
