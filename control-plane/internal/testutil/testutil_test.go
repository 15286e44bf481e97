package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pilot-net/netoverview/pkg/types"
)

func TestFixtureHost(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		host := FixtureHost()
		if host.ID == "" {
			t.Error("expected host to have ID")
		}
		if host.Status != types.HostStatusOnline {
			t.Errorf("expected status %s, got %s", types.HostStatusOnline, host.Status)
		}
		if host.LatencyMs == nil {
			t.Error("expected online host to carry latency")
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		host := FixtureHost(func(h *types.Host) {
			h.Name = "OLT-BSB-01"
			h.Site = "BSB"
		})
		if host.Name != "OLT-BSB-01" {
			t.Errorf("expected name 'OLT-BSB-01', got %s", host.Name)
		}
		if host.Site != "BSB" {
			t.Errorf("expected site 'BSB', got %s", host.Site)
		}
	})

	t.Run("offline variant", func(t *testing.T) {
		host := FixtureHostOffline()
		if host.Status != types.HostStatusOffline {
			t.Errorf("expected status %s, got %s", types.HostStatusOffline, host.Status)
		}
		if host.LatencyMs != nil {
			t.Error("offline host should have no latency")
		}
		if host.LastStateChange == nil {
			t.Error("expected LastStateChange to be set")
		}
	})
}

func TestFixtureHosts(t *testing.T) {
	hosts := FixtureHosts("LCH", 3, 2)
	if len(hosts) != 5 {
		t.Fatalf("expected 5 hosts, got %d", len(hosts))
	}

	offline := 0
	for _, h := range hosts {
		if h.Site != "LCH" {
			t.Errorf("host %s in site %s", h.Name, h.Site)
		}
		if h.Status == types.HostStatusOffline {
			offline++
		}
	}
	if offline != 2 {
		t.Errorf("expected 2 offline hosts, got %d", offline)
	}
}

func TestFixtureRecord(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	active := FixtureRecord("42", start, nil)
	if active.End != nil {
		t.Error("nil end should produce an active record")
	}

	end := start.Add(5 * time.Minute)
	resolved := FixtureRecord("42", start, &end, func(r *types.ProblemRecord) {
		r.Severity = types.SeverityDisaster
	})
	if resolved.End == nil || !resolved.End.Equal(end) {
		t.Errorf("end = %v, want %v", resolved.End, end)
	}
	if resolved.Severity != types.SeverityDisaster {
		t.Errorf("severity = %v", resolved.Severity)
	}
}

func TestTimeHelpers(t *testing.T) {
	now := time.Now()
	ago := TimeAgo(time.Hour)
	if diff := now.Sub(ago); diff < 59*time.Minute || diff > 61*time.Minute {
		t.Errorf("TimeAgo(1h) off by %v", diff)
	}
	if p := Ptr(3); *p != 3 {
		t.Errorf("Ptr(3) = %d", *p)
	}
}

func call(t *testing.T, f *FakeZabbix, method, auth string, params any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params, "id": 1})
	req, _ := http.NewRequest(http.MethodPost, f.URL()+"/api_jsonrpc.php", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json-rpc")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestFakeZabbixResults(t *testing.T) {
	f := NewFakeZabbix(t)
	f.SetResult("host.get", []map[string]any{RawHost("1", "OLT-LCH-01", "10.0.0.1", "1")})

	out := call(t, f, "host.get", "", map[string]any{})
	hosts, ok := out["result"].([]any)
	if !ok || len(hosts) != 1 {
		t.Fatalf("unexpected result: %v", out)
	}
	if f.Calls("host.get") != 1 {
		t.Errorf("calls = %d", f.Calls("host.get"))
	}

	out = call(t, f, "item.get", "", map[string]any{})
	if _, ok := out["error"]; !ok {
		t.Error("unregistered method should return an error object")
	}
}

func TestFakeZabbixSessions(t *testing.T) {
	f := NewFakeZabbix(t)
	f.AddUser("api", "secret")
	f.SetResult("host.get", []any{})

	out := call(t, f, "user.login", "", map[string]string{"username": "api", "password": "wrong"})
	if _, ok := out["error"]; !ok {
		t.Fatal("bad password should fail")
	}

	out = call(t, f, "user.login", "", map[string]string{"username": "api", "password": "secret"})
	token, _ := out["result"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", out)
	}
	if f.Logins() != 1 {
		t.Errorf("logins = %d", f.Logins())
	}

	if out := call(t, f, "host.get", "Bearer "+token, nil); out["error"] != nil {
		t.Errorf("valid session rejected: %v", out["error"])
	}

	f.ExpireSession()
	out = call(t, f, "host.get", "Bearer "+token, nil)
	errObj, _ := out["error"].(map[string]any)
	if errObj == nil || errObj["data"] != SessionTerminated().Data {
		t.Errorf("expired session should be terminated, got %v", out)
	}

	// Version check needs no session
	if out := call(t, f, "apiinfo.version", "", nil); out["result"] != "7.0.0" {
		t.Errorf("version = %v", out["result"])
	}
}

func TestFakeZabbixFailNext(t *testing.T) {
	f := NewFakeZabbix(t)
	f.SetResult("problem.get", []any{})
	f.FailNext("problem.get", 1, http.StatusBadGateway)

	body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "problem.get", "id": 1})
	resp, err := http.Post(f.URL()+"/api_jsonrpc.php", "application/json-rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}

	if out := call(t, f, "problem.get", "", nil); out["error"] != nil {
		t.Errorf("second call should succeed: %v", out["error"])
	}
}
