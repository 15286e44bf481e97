// Package zabbix provides a client for the Zabbix JSON-RPC API.
//
// Every call goes through the same policy: rate limiter, circuit breaker,
// one retry of transient failures, and a per-attempt timeout. A rejected
// session is refreshed once and the call repeated; a second rejection is
// reported as ErrFatal.
package zabbix

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/pilot-net/netoverview/control-plane/internal/secrets"
)

// Config holds configuration for the Zabbix API client.
type Config struct {
	URL                string        // Base URL (e.g., "https://zabbix.example.net")
	Timeout            time.Duration // Per-attempt timeout (default: 10s)
	RetryDelay         time.Duration // Pause before the transient retry (default: 500ms)
	RateLimit          float64       // Requests per second (default: 20)
	RateBurst          int           // Burst size (default: 10)
	BreakerFailures    uint32        // Consecutive transient failures that open the breaker (default: 5)
	BreakerTimeout     time.Duration // Open-state duration (default: 30s)
	RawHistoryLimit    time.Duration // Longer windows read trends (default: 48h)
	InsecureSkipVerify bool
}

// CredentialSource supplies the API token or login credentials.
type CredentialSource interface {
	GetZabbixCredentials(ctx context.Context) (*secrets.ZabbixCredentials, error)
}

// Recorder receives call outcomes. Implemented by the metrics package.
type Recorder interface {
	ObserveUpstream(method, outcome string, duration time.Duration)
	SetBreakerState(state string)
}

// Status is the client's view of upstream reachability.
type Status struct {
	LastSuccess  *time.Time
	LastError    string
	BreakerState string
}

// Client is a Zabbix JSON-RPC client. Safe for concurrent use.
type Client struct {
	endpoint        string
	httpClient      *http.Client
	timeout         time.Duration
	retryDelay      time.Duration
	rawHistoryLimit time.Duration
	rateLimiter     *rate.Limiter
	breaker         *gobreaker.CircuitBreaker
	creds           CredentialSource
	recorder        Recorder
	logger          *slog.Logger

	tokenMu sync.Mutex
	token   string

	statusMu    sync.RWMutex
	lastSuccess time.Time
	lastError   string
}

// NewClient creates a new Zabbix API client. recorder may be nil.
func NewClient(cfg Config, creds CredentialSource, recorder Recorder, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.RawHistoryLimit == 0 {
		cfg.RawHistoryLimit = 48 * time.Hour
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed Zabbix frontends
	}

	c := &Client{
		endpoint:        endpointFor(cfg.URL),
		httpClient:      &http.Client{Transport: transport},
		timeout:         cfg.Timeout,
		retryDelay:      cfg.RetryDelay,
		rawHistoryLimit: cfg.RawHistoryLimit,
		rateLimiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		creds:           creds,
		recorder:        recorder,
		logger:          logger.With("component", "zabbix_client"),
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "zabbix",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transient failures count against the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			c.recorder.SetBreakerState(to.String())
		},
	})
	recorder.SetBreakerState(gobreaker.StateClosed.String())

	return c
}

func endpointFor(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "api_jsonrpc.php") {
		return base
	}
	return base + "/api_jsonrpc.php"
}

// URL returns the JSON-RPC endpoint.
func (c *Client) URL() string {
	return c.endpoint
}

// Status returns the last success/error and breaker state.
func (c *Client) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	st := Status{
		LastError:    c.lastError,
		BreakerState: c.breaker.State().String(),
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		st.LastSuccess = &t
	}
	return st
}

// =============================================================================
// CALL POLICY
// =============================================================================

// call performs an authenticated JSON-RPC call.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	err = c.execute(ctx, method, params, token, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.logger.Warn("session rejected, refreshing token", "method", method)
	token, err = c.refreshToken(ctx, token)
	if err != nil {
		return err
	}

	err = c.execute(ctx, method, params, token, out)
	if errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%w: %s rejected after token refresh: %w", ErrFatal, method, err)
	}
	return err
}

// execute runs one call through the breaker and the retry policy.
func (c *Client) execute(ctx context.Context, method string, params any, token string, out any) error {
	start := time.Now()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(2),
			retry.RetryIf(IsTransient),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return c.retryDelay
			}),
		)
		doErr := r.Do(func() error {
			lastErr = c.attempt(ctx, method, params, token, out)
			return lastErr
		})
		switch {
		case doErr == nil:
			return nil, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case lastErr != nil:
			return nil, lastErr
		default:
			return nil, doErr
		}
	})
	err = breakerError(err)

	c.record(ctx, method, time.Since(start), err)
	return err
}

func (c *Client) record(ctx context.Context, method string, d time.Duration, err error) {
	outcome := outcomeOf(err)
	c.recorder.ObserveUpstream(method, outcome, d)

	if ctx.Err() != nil && err != nil {
		return
	}

	c.statusMu.Lock()
	if err == nil {
		c.lastSuccess = time.Now()
		c.lastError = ""
	} else {
		c.lastError = err.Error()
	}
	c.statusMu.Unlock()

	if err != nil {
		c.logger.Debug("upstream call failed", "method", method, "outcome", outcome, "duration", d, "error", err)
	}
}

func outcomeOf(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case IsTransient(err):
		return "transient"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}

// =============================================================================
// TOKEN LIFECYCLE
// =============================================================================

// currentToken returns the shared token, obtaining it on first use.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" {
		return c.token, nil
	}
	tok, err := c.obtainToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	return tok, nil
}

// refreshToken replaces a rejected token. Callers holding the same stale
// token share one refresh; later callers get the token already refreshed.
func (c *Client) refreshToken(ctx context.Context, stale string) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.token != stale {
		return c.token, nil
	}
	c.token = ""

	tok, err := c.obtainToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.logger.Info("token refreshed")
	return tok, nil
}

func (c *Client) obtainToken(ctx context.Context) (string, error) {
	creds, err := c.creds.GetZabbixCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: loading credentials: %w", ErrFatal, err)
	}
	if creds.APIToken != "" {
		return creds.APIToken, nil
	}
	if creds.Username == "" {
		return "", fmt.Errorf("%w: neither API token nor username configured", ErrFatal)
	}

	var session string
	err = c.execute(ctx, "user.login", map[string]any{
		"username": creds.Username,
		"password": creds.Password,
	}, "", &session)
	if err != nil {
		if IsTransient(err) || ctx.Err() != nil {
			return "", fmt.Errorf("login: %w", err)
		}
		return "", fmt.Errorf("%w: login: %w", ErrFatal, err)
	}
	if session == "" {
		return "", fmt.Errorf("%w: login returned an empty session", ErrFatal)
	}
	c.logger.Info("logged in", "user", creds.Username)
	return session, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// itemKeyPatterns are the item keys the overview reads.
var itemKeyPatterns = []string{
	"icmpping*",
	"net.if.in*",
	"net.if.out*",
	"system.uptime*",
	"*clients*",
}

// Version returns the API version. It needs no authentication and serves
// as a connectivity check.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version string
	if err := c.execute(ctx, "apiinfo.version", []string{}, "", &version); err != nil {
		return "", fmt.Errorf("apiinfo.version: %w", err)
	}
	return version, nil
}

// FetchHosts returns all monitored hosts with their interfaces.
func (c *Client) FetchHosts(ctx context.Context) ([]RawHost, error) {
	start := time.Now()

	var hosts []RawHost
	err := c.call(ctx, "host.get", map[string]any{
		"output":           []string{"hostid", "host", "name", "description", "status"},
		"selectInterfaces": []string{"interfaceid", "ip", "dns", "main", "type", "available", "error", "errors_from"},
		"monitored_hosts":  true,
		"sortfield":        "name",
	}, &hosts)
	if err != nil {
		return nil, fmt.Errorf("fetch hosts: %w", err)
	}

	c.logger.Debug("fetched hosts", "count", len(hosts), "duration", time.Since(start))
	return hosts, nil
}

// FetchItems returns the metric items of the given hosts with their last values.
func (c *Client) FetchItems(ctx context.Context, hostIDs []string) ([]RawItem, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}

	var items []RawItem
	err := c.call(ctx, "item.get", map[string]any{
		"output":                 []string{"itemid", "hostid", "name", "key_", "lastvalue", "lastclock", "value_type", "units"},
		"hostids":                hostIDs,
		"monitored":              true,
		"search":                 map[string]any{"key_": itemKeyPatterns},
		"searchByAny":            true,
		"searchWildcardsEnabled": true,
	}, &items)
	if err != nil {
		return nil, fmt.Errorf("fetch items for %d hosts: %w", len(hostIDs), err)
	}
	return items, nil
}

// FetchActiveProblems returns unresolved problems joined with the hosts of
// their triggers.
func (c *Client) FetchActiveProblems(ctx context.Context) ([]RawProblem, error) {
	var problems []RawProblem
	err := c.call(ctx, "problem.get", map[string]any{
		"output":    []string{"eventid", "objectid", "name", "severity", "clock", "acknowledged"},
		"source":    0,
		"object":    0,
		"recent":    false,
		"sortfield": []string{"eventid"},
		"sortorder": "DESC",
	}, &problems)
	if err != nil {
		return nil, fmt.Errorf("fetch problems: %w", err)
	}
	if len(problems) == 0 {
		return problems, nil
	}

	// problem.get cannot select hosts; resolve them through the triggers.
	triggerIDs := uniqueStrings(problems, func(p RawProblem) string { return p.ObjectID })
	var triggers []struct {
		TriggerID string       `json:"triggerid"`
		Hosts     []RawHostRef `json:"hosts"`
	}
	err = c.call(ctx, "trigger.get", map[string]any{
		"triggerids":  triggerIDs,
		"output":      []string{"triggerid"},
		"selectHosts": []string{"hostid", "host", "name"},
	}, &triggers)
	if err != nil {
		return nil, fmt.Errorf("resolve problem hosts: %w", err)
	}

	hostsByTrigger := make(map[string][]RawHostRef, len(triggers))
	for _, t := range triggers {
		hostsByTrigger[t.TriggerID] = t.Hosts
	}
	for i := range problems {
		problems[i].Hosts = hostsByTrigger[problems[i].ObjectID]
	}

	c.logger.Debug("fetched active problems", "count", len(problems), "triggers", len(triggerIDs))
	return problems, nil
}

// FetchProblemHistory returns problem events that were in the problem state
// at any point of [from, till], with the clock of their recovery event when
// resolved. Events started before from are included so that outages
// spanning the window start are not lost.
func (c *Client) FetchProblemHistory(ctx context.Context, from, till time.Time) ([]RawEvent, error) {
	var events []RawEvent
	err := c.call(ctx, "event.get", map[string]any{
		"output":            []string{"eventid", "objectid", "name", "severity", "clock", "r_eventid"},
		"source":            0,
		"object":            0,
		"value":             1,
		"problem_time_from": from.Unix(),
		"problem_time_till": till.Unix(),
		"selectHosts":       []string{"hostid", "host", "name"},
		"sortfield":         []string{"clock", "eventid"},
		"sortorder":         "ASC",
	}, &events)
	if err != nil {
		return nil, fmt.Errorf("fetch problem events: %w", err)
	}

	recoveryIDs := uniqueStrings(events, func(e RawEvent) string {
		if e.REventID == "0" {
			return ""
		}
		return e.REventID
	})
	if len(recoveryIDs) == 0 {
		return events, nil
	}

	clocks := make(map[string]string, len(recoveryIDs))
	for _, batch := range chunk(recoveryIDs, 500) {
		var recoveries []struct {
			EventID string `json:"eventid"`
			Clock   string `json:"clock"`
		}
		err := c.call(ctx, "event.get", map[string]any{
			"eventids": batch,
			"output":   []string{"eventid", "clock"},
		}, &recoveries)
		if err != nil {
			return nil, fmt.Errorf("fetch recovery events: %w", err)
		}
		for _, r := range recoveries {
			clocks[r.EventID] = r.Clock
		}
	}
	for i := range events {
		events[i].RecoveryClock = clocks[events[i].REventID]
	}

	c.logger.Debug("fetched problem history", "events", len(events), "resolved", len(clocks))
	return events, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// HistoryKind selects the items a history query reads.
type HistoryKind int

const (
	HistoryLatency HistoryKind = iota
	HistoryBandwidth
)

func (k HistoryKind) String() string {
	if k == HistoryBandwidth {
		return "bandwidth"
	}
	return "latency"
}

func (k HistoryKind) itemParams() map[string]any {
	if k == HistoryBandwidth {
		return map[string]any{
			"search":                 map[string]any{"key_": []string{"net.if.in*", "net.if.out*"}},
			"searchByAny":            true,
			"searchWildcardsEnabled": true,
		}
	}
	return map[string]any{"filter": map[string]any{"key_": []string{"icmppingsec"}}}
}

// FetchHistory returns per-item history for the given hosts. Windows longer
// than the raw history limit read hourly trend averages instead.
func (c *Client) FetchHistory(ctx context.Context, kind HistoryKind, hostIDs []string, from, till time.Time) ([]ItemHistory, error) {
	if len(hostIDs) == 0 {
		return nil, nil
	}

	params := kind.itemParams()
	params["output"] = []string{"itemid", "hostid", "key_", "value_type", "units"}
	params["hostids"] = hostIDs
	params["monitored"] = true

	var items []RawItem
	if err := c.call(ctx, "item.get", params, &items); err != nil {
		return nil, fmt.Errorf("fetch history items: %w", err)
	}

	byValueType := make(map[string][]string)
	index := make(map[string]*ItemHistory, len(items))
	result := make([]ItemHistory, 0, len(items))
	for _, it := range items {
		// Only float (0) and unsigned (3) items carry numeric history.
		if it.ValueType != "0" && it.ValueType != "3" {
			continue
		}
		byValueType[it.ValueType] = append(byValueType[it.ValueType], it.ItemID)
		result = append(result, ItemHistory{ItemID: it.ItemID, HostID: it.HostID, Key: it.Key, Units: it.Units})
	}
	for i := range result {
		index[result[i].ItemID] = &result[i]
	}

	useTrends := till.Sub(from) > c.rawHistoryLimit
	for valueType, itemIDs := range byValueType {
		points, err := c.fetchPoints(ctx, valueType, itemIDs, from, till, useTrends)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			if h, ok := index[p.ItemID]; ok {
				h.Points = append(h.Points, p)
			}
		}
	}

	return result, nil
}

func (c *Client) fetchPoints(ctx context.Context, valueType string, itemIDs []string, from, till time.Time, useTrends bool) ([]RawHistory, error) {
	if useTrends {
		var trends []struct {
			ItemID   string `json:"itemid"`
			Clock    string `json:"clock"`
			ValueAvg string `json:"value_avg"`
		}
		err := c.call(ctx, "trend.get", map[string]any{
			"itemids":   itemIDs,
			"time_from": from.Unix(),
			"time_till": till.Unix(),
			"output":    []string{"itemid", "clock", "value_avg"},
		}, &trends)
		if err != nil {
			return nil, fmt.Errorf("fetch trends: %w", err)
		}
		points := make([]RawHistory, len(trends))
		for i, t := range trends {
			points[i] = RawHistory{ItemID: t.ItemID, Clock: t.Clock, Value: t.ValueAvg}
		}
		return points, nil
	}

	history := 0
	if valueType == "3" {
		history = 3
	}
	var points []RawHistory
	err := c.call(ctx, "history.get", map[string]any{
		"history":   history,
		"itemids":   itemIDs,
		"time_from": from.Unix(),
		"time_till": till.Unix(),
		"output":    []string{"itemid", "clock", "value"},
		"sortfield": "clock",
		"sortorder": "ASC",
	}, &points)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return points, nil
}

// FetchLatencyHistory returns the icmppingsec history of one host.
func (c *Client) FetchLatencyHistory(ctx context.Context, hostID string, from, till time.Time) ([]RawHistory, error) {
	items, err := c.FetchHistory(ctx, HistoryLatency, []string{hostID}, from, till)
	if err != nil {
		return nil, err
	}
	var points []RawHistory
	for _, it := range items {
		points = append(points, it.Points...)
	}
	return points, nil
}

// FetchBandwidthHistory returns the inbound and outbound interface item
// histories of one host.
func (c *Client) FetchBandwidthHistory(ctx context.Context, hostID string, from, till time.Time) (in, out []ItemHistory, err error) {
	items, err := c.FetchHistory(ctx, HistoryBandwidth, []string{hostID}, from, till)
	if err != nil {
		return nil, nil, err
	}
	for _, it := range items {
		switch {
		case strings.HasPrefix(it.Key, "net.if.in"):
			in = append(in, it)
		case strings.HasPrefix(it.Key, "net.if.out"):
			out = append(out, it)
		}
	}
	return in, out, nil
}

// Helper functions

func uniqueStrings[T any](records []T, key func(T) string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, r := range records {
		if id := key(r); id != "" && !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result
}

func chunk(ids []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}

type nopRecorder struct{}

func (nopRecorder) ObserveUpstream(string, string, time.Duration) {}
func (nopRecorder) SetBreakerState(string)                        {}
