package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// RPCError is a JSON-RPC error the fake server returns from a handler.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
}

// SessionTerminated is the error Zabbix returns for an expired session.
func SessionTerminated() *RPCError {
	return &RPCError{Code: -32602, Message: "Invalid params.", Data: "Session terminated, re-login, please."}
}

// HandlerFunc answers one JSON-RPC method. Returning *RPCError produces a
// JSON-RPC error object; any other error produces HTTP 500.
type HandlerFunc func(params json.RawMessage) (any, error)

// FakeZabbix is an httptest JSON-RPC server that mimics the Zabbix API.
//
// Authentication: once a token is set (SetToken or a successful user.login),
// every method except apiinfo.version and user.login must carry
// "Authorization: Bearer <token>". user.login checks the users registered
// with AddUser and issues a new session token.
type FakeZabbix struct {
	Server *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    map[string]int
	failures map[string][]int // queued HTTP statuses per method
	token    string
	users    map[string]string
	sessions int
	authSeen []string
}

// NewFakeZabbix starts a fake server that is closed with the test.
func NewFakeZabbix(t *testing.T) *FakeZabbix {
	t.Helper()

	f := &FakeZabbix{
		handlers: make(map[string]HandlerFunc),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
		users:    make(map[string]string),
	}
	f.Handle("apiinfo.version", func(json.RawMessage) (any, error) { return "7.0.0", nil })
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the fake frontend.
func (f *FakeZabbix) URL() string {
	return f.Server.URL
}

// Handle registers a handler for a method.
func (f *FakeZabbix) Handle(method string, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

// SetResult registers a fixed result for a method.
func (f *FakeZabbix) SetResult(method string, result any) {
	f.Handle(method, func(json.RawMessage) (any, error) { return result, nil })
}

// FailNext makes the next n calls of method answer with an HTTP status.
func (f *FakeZabbix) FailNext(method string, n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.failures[method] = append(f.failures[method], status)
	}
}

// SetToken sets the bearer token the server accepts. Empty accepts anything.
func (f *FakeZabbix) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

// AddUser allows user.login for the given credentials.
func (f *FakeZabbix) AddUser(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[username] = password
}

// ExpireSession invalidates the current token so the next call is rejected.
func (f *FakeZabbix) ExpireSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = "expired-" + strconv.Itoa(f.sessions)
}

// Calls returns how many requests a method received.
func (f *FakeZabbix) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Logins returns how many sessions user.login issued.
func (f *FakeZabbix) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

// AuthHeaders returns every Authorization header received, in order.
func (f *FakeZabbix) AuthHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authSeen...)
}

type fakeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

func (f *FakeZabbix) serve(w http.ResponseWriter, r *http.Request) {
	var req fakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	auth := r.Header.Get("Authorization")

	f.mu.Lock()
	f.calls[req.Method]++
	f.authSeen = append(f.authSeen, auth)
	if queued := f.failures[req.Method]; len(queued) > 0 {
		status := queued[0]
		f.failures[req.Method] = queued[1:]
		f.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	handler, ok := f.handlers[req.Method]
	token := f.token
	f.mu.Unlock()

	if req.Method == "user.login" {
		result, rpcErr := f.login(req.Params)
		f.writeResult(w, req.ID, result, rpcErr)
		return
	}

	if req.Method != "apiinfo.version" && token != "" && auth != "Bearer "+token {
		f.writeResult(w, req.ID, nil, SessionTerminated())
		return
	}

	if !ok {
		f.writeResult(w, req.ID, nil, &RPCError{Code: -32601, Message: "Method not found.", Data: req.Method})
		return
	}

	result, err := handler(req.Params)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			f.writeResult(w, req.ID, nil, rpcErr)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f.writeResult(w, req.ID, result, nil)
}

func (f *FakeZabbix) login(params json.RawMessage) (any, *RPCError) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.Unmarshal(params, &creds)

	f.mu.Lock()
	defer f.mu.Unlock()

	if pw, ok := f.users[creds.Username]; !ok || pw != creds.Password {
		return nil, &RPCError{Code: -32500, Message: "Application error.", Data: "Incorrect user name or password or account is temporarily blocked."}
	}
	f.sessions++
	f.token = "session-" + strconv.Itoa(f.sessions)
	return f.token, nil
}

func (f *FakeZabbix) writeResult(w http.ResponseWriter, id int64, result any, rpcErr *RPCError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = map[string]any{
			"code":    rpcErr.Code,
			"message": rpcErr.Message,
			"data":    rpcErr.Data,
		}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
