package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/stretchr/testify/require"
)

const testToken = "admin-token-0123456789"

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

// fakeAPI answers admin routes from a fixed table and records every call.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []recorded
	routes map[string]func(w http.ResponseWriter)
}

func newFakeAPI(t *testing.T, routes map[string]func(w http.ResponseWriter)) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{routes: routes}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid bearer token"}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.calls = append(api.calls, recorded{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
		api.mu.Unlock()
		handler, ok := api.routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found"}`)
			return
		}
		handler(w)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) last() recorded {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.calls) == 0 {
		return recorded{}
	}
	return a.calls[len(a.calls)-1]
}

func jsonReply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", testToken}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusPrintsCounts(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/stats": jsonReply(http.StatusOK, `{"users":3,"devices":4,"allowed_permissions":2,"denied_permissions":1,"pending_requests":5,"total_requests":9}`),
	})

	out, err := run(t, srv, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Users:             3")
	require.Contains(t, out, "Pending requests:  5")
}

func TestMissingTokenFails(t *testing.T) {
	t.Setenv("USBGATE_ADMIN_TOKEN", "")
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--server", "http://127.0.0.1:1", "status"})
	err := cmd.Execute()
	require.ErrorContains(t, err, "admin token required")
}

func TestUnauthorizedSurfacesServerMessage(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--server", srv.URL, "--token", "wrong-token-000000", "users"})
	err := cmd.Execute()
	require.EqualError(t, err, "server returned 401: invalid bearer token")
}

func TestRequestsPassesFilters(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/requests": jsonReply(http.StatusOK, `[{"id":7,"username":"alice","vid":"0951","pid":"1666","serial":"ABC","device_info":"Kingston","status":"pending","requested_at":"2026-01-02T03:04:05Z"}]`),
	})

	out, err := run(t, srv, "requests", "--status", "pending", "--user", "ali", "--limit", "5")
	require.NoError(t, err)
	require.Equal(t, "limit=5&status=pending&username=ali", api.last().query)
	require.Contains(t, out, "0951:1666:ABC Kingston")
	require.Contains(t, out, "alice")
}

func TestApproveReportsResult(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/requests/7/approve": jsonReply(http.StatusOK, `{"request_id":7,"status":"approved"}`),
	})

	out, err := run(t, srv, "approve", "7")
	require.NoError(t, err)
	require.Equal(t, "request 7 approved\n", out)
	require.Equal(t, http.MethodPost, api.last().method)
}

func TestDenyAlreadyResolved(t *testing.T) {
	_, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/requests/7/deny": jsonReply(http.StatusConflict, `{"request_id":7,"status":"approved","resolved_by":"alice-admin","error":"already_resolved"}`),
	})

	_, err := run(t, srv, "deny", "7")
	require.EqualError(t, err, "request 7 already approved by alice-admin")
}

func TestApproveRejectsBadID(t *testing.T) {
	_, srv := newFakeAPI(t, nil)
	_, err := run(t, srv, "approve", "seven")
	require.ErrorContains(t, err, "invalid request id")
}

func TestGrantSendsSerialPresence(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/users/alice/devices": jsonReply(http.StatusOK, `{}`),
	})

	_, err := run(t, srv, "grant", "alice", "0951:1666", "--deny", "--name", "stick")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(api.last().body), &body))
	require.Equal(t, "denied", body["decision"])
	require.Equal(t, "stick", body["name"])
	require.Nil(t, body["serial"])
	require.Contains(t, body, "serial")

	_, err = run(t, srv, "grant", "alice", "0951:1666:")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(api.last().body), &body))
	require.Equal(t, "", body["serial"])
	require.Equal(t, "allowed", body["decision"])
}

func TestRevokeDevice(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"DELETE /api/users/alice/devices/3": func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
	})

	out, err := run(t, srv, "revoke", "alice", "3")
	require.NoError(t, err)
	require.Equal(t, "revoked device 3 for alice\n", out)
	require.Equal(t, http.MethodDelete, api.last().method)

	_, err = run(t, srv, "revoke", "alice", "9")
	require.EqualError(t, err, "server returned 404: not found")
}

func TestExportWritesFile(t *testing.T) {
	csvBody := "id,username\n1,alice\n"
	_, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/requests/export": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/csv")
			_, _ = io.WriteString(w, csvBody)
		},
	})

	path := filepath.Join(t.TempDir(), "out.csv")
	_, err := run(t, srv, "export", "-o", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, csvBody, string(data))

	out, err := run(t, srv, "export")
	require.NoError(t, err)
	require.Equal(t, csvBody, out)
}

func TestTokensIssueSendsTTL(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/enroll/tokens": jsonReply(http.StatusCreated, `{"id":4,"token":"raw-secret","label":"ws-01","expires_at":"2026-01-02T03:04:05Z"}`),
	})

	out, err := run(t, srv, "tokens", "issue", "--label", "ws-01", "--ttl", "2h")
	require.NoError(t, err)
	require.Contains(t, out, "raw-secret")
	require.JSONEq(t, `{"label":"ws-01","expires_in_seconds":7200}`, api.last().body)
}

func TestTokenState(t *testing.T) {
	now := time.Now()
	used := now.Add(-time.Minute)
	require.Equal(t, "used", enrollmentToken{UsedAt: &used}.state(now))
	require.Equal(t, "expired", enrollmentToken{ExpiresAt: now.Add(-time.Second)}.state(now))
	require.Equal(t, "active", enrollmentToken{}.state(now))
}

func TestAgentsRotateClear(t *testing.T) {
	api, srv := newFakeAPI(t, map[string]func(http.ResponseWriter){
		"DELETE /api/agents/agent-1/rotate": func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) },
	})

	out, err := run(t, srv, "agents", "rotate", "agent-1", "--clear")
	require.NoError(t, err)
	require.Contains(t, out, "cleared rotation requirement")
	require.Equal(t, http.MethodDelete, api.last().method)
}

func TestWatchPrintsRequests(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan realtime.JoinData, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/admin" || r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join realtime.Message
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		var data realtime.JoinData
		_ = join.Decode(&data)
		joined <- data

		serial := "ABC"
		frames := []struct {
			t    realtime.MessageType
			data any
		}{
			{realtime.TypeJoined, realtime.JoinedData{Scope: "admin"}},
			{realtime.TypeDeviceRequest, realtime.DeviceRequestData{RequestID: 7, Username: "alice", VendorID: "0951", ProductID: "1666", Serial: &serial, DeviceInfo: "Kingston"}},
			{realtime.TypeRequestResolved, realtime.ResolutionData{RequestID: 7, Username: "alice", Status: "approved", VendorID: "0951", ProductID: "1666", Serial: &serial, ResolvedBy: "bob"}},
		}
		for _, f := range frames {
			msg, _ := realtime.NewMessage(f.t, f.data)
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(srv.Close)

	opts := &globalOptions{server: srv.URL, token: testToken, timeout: 5 * time.Second}
	client, err := newAPIClient(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, watch(ctx, client, opts, &out))

	require.Equal(t, realtime.JoinData{Scope: "admin"}, <-joined)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "request 7  alice wants 0951:1666:ABC Kingston")
	require.Contains(t, lines[2], "request 7  approved for alice 0951:1666:ABC by bob")
}

func TestWSURL(t *testing.T) {
	c := &apiClient{baseURL: "https://gate.example.com:8443"}
	u, err := c.wsURL()
	require.NoError(t, err)
	require.Equal(t, "wss://gate.example.com:8443/ws/admin", u)

	c.baseURL = "ftp://gate"
	_, err = c.wsURL()
	require.Error(t, err)
}
