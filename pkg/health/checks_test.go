package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serverWithDate(t *testing.T, status int, date time.Time) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		w.Header().Set("Date", date.UTC().Format(http.TimeFormat))
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func allTools(string) (string, error) { return "/usr/bin/x", nil }

func TestCheckHealthy(t *testing.T) {
	ts := serverWithDate(t, http.StatusOK, time.Now())
	status := Checker{ServerURL: ts.URL, MaxSkew: time.Minute, Tools: []string{"who"}, LookPath: allTools}.
		Check(context.Background())
	require.True(t, status.Healthy, status.Issues)
	require.True(t, status.ServerReachable)
	require.LessOrEqual(t, absDuration(status.ClockSkew), 2*time.Second)
}

func TestCheckReportsClockSkew(t *testing.T) {
	ts := serverWithDate(t, http.StatusOK, time.Now().Add(10*time.Minute))
	status := Checker{ServerURL: ts.URL, MaxSkew: time.Minute, LookPath: allTools}.Check(context.Background())
	require.False(t, status.Healthy)
	require.True(t, status.ServerReachable)
	require.Greater(t, status.ClockSkew, 9*time.Minute)
	require.Len(t, status.Issues, 1)
}

func TestCheckUnhealthyServer(t *testing.T) {
	ts := serverWithDate(t, http.StatusServiceUnavailable, time.Now())
	status := Checker{ServerURL: ts.URL, LookPath: allTools}.Check(context.Background())
	require.False(t, status.Healthy)
	require.False(t, status.ServerReachable)
}

func TestCheckUnreachableServer(t *testing.T) {
	ts := serverWithDate(t, http.StatusOK, time.Now())
	url := ts.URL
	ts.Close()
	status := Checker{ServerURL: url, LookPath: allTools}.Check(context.Background())
	require.False(t, status.Healthy)
	require.Contains(t, status.Issues[0], "cannot reach server")
}

func TestCheckMissingTools(t *testing.T) {
	ts := serverWithDate(t, http.StatusOK, time.Now())
	lookPath := func(name string) (string, error) {
		if name == "notify-send" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	status := Checker{ServerURL: ts.URL, Tools: ToolsFor([]string{"loginctl", "proc_environ"}, true), LookPath: lookPath}.
		Check(context.Background())
	require.False(t, status.Healthy)
	require.Equal(t, []string{"notify-send"}, status.MissingTools)
}

func TestToolsFor(t *testing.T) {
	require.Equal(t, []string{"loginctl", "who", "ps"},
		ToolsFor([]string{"loginctl", "who", "display_server", "proc_environ"}, false))
	require.Equal(t, []string{"runuser", "notify-send"}, ToolsFor(nil, true))
}
