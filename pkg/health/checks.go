// Package health runs the agent's startup preflight: the server must answer,
// the clocks must agree closely enough for signed requests, and the helper
// binaries the agent shells out to must be present.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

type Status struct {
	ServerReachable bool          `json:"server_reachable"`
	ClockSkew       time.Duration `json:"clock_skew"`
	MissingTools    []string      `json:"missing_tools,omitempty"`
	Healthy         bool          `json:"healthy"`
	Issues          []string      `json:"issues,omitempty"`
}

type Checker struct {
	Client    *http.Client
	ServerURL string
	// MaxSkew is the largest tolerated difference between the local clock and
	// the server's Date header.
	MaxSkew time.Duration
	Tools   []string

	LookPath func(file string) (string, error)
	Now      func() time.Time
}

func (c Checker) Check(ctx context.Context) *Status {
	status := &Status{Healthy: true}
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	// Check server connectivity and clock skew
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(c.ServerURL, "/")+"/api/health", nil)
	if err != nil {
		status.fail(fmt.Sprintf("invalid server url: %v", err))
		return status
	}
	sent := now()
	resp, err := client.Do(req)
	if err != nil {
		status.fail(fmt.Sprintf("cannot reach server: %v", err))
	} else {
		resp.Body.Close()
		received := now()
		status.ServerReachable = resp.StatusCode == http.StatusOK
		if !status.ServerReachable {
			status.fail(fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
		}
		if date, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
			local := sent.Add(received.Sub(sent) / 2)
			status.ClockSkew = date.Sub(local).Round(time.Second)
			if c.MaxSkew > 0 && absDuration(status.ClockSkew) > c.MaxSkew {
				status.fail(fmt.Sprintf("clock skew %s exceeds max %s", status.ClockSkew, c.MaxSkew))
			}
		}
	}

	for _, tool := range c.Tools {
		if _, err := lookPath(tool); err != nil {
			status.MissingTools = append(status.MissingTools, tool)
		}
	}
	if len(status.MissingTools) > 0 {
		status.fail("missing tools: " + strings.Join(status.MissingTools, ", "))
	}
	return status
}

func (s *Status) fail(issue string) {
	s.Healthy = false
	s.Issues = append(s.Issues, issue)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ToolsFor lists the binaries behind the configured owner strategies and
// desktop notifications.
func ToolsFor(strategies []string, notifications bool) []string {
	var tools []string
	for _, s := range strategies {
		switch s {
		case "loginctl":
			tools = append(tools, "loginctl")
		case "who":
			tools = append(tools, "who")
		case "display_server":
			tools = append(tools, "ps")
		}
	}
	if notifications {
		tools = append(tools, "runuser", "notify-send")
	}
	return tools
}
