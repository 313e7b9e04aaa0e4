// Package hostinfo describes the endpoint an agent runs on. The description is
// sent at enrollment and shown to admins next to the agent.
package hostinfo

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

type Report struct {
	Hostname string `json:"hostname"`
	OSName   string `json:"os_name"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
}

// Collector gathers a Report. Zero fields fall back to the live system.
type Collector struct {
	OSReleasePath string
	Run           func(ctx context.Context, name string, args ...string) ([]byte, error)
	Timeout       time.Duration
}

func (c Collector) Collect(ctx context.Context) Report {
	if c.OSReleasePath == "" {
		c.OSReleasePath = "/etc/os-release"
	}
	if c.Run == nil {
		c.Run = execOutput
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	hostname, _ := os.Hostname()
	r := Report{Hostname: hostname, Arch: runtime.GOARCH}
	r.OSName = c.osName(ctx)
	if out, err := c.Run(ctx, "uname", "-r"); err == nil {
		r.Kernel = strings.TrimSpace(string(out))
	}
	return r
}

func (c Collector) osName(ctx context.Context) string {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile(c.OSReleasePath)
		if err != nil {
			return "linux"
		}
		if name := prettyName(string(data)); name != "" {
			return name
		}
		return "linux"
	case "darwin":
		if out, err := c.Run(ctx, "sw_vers", "-productVersion"); err == nil {
			return "macOS " + strings.TrimSpace(string(out))
		}
	}
	return runtime.GOOS
}

// prettyName extracts PRETTY_NAME from os-release content.
func prettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "PRETTY_NAME="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// String is the one-line form stored as the agent's os_info.
func (r Report) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.OSName, r.Kernel, r.Arch} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " / ")
}

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
