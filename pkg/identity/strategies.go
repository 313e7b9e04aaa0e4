package identity

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// Loginctl asks systemd-logind for the active local session on seat0.
type Loginctl struct {
	Runner Runner
}

func (Loginctl) Name() string { return "loginctl" }

func (l Loginctl) Resolve(ctx context.Context) (string, bool, error) {
	out, err := l.Runner.Run(ctx, "loginctl", "list-sessions", "--no-legend")
	if err != nil {
		return "", false, err
	}
	var candidates []string
	for _, line := range lines(out) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		props, err := l.Runner.Run(ctx, "loginctl", "show-session", fields[0],
			"-p", "Name", "-p", "State", "-p", "Seat", "-p", "Type", "-p", "Remote")
		if err != nil {
			continue
		}
		p := parseProps(props)
		if p["State"] != "active" || p["Seat"] != "seat0" || p["Remote"] == "yes" {
			continue
		}
		switch p["Type"] {
		case "x11", "wayland", "tty":
			candidates = append(candidates, p["Name"])
		}
	}
	u, ok := single(candidates)
	return u, ok, nil
}

// Who looks for terminals attached to a local display or console.
type Who struct {
	Runner Runner
}

func (Who) Name() string { return "who" }

func (w Who) Resolve(ctx context.Context) (string, bool, error) {
	out, err := w.Runner.Run(ctx, "who")
	if err != nil {
		return "", false, err
	}
	var candidates []string
	for _, line := range lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		host := ""
		if last := fields[len(fields)-1]; strings.HasPrefix(last, "(") {
			host = strings.Trim(last, "()")
		}
		if localTerminal(fields[1]) || strings.HasPrefix(host, ":") {
			candidates = append(candidates, fields[0])
		}
	}
	u, ok := single(candidates)
	return u, ok, nil
}

func localTerminal(tty string) bool {
	return strings.HasPrefix(tty, ":") || tty == "tty7" || tty == "tty1"
}

// DisplayServer reports the owner of the running X or Wayland server.
type DisplayServer struct {
	Runner Runner
}

func (DisplayServer) Name() string { return "display_server" }

func (d DisplayServer) Resolve(ctx context.Context) (string, bool, error) {
	out, err := d.Runner.Run(ctx, "ps", "-eo", "user:32=,comm=,args=")
	if err != nil {
		return "", false, err
	}
	var candidates []string
	for _, line := range lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		comm := fields[1]
		exe := ""
		if len(fields) > 2 {
			exe = fields[2]
		}
		if comm == "Xorg" || comm == "Xwayland" || exe == "/usr/bin/X" || exe == "/usr/lib/xorg/Xorg" {
			candidates = append(candidates, fields[0])
		}
	}
	u, ok := single(candidates)
	return u, ok, nil
}

// ProcEnviron scans process environments for a display marker.
type ProcEnviron struct {
	Root string
	// LookupUID maps a uid to a username; defaults to os/user.
	LookupUID func(uid string) (string, error)
}

func (ProcEnviron) Name() string { return "proc_environ" }

func (p ProcEnviron) Resolve(ctx context.Context) (string, bool, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}
	lookup := p.LookupUID
	if lookup == nil {
		lookup = func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false, err
	}
	uids := make(map[string]struct{})
	for _, e := range entries {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		env, err := os.ReadFile(filepath.Join(root, e.Name(), "environ"))
		if err != nil || !hasDisplay(env) {
			continue
		}
		uid, err := processUID(filepath.Join(root, e.Name(), "status"))
		if err != nil || uid == "0" {
			continue
		}
		uids[uid] = struct{}{}
	}
	var candidates []string
	for uid := range uids {
		name, err := lookup(uid)
		if err != nil {
			continue
		}
		candidates = append(candidates, name)
	}
	u, ok := single(candidates)
	return u, ok, nil
}

func hasDisplay(environ []byte) bool {
	for _, kv := range bytes.Split(environ, []byte{0}) {
		if bytes.HasPrefix(kv, []byte("DISPLAY=")) || bytes.HasPrefix(kv, []byte("WAYLAND_DISPLAY=")) {
			return len(bytes.TrimSpace(kv[bytes.IndexByte(kv, '=')+1:])) > 0
		}
	}
	return false
}

// processUID reads the real uid from a /proc/<pid>/status file.
func processUID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "Uid:"); ok {
			fields := strings.Fields(rest)
			if len(fields) > 0 {
				return fields[0], nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", os.ErrNotExist
}

func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

func parseProps(out []byte) map[string]string {
	props := make(map[string]string)
	for _, l := range lines(out) {
		if k, v, ok := strings.Cut(l, "="); ok {
			props[k] = v
		}
	}
	return props
}
