//go:build linux

package mount

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// UnixExecutor performs mounts with mount(2) and umount2(2) and inspects
// holders through /proc.
type UnixExecutor struct {
	ProcRoot string
}

var _ Executor = UnixExecutor{}

var mountFlags = map[string]uintptr{
	"ro":       unix.MS_RDONLY,
	"nosuid":   unix.MS_NOSUID,
	"nodev":    unix.MS_NODEV,
	"noexec":   unix.MS_NOEXEC,
	"sync":     unix.MS_SYNCHRONOUS,
	"noatime":  unix.MS_NOATIME,
	"relatime": unix.MS_RELATIME,
	"rw":       0,
}

func (e UnixExecutor) proc() string {
	if e.ProcRoot == "" {
		return "/proc"
	}
	return e.ProcRoot
}

func (UnixExecutor) Mount(source, target, fstype string, options []string) error {
	var (
		flags uintptr
		data  []string
	)
	for _, opt := range options {
		if f, ok := mountFlags[opt]; ok {
			flags |= f
			continue
		}
		data = append(data, opt)
	}
	if err := unix.Mount(source, target, fstype, flags, strings.Join(data, ",")); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (UnixExecutor) Unmount(target string, mode UnmountMode) error {
	flags := 0
	switch mode {
	case UnmountForce:
		flags = unix.MNT_FORCE
	case UnmountDetach:
		flags = unix.MNT_DETACH
	}
	err := unix.Unmount(target, flags)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("unmount %s: %w", target, ErrBusy)
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		// Not a mount point (any more).
		return nil
	default:
		return fmt.Errorf("unmount %s: %w", target, err)
	}
}

func (e UnixExecutor) IsMounted(target string) (bool, error) {
	points, err := e.mountPoints()
	if err != nil {
		return false, err
	}
	clean := filepath.Clean(target)
	for _, p := range points {
		if p == clean {
			return true, nil
		}
	}
	return false, nil
}

func (e UnixExecutor) MountsUnder(base string) ([]string, error) {
	points, err := e.mountPoints()
	if err != nil {
		return nil, err
	}
	base = filepath.Clean(base)
	var out []string
	for _, p := range points {
		if p != base && within(p, base) {
			out = append(out, p)
		}
	}
	return out, nil
}

// mountPoints parses field 5 of mountinfo.
func (e UnixExecutor) mountPoints() ([]string, error) {
	f, err := os.Open(filepath.Join(e.proc(), "self", "mountinfo"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		out = append(out, unescapeMountinfo(fields[4]))
	}
	return out, sc.Err()
}

// unescapeMountinfo decodes the \ooo octal escapes the kernel uses.
func unescapeMountinfo(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (e UnixExecutor) Holders(target string) ([]int, error) {
	entries, err := os.ReadDir(e.proc())
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	target = filepath.Clean(target)

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		if e.holds(pid, target) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (e UnixExecutor) holds(pid int, target string) bool {
	dir := filepath.Join(e.proc(), strconv.Itoa(pid))
	for _, link := range []string{"cwd", "root"} {
		if p, err := os.Readlink(filepath.Join(dir, link)); err == nil && within(p, target) {
			return true
		}
	}
	fds, err := os.ReadDir(filepath.Join(dir, "fd"))
	if err != nil {
		return false
	}
	for _, fd := range fds {
		if p, err := os.Readlink(filepath.Join(dir, "fd", fd.Name())); err == nil && within(p, target) {
			return true
		}
	}
	return false
}

func (UnixExecutor) Signal(pid int, sig syscall.Signal) error {
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (UnixExecutor) Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func (UnixExecutor) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o750)
}

// Remove deletes an empty mount directory.
func (UnixExecutor) Remove(path string) error {
	err := unix.Rmdir(path)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

func within(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}
