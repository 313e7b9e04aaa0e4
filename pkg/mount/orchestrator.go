// Package mount turns verdicts into mounts and tears them down safely.
package mount

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/metrics"
	"github.com/rs/zerolog"
)

var (
	ErrMountFailed   = errors.New("mount failed")
	ErrTeardownBusy  = errors.New("teardown failed: target still busy")
	ErrInvalidTarget = errors.New("invalid attachment")
)

// Attachment is one block device waiting to be mounted for its owner.
type Attachment struct {
	DevicePath string
	FSType     string
	Username   string
	Identity   device.Identity
	// UID and GID own the files on filesystems without permissions; -1 skips.
	UID int
	GID int
}

type Config struct {
	BaseDir           string
	Options           []string
	Grace             time.Duration
	UnmountRetries    int
	UnmountRetryDelay time.Duration
}

var allowedOptions = map[string]bool{
	"rw": true, "ro": true, "nosuid": true, "nodev": true, "noexec": true,
	"relatime": true, "noatime": true, "sync": true,
}

// Filesystems that take ownership from mount options.
var ownerlessFS = map[string]bool{
	"vfat": true, "exfat": true, "ntfs": true, "ntfs3": true, "iso9660": true, "udf": true,
}

type Orchestrator struct {
	exec    Executor
	cfg     Config
	logger  zerolog.Logger
	metrics metrics.Recorder
	sleep   func(context.Context, time.Duration)

	lockMu sync.Mutex
	locks  map[string]*targetLock

	mu       sync.Mutex
	byTarget map[string]Attachment
	byDevice map[string]string
}

type targetLock struct {
	sync.Mutex
	refs int
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func New(exec Executor, cfg Config, opts ...Option) *Orchestrator {
	if cfg.UnmountRetryDelay <= 0 {
		cfg.UnmountRetryDelay = 500 * time.Millisecond
	}
	o := &Orchestrator{
		exec:     exec,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		metrics:  metrics.NewNoopMetrics(),
		sleep:    sleepIgnoringCancel,
		locks:    make(map[string]*targetLock),
		byTarget: make(map[string]Attachment),
		byDevice: make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TargetFor returns the stable mount point for a user and device.
func (o *Orchestrator) TargetFor(username string, id device.Identity) string {
	serial := "noserial"
	if id.HasSerial() {
		serial = "s_" + sanitize(id.SerialValue())
	}
	leaf := sanitize(id.VendorID) + "-" + sanitize(id.ProductID) + "-" + serial
	return filepath.Join(o.cfg.BaseDir, sanitize(username), leaf)
}

// sanitize keeps a path component inside [A-Za-z0-9._-] and never "." or "..".
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return strings.Repeat("_", len(out)+1)
	}
	return out
}

// Apply mounts on allowed and makes sure nothing is mounted otherwise. It
// returns the target path.
func (o *Orchestrator) Apply(ctx context.Context, verdict device.Verdict, a Attachment) (string, error) {
	if a.Username == "" || a.DevicePath == "" {
		return "", ErrInvalidTarget
	}
	if err := a.Identity.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	target := o.TargetFor(a.Username, a.Identity)
	if verdict != device.Allowed {
		return target, o.Teardown(ctx, target)
	}
	return target, o.mount(target, a)
}

func (o *Orchestrator) mount(target string, a Attachment) error {
	unlock := o.lock(target)
	defer unlock()

	mounted, err := o.exec.IsMounted(target)
	if err != nil {
		o.metrics.RecordMount("error")
		return fmt.Errorf("%w: %v", ErrMountFailed, err)
	}
	if mounted {
		o.track(target, a)
		o.metrics.RecordMount("already_mounted")
		return nil
	}
	if err := o.exec.MkdirAll(target); err != nil {
		o.metrics.RecordMount("error")
		return fmt.Errorf("%w: create %s: %v", ErrMountFailed, target, err)
	}
	opts := o.options(a)
	if err := o.exec.Mount(a.DevicePath, target, a.FSType, opts); err != nil {
		if rmErr := o.exec.Remove(target); rmErr != nil {
			o.logger.Warn().Err(rmErr).Str("target", target).Msg("failed to remove mount directory")
		}
		o.metrics.RecordMount("error")
		return fmt.Errorf("%w: %w", ErrMountFailed, err)
	}
	o.track(target, a)
	o.metrics.RecordMount("mounted")
	o.logger.Info().
		Str("device", a.DevicePath).
		Str("target", target).
		Str("fstype", a.FSType).
		Strs("options", opts).
		Str("username", a.Username).
		Msg("device mounted")
	return nil
}

func (o *Orchestrator) options(a Attachment) []string {
	var opts []string
	seen := make(map[string]bool)
	for _, opt := range o.cfg.Options {
		opt = strings.TrimSpace(opt)
		if !allowedOptions[opt] {
			if opt != "" {
				o.logger.Warn().Str("option", opt).Msg("dropping mount option outside allow-list")
			}
			continue
		}
		if !seen[opt] {
			seen[opt] = true
			opts = append(opts, opt)
		}
	}
	if ownerlessFS[a.FSType] {
		if a.UID >= 0 {
			opts = append(opts, "uid="+strconv.Itoa(a.UID))
		}
		if a.GID >= 0 {
			opts = append(opts, "gid="+strconv.Itoa(a.GID))
		}
		opts = append(opts, "umask=077")
	}
	return opts
}

// Teardown stops every holder of target and unmounts it. A target that is not
// mounted is already torn down.
func (o *Orchestrator) Teardown(ctx context.Context, target string) error {
	unlock := o.lock(target)
	defer unlock()

	err := o.teardown(ctx, target)
	switch {
	case err == nil:
		o.metrics.RecordTeardown("ok")
	case errors.Is(err, ErrTeardownBusy):
		o.metrics.RecordTeardown("busy")
		o.logger.Error().Err(err).Str("target", target).
			Msg("ALERT: device remains mounted after revocation")
	default:
		o.metrics.RecordTeardown("error")
		o.logger.Error().Err(err).Str("target", target).Msg("teardown failed")
	}
	return err
}

// TeardownPair tears down the mount belonging to a user and device.
func (o *Orchestrator) TeardownPair(ctx context.Context, username string, id device.Identity) error {
	return o.Teardown(ctx, o.TargetFor(username, id))
}

func (o *Orchestrator) teardown(ctx context.Context, target string) error {
	mounted, err := o.exec.IsMounted(target)
	if err != nil {
		return err
	}
	if !mounted {
		o.untrack(target)
		return nil
	}

	o.stopHolders(ctx, target)

	var lastErr error
	for attempt := 0; attempt <= o.cfg.UnmountRetries; attempt++ {
		if attempt > 0 {
			o.sleep(ctx, o.cfg.UnmountRetryDelay)
			o.killHolders(target, syscall.SIGKILL)
		}
		lastErr = o.exec.Unmount(target, UnmountNormal)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrBusy) {
			return lastErr
		}
		o.logger.Warn().Str("target", target).Int("attempt", attempt+1).Msg("unmount busy, retrying")
	}
	if lastErr != nil {
		o.logger.Warn().Str("target", target).Msg("unmount still busy, forcing")
		if err := o.exec.Unmount(target, UnmountForce); err == nil {
			lastErr = nil
		} else if !errors.Is(err, ErrBusy) {
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrTeardownBusy, target, lastErr)
	}

	if err := o.exec.Remove(target); err != nil {
		o.logger.Warn().Err(err).Str("target", target).Msg("failed to remove mount directory")
	}
	o.untrack(target)
	o.logger.Info().Str("target", target).Msg("device unmounted")
	return nil
}

// stopHolders sends SIGTERM, waits up to the grace period, then SIGKILLs
// whoever is left.
func (o *Orchestrator) stopHolders(ctx context.Context, target string) {
	pids := o.killHolders(target, syscall.SIGTERM)
	if len(pids) == 0 {
		return
	}
	deadline := time.Now().Add(o.cfg.Grace)
	for time.Now().Before(deadline) {
		if !o.anyAlive(pids) {
			return
		}
		o.sleep(ctx, minDuration(100*time.Millisecond, time.Until(deadline)))
	}
	var survivors []int
	for _, pid := range pids {
		if o.exec.Alive(pid) {
			survivors = append(survivors, pid)
		}
	}
	for _, pid := range survivors {
		if err := o.exec.Signal(pid, syscall.SIGKILL); err != nil {
			o.logger.Warn().Err(err).Int("pid", pid).Msg("SIGKILL failed")
		}
	}
	if len(survivors) > 0 {
		o.logger.Warn().Ints("pids", survivors).Str("target", target).Msg("killed processes holding mount")
	}
}

func (o *Orchestrator) killHolders(target string, sig syscall.Signal) []int {
	pids, err := o.exec.Holders(target)
	if err != nil {
		o.logger.Warn().Err(err).Str("target", target).Msg("failed to list mount holders")
		return nil
	}
	for _, pid := range pids {
		if err := o.exec.Signal(pid, sig); err != nil {
			o.logger.Warn().Err(err).Int("pid", pid).Str("signal", sig.String()).Msg("signal failed")
		}
	}
	if len(pids) > 0 {
		o.logger.Info().Ints("pids", pids).Str("signal", sig.String()).Str("target", target).Msg("signalled mount holders")
	}
	return pids
}

func (o *Orchestrator) anyAlive(pids []int) bool {
	for _, pid := range pids {
		if o.exec.Alive(pid) {
			return true
		}
	}
	return false
}

// Removed handles a device that disappeared: any leftover mount is lazily
// detached and tracking is dropped.
func (o *Orchestrator) Removed(devicePath string) {
	o.mu.Lock()
	target, ok := o.byDevice[devicePath]
	o.mu.Unlock()
	if !ok {
		return
	}

	unlock := o.lock(target)
	defer unlock()
	if mounted, err := o.exec.IsMounted(target); err == nil && mounted {
		if err := o.exec.Unmount(target, UnmountDetach); err != nil {
			o.logger.Error().Err(err).Str("target", target).Msg("lazy detach failed")
		} else {
			o.logger.Info().Str("device", devicePath).Str("target", target).Msg("detached removed device")
		}
	}
	if err := o.exec.Remove(target); err != nil {
		o.logger.Debug().Err(err).Str("target", target).Msg("mount directory not removed")
	}
	o.untrack(target)
}

// Reconcile tears down every mount under the base directory this process does
// not track.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	points, err := o.exec.MountsUnder(o.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("list mounts under %s: %w", o.cfg.BaseDir, err)
	}
	sort.Strings(points)
	var errs []error
	for _, p := range points {
		if _, ok := o.Tracked(p); ok {
			continue
		}
		o.logger.Warn().Str("target", p).Msg("tearing down untracked mount")
		if err := o.Teardown(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracked returns the attachment currently mounted at target.
func (o *Orchestrator) Tracked(target string) (Attachment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.byTarget[target]
	return a, ok
}

func (o *Orchestrator) track(target string, a Attachment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.byTarget[target]; ok && prev.DevicePath != a.DevicePath {
		delete(o.byDevice, prev.DevicePath)
	}
	o.byTarget[target] = a
	o.byDevice[a.DevicePath] = target
}

func (o *Orchestrator) untrack(target string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.byTarget[target]; ok {
		delete(o.byDevice, a.DevicePath)
		delete(o.byTarget, target)
	}
}

func (o *Orchestrator) lock(target string) func() {
	o.lockMu.Lock()
	l, ok := o.locks[target]
	if !ok {
		l = &targetLock{}
		o.locks[target] = l
	}
	l.refs++
	o.lockMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		o.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, target)
		}
		o.lockMu.Unlock()
	}
}

// sleepIgnoringCancel waits d. Teardown must run to completion even when the
// caller's context ends, so cancellation does not cut it short.
func sleepIgnoringCancel(_ context.Context, d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
