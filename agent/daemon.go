package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/usbgate/pkg/authz"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/events"
	"github.com/haasonsaas/usbgate/pkg/identity"
	"github.com/haasonsaas/usbgate/pkg/mount"
	"github.com/haasonsaas/usbgate/pkg/notify"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/rs/zerolog"
)

var errEventSourceClosed = errors.New("device event source closed")

type decider interface {
	Decide(ctx context.Context, username string, id device.Identity, description string) authz.Decision
	Observe(res realtime.ResolutionData)
	Revoked(username string, id device.Identity)
}

type mounter interface {
	Apply(ctx context.Context, verdict device.Verdict, a mount.Attachment) (string, error)
	TeardownPair(ctx context.Context, username string, id device.Identity) error
	Removed(devicePath string)
}

type ownerResolver interface {
	ResolveOwner(ctx context.Context) identity.Result
}

type subscriber interface {
	Subscribe(username string) func()
}

// attachment is one device node currently plugged in.
type attachment struct {
	event    events.Event
	id       device.Identity
	username string
	uid      int
	gid      int
	// ctx ends when the device is removed or the daemon stops.
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Daemon.mu.
	target    string
	deciding  bool
	redecide  bool
	pendingID uint
	stop      context.CancelFunc
	revision  uint64 // revocations seen for the pair

	release func()
}

func (a *attachment) mountAttachment() mount.Attachment {
	return mount.Attachment{
		DevicePath: a.event.DevicePath,
		FSType:     a.event.FSType,
		Username:   a.username,
		Identity:   a.id,
		UID:        a.uid,
		GID:        a.gid,
	}
}

// Daemon turns device events into authorization decisions and mounts. Every
// attach is handled on its own goroutine.
type Daemon struct {
	authz     decider
	mounts    mounter
	owner     ownerResolver
	subs      subscriber
	notifier  notify.Notifier
	account   func(username string) (uid, gid int, err error)
	lateMount bool
	logger    zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	attached map[string]*attachment
	closing  bool
	wg       sync.WaitGroup
}

func newDaemon(d decider, m mounter, owner ownerResolver, subs subscriber, n notify.Notifier, lateMount bool, logger zerolog.Logger) *Daemon {
	if n == nil {
		n = notify.Nop{}
	}
	return &Daemon{
		authz:     d,
		mounts:    m,
		owner:     owner,
		subs:      subs,
		notifier:  n,
		account:   identity.Account,
		lateMount: lateMount,
		logger:    logger,
		ctx:       context.Background(),
		attached:  make(map[string]*attachment),
	}
}

// Run consumes src until ctx ends, then waits for in-flight attaches, which
// see the cancellation and end denied.
func (d *Daemon) Run(ctx context.Context, src events.Source) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	ch, err := src.Events(ctx)
	if err != nil {
		return fmt.Errorf("open device events: %w", err)
	}
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errEventSourceClosed
			}
			d.dispatch(ctx, e)
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, e events.Event) {
	if !events.Relevant(e) {
		return
	}
	switch e.Action {
	case events.ActionAdd:
		d.spawn(func() { d.handleAdd(ctx, e) })
	case events.ActionRemove:
		d.handleRemove(e)
	}
}

// spawn runs fn on a tracked goroutine unless the daemon is stopping.
func (d *Daemon) spawn(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	d.closing = true
	for _, a := range d.attached {
		a.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for path, a := range d.attached {
		a.release()
		delete(d.attached, path)
	}
}

func (d *Daemon) handleAdd(ctx context.Context, e events.Event) {
	logger := d.logger.With().Str("device", e.DevicePath).Logger()
	id, err := e.Identity()
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring device without a usable identity")
		return
	}
	desc := e.Description()

	owner := d.owner.ResolveOwner(ctx)
	if !owner.Known() {
		// Records the fail-closed denial in the audit log.
		d.authz.Decide(ctx, "", id, desc)
		return
	}
	uid, gid, err := d.account(owner.Username)
	if err != nil {
		logger.Error().Err(err).Str("username", owner.Username).Msg("owner has no local account, denying")
		d.notifier.Notify(ctx, owner.Username, notify.TitleDenied, notify.DeniedBody(desc))
		return
	}

	// The scope stays joined while the device is attached so revocations and
	// late approvals reach us.
	release := d.subs.Subscribe(owner.Username)
	actx, cancel := context.WithCancel(ctx)
	a := &attachment{
		event: e, id: id, username: owner.Username, uid: uid, gid: gid,
		ctx: actx, cancel: cancel, release: release,
	}

	d.mu.Lock()
	_, dup := d.attached[e.DevicePath]
	if d.closing || dup {
		d.mu.Unlock()
		cancel()
		release()
		if dup {
			logger.Debug().Msg("duplicate add event ignored")
		}
		return
	}
	d.attached[e.DevicePath] = a
	d.mu.Unlock()

	logger.Info().Str("username", owner.Username).Str("method", owner.Method).
		Str("identity", id.String()).Msg("device attached")
	d.decideAndApply(actx, a)
}

// decide runs Decide for a, repeating it while a reconnect or a revocation
// asked for a fresh attempt. rev is the revision the returned decision was
// made at; ok is false when another decision for a is already running.
func (d *Daemon) decide(ctx context.Context, a *attachment) (dec authz.Decision, rev uint64, ok bool) {
	desc := a.event.Description()
	for {
		attemptCtx, stop := context.WithCancel(ctx)
		d.mu.Lock()
		if a.deciding {
			d.mu.Unlock()
			stop()
			return dec, rev, false
		}
		a.deciding, a.redecide, a.stop = true, false, stop
		rev = a.revision
		d.mu.Unlock()

		dec = d.authz.Decide(attemptCtx, a.username, a.id, desc)
		stop()

		d.mu.Lock()
		a.deciding, a.stop = false, nil
		revoked := a.revision != rev
		again := (a.redecide || revoked) && ctx.Err() == nil
		d.mu.Unlock()
		if !again {
			return dec, rev, true
		}
		if revoked {
			// The finished attempt may have cached the verdict it had
			// before the revocation.
			d.authz.Revoked(a.username, a.id)
		}
	}
}

// decideAndApply decides for a and mounts on allowed.
func (d *Daemon) decideAndApply(ctx context.Context, a *attachment) {
	dec, rev, ok := d.decide(ctx, a)
	if !ok || ctx.Err() != nil {
		// Removed or shutting down: never mount.
		return
	}

	desc := a.event.Description()
	switch {
	case dec.Allowed():
		target, err := d.mounts.Apply(ctx, device.Allowed, a.mountAttachment())
		if err != nil {
			d.logger.Error().Err(err).Str("device", a.event.DevicePath).Msg("mount failed")
			d.notifier.Notify(ctx, a.username, notify.TitleDenied, notify.FailedBody(desc))
			return
		}
		d.mu.Lock()
		revoked := a.revision != rev
		if !revoked {
			a.target, a.pendingID = target, 0
		}
		d.mu.Unlock()
		if revoked {
			d.logger.Warn().Str("device", a.event.DevicePath).Str("username", a.username).
				Msg("permission revoked while mounting, tearing down")
			d.unmount(ctx, a)
			return
		}
		d.notifier.Notify(ctx, a.username, notify.TitleAllowed, notify.AllowedBody(desc))
	case dec.Source == authz.SourceTimeout:
		d.mu.Lock()
		a.pendingID = dec.RequestID
		d.mu.Unlock()
		d.notifier.Notify(ctx, a.username, notify.TitlePending, notify.PendingBody(desc))
	default:
		d.notifier.Notify(ctx, a.username, notify.TitleDenied, notify.DeniedBody(desc))
	}
}

// recheck asks again for a mounted device and tears it down unless the
// answer is still allowed.
func (d *Daemon) recheck(a *attachment) {
	d.mu.Lock()
	mounted := a.target != ""
	d.mu.Unlock()
	if !mounted {
		return
	}

	dec, rev, ok := d.decide(a.ctx, a)
	if !ok || a.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	keep := dec.Allowed() && a.revision == rev
	wasMounted := a.target != ""
	if !keep {
		a.target = ""
		if dec.Source == authz.SourceTimeout {
			a.pendingID = dec.RequestID
		}
	}
	d.mu.Unlock()
	if keep || !wasMounted {
		return
	}
	d.logger.Warn().Str("device", a.event.DevicePath).Str("username", a.username).
		Str("verdict", string(dec.Verdict)).Str("source", string(dec.Source)).
		Msg("mounted device no longer allowed, tearing down")
	d.unmount(a.ctx, a)
}

func (d *Daemon) unmount(ctx context.Context, a *attachment) {
	ctx = context.WithoutCancel(ctx)
	if err := d.mounts.TeardownPair(ctx, a.username, a.id); err != nil {
		d.logger.Error().Err(err).Str("username", a.username).Str("identity", a.id.String()).
			Msg("teardown failed")
	}
	d.notifier.Notify(ctx, a.username, notify.TitleRevoked, notify.RevokedBody(a.event.Description()))
}

func (d *Daemon) handleRemove(e events.Event) {
	d.mu.Lock()
	a, ok := d.attached[e.DevicePath]
	if ok {
		delete(d.attached, e.DevicePath)
	}
	d.mu.Unlock()
	if !ok {
		d.mounts.Removed(e.DevicePath)
		return
	}
	a.cancel()
	a.release()
	d.mounts.Removed(e.DevicePath)
	d.logger.Info().Str("device", e.DevicePath).Str("username", a.username).Msg("device removed")
}

// matching returns the attachments of username with identity id.
func (d *Daemon) matching(username string, id device.Identity) []*attachment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*attachment
	for _, a := range d.attached {
		if a.username == username && a.id.Equal(id) {
			out = append(out, a)
		}
	}
	return out
}

// OnResolution handles a resolution no Decide call was waiting for, typically
// an approval that arrived after the wait timed out.
func (d *Daemon) OnResolution(res realtime.ResolutionData) {
	d.authz.Observe(res)
	for _, a := range d.matching(res.Username, res.Identity()) {
		d.mu.Lock()
		idle := !a.deciding && a.target == ""
		d.mu.Unlock()
		if !idle {
			continue
		}
		switch res.Status {
		case device.StatusApproved:
			if !d.lateMount {
				d.logger.Info().Uint("request_id", res.RequestID).Msg("late approval ignored, replug to mount")
				continue
			}
			d.logger.Info().Uint("request_id", res.RequestID).Str("device", a.event.DevicePath).Msg("late approval, mounting")
			d.redecideAsync(a)
		case device.StatusDenied:
			d.mu.Lock()
			a.pendingID = 0
			d.mu.Unlock()
			d.notifier.Notify(d.context(), a.username, notify.TitleDenied, notify.DeniedBody(a.event.Description()))
		}
	}
}

// OnRevocation tears down every mount of the revoked pair.
func (d *Daemon) OnRevocation(rev realtime.RevocationData) {
	id := rev.Identity()
	d.authz.Revoked(rev.Username, id)

	// Decisions in flight for the pair start over against the server.
	for _, a := range d.matching(rev.Username, id) {
		d.mu.Lock()
		a.revision++
		if a.deciding {
			a.redecide = true
			if a.stop != nil {
				a.stop()
			}
		}
		d.mu.Unlock()
	}

	teardown := func() {
		ctx := context.WithoutCancel(d.context())
		if err := d.mounts.TeardownPair(ctx, rev.Username, id); err != nil {
			d.logger.Error().Err(err).Str("username", rev.Username).Str("identity", id.String()).
				Msg("teardown after revocation failed")
		}
		for _, a := range d.matching(rev.Username, id) {
			d.mu.Lock()
			wasMounted := a.target != ""
			a.target = ""
			d.mu.Unlock()
			if wasMounted {
				d.notifier.Notify(ctx, a.username, notify.TitleRevoked, notify.RevokedBody(a.event.Description()))
			}
		}
	}
	if !d.spawn(teardown) {
		teardown()
	}
}

// OnReconnect re-runs Decide for every attached device, since resolutions
// and revocations pushed while disconnected were lost. Mounted devices are
// asked again past the cache and torn down unless still allowed.
func (d *Daemon) OnReconnect() {
	d.mu.Lock()
	var idle, mounted []*attachment
	for _, a := range d.attached {
		switch {
		case a.deciding:
			a.redecide = true
			if a.stop != nil {
				a.stop()
			}
		case a.target != "":
			mounted = append(mounted, a)
		case a.pendingID != 0:
			idle = append(idle, a)
		}
	}
	d.mu.Unlock()

	for _, a := range mounted {
		d.authz.Revoked(a.username, a.id)
		d.spawn(func() { d.recheck(a) })
	}
	for _, a := range idle {
		d.redecideAsync(a)
	}
}

func (d *Daemon) redecideAsync(a *attachment) {
	d.spawn(func() { d.decideAndApply(a.ctx, a) })
}

func (d *Daemon) context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}
