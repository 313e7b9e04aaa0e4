// Package authz turns an attach into a verdict: cache, then server, then a
// pending request resolved over the push channel. Every failure path ends in
// denied.
package authz

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/usbgate/pkg/cache"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/metrics"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/haasonsaas/usbgate/pkg/retry"
	"github.com/rs/zerolog"
)

// Source names what produced a decision.
type Source string

const (
	SourceCache              Source = "cache"
	SourceServer             Source = "server"
	SourcePush               Source = "push"
	SourceTimeout            Source = "timeout"
	SourceUnreachable        Source = "unreachable"
	SourceServerError        Source = "server_error"
	SourceCanceled           Source = "canceled"
	SourceIdentityUnresolved Source = "identity_unresolved"
)

type Decision struct {
	Verdict   device.Verdict
	Source    Source
	RequestID uint
}

// Allowed is the only way a caller may proceed to mount.
func (d Decision) Allowed() bool { return d.Verdict == device.Allowed }

// Waiter delivers push resolutions. realtime.Client implements it.
type Waiter interface {
	Subscribe(username string) func()
	Await(ctx context.Context, requestID uint) (realtime.ResolutionData, error)
}

type Config struct {
	WaitTimeout time.Duration
}

type Client struct {
	api     API
	cache   *cache.DecisionCache
	waiter  Waiter
	cfg     Config
	audit   zerolog.Logger
	metrics metrics.Recorder
	start   time.Time
}

type Option func(*Client)

// WithAuditLogger sets the logger every decision is written to.
func WithAuditLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.audit = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewClient(api API, decisions *cache.DecisionCache, waiter Waiter, cfg Config, opts ...Option) *Client {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	c := &Client{
		api:     api,
		cache:   decisions,
		waiter:  waiter,
		cfg:     cfg,
		audit:   zerolog.Nop(),
		metrics: metrics.NewNoopMetrics(),
		start:   time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide returns the verdict for username attaching id. An empty username
// means the owner could not be resolved.
func (c *Client) Decide(ctx context.Context, username string, id device.Identity, description string) Decision {
	began := time.Now()
	d := c.decide(ctx, username, id, description)
	c.record(username, id, d, time.Since(began))
	return d
}

func (c *Client) decide(ctx context.Context, username string, id device.Identity, description string) Decision {
	if username == "" {
		return Decision{Verdict: device.Denied, Source: SourceIdentityUnresolved}
	}
	if v, ok := c.cache.Get(username, id); ok {
		return Decision{Verdict: v, Source: SourceCache}
	}

	verdict, err := c.api.Check(ctx, device.CheckRequest{
		Username:  username,
		VendorID:  id.VendorID,
		ProductID: id.ProductID,
		Serial:    id.Serial,
	})
	if err != nil {
		return c.failure(ctx, err)
	}
	if verdict.Final() {
		c.cache.Set(username, id, verdict)
		return Decision{Verdict: verdict, Source: SourceServer}
	}

	// Join the user scope before the request exists so its resolution cannot
	// slip past us.
	release := c.waiter.Subscribe(username)
	defer release()

	created, err := c.api.CreateRequest(ctx, device.CreateRequest{
		Username:   username,
		VendorID:   id.VendorID,
		ProductID:  id.ProductID,
		Serial:     id.Serial,
		DeviceInfo: description,
	})
	if err != nil {
		return c.failure(ctx, err)
	}
	if created.Decision.Final() {
		c.cache.Set(username, id, created.Decision)
		return Decision{Verdict: created.Decision, Source: SourceServer}
	}
	if created.RequestID == 0 {
		return Decision{Verdict: device.Denied, Source: SourceServerError}
	}

	c.audit.Info().
		Str("event", "awaiting_approval").
		Str("username", username).
		Uint("request_id", created.RequestID).
		Dict("device", identityDict(id)).
		Msg("awaiting approval")

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()
	res, err := c.waiter.Await(waitCtx, created.RequestID)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{Verdict: device.Denied, Source: SourceCanceled, RequestID: created.RequestID}
		}
		return Decision{Verdict: device.Denied, Source: SourceTimeout, RequestID: created.RequestID}
	}
	verdict = device.VerdictFor(res.Status)
	if !verdict.Final() {
		return Decision{Verdict: device.Denied, Source: SourceServerError, RequestID: created.RequestID}
	}
	c.cache.Set(username, id, verdict)
	return Decision{Verdict: verdict, Source: SourcePush, RequestID: created.RequestID}
}

func (c *Client) failure(ctx context.Context, err error) Decision {
	d := Decision{Verdict: device.Denied}
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		d.Source = SourceCanceled
	case retry.IsRetryableHTTP(err) || errors.Is(err, context.DeadlineExceeded):
		d.Source = SourceUnreachable
	default:
		d.Source = SourceServerError
	}
	c.audit.Warn().Err(err).Str("source", string(d.Source)).Msg("server check failed")
	return d
}

// Observe applies a push resolution that no Decide call was waiting for.
func (c *Client) Observe(res realtime.ResolutionData) {
	c.cache.Invalidate(res.Username, res.Identity())
}

// Revoked drops the cached verdict of a revoked pair.
func (c *Client) Revoked(username string, id device.Identity) {
	c.cache.Invalidate(username, id)
}

func (c *Client) record(username string, id device.Identity, d Decision, took time.Duration) {
	c.metrics.RecordDecision(string(d.Verdict), string(d.Source), took)

	ev := c.audit.Info()
	if d.Verdict != device.Allowed {
		ev = c.audit.Warn()
	}
	ev = ev.Str("event", "decision").
		Dur("monotonic", time.Since(c.start)).
		Str("username", username).
		Dict("device", identityDict(id)).
		Str("verdict", string(d.Verdict)).
		Str("source", string(d.Source)).
		Dur("took", took)
	if d.RequestID != 0 {
		ev = ev.Uint("request_id", d.RequestID)
	}
	if d.Source == SourceIdentityUnresolved {
		ev.Msg("device owner unresolved, denying")
		return
	}
	ev.Msg("authorization decision")
}

func identityDict(id device.Identity) *zerolog.Event {
	d := zerolog.Dict().
		Str("vid", id.VendorID).
		Str("pid", id.ProductID).
		Bool("serial_reported", id.HasSerial())
	if id.HasSerial() {
		d = d.Str("serial", id.SerialValue())
	}
	return d
}
