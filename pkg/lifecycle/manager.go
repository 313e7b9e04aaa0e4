// Package lifecycle owns the server-side state machine of authorization
// requests: pending, then approved or denied exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("request not found")
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrInvalidDecision = errors.New("decision must be allowed or denied")
	ErrMissingUsername = errors.New("username is required")
)

// Notifier receives lifecycle events after they are committed.
type Notifier interface {
	RequestCreated(req store.RequestView)
	RequestResolved(req store.RequestView)
	PermissionRevoked(username string, id device.Identity)
}

type nopNotifier struct{}

func (nopNotifier) RequestCreated(store.RequestView)          {}
func (nopNotifier) RequestResolved(store.RequestView)         {}
func (nopNotifier) PermissionRevoked(string, device.Identity) {}

type Manager struct {
	store  *store.Store
	notify Notifier
	locks  *keyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(st *store.Store, n Notifier, opts ...Option) *Manager {
	if n == nil {
		n = nopNotifier{}
	}
	m := &Manager{
		store:  st,
		notify: n,
		locks:  newKeyedMutex(),
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the read surfaces.
func (m *Manager) Store() *store.Store { return m.store }

// CheckResult is either a final decision or a pending request handle.
type CheckResult struct {
	Decision  device.Verdict
	RequestID uint
	Status    device.RequestStatus
	Created   bool
}

// Check reports the stored decision for a pair, or Unknown.
func (m *Manager) Check(ctx context.Context, username string, id device.Identity) (device.Verdict, error) {
	if err := validate(username, id); err != nil {
		return device.Unknown, err
	}
	user, err := m.store.TouchUser(ctx, username)
	if err != nil {
		return device.Unknown, err
	}
	dev, err := m.store.FindDevice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return device.Unknown, nil
	}
	if err != nil {
		return device.Unknown, err
	}
	perm, err := m.store.FindPermission(ctx, user.ID, dev.ID)
	if errors.Is(err, store.ErrNotFound) {
		return device.Unknown, nil
	}
	if err != nil {
		return device.Unknown, err
	}
	return perm.Decision, nil
}

// CheckOrCreate returns the stored decision for the pair, or the id of the one
// pending request for it, creating that request when none exists.
func (m *Manager) CheckOrCreate(ctx context.Context, username string, id device.Identity, info, agentID string) (CheckResult, error) {
	if err := validate(username, id); err != nil {
		return CheckResult{}, err
	}
	unlock := m.locks.Lock(device.PairKey(username, id))
	defer unlock()

	var (
		result  CheckResult
		created *store.AuthorizationRequest
	)
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		user, err := tx.TouchUser(ctx, username)
		if err != nil {
			return err
		}
		dev, err := tx.EnsureDevice(ctx, id, info)
		if err != nil {
			return err
		}

		perm, err := tx.FindPermission(ctx, user.ID, dev.ID)
		switch {
		case err == nil:
			result = CheckResult{Decision: perm.Decision}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		pending, err := tx.FindPendingRequest(ctx, user.ID, dev.ID)
		switch {
		case err == nil:
			result = CheckResult{Decision: device.Unknown, RequestID: pending.ID, Status: device.StatusPending}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		req := &store.AuthorizationRequest{
			UserID:      user.ID,
			DeviceID:    dev.ID,
			DeviceInfo:  info,
			AgentID:     agentID,
			RequestedAt: m.now(),
			User:        *user,
			Device:      *dev,
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("pending request raced for %s: %w", device.PairKey(username, id), err)
			}
			return err
		}
		created = req
		result = CheckResult{Decision: device.Unknown, RequestID: req.ID, Status: device.StatusPending, Created: true}
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	if created != nil {
		m.logger.Info().
			Uint("request_id", created.ID).
			Str("username", username).
			Str("device", id.String()).
			Str("agent_id", agentID).
			Msg("authorization request created")
		m.notify.RequestCreated(created.View())
	}
	return result, nil
}

// Resolve moves a pending request to its terminal state and records the
// matching Permission in the same transaction. The first resolution wins;
// later ones get ErrAlreadyResolved with the current state of the request.
func (m *Manager) Resolve(ctx context.Context, requestID uint, decision device.Verdict, admin string) (store.RequestView, error) {
	if !decision.Final() {
		return store.RequestView{}, ErrInvalidDecision
	}
	req, err := m.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.RequestView{}, ErrNotFound
	}
	if err != nil {
		return store.RequestView{}, err
	}
	if req.Status.Terminal() {
		return req.View(), ErrAlreadyResolved
	}

	unlock := m.locks.Lock(device.PairKey(req.User.Username, req.Device.Identity()))
	defer unlock()

	status := device.StatusApproved
	if decision == device.Denied {
		status = device.StatusDenied
	}
	at := m.now()
	err = m.store.Transaction(ctx, func(tx *store.Store) error {
		ok, err := tx.MarkResolved(ctx, req.ID, status, admin, at)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyResolved
		}
		return tx.PutPermission(ctx, req.UserID, req.DeviceID, decision, admin)
	})
	if errors.Is(err, ErrAlreadyResolved) {
		current, lookupErr := m.store.GetRequest(ctx, requestID)
		if lookupErr != nil {
			return req.View(), ErrAlreadyResolved
		}
		return current.View(), ErrAlreadyResolved
	}
	if err != nil {
		return store.RequestView{}, fmt.Errorf("resolve request %d: %w", requestID, err)
	}

	req.Status = status
	req.ResolvedAt = &at
	req.ResolvedBy = admin
	req.PendingKey = nil
	view := req.View()

	m.logger.Info().
		Uint("request_id", req.ID).
		Str("username", view.Username).
		Str("device", req.Device.Identity().String()).
		Str("status", string(status)).
		Str("resolved_by", admin).
		Msg("authorization request resolved")
	m.notify.RequestResolved(view)
	return view, nil
}

// Revoke deletes the Permission for a pair. Revoking a pair without a
// Permission is a no-op.
func (m *Manager) Revoke(ctx context.Context, username string, id device.Identity, admin string) error {
	if err := validate(username, id); err != nil {
		return err
	}
	unlock := m.locks.Lock(device.PairKey(username, id))
	defer unlock()

	user, err := m.store.FindUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	dev, err := m.store.FindDevice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	existed, err := m.store.DeletePermission(ctx, user.ID, dev.ID)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", device.PairKey(username, id), err)
	}
	if !existed {
		return nil
	}
	m.logger.Info().
		Str("username", username).
		Str("device", id.String()).
		Str("revoked_by", admin).
		Msg("permission revoked")
	m.notify.PermissionRevoked(username, id)
	return nil
}

// Grant records a decision for a pair ahead of any attach. A pending request
// for the pair is resolved with the same decision.
func (m *Manager) Grant(ctx context.Context, username string, id device.Identity, decision device.Verdict, name, admin string) error {
	if !decision.Final() {
		return ErrInvalidDecision
	}
	if err := validate(username, id); err != nil {
		return err
	}
	unlock := m.locks.Lock(device.PairKey(username, id))
	defer unlock()

	var (
		resolved   *store.AuthorizationRequest
		wasAllowed bool
	)
	at := m.now()
	err := m.store.Transaction(ctx, func(tx *store.Store) error {
		user, err := tx.TouchUser(ctx, username)
		if err != nil {
			return err
		}
		dev, err := tx.EnsureDevice(ctx, id, name)
		if err != nil {
			return err
		}
		if prev, err := tx.FindPermission(ctx, user.ID, dev.ID); err == nil {
			wasAllowed = prev.Decision == device.Allowed
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.PutPermission(ctx, user.ID, dev.ID, decision, admin); err != nil {
			return err
		}
		pending, err := tx.FindPendingRequest(ctx, user.ID, dev.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		status := device.StatusApproved
		if decision == device.Denied {
			status = device.StatusDenied
		}
		if _, err := tx.MarkResolved(ctx, pending.ID, status, admin, at); err != nil {
			return err
		}
		pending.Status = status
		pending.ResolvedAt = &at
		pending.ResolvedBy = admin
		resolved = pending
		return nil
	})
	if err != nil {
		return fmt.Errorf("grant %s: %w", device.PairKey(username, id), err)
	}

	m.logger.Info().
		Str("username", username).
		Str("device", id.String()).
		Str("decision", string(decision)).
		Str("granted_by", admin).
		Msg("permission set")
	if resolved != nil {
		m.notify.RequestResolved(resolved.View())
	}
	if wasAllowed && decision == device.Denied {
		m.notify.PermissionRevoked(username, id)
	}
	return nil
}

// PruneResolved removes terminal requests resolved longer than olderThan ago.
func (m *Manager) PruneResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.store.PruneResolved(ctx, m.now().Add(-olderThan))
}

func validate(username string, id device.Identity) error {
	if username == "" {
		return ErrMissingUsername
	}
	return id.Validate()
}
