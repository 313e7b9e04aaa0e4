package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	created  []store.RequestView
	resolved []store.RequestView
	revoked  []string
}

func (r *recordingNotifier) RequestCreated(v store.RequestView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, v)
}

func (r *recordingNotifier) RequestResolved(v store.RequestView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, v)
}

func (r *recordingNotifier) PermissionRevoked(username string, id device.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, device.PairKey(username, id))
}

func newTestManager(t *testing.T) (*Manager, *recordingNotifier) {
	t.Helper()
	st, err := store.OpenMemory(t.Name())
	require.NoError(t, err)
	n := &recordingNotifier{}
	return NewManager(st, n), n
}

var sandisk = device.WithSerial("0781", "5567", "123456")

func TestScenarioApproveThenAllowed(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	verdict, err := m.Check(ctx, "alice", sandisk)
	require.NoError(t, err)
	require.Equal(t, device.Unknown, verdict)

	res, err := m.CheckOrCreate(ctx, "alice", sandisk, "SanDisk Cruzer", "agent-1")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.EqualValues(t, 1, res.RequestID)
	require.Equal(t, device.StatusPending, res.Status)
	require.Len(t, n.created, 1)
	require.Equal(t, "alice", n.created[0].Username)

	view, err := m.Resolve(ctx, res.RequestID, device.Allowed, "root")
	require.NoError(t, err)
	require.Equal(t, device.StatusApproved, view.Status)
	require.Len(t, n.resolved, 1)
	require.Equal(t, "alice", n.resolved[0].Username)

	verdict, err = m.Check(ctx, "alice", sandisk)
	require.NoError(t, err)
	require.Equal(t, device.Allowed, verdict)
}

func TestReattachWhilePendingReusesRequest(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	const attempts = 8
	ids := make([]uint, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.CheckOrCreate(ctx, "bob", sandisk, "", "agent-1")
			ids[i], errs[i] = res.RequestID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	require.Len(t, n.created, 1)

	pending, err := m.Store().PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestPermissionShortCircuitsRequests(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Grant(ctx, "carol", sandisk, device.Denied, "", "root"))

	for i := 0; i < 3; i++ {
		res, err := m.CheckOrCreate(ctx, "carol", sandisk, "", "agent-1")
		require.NoError(t, err)
		require.Equal(t, device.Denied, res.Decision)
		require.Zero(t, res.RequestID)
	}
	st, err := m.Store().Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.TotalRequests)

	require.NoError(t, m.Revoke(ctx, "carol", sandisk, "root"))
	res, err := m.CheckOrCreate(ctx, "carol", sandisk, "", "agent-1")
	require.NoError(t, err)
	require.True(t, res.Created)
}

func TestConcurrentResolveFirstWins(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	_, err := m.CheckOrCreate(ctx, "dave", device.WithoutSerial("1234", "abcd"), "", "agent-1")
	require.NoError(t, err)
	res, err := m.CheckOrCreate(ctx, "dave", sandisk, "", "agent-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, res.RequestID)

	const admins = 6
	errs := make([]error, admins)
	var wg sync.WaitGroup
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Resolve(ctx, res.RequestID, device.Denied, "admin")
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyResolved):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, admins-1, already)
	require.Len(t, n.resolved, 1)

	st, err := m.Store().Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Denied)
	require.EqualValues(t, 0, st.Allowed)

	view, err := m.Resolve(ctx, res.RequestID, device.Allowed, "late")
	require.ErrorIs(t, err, ErrAlreadyResolved)
	require.Equal(t, device.StatusDenied, view.Status)
}

func TestResolveErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Resolve(ctx, 42, device.Allowed, "root")
	require.ErrorIs(t, err, ErrNotFound)

	res, err := m.CheckOrCreate(ctx, "erin", sandisk, "", "agent-1")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, res.RequestID, device.Unknown, "root")
	require.ErrorIs(t, err, ErrInvalidDecision)
}

func TestResolvePersistenceFailureLeavesPending(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	res, err := m.CheckOrCreate(ctx, "frank", sandisk, "", "agent-1")
	require.NoError(t, err)
	require.NoError(t, m.Store().DB().Migrator().DropTable(&store.Permission{}))

	_, err = m.Resolve(ctx, res.RequestID, device.Allowed, "root")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAlreadyResolved)
	require.Empty(t, n.resolved)

	req, err := m.Store().GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, device.StatusPending, req.Status)
}

func TestGrantResolvesPendingRequest(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	res, err := m.CheckOrCreate(ctx, "gina", sandisk, "", "agent-1")
	require.NoError(t, err)
	require.NoError(t, m.Grant(ctx, "gina", sandisk, device.Allowed, "", "root"))

	req, err := m.Store().GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	require.Equal(t, device.StatusApproved, req.Status)
	require.Len(t, n.resolved, 1)

	require.NoError(t, m.Grant(ctx, "gina", sandisk, device.Denied, "", "root"))
	require.Equal(t, []string{device.PairKey("gina", sandisk)}, n.revoked)
}

func TestRevokeIsIdempotent(t *testing.T) {
	m, n := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Revoke(ctx, "nobody", sandisk, "root"))
	require.NoError(t, m.Grant(ctx, "henry", sandisk, device.Allowed, "", "root"))
	require.NoError(t, m.Revoke(ctx, "henry", sandisk, "root"))
	require.NoError(t, m.Revoke(ctx, "henry", sandisk, "root"))
	require.Len(t, n.revoked, 1)

	verdict, err := m.Check(ctx, "henry", sandisk)
	require.NoError(t, err)
	require.Equal(t, device.Unknown, verdict)
}

func TestSerialAbsenceIsDistinct(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Grant(ctx, "ivy", device.WithSerial("0781", "5567", ""), device.Allowed, "", "root"))
	verdict, err := m.Check(ctx, "ivy", device.WithoutSerial("0781", "5567"))
	require.NoError(t, err)
	require.Equal(t, device.Unknown, verdict)
}
