package authz

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/cache"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/haasonsaas/usbgate/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stick = device.WithSerial("0781", "5567", "123456")

type fakeAPI struct {
	mu       sync.Mutex
	verdict  device.Verdict
	created  device.CreateResponse
	err      error
	checks   int
	requests int
}

func (f *fakeAPI) Check(ctx context.Context, req device.CheckRequest) (device.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.verdict, f.err
}

func (f *fakeAPI) CreateRequest(ctx context.Context, req device.CreateRequest) (device.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return f.created, f.err
}

type fakeWaiter struct {
	mu         sync.Mutex
	resolution *realtime.ResolutionData
	subscribed []string
	released   int
}

func (w *fakeWaiter) Subscribe(username string) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribed = append(w.subscribed, username)
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.released++
	}
}

func (w *fakeWaiter) Await(ctx context.Context, requestID uint) (realtime.ResolutionData, error) {
	w.mu.Lock()
	res := w.resolution
	w.mu.Unlock()
	if res != nil && res.RequestID == requestID {
		return *res, nil
	}
	<-ctx.Done()
	return realtime.ResolutionData{}, ctx.Err()
}

func newTestClient(api API, waiter Waiter, ttl, wait time.Duration) (*Client, *cache.DecisionCache) {
	decisions := cache.New(ttl, 16)
	return NewClient(api, decisions, waiter, Config{WaitTimeout: wait}), decisions
}

func TestFreshCacheHitSkipsServer(t *testing.T) {
	api := &fakeAPI{verdict: device.Allowed}
	c, decisions := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)
	decisions.Set("alice", stick, device.Allowed)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, Decision{Verdict: device.Allowed, Source: SourceCache}, d)
	assert.Zero(t, api.checks)
}

func TestServerVerdictIsCached(t *testing.T) {
	api := &fakeAPI{verdict: device.Denied}
	c, decisions := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, device.Denied, d.Verdict)
	assert.Equal(t, SourceServer, d.Source)

	v, ok := decisions.Get("alice", stick)
	require.True(t, ok)
	assert.Equal(t, device.Denied, v)
}

func TestUnreachableServerDeniesEvenWithStaleAllow(t *testing.T) {
	api := &fakeAPI{err: retry.StatusError{Status: http.StatusServiceUnavailable}}
	c, decisions := newTestClient(api, &fakeWaiter{}, 10*time.Millisecond, time.Second)
	decisions.Set("alice", stick, device.Allowed)
	time.Sleep(20 * time.Millisecond)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, device.Denied, d.Verdict)
	assert.Equal(t, SourceUnreachable, d.Source)
	assert.Zero(t, decisions.Len(), "unreachable outcomes are not cached")
	assert.Zero(t, api.requests)
}

func TestUnresolvedOwnerIsDenied(t *testing.T) {
	api := &fakeAPI{verdict: device.Allowed}
	c, _ := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)

	d := c.Decide(context.Background(), "", stick, "")
	assert.Equal(t, Decision{Verdict: device.Denied, Source: SourceIdentityUnresolved}, d)
	assert.Zero(t, api.checks)
}

func TestPendingResolvedByPush(t *testing.T) {
	api := &fakeAPI{verdict: device.Unknown, created: device.CreateResponse{RequestID: 1, Status: device.StatusPending}}
	waiter := &fakeWaiter{resolution: &realtime.ResolutionData{RequestID: 1, Username: "alice", Status: device.StatusApproved}}
	c, decisions := newTestClient(api, waiter, time.Minute, time.Second)

	d := c.Decide(context.Background(), "alice", stick, "SanDisk")
	assert.Equal(t, Decision{Verdict: device.Allowed, Source: SourcePush, RequestID: 1}, d)
	assert.Equal(t, []string{"alice"}, waiter.subscribed)
	assert.Equal(t, 1, waiter.released)

	v, ok := decisions.Get("alice", stick)
	require.True(t, ok)
	assert.Equal(t, device.Allowed, v)
}

func TestPendingTimesOutDenied(t *testing.T) {
	api := &fakeAPI{verdict: device.Unknown, created: device.CreateResponse{RequestID: 4, Status: device.StatusPending}}
	c, decisions := newTestClient(api, &fakeWaiter{}, time.Minute, 30*time.Millisecond)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, Decision{Verdict: device.Denied, Source: SourceTimeout, RequestID: 4}, d)
	assert.Zero(t, decisions.Len())
}

func TestShutdownCancelsWaitAsDenied(t *testing.T) {
	api := &fakeAPI{verdict: device.Unknown, created: device.CreateResponse{RequestID: 5, Status: device.StatusPending}}
	c, _ := newTestClient(api, &fakeWaiter{}, time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	d := c.Decide(ctx, "alice", stick, "")
	assert.Equal(t, Decision{Verdict: device.Denied, Source: SourceCanceled, RequestID: 5}, d)
}

func TestCreateReturnsPermanentDecision(t *testing.T) {
	api := &fakeAPI{verdict: device.Unknown, created: device.CreateResponse{Decision: device.Allowed}}
	c, _ := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, Decision{Verdict: device.Allowed, Source: SourceServer}, d)
}

func TestObserveInvalidatesPair(t *testing.T) {
	c, decisions := newTestClient(&fakeAPI{}, &fakeWaiter{}, time.Minute, time.Second)
	decisions.Set("alice", stick, device.Denied)
	c.Observe(realtime.ResolutionData{RequestID: 3, Username: "alice", VendorID: stick.VendorID, ProductID: stick.ProductID, Serial: stick.Serial})
	assert.Zero(t, decisions.Len())
}

func newIdentity(t *testing.T) *auth.Identity {
	t.Helper()
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)
	id.AgentID = "agent-1"
	return id
}

func TestHTTPAPISignsAndDecodes(t *testing.T) {
	identity := newIdentity(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signed, err := auth.ParseSignedRequest(r.Header, r.Method, r.URL.Path, body)
		if err != nil || auth.VerifySignedRequest(identity.PublicKey, signed, time.Minute) != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req device.CheckRequest
		_ = json.Unmarshal(body, &req)
		status := device.Unknown
		if req.Username == "alice" {
			status = device.Allowed
		}
		_ = json.NewEncoder(w).Encode(device.CheckResponse{Status: status})
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, srv.Client(), identity, retry.New(1, 2, 0, zerolog.Nop()), time.Second)
	v, err := api.Check(context.Background(), device.CheckRequest{Username: "alice", VendorID: "0781", ProductID: "5567"})
	require.NoError(t, err)
	assert.Equal(t, device.Allowed, v)
}

func TestUnreachableServerExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, srv.Client(), newIdentity(t), retry.New(1, 2, 2, zerolog.Nop()), time.Second)
	c, decisions := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)

	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, device.Denied, d.Verdict)
	assert.Equal(t, SourceUnreachable, d.Source)
	assert.EqualValues(t, 3, hits.Load())
	assert.Zero(t, decisions.Len())
}

func TestConnectionRefusedIsBoundedAndDenied(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	api := NewHTTPAPI(url, &http.Client{}, newIdentity(t), retry.New(1, 5, 3, zerolog.Nop()), 200*time.Millisecond)
	c, _ := newTestClient(api, &fakeWaiter{}, time.Minute, time.Second)

	start := time.Now()
	d := c.Decide(context.Background(), "alice", stick, "")
	assert.Equal(t, Decision{Verdict: device.Denied, Source: SourceUnreachable}, d)
	assert.Less(t, time.Since(start), 2*time.Second)
}
