package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/config"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/stretchr/testify/require"
)

func serial(s string) *string { return &s }

func kingston() device.CreateRequest {
	return device.CreateRequest{
		Username:   "alice",
		VendorID:   "0951",
		ProductID:  "1666",
		Serial:     serial("ABC123"),
		DeviceInfo: "Kingston DataTraveler (vfat)",
	}
}

func TestCheckUnknownDeviceCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	resp := env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{
		Username: "alice", VendorID: "0951", ProductID: "1666", Serial: serial("ABC123"),
	})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, device.Unknown, decode[device.CheckResponse](t, resp).Status)

	pending, err := env.store.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestCheckRejectsMissingUsernameAndBadIdentity(t *testing.T) {
	env := newTestEnv(t)
	resp := env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{VendorID: "0951", ProductID: "1666"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{Username: "alice", VendorID: "0951", ProductID: ""})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateRequestIsIdempotentPerPair(t *testing.T) {
	env := newTestEnv(t)

	first := env.agent(t, http.MethodPost, "/api/requests", kingston())
	require.Equal(t, http.StatusCreated, first.Code)
	created := decode[device.CreateResponse](t, first)
	require.Equal(t, device.StatusPending, created.Status)
	require.NotZero(t, created.RequestID)

	second := env.agent(t, http.MethodPost, "/api/requests", kingston())
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, created.RequestID, decode[device.CreateResponse](t, second).RequestID)

	pending, err := env.store.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "agent-123", pending[0].AgentID)
}

func TestConcurrentCreateYieldsOnePendingRequest(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := env.agent(t, http.MethodPost, "/api/requests", kingston())
			var out device.CreateResponse
			if json.Unmarshal(resp.Body.Bytes(), &out) == nil {
				ids[i] = out.RequestID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	pending, err := env.store.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCreateRequestReturnsExistingDecision(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(t, testAdminToken, http.MethodPost, "/api/users/alice/devices", grantRequest{
		VendorID: "0951", ProductID: "1666", Serial: serial("ABC123"), Decision: device.Denied,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.agent(t, http.MethodPost, "/api/requests", kingston())
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, device.Denied, decode[device.CreateResponse](t, resp).Decision)

	pending, err := env.store.PendingRequests(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAgentRoutesRequireSignature(t *testing.T) {
	env := newTestEnv(t)

	req := signedRequest(t, env.identity, http.MethodPost, "/api/devices/check", kingston())
	req.Header.Del(auth.HeaderSignature)
	require.Equal(t, http.StatusUnauthorized, env.do(req).Code)

	stranger := *env.identity
	stranger.AgentID = "agent-unknown"
	resp := env.do(signedRequest(t, &stranger, http.MethodPost, "/api/devices/check", kingston()))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func rawSigned(t *testing.T, signed *auth.SignedRequest) *http.Request {
	req := httptest.NewRequest(signed.Method, signed.Path, bytes.NewReader(signed.Body))
	req.Header.Set("Content-Type", "application/json")
	signed.Apply(req.Header)
	return req
}

func TestReplayedNonceRejected(t *testing.T) {
	env := newTestEnv(t)
	body, err := json.Marshal(device.CheckRequest{Username: "alice", VendorID: "0951", ProductID: "1666"})
	require.NoError(t, err)
	signed := auth.CreateSignedRequest(env.identity, http.MethodPost, "/api/devices/check", body)

	require.Equal(t, http.StatusOK, env.do(rawSigned(t, signed)).Code)
	require.Equal(t, http.StatusUnauthorized, env.do(rawSigned(t, signed)).Code)
}

func TestTamperedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	body, err := json.Marshal(device.CheckRequest{Username: "alice", VendorID: "0951", ProductID: "1666"})
	require.NoError(t, err)
	signed := auth.CreateSignedRequest(env.identity, http.MethodPost, "/api/devices/check", body)
	signed.Body = []byte(`{"username":"mallory","vid":"0951","pid":"1666"}`)

	require.Equal(t, http.StatusUnauthorized, env.do(rawSigned(t, signed)).Code)
}

func TestCheckRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RateLimit.ChecksPerMinute = 2
	})
	body := device.CheckRequest{Username: "alice", VendorID: "0951", ProductID: "1666"}
	require.Equal(t, http.StatusOK, env.agent(t, http.MethodPost, "/api/devices/check", body).Code)
	require.Equal(t, http.StatusOK, env.agent(t, http.MethodPost, "/api/devices/check", body).Code)

	resp := env.agent(t, http.MethodPost, "/api/devices/check", body)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "60", resp.Header().Get("Retry-After"))
}

func TestAgentLastSeenUpdated(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.agent(t, http.MethodPost, "/api/devices/check",
		device.CheckRequest{Username: "alice", VendorID: "0951", ProductID: "1666"}).Code)

	var agent store.Agent
	require.NoError(t, env.store.DB().First(&agent, "agent_id = ?", "agent-123").Error)
	require.False(t, agent.LastSeen.IsZero())
}
