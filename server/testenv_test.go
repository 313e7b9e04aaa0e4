package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/config"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-token-0123456789"

type testEnv struct {
	server   *Server
	router   *gin.Engine
	store    *store.Store
	identity *auth.Identity
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEnv(t *testing.T, mutate ...func(*config.ServerConfig)) *testEnv {
	t.Helper()
	st, err := store.OpenMemory(t.Name())
	require.NoError(t, err)

	cfg := config.DefaultServerConfig()
	cfg.Admins = []config.AdminConfig{
		{Name: "alice-admin", Token: testAdminToken},
		{Name: "bob-admin", Token: "admin-token-abcdefghij"},
	}
	cfg.Enrollment.TokenSalt = "test-salt"
	cfg.Metrics.Enable = false
	for _, fn := range mutate {
		fn(cfg)
	}
	require.NoError(t, cfg.Validate())

	identity, err := auth.GenerateIdentity()
	require.NoError(t, err)
	identity.AgentID = "agent-123"
	identity.Hostname = "ws-01"
	require.NoError(t, st.DB().Create(&store.Agent{
		AgentID:   identity.AgentID,
		Hostname:  identity.Hostname,
		PublicKey: identity.PublicKey,
	}).Error)

	srv := newServer(cfg, st, nil, zerolog.Nop())
	t.Cleanup(srv.hub.Close)
	return &testEnv{server: srv, router: srv.routes(), store: st, identity: identity}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func signedRequest(t *testing.T, identity *auth.Identity, method, path string, body any) *http.Request {
	t.Helper()
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	auth.CreateSignedRequest(identity, method, req.URL.Path, payload).Apply(req.Header)
	return req
}

func (e *testEnv) agent(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	return e.do(signedRequest(t, e.identity, method, path, body))
}

func (e *testEnv) admin(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(req)
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v), resp.Body.String())
	return v
}
