package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) pendingRequest(t *testing.T, req device.CreateRequest) uint {
	t.Helper()
	resp := e.agent(t, http.MethodPost, "/api/requests", req)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	return decode[device.CreateResponse](t, resp).RequestID
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusUnauthorized, env.admin(t, "", http.MethodGet, "/api/stats", nil).Code)
	require.Equal(t, http.StatusUnauthorized, env.admin(t, "wrong-token-000000000", http.MethodGet, "/api/stats", nil).Code)
	require.Equal(t, http.StatusOK, env.admin(t, testAdminToken, http.MethodGet, "/api/stats", nil).Code)
}

func TestApproveRecordsPermission(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingRequest(t, kingston())

	resp := env.admin(t, testAdminToken, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", id), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "approved", decode[map[string]any](t, resp)["status"])

	check := env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{
		Username: "alice", VendorID: "0951", ProductID: "1666", Serial: serial("ABC123"),
	})
	require.Equal(t, device.Allowed, decode[device.CheckResponse](t, check).Status)

	req, err := env.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "alice-admin", req.ResolvedBy)
	require.NotNil(t, req.ResolvedAt)
}

func TestSecondResolutionConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingRequest(t, kingston())
	path := fmt.Sprintf("/api/requests/%d/deny", id)

	first := env.admin(t, testAdminToken, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := env.admin(t, "admin-token-abcdefghij", http.MethodPost, path, nil)
	require.Equal(t, http.StatusConflict, second.Code)
	body := decode[map[string]any](t, second)
	require.Equal(t, "already_resolved", body["error"])
	require.Equal(t, "denied", body["status"])
	require.Equal(t, "alice-admin", body["resolved_by"])

	var n int64
	require.NoError(t, env.store.DB().Model(&store.Permission{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestApproveAfterDenyKeepsFirstDecision(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingRequest(t, kingston())

	require.Equal(t, http.StatusOK,
		env.admin(t, testAdminToken, http.MethodPost, fmt.Sprintf("/api/requests/%d/deny", id), nil).Code)
	require.Equal(t, http.StatusConflict,
		env.admin(t, testAdminToken, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", id), nil).Code)

	check := env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{
		Username: "alice", VendorID: "0951", ProductID: "1666", Serial: serial("ABC123"),
	})
	require.Equal(t, device.Denied, decode[device.CheckResponse](t, check).Status)
}

func TestResolveUnknownOrInvalidID(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusNotFound,
		env.admin(t, testAdminToken, http.MethodPost, "/api/requests/999/approve", nil).Code)
	require.Equal(t, http.StatusBadRequest,
		env.admin(t, testAdminToken, http.MethodPost, "/api/requests/abc/approve", nil).Code)
}

func TestListRequestsFilters(t *testing.T) {
	env := newTestEnv(t)
	first := env.pendingRequest(t, kingston())
	other := kingston()
	other.Username = "bob"
	env.pendingRequest(t, other)
	require.Equal(t, http.StatusOK,
		env.admin(t, testAdminToken, http.MethodPost, fmt.Sprintf("/api/requests/%d/approve", first), nil).Code)

	resp := env.admin(t, testAdminToken, http.MethodGet, "/api/requests?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	views := decode[[]store.RequestView](t, resp)
	require.Len(t, views, 1)
	require.Equal(t, "bob", views[0].Username)

	resp = env.admin(t, testAdminToken, http.MethodGet, "/api/requests?username=ali", nil)
	views = decode[[]store.RequestView](t, resp)
	require.Len(t, views, 1)
	require.Equal(t, device.StatusApproved, views[0].Status)

	require.Equal(t, http.StatusBadRequest,
		env.admin(t, testAdminToken, http.MethodGet, "/api/requests?date_from=yesterday", nil).Code)
	require.Equal(t, http.StatusBadRequest,
		env.admin(t, testAdminToken, http.MethodGet, "/api/requests?status=maybe", nil).Code)
}

func TestExportRequestsCSV(t *testing.T) {
	env := newTestEnv(t)
	env.pendingRequest(t, kingston())

	resp := env.admin(t, testAdminToken, http.MethodGet, "/api/requests/export", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Header().Get("Content-Type"), "text/csv")
	require.Contains(t, resp.Header().Get("Content-Disposition"), "attachment")

	rows, err := csv.NewReader(strings.NewReader(resp.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, exportHeader, rows[0])
	require.Equal(t, "alice", rows[1][1])
	require.Equal(t, "ABC123", rows[1][4])
	require.Equal(t, "pending", rows[1][6])
}

func TestGrantListAndRevokeUserDevice(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(t, testAdminToken, http.MethodPost, "/api/users/carol/devices", grantRequest{
		VendorID: "0781", ProductID: "5567", Name: "Team SanDisk",
	})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = env.admin(t, testAdminToken, http.MethodGet, "/api/users/carol/devices", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	devices := decode[[]store.UserDevice](t, resp)
	require.Len(t, devices, 1)
	require.Equal(t, device.Allowed, devices[0].Decision)
	require.Nil(t, devices[0].Serial)
	require.Equal(t, "Team SanDisk", devices[0].Name)

	users := decode[[]store.UserSummary](t, env.admin(t, testAdminToken, http.MethodGet, "/api/users", nil))
	require.Len(t, users, 1)
	require.EqualValues(t, 1, users[0].DeviceCount)

	resp = env.admin(t, testAdminToken, http.MethodDelete,
		fmt.Sprintf("/api/users/carol/devices/%d", devices[0].DeviceID), nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	check := env.agent(t, http.MethodPost, "/api/devices/check", device.CheckRequest{
		Username: "carol", VendorID: "0781", ProductID: "5567",
	})
	require.Equal(t, device.Unknown, decode[device.CheckResponse](t, check).Status)
}

func TestGrantResolvesPendingRequest(t *testing.T) {
	env := newTestEnv(t)
	id := env.pendingRequest(t, kingston())

	resp := env.admin(t, testAdminToken, http.MethodPost, "/api/users/alice/devices", grantRequest{
		VendorID: "0951", ProductID: "1666", Serial: serial("ABC123"), Decision: device.Allowed,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	req, err := env.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, device.StatusApproved, req.Status)
}

func TestGrantRejectsUnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(t, testAdminToken, http.MethodPost, "/api/users/alice/devices", grantRequest{
		VendorID: "0951", ProductID: "1666", Decision: device.Unknown,
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRevokeUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusNotFound,
		env.admin(t, testAdminToken, http.MethodDelete, "/api/users/alice/devices/42", nil).Code)
}

func TestStatsCounts(t *testing.T) {
	env := newTestEnv(t)
	env.pendingRequest(t, kingston())
	stats := decode[store.Stats](t, env.admin(t, testAdminToken, http.MethodGet, "/api/stats", nil))
	require.EqualValues(t, 1, stats.Users)
	require.EqualValues(t, 1, stats.PendingRequests)
	require.EqualValues(t, 1, stats.TotalRequests)
}
