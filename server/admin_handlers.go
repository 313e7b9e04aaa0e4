package main

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/lifecycle"
	"github.com/haasonsaas/usbgate/pkg/store"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/api", s.requireAdmin)
	admin.POST("/requests/:id/approve", s.handleResolve(device.Allowed))
	admin.POST("/requests/:id/deny", s.handleResolve(device.Denied))
	admin.GET("/requests", s.handleListRequests)
	admin.GET("/requests/export", s.handleExportRequests)
	admin.GET("/requests/:id", s.handleGetRequest)
	admin.GET("/stats", s.handleStats)
	admin.GET("/users", s.handleListUsers)
	admin.GET("/users/:username/devices", s.handleUserDevices)
	admin.POST("/users/:username/devices", s.handleGrant)
	admin.DELETE("/users/:username/devices/:device_id", s.handleRevoke)
}

// handleResolve answers 200 on the transition, 409 with the current status
// when another admin got there first, 404 for an unknown id.
func (s *Server) handleResolve(decision device.Verdict) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUintParam(c.Param("id"))
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid request id", s.logger)
			return
		}
		view, err := s.manager.Resolve(c.Request.Context(), id, decision, adminName(c))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"request_id": view.ID, "status": view.Status})
		case errors.Is(err, lifecycle.ErrAlreadyResolved):
			s.metrics.RecordAlreadyResolved()
			reqLogger := requestLogger(c, s.logger)
			reqLogger.Info().Uint("request_id", id).Str("admin", adminName(c)).
				Str("status", string(view.Status)).Msg("request already resolved")
			c.JSON(http.StatusConflict, gin.H{
				"request_id":  view.ID,
				"status":      view.Status,
				"resolved_by": view.ResolvedBy,
				"error":       "already_resolved",
			})
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(c, http.StatusNotFound, "request not found", s.logger)
		default:
			respondInternal(c, "failed to resolve request", err, s.logger)
		}
	}
}

func requestFilter(c *gin.Context) (store.RequestFilter, error) {
	f := store.RequestFilter{
		Status:   device.RequestStatus(c.Query("status")),
		Username: c.Query("username"),
		DateFrom: c.Query("date_from"),
		DateTo:   c.Query("date_to"),
	}
	switch f.Status {
	case "", device.StatusPending, device.StatusApproved, device.StatusDenied:
	default:
		return f, errors.New("status must be pending, approved or denied")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleListRequests(c *gin.Context) {
	f, err := requestFilter(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	views, err := s.store.ListRequests(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, store.ErrInvalidFilter) {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		respondInternal(c, "failed to list requests", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetRequest(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid request id", s.logger)
		return
	}
	req, err := s.store.GetRequest(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "request not found", s.logger)
		return
	}
	if err != nil {
		respondInternal(c, "failed to load request", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, req.View())
}

var exportHeader = []string{
	"id", "username", "vid", "pid", "serial", "device_info", "status",
	"agent_id", "requested_at", "resolved_at", "resolved_by",
}

// handleExportRequests streams every matching request as CSV.
func (s *Server) handleExportRequests(c *gin.Context) {
	f, err := requestFilter(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	views, err := s.store.ListRequests(c.Request.Context(), f)
	if err != nil {
		if errors.Is(err, store.ErrInvalidFilter) {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		respondInternal(c, "failed to export requests", err, s.logger)
		return
	}

	filename := "usbgate-requests-" + time.Now().UTC().Format("20060102-150405") + ".csv"
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write(exportHeader)
	for _, v := range views {
		serial := ""
		if v.Serial != nil {
			serial = *v.Serial
		}
		resolvedAt := ""
		if v.ResolvedAt != nil {
			resolvedAt = v.ResolvedAt.UTC().Format(time.RFC3339)
		}
		_ = w.Write([]string{
			strconv.FormatUint(uint64(v.ID), 10),
			v.Username,
			v.VendorID,
			v.ProductID,
			serial,
			v.DeviceInfo,
			string(v.Status),
			v.AgentID,
			v.RequestedAt.UTC().Format(time.RFC3339),
			resolvedAt,
			v.ResolvedBy,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Error().Err(err).Msg("csv export write failed")
	}
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		respondInternal(c, "failed to compute stats", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListUsers(c *gin.Context) {
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		respondInternal(c, "failed to list users", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleUserDevices(c *gin.Context) {
	user, err := s.store.FindUser(c.Request.Context(), c.Param("username"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "user not found", s.logger)
		return
	}
	if err != nil {
		respondInternal(c, "failed to load user", err, s.logger)
		return
	}
	devices, err := s.store.UserDevices(c.Request.Context(), user.ID)
	if err != nil {
		respondInternal(c, "failed to list devices", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, devices)
}

type grantRequest struct {
	VendorID  string         `json:"vid"`
	ProductID string         `json:"pid"`
	Serial    *string        `json:"serial"`
	Name      string         `json:"name"`
	Decision  device.Verdict `json:"decision"`
}

// handleGrant records a decision for a device before it is ever attached.
func (s *Server) handleGrant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Decision == "" {
		req.Decision = device.Allowed
	}
	id, err := device.NewIdentity(req.VendorID, req.ProductID, req.Serial)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	username := c.Param("username")
	err = s.manager.Grant(c.Request.Context(), username, id, req.Decision, req.Name, adminName(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"username": username, "device": id, "decision": req.Decision})
	case errors.Is(err, lifecycle.ErrInvalidDecision), errors.Is(err, lifecycle.ErrMissingUsername):
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
	default:
		respondInternal(c, "failed to set permission", err, s.logger)
	}
}

func (s *Server) handleRevoke(c *gin.Context) {
	deviceID, err := parseUintParam(c.Param("device_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid device id", s.logger)
		return
	}
	dev, err := s.store.GetDevice(c.Request.Context(), deviceID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}
	if err != nil {
		respondInternal(c, "failed to load device", err, s.logger)
		return
	}
	if err := s.manager.Revoke(c.Request.Context(), c.Param("username"), dev.Identity(), adminName(c)); err != nil {
		respondInternal(c, "failed to revoke permission", err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}
