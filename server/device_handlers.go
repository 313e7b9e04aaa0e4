package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/lifecycle"
)

func (s *Server) registerDeviceRoutes(r *gin.Engine) {
	agent := r.Group("/api", s.requireAgent)
	agent.POST("/devices/check",
		s.rateLimited("check", s.cfg.RateLimit.ChecksPerMinute, time.Minute, agentKey),
		s.handleCheck)
	agent.POST("/requests",
		s.rateLimited("request", s.cfg.RateLimit.RequestsPerMinute, time.Minute, agentKey),
		s.handleCreateRequest)
}

func (s *Server) handleCheck(c *gin.Context) {
	var req device.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		respondError(c, http.StatusBadRequest, "username is required", s.logger)
		return
	}
	id, err := req.Identity()
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	verdict, err := s.manager.Check(c.Request.Context(), username, id)
	if err != nil {
		respondInternal(c, "permission lookup failed", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, device.CheckResponse{Status: verdict})
}

// handleCreateRequest returns the pair's Permission when one exists, otherwise
// its single pending request, creating it on first sight.
func (s *Server) handleCreateRequest(c *gin.Context) {
	var req device.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		respondError(c, http.StatusBadRequest, "username is required", s.logger)
		return
	}
	id, err := req.Identity()
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	agent := currentAgent(c)
	res, err := s.manager.CheckOrCreate(c.Request.Context(), username, id, req.DeviceInfo, agent.AgentID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrMissingUsername) || errors.Is(err, device.ErrInvalidIdentity) {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		respondInternal(c, "failed to create request", err, s.logger)
		return
	}

	if res.Decision.Final() {
		c.JSON(http.StatusOK, device.CreateResponse{Decision: res.Decision})
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, device.CreateResponse{RequestID: res.RequestID, Status: device.StatusPending})
}
