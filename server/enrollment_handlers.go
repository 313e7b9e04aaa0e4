package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/store"
	"gorm.io/gorm"
)

func (s *Server) registerEnrollmentRoutes(r *gin.Engine) {
	r.POST("/api/enroll", s.rateLimited("enroll", 10, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	}), s.handleEnrollment)
	admin := r.Group("/api/enroll", s.requireAdmin)
	admin.POST("/tokens", s.handleIssueToken)
	admin.GET("/tokens", s.handleListTokens)
	admin.DELETE("/tokens/:id", s.handleRevokeToken)
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req struct {
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	raw, err := generateSecret()
	if err != nil {
		respondInternal(c, "failed to generate token", err, s.logger)
		return
	}

	expiresAt := time.Time{}
	if req.ExpiresInSeconds > 0 {
		expiresAt = time.Now().UTC().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
	}
	record := store.EnrollmentToken{
		Label:     req.Label,
		TokenHash: s.tokenHasher.HashString(raw),
		ExpiresAt: expiresAt,
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	if err := s.db.WithContext(c.Request.Context()).Create(&record).Error; err != nil {
		respondInternal(c, "failed to persist token", err, s.logger)
		return
	}
	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Uint("token_id", record.ID).Str("label", record.Label).
		Str("admin", adminName(c)).Msg("enrollment token issued")

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"token":      raw,
		"label":      record.Label,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	var tokens []store.EnrollmentToken
	if err := s.db.WithContext(c.Request.Context()).Order("created_at desc").Find(&tokens).Error; err != nil {
		respondInternal(c, "failed to list tokens", err, s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, gin.H{
			"id":          t.ID,
			"label":       t.Label,
			"expires_at":  t.ExpiresAt,
			"used_at":     t.UsedAt,
			"redeemed_by": t.RedeemedBy,
			"created_at":  t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid token id", s.logger)
		return
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	db := s.db.WithContext(c.Request.Context())
	var token store.EnrollmentToken
	if err := db.First(&token, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "token not found", s.logger)
			return
		}
		respondInternal(c, "failed to load token", err, s.logger)
		return
	}

	now := time.Now().UTC()
	if err := db.Model(&token).Updates(map[string]interface{}{
		"used_at":     now,
		"redeemed_by": fmt.Sprintf("revoked:%s", adminName(c)),
	}).Error; err != nil {
		respondInternal(c, "failed to revoke token", err, s.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEnrollment redeems a one-time token and registers the agent key.
func (s *Server) handleEnrollment(c *gin.Context) {
	var req auth.EnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Token == "" || req.PublicKeyB64 == "" {
		respondError(c, http.StatusBadRequest, "missing required fields", s.logger)
		return
	}
	pubKey, err := auth.ParsePublicKey(req.PublicKeyB64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid public key", s.logger)
		return
	}

	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()

	var agent store.Agent
	now := time.Now().UTC()
	err = s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var token store.EnrollmentToken
		if err := tx.Where("token_hash = ?", s.tokenHasher.HashString(req.Token)).First(&token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errInvalidToken
			}
			return err
		}
		if token.UsedAt != nil {
			return errTokenUsed
		}
		if !token.ExpiresAt.IsZero() && now.After(token.ExpiresAt) {
			return errTokenExpired
		}

		agent = store.Agent{
			AgentID:   generateAgentID(req.Hostname),
			Hostname:  req.Hostname,
			PublicKey: pubKey,
			OSInfo:    req.OSInfo,
			LastSeen:  now,
		}
		if err := tx.Create(&agent).Error; err != nil {
			return err
		}
		return tx.Model(&token).Updates(map[string]interface{}{
			"used_at":     now,
			"redeemed_by": agent.AgentID,
		}).Error
	})
	switch {
	case errors.Is(err, errInvalidToken), errors.Is(err, errTokenUsed), errors.Is(err, errTokenExpired):
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	case err != nil:
		respondInternal(c, "enrollment failed", err, s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("agent_id", agent.AgentID).Str("hostname", agent.Hostname).Msg("agent enrolled")
	c.JSON(http.StatusOK, auth.EnrollmentResponse{
		AgentID:       agent.AgentID,
		ServerVersion: Version,
	})
}

var (
	errInvalidToken = errors.New("invalid token")
	errTokenUsed    = errors.New("token already used")
	errTokenExpired = errors.New("token expired")
)

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateAgentID(hostname string) string {
	prefix := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(hostname), " ", "-"))
	if prefix == "" {
		prefix = "agent"
	}
	suffix, err := generateSecret()
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return prefix + "-" + suffix
}

func parseUintParam(raw string) (uint, error) {
	if raw == "" {
		return 0, errors.New("empty")
	}
	id64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id64), nil
}
