package main

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rotationChallengeTTL = 5 * time.Minute

func (s *Server) registerKeyRotationRoutes(r *gin.Engine) {
	agent := r.Group("/api/keys", s.requireAgent)
	agent.POST("/rotate", s.rateLimited("rotate-challenge", 20, time.Minute, agentKey), s.issueRotationChallenge)
	agent.PUT("/rotate", s.rateLimited("rotate-complete", 20, time.Minute, agentKey), s.completeRotation)

	admin := r.Group("/api/agents", s.requireAdmin)
	admin.GET("", s.listAgents)
	admin.POST("/:agent_id/rotate", s.markRotationRequired)
	admin.DELETE("/:agent_id/rotate", s.clearRotationRequirement)
}

// issueRotationChallenge answers 204 unless an admin flagged the agent, or the
// agent forces a rotation.
func (s *Server) issueRotationChallenge(c *gin.Context) {
	agent := currentAgent(c)
	db := s.db.WithContext(c.Request.Context())
	now := time.Now().UTC()
	force := c.Query("force") == "true"

	if !agent.RequiresRotation && !force {
		if err := db.Where("agent_id = ?", agent.AgentID).Delete(&store.RotationChallenge{}).Error; err != nil {
			reqLogger := requestLogger(c, s.logger)
			reqLogger.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("failed clearing stale rotation challenge")
		}
		c.Status(http.StatusNoContent)
		return
	}

	var challenge store.RotationChallenge
	if err := db.Where("agent_id = ?", agent.AgentID).First(&challenge).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			respondInternal(c, "failed to load challenge", err, s.logger)
			return
		}
	} else if now.Before(challenge.ExpiresAt) {
		c.JSON(http.StatusOK, gin.H{"challenge": challenge.Nonce, "expires_at": challenge.ExpiresAt})
		return
	}

	nonce, err := generateSecret()
	if err != nil {
		respondInternal(c, "failed to create challenge", err, s.logger)
		return
	}
	challenge = store.RotationChallenge{
		AgentID:   agent.AgentID,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(rotationChallengeTTL),
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "issued_at", "expires_at"}),
	}).Create(&challenge).Error; err != nil {
		respondInternal(c, "failed to persist challenge", err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": challenge.Nonce, "expires_at": challenge.ExpiresAt})
}

func (s *Server) completeRotation(c *gin.Context) {
	agent := currentAgent(c)
	db := s.db.WithContext(c.Request.Context())

	var req struct {
		Challenge string `json:"challenge"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Challenge == "" || req.PublicKey == "" || req.Signature == "" {
		respondError(c, http.StatusBadRequest, "missing fields", s.logger)
		return
	}

	var challenge store.RotationChallenge
	if err := db.Where("agent_id = ?", agent.AgentID).First(&challenge).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "no pending challenge", s.logger)
		} else {
			respondInternal(c, "failed to load challenge", err, s.logger)
		}
		return
	}
	if time.Now().UTC().After(challenge.ExpiresAt) {
		db.Where("agent_id = ?", agent.AgentID).Delete(&store.RotationChallenge{})
		respondError(c, http.StatusUnauthorized, "challenge expired", s.logger)
		return
	}
	if subtle.ConstantTimeCompare([]byte(challenge.Nonce), []byte(req.Challenge)) != 1 {
		respondError(c, http.StatusUnauthorized, "challenge mismatch", s.logger)
		return
	}

	newKey, err := auth.ParsePublicKey(req.PublicKey)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid public key", s.logger)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid signature encoding", s.logger)
		return
	}
	if !ed25519.Verify(newKey, []byte(challenge.Nonce), sig) {
		respondError(c, http.StatusUnauthorized, "challenge signature invalid", s.logger)
		return
	}

	s.rotationMu.Lock()
	defer s.rotationMu.Unlock()

	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&store.Agent{}).
			Where("agent_id = ?", agent.AgentID).
			Updates(map[string]interface{}{
				"public_key":        []byte(newKey),
				"requires_rotation": false,
			}).Error; err != nil {
			return err
		}
		return tx.Where("agent_id = ?", agent.AgentID).Delete(&store.RotationChallenge{}).Error
	}); err != nil {
		respondInternal(c, "failed to rotate key", err, s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("agent_id", agent.AgentID).Msg("rotated agent key")
	c.JSON(http.StatusOK, gin.H{"status": "rotated"})
}

func (s *Server) listAgents(c *gin.Context) {
	var agents []store.Agent
	if err := s.db.WithContext(c.Request.Context()).Order("hostname asc").Find(&agents).Error; err != nil {
		respondInternal(c, "failed to list agents", err, s.logger)
		return
	}
	resp := make([]gin.H, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, gin.H{
			"agent_id":          a.AgentID,
			"hostname":          a.Hostname,
			"os_info":           a.OSInfo,
			"last_seen":         a.LastSeen,
			"requires_rotation": a.RequiresRotation,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) markRotationRequired(c *gin.Context) {
	s.setRotationRequired(c, true)
}

func (s *Server) clearRotationRequirement(c *gin.Context) {
	s.setRotationRequired(c, false)
}

func (s *Server) setRotationRequired(c *gin.Context, required bool) {
	agentID := c.Param("agent_id")
	db := s.db.WithContext(c.Request.Context())

	result := db.Model(&store.Agent{}).
		Where("agent_id = ?", agentID).
		Update("requires_rotation", required)
	if result.Error != nil {
		respondInternal(c, "failed to update rotation flag", result.Error, s.logger)
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "agent not found", s.logger)
		return
	}
	if err := db.Where("agent_id = ?", agentID).Delete(&store.RotationChallenge{}).Error; err != nil {
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Warn().Err(err).Str("agent_id", agentID).Msg("failed clearing rotation challenge")
	}
	c.Status(http.StatusNoContent)
}
