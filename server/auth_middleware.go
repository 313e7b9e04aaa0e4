package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/store"
	"gorm.io/gorm"
)

const (
	agentContextKey = "agent"
	adminContextKey = "admin"
)

// requireAdmin accepts "Authorization: Bearer <token>" from any configured
// admin. Websocket upgrades may pass the token as ?token= instead.
func (s *Server) requireAdmin(c *gin.Context) {
	token := ""
	if authz := c.GetHeader("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		token = strings.TrimPrefix(authz, "Bearer ")
	} else if websocketUpgrade(c.Request) {
		token = c.Query("token")
	}
	if token == "" {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	name, ok := s.adminFor(token)
	if !ok {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Set(adminContextKey, name)
	c.Next()
}

func (s *Server) adminFor(token string) (string, bool) {
	name, found := "", false
	for _, a := range s.cfg.Admins {
		if secureCompare(token, a.Token) && !found {
			name, found = a.Name, true
		}
	}
	return name, found
}

func adminName(c *gin.Context) string {
	return c.GetString(adminContextKey)
}

// requireAgent verifies the ed25519 signature over timestamp, nonce, method,
// path and body, and rejects replayed nonces.
func (s *Server) requireAgent(c *gin.Context) {
	bodyBytes, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read body", s.logger)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	signed, err := auth.ParseSignedRequest(c.Request.Header, c.Request.Method, c.Request.URL.Path, bodyBytes)
	if err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	}

	agent, err := s.loadAgent(c, signed.AgentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "agent not enrolled", s.logger)
		} else {
			respondInternal(c, "failed to load agent", err, s.logger)
		}
		return
	}

	if err := auth.VerifySignedRequest(ed25519.PublicKey(agent.PublicKey), signed, s.cfg.NonceWindowDuration()); err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	}
	if err := s.nonceStore.CheckAndStore(c.Request.Context(), agent.AgentID, signed.Nonce, signed.Timestamp); err != nil {
		if errors.Is(err, errNonceReplay) {
			respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		} else {
			respondInternal(c, "nonce check failed", err, s.logger)
		}
		return
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(c.Request.Context()).Model(&store.Agent{}).
		Where("id = ?", agent.ID).Update("last_seen", now).Error; err != nil {
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Warn().Err(err).Msg("failed to update agent last_seen")
	}
	agent.LastSeen = now

	c.Set(agentContextKey, agent)
	c.Next()
}

func (s *Server) loadAgent(c *gin.Context, agentID string) (*store.Agent, error) {
	var agent store.Agent
	if err := s.db.WithContext(c.Request.Context()).Where("agent_id = ?", agentID).First(&agent).Error; err != nil {
		return nil, err
	}
	if len(agent.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("agent missing public key")
	}
	return &agent, nil
}

func currentAgent(c *gin.Context) *store.Agent {
	return c.MustGet(agentContextKey).(*store.Agent)
}

func agentKey(c *gin.Context) string {
	return c.GetHeader(auth.HeaderAgentID)
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
