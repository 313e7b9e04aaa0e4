package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/stretchr/testify/require"
)

type challengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

func TestIssueRotationChallengeNoRequirementReturnsNoContent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.agent(t, http.MethodPost, "/api/keys/rotate", nil)
	require.Equal(t, http.StatusNoContent, resp.Code)
}

func TestIssueRotationChallengeWhenFlaggedByAdmin(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(t, testAdminToken, http.MethodPost, "/api/agents/agent-123/rotate", nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.agent(t, http.MethodPost, "/api/keys/rotate", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	first := decode[challengeResponse](t, resp)
	require.NotEmpty(t, first.Challenge)

	// An unexpired challenge is reissued as is.
	resp = env.agent(t, http.MethodPost, "/api/keys/rotate", nil)
	require.Equal(t, first.Challenge, decode[challengeResponse](t, resp).Challenge)
}

func TestCompleteRotationUpdatesPublicKeyAndClearsRequirement(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.DB().Model(&store.Agent{}).
		Where("agent_id = ?", "agent-123").
		Update("requires_rotation", true).Error)

	resp := env.agent(t, http.MethodPost, "/api/keys/rotate", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	challenge := decode[challengeResponse](t, resp)

	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig, err := auth.SignChallenge(newPriv, challenge.Challenge)
	require.NoError(t, err)

	resp = env.agent(t, http.MethodPut, "/api/keys/rotate", map[string]string{
		"challenge":  challenge.Challenge,
		"public_key": base64.StdEncoding.EncodeToString(newPub),
		"signature":  sig,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var agent store.Agent
	require.NoError(t, env.store.DB().First(&agent, "agent_id = ?", "agent-123").Error)
	require.False(t, agent.RequiresRotation)
	require.Equal(t, []byte(newPub), agent.PublicKey)

	var count int64
	require.NoError(t, env.store.DB().Model(&store.RotationChallenge{}).
		Where("agent_id = ?", "agent-123").
		Count(&count).Error)
	require.Zero(t, count)

	// The retired key no longer authenticates.
	require.Equal(t, http.StatusUnauthorized, env.agent(t, http.MethodPost, "/api/keys/rotate", nil).Code)
}

func TestCompleteRotationRejectsWrongSignature(t *testing.T) {
	env := newTestEnv(t)
	resp := env.agent(t, http.MethodPost, "/api/keys/rotate?force=true", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	challenge := decode[challengeResponse](t, resp)

	newPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig, err := auth.SignChallenge(otherPriv, challenge.Challenge)
	require.NoError(t, err)

	resp = env.agent(t, http.MethodPut, "/api/keys/rotate", map[string]string{
		"challenge":  challenge.Challenge,
		"public_key": base64.StdEncoding.EncodeToString(newPub),
		"signature":  sig,
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCompleteRotationWithoutChallenge(t *testing.T) {
	env := newTestEnv(t)
	resp := env.agent(t, http.MethodPut, "/api/keys/rotate", map[string]string{
		"challenge": "x", "public_key": "y", "signature": "z",
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestListAgentsAndUnknownAgentFlag(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(t, testAdminToken, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	agents := decode[[]map[string]any](t, resp)
	require.Len(t, agents, 1)
	require.Equal(t, "agent-123", agents[0]["agent_id"])

	resp = env.admin(t, testAdminToken, http.MethodPost, "/api/agents/agent-404/rotate", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}
