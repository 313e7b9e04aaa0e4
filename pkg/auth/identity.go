// Package auth holds the agent's ed25519 identity and the request signing
// scheme shared by agent and server.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type Identity struct {
	AgentID    string             `json:"agent_id"`
	Hostname   string             `json:"hostname"`
	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

type EnrollmentRequest struct {
	Token        string `json:"token"`
	Hostname     string `json:"hostname"`
	PublicKeyB64 string `json:"public_key"`
	OSInfo       string `json:"os_info"`
}

type EnrollmentResponse struct {
	AgentID       string `json:"agent_id"`
	ServerVersion string `json:"server_version"`
}

// GenerateIdentity creates a new Ed25519 keypair
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

type storedIdentity struct {
	AgentID    string `json:"agent_id"`
	Hostname   string `json:"hostname"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Save stores the identity to disk with 0600 permissions
func (i *Identity) Save(path string) error {
	data, err := json.MarshalIndent(storedIdentity{
		AgentID:    i.AgentID,
		Hostname:   i.Hostname,
		PublicKey:  base64.StdEncoding.EncodeToString(i.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(i.PrivateKey),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

var ErrNotEnrolled = errors.New("agent identity has no agent id")

// LoadIdentity reads an identity written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	pub, err := base64.StdEncoding.DecodeString(stored.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(stored.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: malformed key material", path)
	}
	id := &Identity{
		AgentID:    stored.AgentID,
		Hostname:   stored.Hostname,
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
	}
	if id.AgentID == "" {
		return id, ErrNotEnrolled
	}
	return id, nil
}

// Sign creates a signature for the given message
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// SignChallenge proves possession of priv over a server-issued rotation nonce.
func SignChallenge(priv ed25519.PrivateKey, challenge string) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", errors.New("invalid private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(challenge))), nil
}
