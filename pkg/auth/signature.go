package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderAgentID   = "X-Usbgate-Agent-ID"
	HeaderSignature = "X-Usbgate-Signature"
	HeaderTimestamp = "X-Usbgate-Timestamp"
	HeaderNonce     = "X-Usbgate-Nonce"
)

var ErrMissingSignature = errors.New("missing signature headers")

// SignedRequest is the signed envelope of one HTTP request.
type SignedRequest struct {
	AgentID   string
	Method    string
	Path      string
	Body      []byte
	Timestamp time.Time
	Nonce     string
	Signature string
}

// CreateSignedRequest signs method, path and body.
func CreateSignedRequest(identity *Identity, method, path string, body []byte) *SignedRequest {
	timestamp := time.Now()
	nonce := generateNonce()
	message := buildMessage(timestamp, nonce, method, path, body)
	return &SignedRequest{
		AgentID:   identity.AgentID,
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(identity.Sign(message)),
	}
}

// Apply writes the signature headers.
func (s *SignedRequest) Apply(h http.Header) {
	h.Set(HeaderAgentID, s.AgentID)
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp.Unix(), 10))
	h.Set(HeaderNonce, s.Nonce)
}

// SignHTTPRequest signs req, whose body must already be read into body.
func SignHTTPRequest(identity *Identity, req *http.Request, body []byte) {
	CreateSignedRequest(identity, req.Method, req.URL.Path, body).Apply(req.Header)
}

// ParseSignedRequest rebuilds the envelope from request headers.
func ParseSignedRequest(h http.Header, method, path string, body []byte) (*SignedRequest, error) {
	agentID := h.Get(HeaderAgentID)
	sig := h.Get(HeaderSignature)
	ts := h.Get(HeaderTimestamp)
	nonce := h.Get(HeaderNonce)
	if agentID == "" || sig == "" || ts == "" || nonce == "" {
		return nil, ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	return &SignedRequest{
		AgentID:   agentID,
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: time.Unix(unix, 0),
		Nonce:     nonce,
		Signature: sig,
	}, nil
}

// VerifySignedRequest validates a signed request
func VerifySignedRequest(publicKey ed25519.PublicKey, req *SignedRequest, maxAge time.Duration) error {
	age := time.Since(req.Timestamp)
	if age > maxAge {
		return fmt.Errorf("request too old: %v", age)
	}
	if age < -time.Minute {
		return fmt.Errorf("request from future: clock skew detected")
	}

	message := buildMessage(req.Timestamp, req.Nonce, req.Method, req.Path, req.Body)
	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(publicKey, message, sigBytes) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Message format: timestamp|nonce|METHOD|path|body
func buildMessage(timestamp time.Time, nonce, method, path string, body []byte) []byte {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	parts := []string{ts, nonce, strings.ToUpper(method), path, string(body)}
	return []byte(strings.Join(parts, "|"))
}

func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
