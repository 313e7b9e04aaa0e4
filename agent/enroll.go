package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/hostinfo"
	"github.com/rs/zerolog"
)

// enroller owns the agent identity: it loads or enrolls it, and rotates the
// key when the server asks for it.
type enroller struct {
	serverURL      string
	keyPath        string
	enrollToken    string
	allowRotation  bool
	client         *http.Client
	requestTimeout time.Duration
	logger         zerolog.Logger

	identity *auth.Identity
}

func (a *enroller) loadOrEnroll(ctx context.Context) (*auth.Identity, error) {
	identity, err := auth.LoadIdentity(a.keyPath)
	if err == nil {
		a.identity = identity
		a.logger.Info().Str("agent_id", identity.AgentID).Msg("Loaded existing identity")
		if a.allowRotation {
			if err := a.ensureFreshKey(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("Key rotation check failed")
			}
		}
		return a.identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, auth.ErrNotEnrolled) {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	if a.enrollToken == "" {
		return nil, fmt.Errorf("no existing identity and no enrollment token provided")
	}

	a.logger.Info().Msg("Enrolling new agent")
	if err := a.enroll(ctx); err != nil {
		return nil, err
	}
	return a.identity, nil
}

func (a *enroller) enroll(ctx context.Context) error {
	identity, err := auth.GenerateIdentity()
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()

	data, err := json.Marshal(auth.EnrollmentRequest{
		Token:        a.enrollToken,
		Hostname:     hostname,
		PublicKeyB64: identity.PublicKeyB64(),
		OSInfo:       hostinfo.Collector{}.Collect(ctx).String(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/api/enroll"), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enrollment failed: status %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var enrollResp auth.EnrollmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&enrollResp); err != nil {
		return err
	}

	identity.AgentID = enrollResp.AgentID
	identity.Hostname = hostname
	if err := identity.Save(a.keyPath); err != nil {
		return err
	}

	a.identity = identity
	a.logger.Info().Str("agent_id", identity.AgentID).Str("server_version", enrollResp.ServerVersion).Msg("Enrollment successful")
	return nil
}

// ensureFreshKey completes a server requested key rotation. It is a no-op
// when the server has none pending.
func (a *enroller) ensureFreshKey(ctx context.Context) error {
	challenge, err := a.requestRotationChallenge(ctx)
	if err != nil || challenge == nil {
		return err
	}

	newID, err := auth.GenerateIdentity()
	if err != nil {
		return err
	}
	sig, err := auth.SignChallenge(newID.PrivateKey, challenge.Challenge)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{
		"challenge":  challenge.Challenge,
		"public_key": base64.StdEncoding.EncodeToString(newID.PublicKey),
		"signature":  sig,
	})
	if err != nil {
		return err
	}
	if err := a.submitRotation(ctx, body); err != nil {
		return err
	}

	newID.AgentID = a.identity.AgentID
	newID.Hostname = a.identity.Hostname
	if err := a.persistIdentity(newID); err != nil {
		return err
	}

	a.identity = newID
	a.logger.Info().Msg("Rotated agent key successfully")
	return nil
}

type rotationChallenge struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *enroller) requestRotationChallenge(ctx context.Context) (*rotationChallenge, error) {
	resp, err := a.signedDo(ctx, http.MethodPost, "/api/keys/rotate", []byte("{}"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var challenge rotationChallenge
		if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
			return nil, err
		}
		if challenge.Challenge == "" {
			return nil, errors.New("rotation challenge missing nonce")
		}
		return &challenge, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rotation challenge rate limited")
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("challenge request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func (a *enroller) submitRotation(ctx context.Context, body []byte) error {
	resp, err := a.signedDo(ctx, http.MethodPut, "/api/keys/rotate", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rotate failed: %d %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func (a *enroller) signedDo(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	auth.SignHTTPRequest(a.identity, req, body)
	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// persistIdentity swaps the key file through a .bak copy so a failed write
// leaves the previous identity in place.
func (a *enroller) persistIdentity(newID *auth.Identity) error {
	backup := a.keyPath + ".bak"
	if _, err := os.Stat(a.keyPath); err == nil {
		if err := os.Rename(a.keyPath, backup); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := newID.Save(a.keyPath); err != nil {
		if _, restoreErr := os.Stat(backup); restoreErr == nil {
			_ = os.Rename(backup, a.keyPath)
		}
		return err
	}

	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *enroller) endpoint(path string) string {
	return strings.TrimRight(a.serverURL, "/") + path
}
