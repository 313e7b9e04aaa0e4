package authz

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/retry"
)

// API is the server surface the authorization path depends on.
type API interface {
	Check(ctx context.Context, req device.CheckRequest) (device.Verdict, error)
	CreateRequest(ctx context.Context, req device.CreateRequest) (device.CreateResponse, error)
}

// HTTPAPI talks to the server over HTTPS, signing every request with the
// agent identity. Transient failures are retried; each attempt has its own
// timeout.
type HTTPAPI struct {
	baseURL        string
	client         *http.Client
	identity       *auth.Identity
	retrier        *retry.Retrier
	attemptTimeout time.Duration
}

var _ API = (*HTTPAPI)(nil)

func NewHTTPAPI(baseURL string, client *http.Client, identity *auth.Identity, retrier *retry.Retrier, attemptTimeout time.Duration) *HTTPAPI {
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	return &HTTPAPI{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         client,
		identity:       identity,
		retrier:        retrier,
		attemptTimeout: attemptTimeout,
	}
}

func (a *HTTPAPI) Check(ctx context.Context, req device.CheckRequest) (device.Verdict, error) {
	var resp device.CheckResponse
	if err := a.post(ctx, "/api/devices/check", req, &resp); err != nil {
		return device.Unknown, err
	}
	if !resp.Status.Valid() {
		return device.Unknown, fmt.Errorf("server returned invalid status %q", resp.Status)
	}
	return resp.Status, nil
}

func (a *HTTPAPI) CreateRequest(ctx context.Context, req device.CreateRequest) (device.CreateResponse, error) {
	var resp device.CreateResponse
	if err := a.post(ctx, "/api/requests", req, &resp); err != nil {
		return device.CreateResponse{}, err
	}
	return resp, nil
}

func (a *HTTPAPI) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return a.retrier.Do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		auth.SignHTTPRequest(a.identity, req, body)

		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}, retry.IsRetryableHTTP)
}

// TLSConfig trusts the system roots plus caFile when given. TLS 1.2 minimum.
func TLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// NewHTTPClient builds the agent's HTTPS client.
func NewHTTPClient(caFile string) (*http.Client, error) {
	tlsCfg, err := TLSConfig(caFile)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return &http.Client{Transport: transport}, nil
}
