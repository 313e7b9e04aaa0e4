package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/auth"
	"github.com/haasonsaas/usbgate/pkg/authz"
	"github.com/haasonsaas/usbgate/pkg/cache"
	"github.com/haasonsaas/usbgate/pkg/config"
	"github.com/haasonsaas/usbgate/pkg/events"
	"github.com/haasonsaas/usbgate/pkg/health"
	"github.com/haasonsaas/usbgate/pkg/identity"
	"github.com/haasonsaas/usbgate/pkg/mount"
	"github.com/haasonsaas/usbgate/pkg/notify"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/haasonsaas/usbgate/pkg/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "/etc/usbgate/agent.yaml", "Config file path")
	serverURL   = flag.String("server", "", "usbgate server URL (overrides config)")
	enrollToken = flag.String("enroll", "", "One-time enrollment token")
	Version     = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("usbgate agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollToken != "" {
		cfg.Server.EnrollToken = *enrollToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent stopped")
	}
	log.Info().Msg("agent stopped")
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	logger := log.Logger

	tlsCfg, err := authz.TLSConfig(cfg.Server.CAFile)
	if err != nil {
		return err
	}
	httpClient, err := authz.NewHTTPClient(cfg.Server.CAFile)
	if err != nil {
		return err
	}

	token, err := cfg.ResolveEnrollToken()
	if err != nil {
		return err
	}
	en := &enroller{
		serverURL:      cfg.Server.URL,
		keyPath:        cfg.Auth.KeyPath,
		enrollToken:    token,
		allowRotation:  cfg.Auth.AllowKeyRotation,
		client:         httpClient,
		requestTimeout: cfg.RequestTimeout(),
		logger:         logger,
	}
	id, err := en.loadOrEnroll(ctx)
	if err != nil {
		return err
	}
	logger.Info().Str("agent_id", id.AgentID).Str("server", cfg.Server.URL).Msg("Agent initialized")

	healthStatus := health.Checker{
		Client:    &http.Client{Transport: httpClient.Transport, Timeout: 5 * time.Second},
		ServerURL: cfg.Server.URL,
		MaxSkew:   time.Duration(cfg.Health.MaxClockSkew) * time.Second,
		Tools:     health.ToolsFor(cfg.Identity.Strategies, cfg.Notify.Enable),
	}.Check(ctx)
	if !healthStatus.Healthy {
		logger.Warn().Strs("issues", healthStatus.Issues).Msg("Health check reported issues")
	}

	retrier := retry.New(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries,
		logger.With().Str("component", "retry").Logger())
	api := authz.NewHTTPAPI(cfg.Server.URL, httpClient, id, retrier, cfg.RequestTimeout())

	rt := realtime.NewClient(realtime.ClientConfig{
		Dial:           realtimeDialer(cfg.Server.URL, id, tlsCfg),
		InitialBackoff: time.Duration(cfg.Server.RetryInitialMs) * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Logger:         logger.With().Str("component", "realtime").Logger(),
	})

	decisions := authz.NewClient(api, cache.New(cfg.CacheTTL(), cfg.Cache.MaxEntries), rt,
		authz.Config{WaitTimeout: cfg.WaitTimeout()},
		authz.WithAuditLogger(logger.With().Str("component", "audit").Logger()))

	strategies, err := identity.Build(cfg.Identity.Strategies, identity.ExecRunner{}, "/proc")
	if err != nil {
		return err
	}
	resolver := identity.NewResolver(strategies, time.Duration(cfg.Identity.StrategyTimeout)*time.Millisecond,
		logger.With().Str("component", "identity").Logger())

	exec, err := newExecutor()
	if err != nil {
		return err
	}
	orch := mount.New(exec, mount.Config{
		BaseDir:           cfg.Mount.BaseDir,
		Options:           cfg.Mount.Options,
		Grace:             time.Duration(cfg.Mount.GraceMs) * time.Millisecond,
		UnmountRetries:    cfg.Mount.UnmountRetries,
		UnmountRetryDelay: time.Duration(cfg.Mount.UnmountRetryDelay) * time.Millisecond,
	}, mount.WithLogger(logger.With().Str("component", "mount").Logger()))

	if err := orch.Reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("reconciling leftover mounts failed")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enable {
		notifier = notify.NewDesktop(logger.With().Str("component", "notify").Logger())
	}

	daemon := newDaemon(decisions, orch, resolver, rt, notifier, cfg.Approval.AutoMountLate,
		logger.With().Str("component", "daemon").Logger())
	rt.OnResolution(daemon.OnResolution)
	rt.OnRevocation(daemon.OnRevocation)
	rt.OnReconnect(daemon.OnReconnect)

	src := events.NewFileSource(cfg.Events.Path, logger.With().Str("component", "events").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error { return daemon.Run(gctx, src) })
	return g.Wait()
}

// realtimeDialer signs each upgrade request like any other agent call.
func realtimeDialer(baseURL string, id *auth.Identity, tlsCfg *tls.Config) realtime.DialFunc {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL := "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws/agent"
	if strings.HasPrefix(baseURL, "http://") {
		wsURL = "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws/agent"
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsCfg,
	}
	return func(ctx context.Context) (*websocket.Conn, *http.Response, error) {
		header := http.Header{}
		auth.CreateSignedRequest(id, http.MethodGet, "/ws/agent", nil).Apply(header)
		return dialer.DialContext(ctx, wsURL, header)
	}
}
