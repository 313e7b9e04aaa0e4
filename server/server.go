package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/haasonsaas/usbgate/pkg/config"
	"github.com/haasonsaas/usbgate/pkg/device"
	"github.com/haasonsaas/usbgate/pkg/lifecycle"
	"github.com/haasonsaas/usbgate/pkg/metrics"
	"github.com/haasonsaas/usbgate/pkg/realtime"
	"github.com/haasonsaas/usbgate/pkg/store"
	"github.com/haasonsaas/usbgate/pkg/telemetry"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Server struct {
	cfg     *config.ServerConfig
	db      *gorm.DB
	store   *store.Store
	manager *lifecycle.Manager
	hub     *realtime.Hub
	metrics metrics.Recorder
	logger  zerolog.Logger

	tokenHasher TokenHasher
	nonceStore  *NonceStore
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader

	tokensMu   sync.Mutex
	rotationMu sync.Mutex
}

func newServer(cfg *config.ServerConfig, st *store.Store, rec metrics.Recorder, logger zerolog.Logger) *Server {
	if rec == nil {
		rec = metrics.NewNoopMetrics()
	}
	hub := realtime.NewHub(
		realtime.WithSendBuffer(cfg.Realtime.SendBuffer),
		realtime.WithHubLogger(logger.With().Str("component", "realtime").Logger()),
		realtime.WithMetrics(rec),
	)
	s := &Server{
		cfg:         cfg,
		db:          st.DB(),
		store:       st,
		hub:         hub,
		metrics:     rec,
		logger:      logger,
		tokenHasher: NewTokenHasher([]byte(cfg.Enrollment.TokenSalt)),
		nonceStore:  NewNonceStore(st.DB(), cfg.NonceWindowDuration()),
		rateLimiter: NewRateLimiter(),
	}
	s.manager = lifecycle.NewManager(st, &hubNotifier{hub: hub, metrics: rec, logger: logger},
		lifecycle.WithLogger(logger.With().Str("component", "lifecycle").Logger()))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.Middleware())
	r.Use(withRequestContext(s.logger))
	r.Use(metrics.HTTPMiddleware(s.metrics))

	r.GET("/api/health", s.handleHealth)
	if s.cfg.Metrics.Enable {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	s.registerEnrollmentRoutes(r)
	s.registerKeyRotationRoutes(r)
	s.registerDeviceRoutes(r)
	s.registerAdminRoutes(r)
	s.registerRealtimeRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": Version,
		"realtime": gin.H{
			"admins": s.hub.Subscribers(realtime.AdminScope),
		},
	})
}

// runMaintenance prunes resolved requests past retention and stale rate
// limiter windows until ctx ends.
func (s *Server) runMaintenance(ctx context.Context) {
	every := time.Duration(s.cfg.Retention.PruneEvery) * time.Minute
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.prune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Server) prune(ctx context.Context) {
	s.rateLimiter.Sweep()
	retention := s.cfg.ResolvedRetention()
	if retention <= 0 {
		return
	}
	n, err := s.manager.PruneResolved(ctx, retention)
	if err != nil {
		s.logger.Error().Err(err).Msg("pruning resolved requests failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Dur("retention", retention).Msg("pruned resolved requests")
	}
}

// hubNotifier fans lifecycle events out over the realtime hub. It runs after
// the change is committed.
type hubNotifier struct {
	hub     *realtime.Hub
	metrics metrics.Recorder
	logger  zerolog.Logger
}

func (n *hubNotifier) RequestCreated(v store.RequestView) {
	n.metrics.RecordRequestCreated()
	n.publish(realtime.AdminScope, realtime.TypeDeviceRequest, realtime.DeviceRequestData{
		RequestID:   v.ID,
		Username:    v.Username,
		DeviceInfo:  v.DeviceInfo,
		VendorID:    v.VendorID,
		ProductID:   v.ProductID,
		Serial:      v.Serial,
		RequestedAt: v.RequestedAt,
	})
}

func (n *hubNotifier) RequestResolved(v store.RequestView) {
	var pendingFor time.Duration
	if v.ResolvedAt != nil {
		pendingFor = v.ResolvedAt.Sub(v.RequestedAt)
	}
	n.metrics.RecordRequestResolved(string(v.Status), pendingFor)

	data := realtime.ResolutionData{
		RequestID: v.ID,
		Username:  v.Username,
		Status:    v.Status,
		VendorID:  v.VendorID,
		ProductID: v.ProductID,
		Serial:    v.Serial,
	}
	n.publish(realtime.UserScope(v.Username), realtime.ResolutionType(v.Status), data)
	data.ResolvedBy = v.ResolvedBy
	n.publish(realtime.AdminScope, realtime.TypeRequestResolved, data)
}

func (n *hubNotifier) PermissionRevoked(username string, id device.Identity) {
	n.metrics.RecordRevocation()
	n.publish(realtime.UserScope(username), realtime.TypePermissionRevoked, realtime.RevocationData{
		Username:  username,
		VendorID:  id.VendorID,
		ProductID: id.ProductID,
		Serial:    id.Serial,
	})
}

func (n *hubNotifier) publish(scope realtime.Scope, t realtime.MessageType, data any) {
	msg, err := realtime.NewMessage(t, data)
	if err != nil {
		n.logger.Error().Err(err).Str("type", string(t)).Msg("encode realtime message")
		return
	}
	delivered := n.hub.Publish(scope, msg)
	n.logger.Debug().Str("scope", string(scope)).Str("type", string(t)).Int("delivered", delivered).Msg("published")
}
