package main

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/usbgate/pkg/realtime"
)

// registerRealtimeRoutes exposes one upgrade endpoint per role. Agents join
// user scopes, admins the admin scope, by sending a join frame after connect.
func (s *Server) registerRealtimeRoutes(r *gin.Engine) {
	r.GET("/ws/agent", s.requireAgent, func(c *gin.Context) {
		s.serveRealtime(c, realtime.Principal{Role: realtime.RoleAgent, Name: currentAgent(c).AgentID})
	})
	r.GET("/ws/admin", s.requireAdmin, func(c *gin.Context) {
		s.serveRealtime(c, realtime.Principal{Role: realtime.RoleAdmin, Name: adminName(c)})
	})
}

func (s *Server) serveRealtime(c *gin.Context, p realtime.Principal) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Warn().Err(err).Str("principal", p.Name).Msg("websocket upgrade failed")
		c.Abort()
		return
	}
	s.hub.Serve(ws, p)
}

// checkOrigin admits non-browser clients, which send no Origin, and browsers
// from a configured origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.Realtime.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}
