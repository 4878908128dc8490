// Package httpapi implements the HTTP control surface (component K):
// authenticated, role-checked REST endpoints in front of the review state
// machine, the quarantine protocol, and the rate limiter's admin surface.
// Grounded on the teacher's pkg/api (echo/v5 Server with many Set*() wiring
// methods and setupRoutes()), generalized from tarsy's session/alert
// domain to this service's reviews/quarantine/auth domain.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/authn/oauth"
	"github.com/robehgc/hitl-pipeline/pkg/httpapi/rbac"
	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/protocol"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
	"github.com/robehgc/hitl-pipeline/pkg/relstore"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// Server is the HTTP control surface, wiring every component that an
// authenticated handler may need.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	issuer    *authn.Issuer
	sessions  *authn.SessionManager
	providers map[string]*oauth.Handler // keyed by provider name
	reviews   *review.Store
	protocol  *protocol.Manager
	limiter   *ratelimit.Limiter
	rel       *relstore.Pool
	rbac      *rbac.Authorizer
	health    *pipeline.Health
	metrics   http.Handler
	inbound   *pipeline.InboundQueue

	accessTTL, refreshTTL time.Duration
	frontendURL           string
}

// Config carries the dependencies and tunables NewServer needs.
type Config struct {
	Issuer      *authn.Issuer
	Sessions    *authn.SessionManager
	OAuth       map[string]*oauth.Handler
	Reviews     *review.Store
	Protocol    *protocol.Manager
	Limiter     *ratelimit.Limiter
	Rel         *relstore.Pool
	Rbac        *rbac.Authorizer
	Health      *pipeline.Health
	Metrics     http.Handler // Prometheus exposition handler; nil disables /metrics
	Inbound     *pipeline.InboundQueue
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	BodyLimit   int // bytes; 0 disables the limit
	FrontendURL string
}

// NewServer builds the echo.Echo instance and registers every route.
func NewServer(cfg Config) *Server {
	e := echo.New()
	s := &Server{
		echo:        e,
		issuer:      cfg.Issuer,
		sessions:    cfg.Sessions,
		providers:   cfg.OAuth,
		reviews:     cfg.Reviews,
		protocol:    cfg.Protocol,
		limiter:     cfg.Limiter,
		rel:         cfg.Rel,
		rbac:        cfg.Rbac,
		health:      cfg.Health,
		metrics:     cfg.Metrics,
		inbound:     cfg.Inbound,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		frontendURL: cfg.FrontendURL,
	}
	if s.providers == nil {
		s.providers = map[string]*oauth.Handler{}
	}

	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 1024 * 1024
	}
	e.Use(middleware.BodyLimit(int64(bodyLimit)))
	e.Use(securityHeaders())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler, s.rateLimitMiddleware())
	s.echo.GET("/healthz", s.healthHandler, s.rateLimitMiddleware())
	s.echo.GET("/mcp/health", s.mcpHealthHandler, s.rateLimitMiddleware())
	s.echo.GET("/mcp/metrics", s.mcpMetricsHandler, s.rateLimitMiddleware())
	if s.metrics != nil {
		s.echo.GET("/metrics", func(c *echo.Context) error {
			s.metrics.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	auth := s.echo.Group("", s.rateLimitMiddleware())
	auth.POST("/auth/login", s.loginHandler)
	auth.GET("/auth/callback", s.callbackHandler)
	auth.POST("/auth/refresh", s.refreshHandler)

	authed := s.echo.Group("", s.authMiddleware(), s.rateLimitMiddleware())
	authed.POST("/auth/logout", s.logoutHandler)
	authed.GET("/auth/me", s.meHandler)
	authed.GET("/auth/sessions", s.listSessionsHandler)
	authed.DELETE("/auth/sessions/:id", s.revokeSessionHandler)

	authed.GET("/reviews/pending", s.pendingReviewsHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))
	authed.GET("/reviews/:id", s.getReviewHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))
	authed.POST("/reviews/:id/approve", s.approveReviewHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))
	authed.POST("/reviews/:id/reject", s.rejectReviewHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))

	authed.POST("/users/:user_id/protocol", s.userProtocolHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/quarantine/messages", s.listQuarantineHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))
	authed.POST("/quarantine/:id/process", s.processQuarantineHandler, s.requireRole(authn.RoleAdmin))
	authed.POST("/quarantine/batch-process", s.batchProcessQuarantineHandler, s.requireRole(authn.RoleAdmin))
	authed.DELETE("/quarantine/:id", s.deleteQuarantineHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/quarantine/stats", s.quarantineStatsHandler, s.requireRole(authn.RoleAdmin, authn.RoleReviewer))
	authed.GET("/quarantine/audit-log", s.quarantineAuditLogHandler, s.requireRole(authn.RoleAdmin))
	authed.POST("/quarantine/cleanup", s.quarantineCleanupHandler, s.requireRole(authn.RoleAdmin))

	if s.inbound != nil {
		// Ingress for the external chat transport's inbound bridge. Admin
		// because the bridge service authenticates with its own token, not
		// on behalf of end users.
		authed.POST("/inbound/messages", s.inboundMessageHandler, s.requireRole(authn.RoleAdmin))
	}

	authed.GET("/api/rate-limits/stats", s.rateLimitStatsHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/api/rate-limits/violations", s.rateLimitViolationsHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/api/rate-limits/alerts", s.rateLimitAlertsHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/api/rate-limits/client/:id", s.rateLimitClientHandler, s.requireRole(authn.RoleAdmin))
	authed.GET("/api/rate-limits/config", s.rateLimitConfigHandler, s.requireRole(authn.RoleAdmin))
	authed.DELETE("/api/rate-limits/client/:id/violations", s.rateLimitClearViolationsHandler, s.requireRole(authn.RoleAdmin))
}

// Start runs the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, used by tests that
// need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
