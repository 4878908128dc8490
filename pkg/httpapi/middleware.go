package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/ratelimit"
)

const identityContextKey = "identity"

// securityHeaders sets standard security response headers, grounded on the
// teacher's pkg/api middleware of the same name.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// authMiddleware resolves a Bearer token to an authn.Identity or rejects
// with 401. A legacy static key maps to an implicit admin identity, logged
// as a deprecation warning rather than failing the request.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			identity, err := s.issuer.ValidateAccessToken(c.Request().Context(), raw)
			if err != nil && err != authn.ErrLegacyKeyUsed {
				return mapErr(err)
			}
			if err == authn.ErrLegacyKeyUsed {
				slog.Warn("request authenticated via deprecated static dashboard key",
					"path", c.Request().URL.Path)
			}
			c.Set(identityContextKey, identity)
			return next(c)
		}
	}
}

func identityFrom(c *echo.Context) (authn.Identity, bool) {
	v := c.Get(identityContextKey)
	if v == nil {
		return authn.Identity{}, false
	}
	id, ok := v.(authn.Identity)
	return id, ok
}

// requireRole rejects the request with 403 unless the resolved identity
// holds one of allowed, implementing the spec's (method, path) -> required
// permission set RBAC check as a Rego policy evaluation against s.rbac
// rather than a hand-rolled loop.
func (s *Server) requireRole(allowed ...authn.Role) echo.MiddlewareFunc {
	allowedStrs := make([]string, len(allowed))
	for i, r := range allowed {
		allowedStrs[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			identity, ok := identityFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
			}
			ok, err := s.rbac.Allowed(c.Request().Context(), string(identity.Role), allowedStrs)
			if err != nil {
				return mapErr(err)
			}
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
			}
			return next(c)
		}
	}
}

// rateLimitMiddleware enforces the per-identity, per-endpoint rate limit
// (component H applied to every K request, per spec §4.K).
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.limiter == nil {
				return next(c)
			}
			identity, role := requestIdentity(c)
			endpoint := c.Path()

			result, err := s.limiter.CheckWithMeta(c.Request().Context(), identity, role, endpoint, ratelimit.Meta{
				UserAgent: c.Request().UserAgent(),
				IP:        clientAddr(c),
			})
			if err != nil {
				return mapErr(err)
			}
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(result.RequestsLimit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(60-time.Now().Unix()%60, 10))
			if !result.Allowed {
				h.Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// requestIdentity resolves the rate limiter's identity key and role string
// for c: "user:{id}"/actual role if authenticated, else "ip:{addr}"/unauthenticated.
func requestIdentity(c *echo.Context) (identity, role string) {
	if id, ok := identityFrom(c); ok {
		return "user:" + id.UserID, string(id.Role)
	}
	return "ip:" + clientAddr(c), "unauthenticated"
}

// clientAddr prefers the first X-Forwarded-For hop over the peer address.
func clientAddr(c *echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return c.Request().RemoteAddr
}
