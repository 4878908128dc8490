package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/pipeline"
	"github.com/robehgc/hitl-pipeline/pkg/review"
)

// healthHandler backs GET /health and /healthz: a shallow
// liveness probe that reports process health without touching a store, so
// it stays responsive even when a backing store is degraded.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// mcpHealthHandler backs GET /mcp/health, named for the legacy monitoring
// surface the spec's persisted-state layout still documents
// (mcp_health_{cmd} keys). It reports the orchestrator health view when
// one is wired, falling back to shallow liveness otherwise.
func (s *Server) mcpHealthHandler(c *echo.Context) error {
	if s.health != nil {
		return c.JSON(http.StatusOK, s.health.Snapshot())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// mcpMetricsHandler backs GET /mcp/metrics with the same orchestrator
// snapshot as /mcp/health; the Prometheus exposition format is served
// separately at /metrics.
func (s *Server) mcpMetricsHandler(c *echo.Context) error {
	return s.mcpHealthHandler(c)
}

// --- Auth -------------------------------------------------------------

type loginRequest struct {
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// loginHandler backs POST /auth/login: it starts the OAuth2 authorization
// flow for the named provider and returns the redirect URL the client
// should send the browser to.
func (s *Server) loginHandler(c *echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	provider, ok := s.providers[req.Provider]
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown provider")
	}
	redirectURL, err := provider.Start(c.Request().Context())
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"auth_url": redirectURL,
	})
}

// callbackHandler backs GET /auth/callback: it completes the exchange for
// whichever provider the request's query parameters name, mints a session,
// and redirects to the configured frontend URL with tokens in the
// fragment (never the query string, so they never reach server access
// logs).
func (s *Server) callbackHandler(c *echo.Context) error {
	code := c.QueryParam("code")
	state := c.QueryParam("state")
	providerName := c.QueryParam("provider")
	if errParam := c.QueryParam("error"); errParam != "" {
		return echo.NewHTTPError(http.StatusBadRequest, errParam)
	}
	provider, ok := s.providers[providerName]
	if !ok {
		// Fall back to the (and typically only) configured provider when the
		// caller omits it, matching a single-IdP deployment.
		for _, p := range s.providers {
			provider = p
			ok = true
			break
		}
	}
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "no oauth provider configured")
	}

	pair, userID, err := provider.Callback(c.Request().Context(), state, code)
	if err != nil {
		return mapErr(err)
	}
	if s.rel != nil {
		_, _ = s.rel.Raw().Exec(c.Request().Context(), `
			INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	}
	if _, err := s.sessions.Create(c.Request().Context(), userID, pair.RefreshToken, s.refreshTTL); err != nil {
		return mapErr(err)
	}
	redirect := s.frontendURL + "#access_token=" + pair.AccessToken + "&refresh_token=" + pair.RefreshToken
	return c.Redirect(http.StatusFound, redirect)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshHandler backs POST /auth/refresh: exchanges a still-valid refresh
// token for a new access/refresh pair without requiring the user to
// re-authenticate with the identity provider.
func (s *Server) refreshHandler(c *echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh_token is required")
	}
	userID, _, err := s.issuer.RefreshJTI(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return mapErr(err)
	}

	var role authn.Role = authn.RoleViewer
	if s.rel != nil {
		_ = s.rel.Raw().QueryRow(c.Request().Context(),
			`SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	}

	pair, _, err := s.issuer.IssuePair(userID, role)
	if err != nil {
		return mapErr(err)
	}
	if _, err := s.sessions.Create(c.Request().Context(), userID, pair.RefreshToken, s.refreshTTL); err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"user_id":       userID,
		"role":          role,
	})
}

// logoutHandler backs POST /auth/logout: blacklists the caller's access
// token so it stops working immediately, rather than waiting out its
// natural expiry.
func (s *Server) logoutHandler(c *echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	raw := header
	if len(header) > 7 {
		raw = header[7:]
	}
	if err := s.issuer.Revoke(c.Request().Context(), raw); err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// meHandler backs GET /auth/me: returns the caller's resolved identity.
func (s *Server) meHandler(c *echo.Context) error {
	identity, _ := identityFrom(c)
	return c.JSON(http.StatusOK, identity)
}

// listSessionsHandler backs GET /auth/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	identity, _ := identityFrom(c)
	sessions, err := s.sessions.List(c.Request().Context(), identity.UserID)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// revokeSessionHandler backs DELETE /auth/sessions/{id}.
func (s *Server) revokeSessionHandler(c *echo.Context) error {
	identity, _ := identityFrom(c)
	if err := s.sessions.Revoke(c.Request().Context(), identity.UserID, c.Param("id")); err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Reviews ------------------------------------------------------------

// pendingReviewsHandler backs GET /reviews/pending?limit=&min_priority=.
func (s *Server) pendingReviewsHandler(c *echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	minPriority := 0.0
	if v := c.QueryParam("min_priority"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minPriority = f
		}
	}
	items, err := s.reviews.ListPending(c.Request().Context(), limit, minPriority)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, items)
}

// getReviewHandler backs GET /reviews/{id}.
func (s *Server) getReviewHandler(c *echo.Context) error {
	it, err := s.reviews.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, it)
}

type decisionRequest struct {
	FinalBubbles  []string `json:"final_bubbles"`
	EditTags      []string `json:"edit_tags"`
	QualityScore  *int     `json:"quality_score"`
	ReviewerNotes string   `json:"reviewer_notes"`
}

// approveReviewHandler backs POST /reviews/{id}/approve: claims the
// interaction for the caller (idempotent if already claimed by them) then
// records the approval, so reviewers never need a separate claim call.
func (s *Server) approveReviewHandler(c *echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.QualityScore != nil && (*req.QualityScore < 1 || *req.QualityScore > 5) {
		return echo.NewHTTPError(http.StatusBadRequest, "quality_score must be between 1 and 5")
	}
	identity, _ := identityFrom(c)
	id := c.Param("id")

	if err := s.reviews.Claim(c.Request().Context(), id, identity.UserID); err != nil {
		return mapErr(err)
	}
	err := s.reviews.Decide(c.Request().Context(), id, identity.UserID, review.Decision{
		Status:        review.StatusApproved,
		EditTags:      req.EditTags,
		FinalBubbles:  req.FinalBubbles,
		QualityScore:  req.QualityScore,
		ReviewerNotes: req.ReviewerNotes,
	})
	if err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type rejectRequest struct {
	ReviewerNotes string `json:"reviewer_notes"`
}

// rejectReviewHandler backs POST /reviews/{id}/reject.
func (s *Server) rejectReviewHandler(c *echo.Context) error {
	var req rejectRequest
	_ = c.Bind(&req)
	identity, _ := identityFrom(c)
	id := c.Param("id")

	if err := s.reviews.Claim(c.Request().Context(), id, identity.UserID); err != nil {
		return mapErr(err)
	}
	err := s.reviews.Decide(c.Request().Context(), id, identity.UserID, review.Decision{
		Status:        review.StatusRejected,
		ReviewerNotes: req.ReviewerNotes,
	})
	if err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Protocol / Quarantine -----------------------------------------------

// userProtocolHandler backs POST /users/{user_id}/protocol?action=...&reason=....
func (s *Server) userProtocolHandler(c *echo.Context) error {
	userID := c.Param("user_id")
	action := c.QueryParam("action")
	reason := c.QueryParam("reason")
	identity, _ := identityFrom(c)

	var err error
	switch action {
	case "activate":
		err = s.protocol.Activate(c.Request().Context(), userID, identity.UserID, reason)
	case "deactivate":
		err = s.protocol.Deactivate(c.Request().Context(), userID, identity.UserID, reason)
	case "one_time_pass":
		err = s.protocol.GrantOneTimePass(c.Request().Context(), userID, identity.UserID, reason)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action must be activate, deactivate, or one_time_pass")
	}
	if err != nil {
		return mapErr(err)
	}
	status, err := s.protocol.GetStatus(c.Request().Context(), userID)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, status)
}

// listQuarantineHandler backs GET /quarantine/messages?user_id=&limit=.
func (s *Server) listQuarantineHandler(c *echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.protocol.ListMessages(c.Request().Context(), c.QueryParam("user_id"), limit)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, items)
}

// processQuarantineHandler backs POST /quarantine/{id}/process?action=....
// action=process_and_deactivate additionally turns the message's user's
// protocol INACTIVE, matching the legacy one-step reviewer shortcut.
func (s *Server) processQuarantineHandler(c *echo.Context) error {
	id := c.Param("id")
	action := c.QueryParam("action")
	identity, _ := identityFrom(c)

	if action != "process" && action != "process_and_deactivate" {
		return echo.NewHTTPError(http.StatusBadRequest, "action must be process or process_and_deactivate")
	}
	msg, err := s.protocol.GetMessage(c.Request().Context(), id)
	if err != nil {
		return mapErr(err)
	}
	if err := s.protocol.MarkProcessed(c.Request().Context(), id, identity.UserID); err != nil {
		return mapErr(err)
	}
	if action == "process_and_deactivate" {
		if err := s.protocol.Deactivate(c.Request().Context(), msg.UserID, identity.UserID, "processed quarantined message"); err != nil {
			return mapErr(err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// batchProcessQuarantineHandler backs POST /quarantine/batch-process?action=process,
// capped at 100 ids per call per spec §4.G and §4.K.
func (s *Server) batchProcessQuarantineHandler(c *echo.Context) error {
	var ids []string
	if err := json.NewDecoder(c.Request().Body).Decode(&ids); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(ids) > 100 {
		return echo.NewHTTPError(http.StatusBadRequest, "batch size exceeds 100")
	}
	identity, _ := identityFrom(c)
	for _, id := range ids {
		if err := s.protocol.MarkProcessed(c.Request().Context(), id, identity.UserID); err != nil {
			return mapErr(err)
		}
	}
	return c.JSON(http.StatusOK, map[string]int{"processed": len(ids)})
}

// deleteQuarantineHandler backs DELETE /quarantine/{id}.
func (s *Server) deleteQuarantineHandler(c *echo.Context) error {
	if err := s.protocol.DeleteMessage(c.Request().Context(), c.Param("id")); err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// quarantineStatsHandler backs GET /quarantine/stats: current totals, the
// trailing-24h deltas, and the derived "estimated monthly savings" figure
// (cost_saved_24h * 30).
func (s *Server) quarantineStatsHandler(c *echo.Context) error {
	stats, err := s.protocol.Stats(c.Request().Context())
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total_messages_quarantined": stats.TotalMessagesQuarantined,
		"pending_messages":           stats.PendingMessages,
		"cost_saved":                 stats.TotalCostSaved,
		"users_under_protocol":       stats.UsersUnderProtocol,
		"messages_quarantined_24h":   stats.Quarantined24h,
		"cost_saved_24h":             stats.CostSaved24h,
		"estimated_monthly_savings":  stats.CostSaved24h * 30,
	})
}

// quarantineAuditLogHandler backs GET /quarantine/audit-log.
func (s *Server) quarantineAuditLogHandler(c *echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.protocol.AuditLog(c.Request().Context(), limit)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// quarantineCleanupHandler backs POST /quarantine/cleanup: an
// operator-triggered run of the same expiry sweep RunExpirySweep performs
// hourly in the background.
func (s *Server) quarantineCleanupHandler(c *echo.Context) error {
	n, err := s.protocol.Cleanup(c.Request().Context())
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"expired": n})
}

// --- Inbound ingress ------------------------------------------------------

type inboundMessageRequest struct {
	UserID            string `json:"user_id"`
	Text              string `json:"text"`
	ExternalMessageID string `json:"external_message_id"`
}

// inboundMessageHandler backs POST /inbound/messages: the external chat
// transport's bridge hands a user's message to the pipeline here. The
// quarantine check and per-user debounce both happen inside the queue; an
// accepted request only means the message was admitted or diverted, not
// that a reply exists yet.
func (s *Server) inboundMessageHandler(c *echo.Context) error {
	var req inboundMessageRequest
	if err := c.Bind(&req); err != nil || req.UserID == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and text are required")
	}
	s.inbound.Push(c.Request().Context(), pipeline.Inbound{
		ID:          req.ExternalMessageID,
		UserID:      req.UserID,
		UserMessage: req.Text,
	})
	return c.NoContent(http.StatusAccepted)
}

// --- Rate limit admin -----------------------------------------------------

func (s *Server) rateLimitStatsHandler(c *echo.Context) error {
	violations, err := s.limiter.Violations(c.Request().Context(), 1000)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"violations_tracked": len(violations)})
}

func (s *Server) rateLimitViolationsHandler(c *echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	violations, err := s.limiter.Violations(c.Request().Context(), limit)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, violations)
}

func (s *Server) rateLimitAlertsHandler(c *echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	alerts, err := s.limiter.Alerts(c.Request().Context(), limit)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, alerts)
}

func (s *Server) rateLimitClientHandler(c *echo.Context) error {
	status, err := s.limiter.ClientInfo(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, status)
}

// rateLimitConfigHandler backs GET /api/rate-limits/config: the resolved
// rules are hot-reloaded from disk (see pkg/config's fsnotify watcher), so
// this only confirms the limiter is wired rather than echoing the full
// rule table back.
func (s *Server) rateLimitConfigHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) rateLimitClearViolationsHandler(c *echo.Context) error {
	if err := s.limiter.ClearViolations(c.Request().Context(), c.Param("id")); err != nil {
		return mapErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}
