// Package oauth implements the login-redirect / callback-exchange half of
// third-party authentication (spec §6's OAuth_PROVIDER_* configuration),
// treating the identity provider itself as an external collaborator the
// pipeline never reimplements (spec's Out-of-scope list). Built on
// golang.org/x/oauth2, the pack's standard OAuth2 client library; state-token
// anti-CSRF storage is grounded on the teacher's Redis hot-tier client
// (codeready-toolchain-tarsy's pattern of short-TTL Redis keys for
// ephemeral, single-use request state).
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
)

// stateTTL bounds how long a login redirect can take before its state token
// expires, closing the window for a replayed or guessed state value.
const stateTTL = 10 * time.Minute

// UserInfo is the subset of claims the provider's userinfo endpoint returns
// that this service cares about.
type UserInfo struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// RoleMapper decides the Role a freshly-authenticated identity should hold,
// e.g. by consulting an allowlist of admin emails. Kept as an injected
// function so deployments can wire their own policy without a code change.
type RoleMapper func(UserInfo) authn.Role

// Config describes one OAuth2 identity provider.
type Config struct {
	oauth2.Config
	UserInfoURL string
	MapRole     RoleMapper
}

// Handler drives the authorization-code flow: Start builds the redirect URL
// and records anti-CSRF state, Callback exchanges the code and resolves the
// caller's identity.
type Handler struct {
	cfg    Config
	kv     kvstore.Store
	issuer *authn.Issuer
	client *http.Client
}

// NewHandler builds a Handler. client defaults to http.DefaultClient when nil.
func NewHandler(cfg Config, kv kvstore.Store, issuer *authn.Issuer, client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MapRole == nil {
		cfg.MapRole = func(UserInfo) authn.Role { return authn.RoleViewer }
	}
	return &Handler{cfg: cfg, kv: kv, issuer: issuer, client: client}
}

// Start generates a fresh anti-CSRF state token, records it in the hot
// tier with a short TTL, and returns the provider's authorization URL.
func (h *Handler) Start(ctx context.Context) (redirectURL string, err error) {
	state := uuid.NewString()
	if err := h.kv.Set(ctx, stateKey(state), "1", stateTTL); err != nil {
		return "", hitlerr.Transient("recording oauth state", err)
	}
	return h.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

func stateKey(state string) string {
	return "oauth:state:" + state
}

// Callback validates state, exchanges code for a token, resolves the
// caller's UserInfo, and mints this service's own JWT pair for them — the
// provider's token is discarded once the exchange completes since nothing
// downstream needs to call back to the provider on the caller's behalf.
func (h *Handler) Callback(ctx context.Context, state, code string) (pair authn.TokenPair, userID string, err error) {
	_, found, err := h.kv.Get(ctx, stateKey(state))
	if err != nil {
		return authn.TokenPair{}, "", hitlerr.Transient("validating oauth state", err)
	}
	if !found {
		return authn.TokenPair{}, "", hitlerr.Auth("oauth state missing or expired")
	}
	_ = h.kv.Del(ctx, stateKey(state)) // single-use

	tok, err := h.cfg.Exchange(ctx, code)
	if err != nil {
		return authn.TokenPair{}, "", hitlerr.Auth("oauth code exchange failed: %v", err)
	}

	info, err := h.fetchUserInfo(ctx, tok)
	if err != nil {
		return authn.TokenPair{}, "", err
	}

	role := h.cfg.MapRole(info)
	pair, _, err = h.issuer.IssuePair(info.Subject, role)
	if err != nil {
		return authn.TokenPair{}, "", err
	}
	return pair, info.Subject, nil
}

func (h *Handler) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (UserInfo, error) {
	client := h.cfg.Client(ctx, tok)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, hitlerr.Failure("building userinfo request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return UserInfo{}, hitlerr.Transient("fetching oauth userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return UserInfo{}, hitlerr.Auth("userinfo endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return UserInfo{}, hitlerr.Failure("decoding userinfo response", err)
	}
	if info.Subject == "" {
		return UserInfo{}, hitlerr.Auth("userinfo response missing sub claim")
	}
	return info, nil
}
