// Package authn resolves a Bearer token to a (user_id, role) identity for
// the HTTP control surface (component K's auth middleware), issues and
// refreshes JWT access/refresh token pairs, enforces a per-user session
// cap, and maintains a revocation set so logout invalidates a token before
// its natural expiry. Grounded on the original_source auth/ package
// (jwt_handler.py, session_manager.py, token_blacklist.py), rebuilt on
// lestrrat-go/jwx/v3, the pack's JWT library.
package authn

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
)

// Role is a reviewer-facing authorization level, also used as the rate
// limiter's per-role weighting key (spec §4.H).
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	UserID string
	Role   Role
}

// TokenPair is returned by login, refresh, and the OAuth callback.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime, seconds
}

// Config configures token lifetimes and the legacy static admin key, per
// spec §6's JWT_* and DASHBOARD_API_KEY environment variables.
type Config struct {
	Secret              []byte
	Issuer              string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	LegacyStaticKey     string // DASHBOARD_API_KEY; empty disables the legacy path
	MaxSessionsPerUser  int
}

func (c Config) withDefaults() Config {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 15 * time.Minute
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.Issuer == "" {
		c.Issuer = "hitl-pipeline"
	}
	return c
}

// Issuer signs and validates JWTs and checks the revocation set.
type Issuer struct {
	cfg Config
	kv  kvstore.Store
	key jwa.SignatureAlgorithm
}

// New builds an Issuer over the shared hot-tier store (used for the
// revocation set).
func New(kv kvstore.Store, cfg Config) *Issuer {
	return &Issuer{cfg: cfg.withDefaults(), kv: kv, key: jwa.HS256()}
}

// issue builds and signs a token with the given subject, role, jti, and
// time-to-live, used for both access and refresh tokens (refresh tokens
// carry no role claim beyond what's needed to mint a fresh access token).
func (i *Issuer) issue(userID string, role Role, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(i.cfg.Issuer).
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		JwtID(jti)
	if role != "" {
		builder = builder.Claim("role", string(role))
	}
	tok, err := builder.Build()
	if err != nil {
		return "", hitlerr.Failure("building JWT", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(i.key, i.cfg.Secret))
	if err != nil {
		return "", hitlerr.Failure("signing JWT", err)
	}
	return string(signed), nil
}

// IssuePair mints a fresh access/refresh token pair for a freshly
// authenticated user.
func (i *Issuer) IssuePair(userID string, role Role) (TokenPair, string, error) {
	accessJTI := uuid.NewString()
	access, err := i.issue(userID, role, accessJTI, i.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, "", err
	}
	refreshJTI := uuid.NewString()
	refresh, err := i.issue(userID, role, refreshJTI, i.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, "", err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.cfg.AccessTokenTTL.Seconds()),
	}, refreshJTI, nil
}

// parse validates signature and standard claims (exp/iat), returning the
// parsed token for further claim extraction.
func (i *Issuer) parse(raw string) (jwt.Token, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(i.key, i.cfg.Secret), jwt.WithValidate(true))
	if err != nil {
		return nil, hitlerr.Auth("invalid or expired token: %v", err)
	}
	return tok, nil
}

// ValidateAccessToken resolves raw into an Identity, rejecting tokens whose
// jti has been blacklisted by a prior logout.
func (i *Issuer) ValidateAccessToken(ctx context.Context, raw string) (Identity, error) {
	if i.cfg.LegacyStaticKey != "" && raw == i.cfg.LegacyStaticKey {
		return Identity{UserID: "legacy-admin", Role: RoleAdmin}, ErrLegacyKeyUsed
	}

	tok, err := i.parse(raw)
	if err != nil {
		return Identity{}, err
	}
	jti, _ := tok.JwtID()
	_, found, err := i.kv.Get(ctx, kvstore.TokenBlacklistKey(jti))
	if err == nil && found {
		return Identity{}, hitlerr.Auth("token has been revoked")
	}

	var role Role
	var roleClaim string
	if err := tok.Get("role", &roleClaim); err == nil {
		role = Role(roleClaim)
	}
	subject, _ := tok.Subject()
	return Identity{UserID: subject, Role: role}, nil
}

// ErrLegacyKeyUsed is returned (alongside a usable Identity) when the
// deprecated static DASHBOARD_API_KEY was used to authenticate, so callers
// can log a deprecation warning without failing the request.
var ErrLegacyKeyUsed = errors.New("authn: request authenticated via legacy static key")

// Revoke blacklists raw's jti for the remainder of its natural lifetime so
// logout takes effect immediately rather than waiting for expiry
// (original_source auth/token_blacklist.py).
func (i *Issuer) Revoke(ctx context.Context, raw string) error {
	tok, err := i.parse(raw)
	if err != nil {
		return err
	}
	jti, _ := tok.JwtID()
	exp, ok := tok.Expiration()
	if !ok {
		return nil
	}
	remaining := time.Until(exp)
	if remaining <= 0 {
		return nil // already expired, nothing to blacklist
	}
	return i.kv.Set(ctx, kvstore.TokenBlacklistKey(jti), "1", remaining)
}

// RefreshJTI extracts the jti from a refresh token without validating a
// role claim, used by the session manager to look up the backing row.
func (i *Issuer) RefreshJTI(ctx context.Context, raw string) (userID, jti string, err error) {
	tok, err := i.parse(raw)
	if err != nil {
		return "", "", err
	}
	j, _ := tok.JwtID()
	subject, _ := tok.Subject()
	return subject, j, nil
}
