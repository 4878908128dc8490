package authn_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/authn"
	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
	"github.com/robehgc/hitl-pipeline/pkg/kvstore"
)

func newIssuer(t *testing.T, cfg authn.Config) *authn.Issuer {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if cfg.Secret == nil {
		cfg.Secret = []byte("test-signing-secret")
	}
	return authn.New(kv, cfg)
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newIssuer(t, authn.Config{})

	pair, _, err := issuer.IssuePair("u1", authn.RoleReviewer)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	identity, err := issuer.ValidateAccessToken(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)
	assert.Equal(t, authn.RoleReviewer, identity.Role)
}

func TestValidateRejectsGarbage(t *testing.T) {
	issuer := newIssuer(t, authn.Config{})
	_, err := issuer.ValidateAccessToken(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, hitlerr.KindAuth, hitlerr.KindOf(err))
}

func TestValidateRejectsWrongKey(t *testing.T) {
	issuer := newIssuer(t, authn.Config{Secret: []byte("key-one")})
	other := newIssuer(t, authn.Config{Secret: []byte("key-two")})

	pair, _, err := issuer.IssuePair("u1", authn.RoleViewer)
	require.NoError(t, err)

	_, err = other.ValidateAccessToken(context.Background(), pair.AccessToken)
	require.Error(t, err)
}

func TestRevokeBlacklistsUntilExpiry(t *testing.T) {
	issuer := newIssuer(t, authn.Config{AccessTokenTTL: time.Hour})
	ctx := context.Background()

	pair, _, err := issuer.IssuePair("u1", authn.RoleAdmin)
	require.NoError(t, err)

	_, err = issuer.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, pair.AccessToken))

	_, err = issuer.ValidateAccessToken(ctx, pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, hitlerr.KindAuth, hitlerr.KindOf(err))
}

func TestLegacyStaticKeyMapsToAdmin(t *testing.T) {
	issuer := newIssuer(t, authn.Config{LegacyStaticKey: "legacy-dashboard-key"})

	identity, err := issuer.ValidateAccessToken(context.Background(), "legacy-dashboard-key")
	require.ErrorIs(t, err, authn.ErrLegacyKeyUsed)
	assert.Equal(t, authn.RoleAdmin, identity.Role)
}
