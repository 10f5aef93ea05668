package token_test

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/store/memstore"
	"github.com/webstead/site-auth/token"
	"github.com/webstead/site-auth/users"
)

const (
	keyPartition  = "signing-keys"
	issuerName    = "https://example.dev"
	audienceName  = "https://example.dev/api"
	accessExpiry  = 15 * time.Minute
	refreshExpiry = 30 * 24 * time.Hour
)

type issuerFixture struct {
	manager *keys.Manager
	issuer  *token.Issuer
	user    *users.User
	now     time.Time
}

func setupIssuer(t *testing.T) *issuerFixture {
	t.Helper()

	f := &issuerFixture{
		user: &users.User{
			ID:    "4242",
			Roles: []users.RoleType{users.RoleReader, users.RoleAuthor},
		},
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFunc := func() time.Time { return f.now }
	s := memstore.New(memstore.WithNowFunc(nowFunc))

	manager, err := keys.NewManager(s, keyPartition, refreshExpiry, keys.WithNowFunc(nowFunc))
	require.NoError(t, err)
	require.NoError(t, manager.EnsureActive(context.Background()))
	f.manager = manager

	issuer, err := token.NewIssuer(manager, issuerName, audienceName, accessExpiry, refreshExpiry,
		token.WithNowFunc(nowFunc))
	require.NoError(t, err)
	f.issuer = issuer

	return f
}

func tokenKid(t *testing.T, rawToken string) string {
	t.Helper()

	parsed, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	require.NoError(t, err)
	kid, ok := parsed.Header["kid"].(string)
	require.True(t, ok)
	return kid
}

func TestIssueAccessToken(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueAccessToken(ctx, f.user)
	require.NoError(t, err)

	active, err := f.manager.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, active.Kid, tokenKid(t, rawToken))

	claims, err := f.issuer.Verify(ctx, rawToken)
	require.NoError(t, err)
	require.Equal(t, issuerName, claims["iss"])
	require.Equal(t, "4242", claims["sub"])
	require.Equal(t, audienceName, claims["aud"])
	require.Equal(t, token.UseAccess, claims["token_use"])
	require.Equal(t, []interface{}{"reader", "author"}, claims["roles"])
	require.NotEmpty(t, claims["jti"])
	require.Equal(t, float64(f.now.Add(accessExpiry).Unix()), claims["exp"])
}

func TestIssueRefreshToken(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueRefreshToken(ctx, f.user)
	require.NoError(t, err)

	claims, err := f.issuer.Verify(ctx, rawToken)
	require.NoError(t, err)
	require.Equal(t, token.UseRefresh, claims["token_use"])
	require.Equal(t, float64(f.now.Add(refreshExpiry).Unix()), claims["exp"])
}

func TestVerifyAfterRotation(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueAccessToken(ctx, f.user)
	require.NoError(t, err)

	// The token was signed by a key that is no longer ACTIVE; verification
	// resolves it by kid and still succeeds.
	_, err = f.manager.Rotate(ctx)
	require.NoError(t, err)

	claims, err := f.issuer.Verify(ctx, rawToken)
	require.NoError(t, err)
	require.Equal(t, "4242", claims["sub"])
}

func TestVerifyRejectsExpiredSigningKey(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueRefreshToken(ctx, f.user)
	require.NoError(t, err)

	_, err = f.manager.Rotate(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(refreshExpiry + time.Second)

	_, err = f.issuer.Verify(ctx, rawToken)
	require.ErrorIs(t, err, interrors.ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueAccessToken(ctx, f.user)
	require.NoError(t, err)

	f.now = f.now.Add(accessExpiry + time.Second)

	_, err = f.issuer.Verify(ctx, rawToken)
	require.ErrorIs(t, err, interrors.ErrInvalidToken)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	rawToken, err := f.issuer.IssueAccessToken(ctx, f.user)
	require.NoError(t, err)

	tampered := rawToken[:len(rawToken)-4] + "AAAA"
	_, err = f.issuer.Verify(ctx, tampered)
	require.ErrorIs(t, err, interrors.ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	f := setupIssuer(t)
	ctx := context.Background()

	other, err := token.NewIssuer(f.manager, "https://other.example", "", accessExpiry, refreshExpiry,
		token.WithNowFunc(func() time.Time { return f.now }))
	require.NoError(t, err)

	rawToken, err := other.IssueAccessToken(ctx, f.user)
	require.NoError(t, err)

	_, err = f.issuer.Verify(ctx, rawToken)
	require.ErrorIs(t, err, interrors.ErrInvalidToken)
}
