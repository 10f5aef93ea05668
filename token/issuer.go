// Package token mints and verifies the JWTs this system issues: access and
// refresh tokens signed by whichever key is ACTIVE at issuance time.
package token

import (
	"context"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/users"
)

// Token use claim values.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// Issuer signs tokens with the ACTIVE key and verifies tokens by their own
// kid. Verification never assumes the ACTIVE key: a token may outlive its
// key's tenure as ACTIVE and remains valid until that key's expiry.
type Issuer struct {
	keys          *keys.Manager
	issuer        string
	audience      string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	nowFunc       func() time.Time
}

// Option modifies an Issuer instance.
type Option func(*Issuer)

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

// NewIssuer creates a token issuer bound to a key manager.
func NewIssuer(km *keys.Manager, issuer, audience string, accessExpiry, refreshExpiry time.Duration, options ...Option) (*Issuer, error) {
	if km == nil {
		return nil, errors.New("[NewIssuer] key manager is required")
	}
	if issuer == "" {
		return nil, errors.New("[NewIssuer] issuer is required")
	}
	if accessExpiry <= 0 || refreshExpiry <= 0 {
		return nil, errors.New("[NewIssuer] token expiries are required")
	}

	i := &Issuer{
		keys:          km,
		issuer:        issuer,
		audience:      audience,
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		nowFunc:       time.Now,
	}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// IssueAccessToken mints an access token for the user.
func (i *Issuer) IssueAccessToken(ctx context.Context, user *users.User) (string, error) {
	return i.issue(ctx, user, UseAccess, i.accessExpiry)
}

// IssueRefreshToken mints a refresh token for the user. Its lifetime matches
// the retired-key grace period, so a refresh token always expires before the
// key that signed it becomes unverifiable.
func (i *Issuer) IssueRefreshToken(ctx context.Context, user *users.User) (string, error) {
	return i.issue(ctx, user, UseRefresh, i.refreshExpiry)
}

func (i *Issuer) issue(ctx context.Context, user *users.User, use string, expiry time.Duration) (string, error) {
	signer, err := i.keys.ActiveSigner(ctx)
	if err != nil {
		return "", errors.Wrap(err, "[Issuer.issue] active signer")
	}

	now := i.nowFunc()
	claims := jwtlib.MapClaims{
		"iss":       i.issuer,
		"sub":       user.ID,
		"roles":     user.RoleStrings(),
		"token_use": use,
		"iat":       now.Unix(),
		"exp":       now.Add(expiry).Unix(),
		"jti":       uuid.New().String(),
	}
	if i.audience != "" {
		claims["aud"] = i.audience
	}

	signed, err := signer.Sign(claims)
	if err != nil {
		return "", errors.Wrap(err, "[Issuer.issue] sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, resolving the verification key from
// the token's own kid header.
func (i *Issuer) Verify(ctx context.Context, rawToken string) (jwtlib.MapClaims, error) {
	keyFunc := func(t *jwtlib.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, interrors.ErrInvalidToken
		}
		return i.keys.VerificationKey(ctx, kid)
	}

	parsed, err := jwtlib.Parse(rawToken, keyFunc,
		jwtlib.WithValidMethods([]string{keys.RS256}),
		jwtlib.WithIssuer(i.issuer),
		jwtlib.WithTimeFunc(i.nowFunc),
	)
	if err != nil {
		return nil, interrors.Wrapf(interrors.ErrInvalidToken, "[Issuer.Verify] parse")
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok || !parsed.Valid {
		return nil, interrors.ErrInvalidToken
	}
	return claims, nil
}
