// Package signin implements the GitHub OAuth sign-in flow: CSRF state
// issuance, the provider callback, user sync, and session creation.
package signin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/sessions"
	"github.com/webstead/site-auth/store"
	"github.com/webstead/site-auth/users"
)

const (
	stateIDLength   = 32
	defaultStateTTL = 15 * time.Minute

	// HomePath is where a failed or tampered callback lands. Failing open to
	// the public home page avoids leaking whether a CSRF check tripped.
	HomePath = "/"
)

// StateCode is the single-use CSRF record persisted between BeginSignIn and
// the callback. It is consumed at most once and never updated.
type StateCode struct {
	ID          string `json:"id"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
}

// Result is the outcome of a callback. An empty SessionID means the attempt
// failed open: the caller redirects without setting a cookie.
type Result struct {
	SessionID  string
	ExpiresAt  time.Time
	RedirectTo string
}

// Repos holds the repository and service dependencies of the sign-in flow.
type Repos struct {
	Users    users.Repo
	Sessions *sessions.Service
}

// Service drives the authorization-code flow against GitHub.
type Service struct {
	store          store.Store
	statePartition string
	github         *GitHubClient
	repos          Repos
	stateTTL       time.Duration
	sessionExpiry  time.Duration
	nowFunc        func() time.Time
}

// ServiceOption modifies a Service instance.
type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowFunc = nowFunc
	}
}

// WithStateTTL overrides the CSRF state lifetime. It must stay short; the TTL
// bounds the CSRF window.
func WithStateTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		s.stateTTL = ttl
	}
}

// NewService initializes the sign-in flow with required dependencies.
func NewService(s store.Store, statePartition string, github *GitHubClient, repos Repos, sessionExpiry time.Duration, options ...ServiceOption) (*Service, error) {
	if s == nil {
		return nil, errors.New("[signin.NewService] store is required")
	}
	if statePartition == "" {
		return nil, errors.New("[signin.NewService] state partition is required")
	}
	if github == nil {
		return nil, errors.New("[signin.NewService] github client is required")
	}
	if repos.Users == nil {
		return nil, errors.New("[signin.NewService] Users repo is required")
	}
	if repos.Sessions == nil {
		return nil, errors.New("[signin.NewService] Sessions service is required")
	}
	if sessionExpiry <= 0 {
		return nil, errors.New("[signin.NewService] session expiry is required")
	}

	svc := &Service{
		store:          s,
		statePartition: statePartition,
		github:         github,
		repos:          repos,
		stateTTL:       defaultStateTTL,
		sessionExpiry:  sessionExpiry,
		nowFunc:        time.Now,
	}
	for _, opt := range options {
		opt(svc)
	}
	return svc, nil
}

// BeginSignIn issues a CSRF state record and returns the provider authorize
// URL to redirect the browser to.
func (s *Service) BeginSignIn(ctx context.Context, returnURL string) (string, error) {
	stateID, err := generateStateID()
	if err != nil {
		return "", errors.Wrap(err, "[BeginSignIn] generate state")
	}

	state := StateCode{
		ID:          stateID,
		RedirectURI: returnURL,
		IssuedAt:    s.nowFunc().Unix(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", errors.Wrap(err, "[BeginSignIn] encode state")
	}

	expiresAt := s.nowFunc().Add(s.stateTTL).Unix()
	if err := s.store.Put(ctx, s.statePartition, stateID, raw, expiresAt); err != nil {
		return "", errors.Wrap(err, "[BeginSignIn] persist state")
	}

	return s.github.AuthorizeURL(stateID), nil
}

// HandleCallback consumes the CSRF state and completes the sign-in. The state
// is taken from the store atomically, so of two concurrent callbacks with the
// same state at most one can create a session; the other observes not-found
// and fails open to home. Any provider failure after consumption aborts with
// no user or session mutation.
func (s *Service) HandleCallback(ctx context.Context, stateID, code string) (*Result, error) {
	raw, err := s.store.Take(ctx, s.statePartition, stateID)
	if errors.Is(err, interrors.ErrNotFound) {
		return &Result{RedirectTo: HomePath}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[HandleCallback] consume state")
	}

	var state StateCode
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[HandleCallback] decode state")
	}

	accessToken, err := s.github.ExchangeCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "[HandleCallback] exchange code")
	}

	profile, err := s.github.FetchProfile(ctx, accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[HandleCallback] fetch profile")
	}

	user, err := s.syncUser(ctx, profile)
	if err != nil {
		return nil, errors.Wrap(err, "[HandleCallback] sync user")
	}

	expiresAt := s.nowFunc().Add(s.sessionExpiry)
	sessionID, err := s.repos.Sessions.Create(ctx, sessions.Claims{
		UserID: user.ID,
		Roles:  user.RoleStrings(),
	}, expiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "[HandleCallback] create session")
	}

	redirectTo := state.RedirectURI
	if redirectTo == "" {
		redirectTo = HomePath
	}

	return &Result{
		SessionID:  sessionID,
		ExpiresAt:  expiresAt,
		RedirectTo: redirectTo,
	}, nil
}

// syncUser upserts the local user for a provider profile. Profile fields are
// refreshed on every sign-in; local Roles and Permissions survive untouched.
// First sign-in creates the user with the baseline reader role.
func (s *Service) syncUser(ctx context.Context, profile *Profile) (*users.User, error) {
	id := strconv.FormatInt(profile.ID, 10)
	now := s.nowFunc()

	user, err := s.repos.Users.Get(ctx, id)
	switch {
	case errors.Is(err, interrors.ErrNotFound):
		user = &users.User{
			ID:        id,
			Roles:     []users.RoleType{users.RoleReader},
			CreatedAt: now,
		}
	case err != nil:
		return nil, err
	}

	user.Username = profile.Login
	user.Name = profile.Name
	user.AvatarURL = profile.AvatarURL
	user.GitHubURL = profile.HTMLURL
	user.LastLoginAt = now

	if err := s.repos.Users.Upsert(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// generateStateID creates a cryptographically random base64url state id.
func generateStateID() (string, error) {
	b := make([]byte, stateIDLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
