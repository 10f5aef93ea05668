// Package sessions manages opaque server-side sessions referenced by a client
// cookie. A missing or expired session is the ordinary logged-out outcome, not
// an error; callers branch on the nil session explicitly.
package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	interrors "github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/store"
)

// Session is the stored form of an authenticated browser session. The ID is
// disclosed only to the owning client, inside an HTTP-only cookie.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims is the caller-supplied identity a new session is created for.
type Claims struct {
	UserID string
	Roles  []string
}

// Service implements session create/read/refresh/delete over the credential
// store. Expiry is always caller-supplied; persisting a session without one is
// a contract violation, never a defaulting opportunity.
type Service struct {
	store     store.Store
	partition string
	nowFunc   func() time.Time
}

// Option modifies a Service instance.
type Option func(*Service)

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFunc = now
	}
}

// NewService creates a session service over the given store partition.
func NewService(s store.Store, partition string, options ...Option) (*Service, error) {
	if s == nil {
		return nil, errors.New("[sessions.NewService] store is required")
	}
	if partition == "" {
		return nil, errors.New("[sessions.NewService] partition is required")
	}

	svc := &Service{
		store:     s,
		partition: partition,
		nowFunc:   time.Now,
	}
	for _, opt := range options {
		opt(svc)
	}
	return svc, nil
}

// Create persists a new session and returns its opaque id for cookie
// embedding. A zero expiry fails with ErrMissingExpiry.
func (s *Service) Create(ctx context.Context, claims Claims, expiresAt time.Time) (string, error) {
	if expiresAt.IsZero() {
		return "", interrors.ErrMissingExpiry
	}
	if claims.UserID == "" {
		return "", interrors.ErrMissingUserID
	}

	session := Session{
		ID:        uuid.New().String(),
		UserID:    claims.UserID,
		Roles:     claims.Roles,
		CreatedAt: s.nowFunc(),
		ExpiresAt: expiresAt,
	}

	if err := s.put(ctx, &session); err != nil {
		return "", errors.Wrap(err, "[sessions.Create] persist session")
	}
	return session.ID, nil
}

// Read returns the session for id, or (nil, nil) when it is absent or
// expired.
func (s *Service) Read(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}

	raw, err := s.store.Get(ctx, s.partition, id)
	if errors.Is(err, interrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "[sessions.Read] read session")
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, interrors.Wrapf(interrors.ErrCorruptRecord, "[sessions.Read] decode session")
	}

	// The store excludes expired records already; this covers clock skew
	// between the store's TTL granularity and the session's own expiry.
	if !session.ExpiresAt.After(s.nowFunc()) {
		return nil, nil
	}
	return &session, nil
}

// Refresh extends an existing session's expiry. The session must currently
// exist; a zero expiry fails with ErrMissingExpiry.
func (s *Service) Refresh(ctx context.Context, id string, newExpiry time.Time) error {
	if newExpiry.IsZero() {
		return interrors.ErrMissingExpiry
	}

	session, err := s.Read(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return interrors.ErrNoSession
	}

	session.ExpiresAt = newExpiry
	if err := s.put(ctx, session); err != nil {
		return errors.Wrap(err, "[sessions.Refresh] persist session")
	}
	return nil
}

// Delete removes a session. Deleting an absent session is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.store.Delete(ctx, s.partition, id)
}

func (s *Service) put(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.partition, session.ID, raw, session.ExpiresAt.Unix())
}
