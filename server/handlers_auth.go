package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webstead/site-auth/internal/errors"
	"github.com/webstead/site-auth/signin"
	"github.com/webstead/site-auth/users"
)

// SignInHandler starts the OAuth flow: issues a CSRF state record and
// redirects the browser to the provider.
func (s *Server) SignInHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		returnURL := r.URL.Query().Get("return_url")
		if !isLocalPath(returnURL) {
			returnURL = ""
		}

		authorizeURL, err := s.signin.BeginSignIn(r.Context(), returnURL)
		if err != nil {
			log.Error().Err(err).Msg("begin sign-in failed")
			http.Redirect(w, r, signin.HomePath, http.StatusSeeOther)
			return
		}

		http.Redirect(w, r, authorizeURL, http.StatusFound)
	}
}

// CallbackHandler completes the OAuth flow. Every failure path lands on the
// home page without a session cookie; raw errors are never surfaced to the
// browser.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		errorParam := r.URL.Query().Get("error")

		if errorParam != "" || state == "" || code == "" {
			log.Info().Str("error", errorParam).Msg("callback rejected by provider or malformed")
			http.Redirect(w, r, signin.HomePath, http.StatusSeeOther)
			return
		}

		result, err := s.signin.HandleCallback(r.Context(), state, code)
		if err != nil {
			log.Error().Err(err).Msg("sign-in callback failed")
			http.Redirect(w, r, signin.HomePath+"?error=signin_failed", http.StatusSeeOther)
			return
		}

		if result.SessionID == "" {
			// state was absent, expired, or replayed; fail open to home
			http.Redirect(w, r, result.RedirectTo, http.StatusSeeOther)
			return
		}

		s.SetSessionCookie(w, r, result.SessionID, result.ExpiresAt)
		http.Redirect(w, r, result.RedirectTo, http.StatusSeeOther)
	}
}

// SignOutHandler deletes the session and clears the cookie. Signing out
// without a live session is fine.
func (s *Server) SignOutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessionID := sessionIDFromRequest(r); sessionID != "" {
			if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
				log.Error().Err(err).Msg("session delete failed")
			}
		}

		s.ClearSessionCookie(w, r)
		http.Redirect(w, r, signin.HomePath, http.StatusSeeOther)
	}
}

// SessionHandler reports the current session to the frontend. An absent or
// expired session is the ordinary unauthenticated answer, not an error.
func (s *Server) SessionHandler() http.HandlerFunc {
	type response struct {
		Authenticated bool      `json:"authenticated"`
		UserID        string    `json:"user_id,omitempty"`
		Roles         []string  `json:"roles,omitempty"`
		ExpiresAt     time.Time `json:"expires_at,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sessions.Read(r.Context(), sessionIDFromRequest(r))
		if err != nil {
			log.Error().Err(err).Msg("session read failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := response{}
		if session != nil {
			resp = response{
				Authenticated: true,
				UserID:        session.UserID,
				Roles:         session.Roles,
				ExpiresAt:     session.ExpiresAt,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RefreshHandler extends the current session and re-issues the cookie.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}

		newExpiry := time.Now().Add(s.config.SessionExpiry)
		err := s.sessions.Refresh(r.Context(), sessionID, newExpiry)
		if errors.Is(err, errors.ErrNoSession) {
			s.ClearSessionCookie(w, r)
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("session refresh failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		s.SetSessionCookie(w, r, sessionID, newExpiry)
		w.WriteHeader(http.StatusNoContent)
	}
}

// TokenHandler mints signed tokens for the session's user, for API calls that
// verify JWTs against the published JWKS.
func (s *Server) TokenHandler() http.HandlerFunc {
	type response struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.sessions.Read(r.Context(), sessionIDFromRequest(r))
		if err != nil {
			log.Error().Err(err).Msg("session read failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if session == nil {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}

		user := &users.User{ID: session.UserID}
		for _, role := range session.Roles {
			user.Roles = append(user.Roles, users.RoleType(role))
		}

		accessToken, err := s.tokens.IssueAccessToken(r.Context(), user)
		if err != nil {
			log.Error().Err(err).Msg("access token issuance failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		refreshToken, err := s.tokens.IssueRefreshToken(r.Context(), user)
		if err != nil {
			log.Error().Err(err).Msg("refresh token issuance failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, response{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

// isLocalPath accepts only same-site relative paths as post-login redirect
// targets.
func isLocalPath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "//")
}
