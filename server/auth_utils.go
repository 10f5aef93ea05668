package server

import (
	"net/http"
	"time"
)

// sessionCookieName is the cookie carrying the opaque session identifier
const sessionCookieName = "session_id"

// SetSessionCookie writes the opaque session id cookie. HTTP-only and
// SameSite=Lax; the id itself is the only thing ever disclosed to the client.
func (s *Server) SetSessionCookie(w http.ResponseWriter, r *http.Request, sessionID string, expiresAt time.Time) {
	isSecure := getScheme(r) == "https"

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie expires the session cookie.
func (s *Server) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionIDFromRequest extracts the session id cookie, empty when absent.
func sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
