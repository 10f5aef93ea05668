package server

import "net/http"

// Route patterns
const (
	RouteSignIn   = "GET /auth/signin"
	RouteCallback = "GET /auth/callback"
	RouteSignOut  = "GET /auth/signout"
	RouteSession  = "GET /auth/session"
	RouteRefresh  = "POST /auth/refresh"
	RouteToken    = "POST /auth/token"
)

func (s *Server) initRoutes() {
	middleware := []func(http.HandlerFunc) http.HandlerFunc{
		s.LoggingMiddleware,
		s.RecoverMiddleware,
		s.SecurityHeadersMiddleware,
	}

	s.RegisterRouteFunc(RouteSignIn, ChainMiddleware(s.SignInHandler(), middleware...))
	s.RegisterRouteFunc(RouteCallback, ChainMiddleware(s.CallbackHandler(), middleware...))
	s.RegisterRouteFunc(RouteSignOut, ChainMiddleware(s.SignOutHandler(), middleware...))
	s.RegisterRouteFunc(RouteSession, ChainMiddleware(s.SessionHandler(), middleware...))
	s.RegisterRouteFunc(RouteRefresh, ChainMiddleware(s.RefreshHandler(), middleware...))
	s.RegisterRouteFunc(RouteToken, ChainMiddleware(s.TokenHandler(), middleware...))
}
