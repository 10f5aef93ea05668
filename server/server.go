package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/webstead/site-auth/internal/config"
	"github.com/webstead/site-auth/sessions"
	"github.com/webstead/site-auth/signin"
	"github.com/webstead/site-auth/token"
)

// Server is the HTTP surface of the identity core.
type Server struct {
	env      string
	mux      *http.ServeMux
	routes   []string
	config   *config.Config
	signin   *signin.Service
	sessions *sessions.Service
	tokens   *token.Issuer
}

// New wires the HTTP server around the sign-in flow, session service, and
// token issuer.
func New(cfg *config.Config, signinSvc *signin.Service, sessionSvc *sessions.Service, issuer *token.Issuer) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("[server.New] config is required")
	}
	if signinSvc == nil {
		return nil, errors.New("[server.New] signin service is required")
	}
	if sessionSvc == nil {
		return nil, errors.New("[server.New] session service is required")
	}
	if issuer == nil {
		return nil, errors.New("[server.New] token issuer is required")
	}

	s := &Server{
		env:      cfg.Env,
		mux:      http.NewServeMux(),
		config:   cfg,
		signin:   signinSvc,
		sessions: sessionSvc,
		tokens:   issuer,
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Info().Str("method", parts[0]).Str("path", parts[1]).Msg("route")
		} else {
			log.Info().Str("path", parts[0]).Msg("route")
		}
	}
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
