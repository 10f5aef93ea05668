package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webstead/site-auth/internal/config"
	"github.com/webstead/site-auth/keys"
	"github.com/webstead/site-auth/server"
	"github.com/webstead/site-auth/sessions"
	"github.com/webstead/site-auth/signin"
	"github.com/webstead/site-auth/store/memstore"
	"github.com/webstead/site-auth/token"
	"github.com/webstead/site-auth/users/repofake"
)

type serverFixture struct {
	server   *httptest.Server
	client   *http.Client
	provider *httptest.Server
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{}

	providerMux := http.NewServeMux()
	providerMux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"access_token": "gho_test_token", "token_type": "bearer"})
	})
	providerMux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(signin.Profile{
			ID:        4242,
			Login:     "octocat",
			Name:      "The Octocat",
			AvatarURL: "https://avatars.example/u/4242",
			HTMLURL:   "https://github.example/octocat",
		})
	})
	f.provider = httptest.NewServer(providerMux)
	t.Cleanup(f.provider.Close)

	cfg := &config.Config{
		Port:               ":0",
		Env:                "TEST",
		BaseURL:            "http://example.test",
		IssuerURL:          "http://example.test",
		GitHubClientID:     "client-id",
		GitHubClientSecret: "client-secret",
		PublicBucket:       "public-assets",
		KeysPartition:      "signing-keys",
		SessionsPartition:  "sessions",
		StatePartition:     "oauth-state",
		UsersPartition:     "users",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		SessionExpiry:      30 * 24 * time.Hour,
		StateTTL:           15 * time.Minute,
	}

	s := memstore.New()

	manager, err := keys.NewManager(s, cfg.KeysPartition, cfg.RefreshTokenExpiry)
	require.NoError(t, err)
	require.NoError(t, manager.EnsureActive(context.Background()))

	sessionSvc, err := sessions.NewService(s, cfg.SessionsPartition)
	require.NoError(t, err)

	github, err := signin.NewGitHubClient(signin.GitHubConfig{
		ClientID:     cfg.GitHubClientID,
		ClientSecret: cfg.GitHubClientSecret,
		CallbackURL:  cfg.CallbackURL(),
		AuthURL:      f.provider.URL + "/login/oauth/authorize",
		TokenURL:     f.provider.URL + "/login/oauth/access_token",
		APIBaseURL:   f.provider.URL,
	})
	require.NoError(t, err)

	signinSvc, err := signin.NewService(s, cfg.StatePartition, github,
		signin.Repos{Users: repofake.NewFakeUserRepo(), Sessions: sessionSvc},
		cfg.SessionExpiry)
	require.NoError(t, err)

	issuer, err := token.NewIssuer(manager, cfg.IssuerURL, "", cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
	require.NoError(t, err)

	srv, err := server.New(cfg, signinSvc, sessionSvc, issuer)
	require.NoError(t, err)

	f.server = httptest.NewServer(srv)
	t.Cleanup(f.server.Close)

	f.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return f
}

// signIn walks the full browser flow and returns the session cookie.
func (f *serverFixture) signIn(t *testing.T, returnURL string) *http.Cookie {
	t.Helper()

	signinURL := f.server.URL + "/auth/signin"
	if returnURL != "" {
		signinURL += "?return_url=" + url.QueryEscape(returnURL)
	}
	resp, err := f.client.Get(signinURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	authorizeURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := authorizeURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err = f.client.Get(f.server.URL + "/auth/callback?state=" + url.QueryEscape(state) + "&code=auth-code")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "session_id" && cookie.Value != "" {
			return cookie
		}
	}
	return nil
}

func TestSignInRedirectsToProvider(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Get(f.server.URL + "/auth/signin")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/login/oauth/authorize", location.Path)
	require.Equal(t, "client-id", location.Query().Get("client_id"))
	require.NotEmpty(t, location.Query().Get("state"))
}

func TestCallbackSetsSessionCookie(t *testing.T) {
	f := setupServer(t)

	cookie := f.signIn(t, "/posts/drafts")
	require.NotNil(t, cookie)
	require.True(t, cookie.HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	require.Positive(t, cookie.MaxAge)
}

func TestCallbackRedirectsToReturnURL(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Get(f.server.URL + "/auth/signin?return_url=" + url.QueryEscape("/posts/drafts"))
	require.NoError(t, err)
	resp.Body.Close()

	authorizeURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := authorizeURL.Query().Get("state")

	resp, err = f.client.Get(f.server.URL + "/auth/callback?state=" + url.QueryEscape(state) + "&code=auth-code")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "/posts/drafts", resp.Header.Get("Location"))
}

func TestCallbackForgedStateFailsOpen(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Get(f.server.URL + "/auth/callback?state=forged&code=auth-code")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
	for _, cookie := range resp.Cookies() {
		require.NotEqual(t, "session_id", cookie.Name)
	}
}

func TestExternalReturnURLIsIgnored(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Get(f.server.URL + "/auth/signin?return_url=" + url.QueryEscape("https://evil.example/phish"))
	require.NoError(t, err)
	resp.Body.Close()

	authorizeURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := authorizeURL.Query().Get("state")

	resp, err = f.client.Get(f.server.URL + "/auth/callback?state=" + url.QueryEscape(state) + "&code=auth-code")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "/", resp.Header.Get("Location"))
}

func TestSessionEndpoint(t *testing.T) {
	f := setupServer(t)

	// Unauthenticated: still 200, just not authenticated.
	resp, err := f.client.Get(f.server.URL + "/auth/session")
	require.NoError(t, err)
	var body struct {
		Authenticated bool     `json:"authenticated"`
		UserID        string   `json:"user_id"`
		Roles         []string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, body.Authenticated)

	cookie := f.signIn(t, "")
	require.NotNil(t, cookie)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/auth/session", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.True(t, body.Authenticated)
	require.Equal(t, "4242", body.UserID)
	require.Equal(t, []string{"reader"}, body.Roles)
}

func TestSignOutDestroysSession(t *testing.T) {
	f := setupServer(t)

	cookie := f.signIn(t, "")
	require.NotNil(t, cookie)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/auth/signout", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			cleared = c.MaxAge < 0
		}
	}
	require.True(t, cleared)

	// The session is gone server-side, not just in the browser.
	req, err = http.NewRequest(http.MethodGet, f.server.URL+"/auth/session", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	var body struct {
		Authenticated bool `json:"authenticated"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.False(t, body.Authenticated)
}

func TestRefreshEndpoint(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Post(f.server.URL+"/auth/refresh", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cookie := f.signIn(t, "")
	require.NotNil(t, cookie)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/auth/refresh", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	var reissued bool
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" && c.Value == cookie.Value {
			reissued = c.MaxAge > 0
		}
	}
	require.True(t, reissued)
}

func TestTokenEndpoint(t *testing.T) {
	f := setupServer(t)

	resp, err := f.client.Post(f.server.URL+"/auth/token", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	cookie := f.signIn(t, "")
	require.NotNil(t, cookie)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/auth/token", nil)
	require.NoError(t, err)
	req.AddCookie(cookie)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.AccessToken)
	require.NotEmpty(t, body.RefreshToken)
	require.Equal(t, "Bearer", body.TokenType)
	require.Equal(t, int64((15*time.Minute).Seconds()), body.ExpiresIn)
}
