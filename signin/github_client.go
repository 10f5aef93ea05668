package signin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	interrors "github.com/webstead/site-auth/internal/errors"
)

const defaultAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the OAuth client for the external provider.
// Endpoint overrides exist for tests; zero values mean the real GitHub
// endpoints.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string

	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

// Profile is the subset of the provider's user record this system maps onto a
// local User.
type Profile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
}

// GitHubClient performs the provider half of the authorization-code flow:
// building the authorize redirect, exchanging the code, and fetching the
// signed-in user's profile.
type GitHubClient struct {
	config     GitHubConfig
	httpClient *http.Client
}

// GitHubClientOption modifies a GitHubClient instance.
type GitHubClientOption func(*GitHubClient)

// WithHTTPClient sets the HTTP client used for provider calls.
func WithHTTPClient(client *http.Client) GitHubClientOption {
	return func(c *GitHubClient) {
		c.httpClient = client
	}
}

// NewGitHubClient creates a provider client.
func NewGitHubClient(config GitHubConfig, options ...GitHubClientOption) (*GitHubClient, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("[NewGitHubClient] client id and secret are required")
	}
	if config.CallbackURL == "" {
		return nil, errors.New("[NewGitHubClient] callback URL is required")
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}

	c := &GitHubClient{
		config:     config,
		httpClient: http.DefaultClient,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// AuthorizeURL builds the provider's authorization redirect carrying the CSRF
// state.
func (c *GitHubClient) AuthorizeURL(state string) string {
	return c.oauthConfig().AuthCodeURL(state)
}

// ExchangeCode trades the authorization code for an access token. The request
// demands a JSON response; without the Accept header GitHub answers
// form-encoded, and any non-JSON body here is a hard failure rather than
// something to parse optimistically.
func (c *GitHubClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.config.CallbackURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "[ExchangeCode] build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "[ExchangeCode] token endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", interrors.Wrapf(interrors.ErrProviderResponse, "[ExchangeCode] status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return "", interrors.Wrapf(interrors.ErrProviderResponse, "[ExchangeCode] content type %q", ct)
	}

	var body struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", interrors.Wrapf(interrors.ErrProviderResponse, "[ExchangeCode] decode body")
	}
	if body.Error != "" {
		return "", interrors.Wrapf(interrors.ErrProviderResponse, "[ExchangeCode] %s: %s", body.Error, body.ErrorDescription)
	}
	if body.AccessToken == "" {
		return "", interrors.Wrapf(interrors.ErrProviderResponse, "[ExchangeCode] empty access token")
	}
	return body.AccessToken, nil
}

// FetchProfile retrieves the authenticated user's profile with the bearer
// token.
func (c *GitHubClient) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.APIBaseURL+"/user", nil)
	if err != nil {
		return nil, errors.Wrap(err, "[FetchProfile] build request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[FetchProfile] user endpoint")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, interrors.Wrapf(interrors.ErrProviderResponse, "[FetchProfile] status %d", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, interrors.Wrapf(interrors.ErrProviderResponse, "[FetchProfile] decode body")
	}
	if profile.ID == 0 {
		return nil, interrors.Wrapf(interrors.ErrProviderResponse, "[FetchProfile] missing user id")
	}
	return &profile, nil
}

func (c *GitHubClient) oauthConfig() *oauth2.Config {
	endpoint := githuboauth.Endpoint
	if c.config.AuthURL != "" {
		endpoint = oauth2.Endpoint{AuthURL: c.config.AuthURL, TokenURL: c.config.TokenURL}
	}

	return &oauth2.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  c.config.CallbackURL,
		Scopes:       c.config.Scopes,
	}
}

func (c *GitHubClient) tokenURL() string {
	if c.config.TokenURL != "" {
		return c.config.TokenURL
	}
	return githuboauth.Endpoint.TokenURL
}

// String implements fmt.Stringer without leaking the client secret.
func (c *GitHubClient) String() string {
	return fmt.Sprintf("github oauth client %s", c.config.ClientID)
}
