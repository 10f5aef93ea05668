// Package config loads the service configuration from the environment.
// Absence of any required setting is a startup-time fatal condition; nothing
// defaults its way past Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full environment-derived configuration, validated once at
// process start.
type Config struct {
	Port    string
	Env     string
	BaseURL string `validate:"required,url"`

	// IssuerURL is stamped into tokens and the discovery document.
	IssuerURL string `validate:"required,url"`

	GitHubClientID     string `validate:"required"`
	GitHubClientSecret string `validate:"required"`
	GitHubScopes       []string

	// PublicBucket receives the published JWKS and discovery documents.
	PublicBucket string `validate:"required"`
	AWSRegion    string

	// RedisAddr selects the Redis-backed store; empty selects the in-memory
	// store (development only).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KeysPartition     string `validate:"required"`
	SessionsPartition string `validate:"required"`
	StatePartition    string `validate:"required"`
	UsersPartition    string `validate:"required"`

	AccessTokenExpiry  time.Duration `validate:"required"`
	RefreshTokenExpiry time.Duration `validate:"required"`
	SessionExpiry      time.Duration `validate:"required"`
	StateTTL           time.Duration `validate:"required"`
}

// Load reads the environment and validates the result. An error here means a
// required setting is missing or malformed and the process must not serve.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    port(),
		Env:     GetEnv("ENV", "DEV"),
		BaseURL: GetEnv("BASE_URL", "http://localhost:8080"),

		IssuerURL: os.Getenv("ISSUER_URL"),

		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		GitHubScopes:       []string{"read:user"},

		PublicBucket: os.Getenv("PUBLIC_BUCKET"),
		AWSRegion:    GetEnv("AWS_REGION", "us-east-1"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		KeysPartition:     GetEnv("SIGNING_KEYS_PARTITION", "signing-keys"),
		SessionsPartition: GetEnv("SESSIONS_PARTITION", "sessions"),
		StatePartition:    GetEnv("OAUTH_STATE_PARTITION", "oauth-state"),
		UsersPartition:    GetEnv("USERS_PARTITION", "users"),
	}

	var err error
	if cfg.RedisDB, err = intVar("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.AccessTokenExpiry, err = durationVar("ACCESS_TOKEN_EXPIRY", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenExpiry, err = durationVar("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionExpiry, err = durationVar("SESSION_EXPIRY", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StateTTL, err = durationVar("OAUTH_STATE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}

	if cfg.IssuerURL == "" {
		cfg.IssuerURL = cfg.BaseURL
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// CallbackURL is the redirect URI registered with the OAuth provider.
func (c *Config) CallbackURL() string {
	return c.BaseURL + "/auth/callback"
}

func port() string {
	p := GetEnv("PORT", "8080")
	if p != "" && p[0] != ':' {
		p = fmt.Sprintf(":%s", p)
	}
	return p
}

// GetEnv returns the environment variable or a default when unset.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func intVar(envVar string, defaultValue int) (int, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return value, nil
}

func durationVar(envVar string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return value, nil
}
