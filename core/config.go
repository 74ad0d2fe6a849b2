package core

import (
	"errors"
	"strings"
)

type Config struct {
	JWT    JWTConfig    `yaml:"jwt"`
	Crypto CryptoConfig `yaml:"crypto"`
	OAuth  OAuthConfig  `yaml:"oauth"`
}

type JWTConfig struct {
	Secret               string `yaml:"secret" env:"AUTHFLOW_JWT_SECRET"`
	AccessTokenDuration  int    `yaml:"access_token_duration"`  // Access token lifetime in seconds
	RefreshTokenDuration int    `yaml:"refresh_token_duration"` // Refresh token lifetime in seconds
}

type CryptoConfig struct {
	EncryptionKey string `yaml:"encryption_key" env:"AUTHFLOW_ENCRYPTION_KEY"` // 32 bytes, AES-256
}

type OAuthConfig struct {
	// BaseURL is the public URL of this service, used to build provider callback URLs
	BaseURL string `yaml:"base_url" env:"AUTHFLOW_BASE_URL"`

	// ClientURL receives ?code=<one-time code> after a successful callback
	ClientURL string `yaml:"client_url" env:"AUTHFLOW_CLIENT_URL"`

	// ClientErrorURL receives ?error=<reason> after a failed callback. Optional.
	ClientErrorURL string `yaml:"client_error_url" env:"AUTHFLOW_CLIENT_ERROR_URL"`

	// StateSecret signs the state cookie; falls back to the JWT secret
	StateSecret string `yaml:"state_secret" env:"AUTHFLOW_STATE_SECRET"`

	StateTTL     int  `yaml:"state_ttl"`     // seconds
	CodeTTL      int  `yaml:"code_ttl"`      // seconds
	CookieSecure bool `yaml:"cookie_secure"` // set Secure on the state cookie
}

const (
	defaultAccessTokenDuration  = 1800
	defaultRefreshTokenDuration = 30 * 24 * 3600
	defaultStateTTL             = 600
	defaultCodeTTL              = 120
)

// ApplyDefaults fills zero values and validates the required secrets
func (c *Config) ApplyDefaults() error {
	if c.JWT.AccessTokenDuration <= 0 {
		c.JWT.AccessTokenDuration = defaultAccessTokenDuration
	}
	if c.JWT.RefreshTokenDuration <= 0 {
		c.JWT.RefreshTokenDuration = defaultRefreshTokenDuration
	}
	if c.OAuth.StateTTL <= 0 {
		c.OAuth.StateTTL = defaultStateTTL
	}
	if c.OAuth.CodeTTL <= 0 {
		c.OAuth.CodeTTL = defaultCodeTTL
	}
	if c.OAuth.StateSecret == "" {
		c.OAuth.StateSecret = c.JWT.Secret
	}
	c.OAuth.BaseURL = strings.TrimRight(c.OAuth.BaseURL, "/")

	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if c.OAuth.ClientURL == "" {
		return errors.New("oauth.client_url is required")
	}
	return nil
}

// CallbackURL is the redirect URI registered with the provider
func (c *Config) CallbackURL(provider Provider) string {
	return c.OAuth.BaseURL + "/auth/" + string(provider) + "/callback"
}
