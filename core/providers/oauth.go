package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"authflow/core"

	"golang.org/x/oauth2"
)

const defaultRequestTimeout = 10 * time.Second

// ClientConfig holds the credentials every provider is registered with
type ClientConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

func (c ClientConfig) Enabled() bool {
	return c.ClientID != ""
}

// oauthClient is the x/oauth2 plumbing shared by the adapters
type oauthClient struct {
	config     oauth2.Config
	httpClient *http.Client
	pkce       bool
}

func newOAuthClient(cc ClientConfig, endpoint oauth2.Endpoint, defaultScopes []string, pkce bool) *oauthClient {
	scopes := cc.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &oauthClient{
		config: oauth2.Config{
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			RedirectURL:  cc.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		pkce:       pkce,
	}
}

func (c *oauthClient) UsesPKCE() bool {
	return c.pkce
}

func (c *oauthClient) authCodeURL(state, codeVerifier string, extra ...oauth2.AuthCodeOption) string {
	opts := append([]oauth2.AuthCodeOption{}, extra...)
	if codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}
	return c.config.AuthCodeURL(state, opts...)
}

func (c *oauthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *oauthClient) exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := c.config.Exchange(c.withClient(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderTokenExchange, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", core.ErrProviderTokenExchange)
	}
	return token, nil
}

func (c *oauthClient) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.config.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderRefreshToken, err)
	}
	return token, nil
}

func toOAuthTokens(token *oauth2.Token) *core.OAuthTokens {
	tokens := &core.OAuthTokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    int(token.ExpiresIn),
	}
	if tokens.ExpiresIn == 0 && !token.Expiry.IsZero() {
		tokens.ExpiresIn = int(time.Until(token.Expiry).Seconds())
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	return tokens
}

var errUnauthorized = errors.New("access token rejected")

// getJSON fetches a profile document into dest and also returns it undecoded.
// authScheme is "Bearer" for most providers.
func (c *oauthClient) getJSON(ctx context.Context, endpoint, authScheme, accessToken string, dest any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	req.Header.Set("Authorization", authScheme+" "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %w", core.ErrProviderProfile, errUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", core.ErrProviderProfile, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	return raw, nil
}
