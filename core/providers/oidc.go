package providers

import (
	"context"
	"errors"
	"fmt"

	"authflow/core"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

type OIDCConfig struct {
	ClientConfig `yaml:",inline"`

	// Name is the provider name used in routes, e.g. "keycloak"
	Name   string `yaml:"name"`
	Issuer string `yaml:"issuer"`
}

// OIDCProvider is a generic OpenID Connect adapter configured by issuer discovery
type OIDCProvider struct {
	*oauthClient
	name     core.Provider
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider fetches the issuer's discovery document, so it needs network access at startup
func NewOIDCProvider(ctx context.Context, config *OIDCConfig) (*OIDCProvider, error) {
	if config.Name == "" || config.Issuer == "" {
		return nil, errors.New("oidc provider needs a name and an issuer")
	}

	client := newOAuthClient(config.ClientConfig, oauth2.Endpoint{}, []string{oidc.ScopeOpenID, "email", "profile"}, true)

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client.httpClient), config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", config.Issuer, err)
	}
	client.config.Endpoint = provider.Endpoint()

	return &OIDCProvider{
		oauthClient: client,
		name:        core.Provider(config.Name),
		provider:    provider,
		verifier:    provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
	}, nil
}

func (p *OIDCProvider) Provider() core.Provider {
	return p.name
}

func (p *OIDCProvider) AuthorizationURL(state, codeVerifier string) string {
	return p.authCodeURL(state, codeVerifier)
}

// ExchangeCode verifies the ID token when the provider returns one
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*core.OAuthTokens, error) {
	token, err := p.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	tokens := toOAuthTokens(token)
	if err := p.verifyIDToken(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%w: id token: %v", core.ErrProviderTokenExchange, err)
	}
	return tokens, nil
}

// verifyIDToken records the verified subject so the userinfo profile can be matched to it
func (p *OIDCProvider) verifyIDToken(ctx context.Context, tokens *core.OAuthTokens) error {
	if tokens.IDToken == "" {
		return nil
	}
	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), tokens.IDToken)
	if err != nil {
		return err
	}
	if idToken.Subject == "" {
		return errors.New("missing sub claim")
	}
	tokens.Subject = idToken.Subject
	return nil
}

type oidcClaims struct {
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

func (p *OIDCProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	info, err := p.provider.UserInfo(oidc.ClientContext(ctx, p.httpClient), src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo without subject", core.ErrProviderProfile)
	}

	var claims oidcClaims
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrProviderProfile, err)
	}
	var raw map[string]any
	_ = info.Claims(&raw)

	email := info.Email
	if !info.EmailVerified {
		email = ""
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	return &core.UserInfo{
		ProviderUserID: info.Subject,
		Email:          email,
		Name:           name,
		Picture:        claims.Picture,
		Raw:            raw,
	}, nil
}

func (p *OIDCProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	token, err := p.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	tokens := toOAuthTokens(token)
	if err := p.verifyIDToken(ctx, tokens); err != nil {
		return nil, fmt.Errorf("%w: id token: %v", core.ErrProviderRefreshToken, err)
	}
	return tokens, nil
}
