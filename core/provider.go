package core

import (
	"context"
	"errors"
	"sort"
)

var (
	ErrProviderTokenExchange = errors.New("provider token exchange failed")
	ErrProviderProfile       = errors.New("provider profile request failed")
	ErrProviderRefreshToken  = errors.New("provider token refresh failed")
	ErrRefreshNotSupported   = errors.New("provider does not support token refresh")
)

// OAuthTokens represents the tokens returned by an OAuth provider
type OAuthTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int

	// Subject is the sub claim of a verified ID token. The profile fetched with
	// AccessToken must carry the same subject.
	Subject string
}

// UserInfo represents user information returned by an OAuth provider
type UserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Picture        string

	// Raw is the provider response as decoded JSON, opaque to the flow
	Raw map[string]any `json:"-"`
}

// AuthProvider is implemented once per external identity provider.
// Implementations hold only credentials and never touch storage.
type AuthProvider interface {
	Provider() Provider

	// UsesPKCE reports whether the flow must generate a code verifier for this provider
	UsesPKCE() bool

	// AuthorizationURL embeds state and, when codeVerifier is set, its S256 challenge
	AuthorizationURL(state, codeVerifier string) string

	ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthTokens, error)

	// GetUserInfo fails with ErrProviderProfile when the response has no stable subject
	GetUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthTokens, error)
}

// ProviderRegistry maps provider names to adapters. It is built once at startup.
type ProviderRegistry struct {
	providers map[Provider]AuthProvider
}

func NewProviderRegistry(list ...AuthProvider) *ProviderRegistry {
	m := make(map[Provider]AuthProvider, len(list))
	for _, p := range list {
		m[p.Provider()] = p
	}
	return &ProviderRegistry{providers: m}
}

func (r *ProviderRegistry) Get(name Provider) (AuthProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnsupportedProvider
	}
	return p, nil
}

// Names returns the registered provider names in sorted order
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
