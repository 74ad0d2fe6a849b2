package providers

import (
	"context"
	"fmt"
	"strings"

	"authflow/core"

	"golang.org/x/oauth2"
)

const (
	GoogleAuthURL         = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleOAuthBaseURL    = "https://oauth2.googleapis.com"
	GoogleUserInfoBaseURL = "https://www.googleapis.com"
)

var googleDefaultScopes = []string{"openid", "email", "profile"}

type GoogleConfig struct {
	ClientConfig `yaml:",inline"`

	// Overrides for tests and proxies
	AuthURL         string `yaml:"auth_url"`
	OAuthBaseURL    string `yaml:"oauth_base_url"`
	UserInfoBaseURL string `yaml:"userinfo_base_url"`
}

type GoogleProvider struct {
	*oauthClient
	userInfoURL string
}

func NewGoogleProvider(config *GoogleConfig) *GoogleProvider {
	authURL := orDefault(config.AuthURL, GoogleAuthURL)
	tokenBase := strings.TrimRight(orDefault(config.OAuthBaseURL, GoogleOAuthBaseURL), "/")
	userInfoBase := strings.TrimRight(orDefault(config.UserInfoBaseURL, GoogleUserInfoBaseURL), "/")

	endpoint := oauth2.Endpoint{
		AuthURL:   authURL,
		TokenURL:  tokenBase + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	return &GoogleProvider{
		oauthClient: newOAuthClient(config.ClientConfig, endpoint, googleDefaultScopes, true),
		userInfoURL: userInfoBase + "/oauth2/v2/userinfo",
	}
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (g *GoogleProvider) Provider() core.Provider {
	return core.ProviderGoogle
}

// AuthorizationURL asks for offline access so Google hands out a refresh token
func (g *GoogleProvider) AuthorizationURL(state, codeVerifier string) string {
	return g.authCodeURL(state, codeVerifier, oauth2.AccessTypeOffline)
}

func (g *GoogleProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*core.OAuthTokens, error) {
	token, err := g.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}
	return toOAuthTokens(token), nil
}

func (g *GoogleProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	var userInfo googleUserInfo
	raw, err := g.getJSON(ctx, g.userInfoURL, "Bearer", accessToken, &userInfo)
	if err != nil {
		return nil, err
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("%w: google profile without id", core.ErrProviderProfile)
	}

	email := userInfo.Email
	if !userInfo.VerifiedEmail {
		email = ""
	}

	return &core.UserInfo{
		ProviderUserID: userInfo.ID,
		Email:          email,
		Name:           userInfo.Name,
		Picture:        userInfo.Picture,
		Raw:            raw,
	}, nil
}

func (g *GoogleProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	token, err := g.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	tokens := toOAuthTokens(token)
	// Google does not rotate refresh tokens
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
