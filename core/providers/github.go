package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"authflow/core"

	"golang.org/x/oauth2/github"
)

const GitHubAPIBaseURL = "https://api.github.com"

var githubDefaultScopes = []string{"read:user", "user:email"}

type GitHubConfig struct {
	ClientConfig `yaml:",inline"`

	// Overrides for GitHub Enterprise and tests
	AuthURL    string `yaml:"auth_url"`
	TokenURL   string `yaml:"token_url"`
	APIBaseURL string `yaml:"api_base_url"`
}

// GitHubProvider signs in with a GitHub OAuth App. OAuth Apps issue non-expiring
// tokens without refresh tokens, and no PKCE is used.
type GitHubProvider struct {
	*oauthClient
	apiBaseURL string
}

func NewGitHubProvider(config *GitHubConfig) *GitHubProvider {
	endpoint := github.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}

	return &GitHubProvider{
		oauthClient: newOAuthClient(config.ClientConfig, endpoint, githubDefaultScopes, false),
		apiBaseURL:  strings.TrimRight(orDefault(config.APIBaseURL, GitHubAPIBaseURL), "/"),
	}
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *GitHubProvider) Provider() core.Provider {
	return core.ProviderGitHub
}

func (g *GitHubProvider) AuthorizationURL(state, codeVerifier string) string {
	return g.authCodeURL(state, codeVerifier)
}

func (g *GitHubProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*core.OAuthTokens, error) {
	token, err := g.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}
	return toOAuthTokens(token), nil
}

func (g *GitHubProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	var user githubUser
	raw, err := g.getJSON(ctx, g.apiBaseURL+"/user", "Bearer", accessToken, &user)
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: github profile without id", core.ErrProviderProfile)
	}

	// The public profile email is often empty; fall back to the primary verified address
	email := user.Email
	if email == "" {
		var emails []githubEmail
		if _, err := g.getJSON(ctx, g.apiBaseURL+"/user/emails", "Bearer", accessToken, &emails); err == nil {
			for _, e := range emails {
				if e.Primary && e.Verified {
					email = e.Email
					break
				}
			}
		}
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &core.UserInfo{
		ProviderUserID: strconv.FormatInt(user.ID, 10),
		Email:          email,
		Name:           name,
		Picture:        user.AvatarURL,
		Raw:            raw,
	}, nil
}

func (g *GitHubProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	return nil, core.ErrRefreshNotSupported
}
