package providers

import (
	"context"
	"fmt"
	"strings"

	"authflow/core"

	"golang.org/x/oauth2"
)

const (
	YandexOAuthBaseURL    = "https://oauth.yandex.ru"
	YandexUserInfoBaseURL = "https://login.yandex.ru"
	YandexAvatarBaseURL   = "https://avatars.yandex.net/get-yapic"
	YandexAvatarSize      = "islands-200"
)

var yandexDefaultScopes = []string{"login:email", "login:info", "login:avatar"}

type YandexConfig struct {
	ClientConfig `yaml:",inline"`

	OAuthBaseURL    string `yaml:"oauth_base_url"`
	UserInfoBaseURL string `yaml:"userinfo_base_url"`
}

type YandexProvider struct {
	*oauthClient
	userInfoURL string
}

func NewYandexProvider(config *YandexConfig) *YandexProvider {
	oauthBase := strings.TrimRight(orDefault(config.OAuthBaseURL, YandexOAuthBaseURL), "/")
	userInfoBase := strings.TrimRight(orDefault(config.UserInfoBaseURL, YandexUserInfoBaseURL), "/")

	endpoint := oauth2.Endpoint{
		AuthURL:   oauthBase + "/authorize",
		TokenURL:  oauthBase + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	return &YandexProvider{
		oauthClient: newOAuthClient(config.ClientConfig, endpoint, yandexDefaultScopes, true),
		userInfoURL: userInfoBase + "/info?format=json",
	}
}

type yandexUserInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	RealName        string `json:"real_name"`
	DefaultEmail    string `json:"default_email"`
	DefaultAvatarID string `json:"default_avatar_id"`
	IsAvatarEmpty   bool   `json:"is_avatar_empty"`
}

func (y *YandexProvider) Provider() core.Provider {
	return core.ProviderYandex
}

func (y *YandexProvider) AuthorizationURL(state, codeVerifier string) string {
	return y.authCodeURL(state, codeVerifier)
}

func (y *YandexProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*core.OAuthTokens, error) {
	token, err := y.exchange(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}
	return toOAuthTokens(token), nil
}

// GetUserInfo calls login.yandex.ru, which wants the "OAuth" auth scheme rather than Bearer
func (y *YandexProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	var userInfo yandexUserInfo
	raw, err := y.getJSON(ctx, y.userInfoURL, "OAuth", accessToken, &userInfo)
	if err != nil {
		return nil, err
	}
	if userInfo.ID == "" {
		return nil, fmt.Errorf("%w: yandex profile without id", core.ErrProviderProfile)
	}

	var pictureURL string
	if userInfo.DefaultAvatarID != "" && !userInfo.IsAvatarEmpty {
		pictureURL = fmt.Sprintf("%s/%s/%s", YandexAvatarBaseURL, userInfo.DefaultAvatarID, YandexAvatarSize)
	}

	name := userInfo.DisplayName
	if name == "" {
		name = userInfo.RealName
	}

	return &core.UserInfo{
		ProviderUserID: userInfo.ID,
		Email:          userInfo.DefaultEmail,
		Name:           name,
		Picture:        pictureURL,
		Raw:            raw,
	}, nil
}

func (y *YandexProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	token, err := y.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return toOAuthTokens(token), nil
}
