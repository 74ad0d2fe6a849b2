package providers

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"authflow/core"

	"golang.org/x/oauth2"
)

const (
	ProviderMock core.Provider = "mock"

	mockAuthorizeURL = "https://mock.test/authorize"
)

// Predefined test authorization codes
const (
	ValidCode1 = "mock_auth_code_1"
	ValidCode2 = "mock_auth_code_2"
	ValidCode3 = "mock_auth_code_3"
)

// Predefined test OAuth tokens
var (
	Tokens1 = &core.OAuthTokens{
		AccessToken:  "mock_access_token_1",
		RefreshToken: "mock_refresh_token_1",
		ExpiresIn:    3600,
	}

	Tokens2 = &core.OAuthTokens{
		AccessToken:  "mock_access_token_2",
		RefreshToken: "mock_refresh_token_2",
		ExpiresIn:    3600,
	}

	// Tokens3 has no refresh token, like a GitHub OAuth App grant
	Tokens3 = &core.OAuthTokens{
		AccessToken: "mock_access_token_3",
		ExpiresIn:   3600,
	}

	Tokens1Refreshed = &core.OAuthTokens{
		AccessToken:  "mock_access_token_1_refreshed",
		RefreshToken: "mock_refresh_token_1",
		ExpiresIn:    3600,
	}

	Tokens2Refreshed = &core.OAuthTokens{
		AccessToken:  "mock_access_token_2_refreshed",
		RefreshToken: "mock_refresh_token_2",
		ExpiresIn:    3600,
	}
)

// Predefined test user info
var (
	User1 = &core.UserInfo{
		ProviderUserID: "mock_user_1",
		Email:          "user1@mock.test",
		Name:           "Mock User One",
		Picture:        "https://mock.test/avatar1.jpg",
	}

	User2 = &core.UserInfo{
		ProviderUserID: "mock_user_2",
		Email:          "user2@mock.test",
		Name:           "Mock User Two",
		Picture:        "https://mock.test/avatar2.jpg",
	}

	User3 = &core.UserInfo{
		ProviderUserID: "mock_user_3",
		Email:          "user3@mock.test",
		Name:           "Mock User Three",
		Picture:        "https://mock.test/avatar3.jpg",
	}

	// User1Updated is what the provider returns for User1 after a token refresh
	User1Updated = &core.UserInfo{
		ProviderUserID: "mock_user_1",
		Email:          "user1@mock.test",
		Name:           "Mock User One Renamed",
		Picture:        "https://mock.test/avatar1-new.jpg",
	}
)

// MockProvider is an in-process AuthProvider backed by fixtures. It is safe for
// concurrent use.
type MockProvider struct {
	name core.Provider
	pkce bool

	mu               sync.RWMutex
	codeToTokens     map[string]*core.OAuthTokens
	accessToUserInfo map[string]*core.UserInfo
	refreshToTokens  map[string]*core.OAuthTokens
	verifiers        map[string]string // code -> verifier expected at exchange
	lastVerifier     string

	// track method calls for verification
	ExchangeCodeCalls       atomic.Int64
	GetUserInfoCalls        atomic.Int64
	RefreshAccessTokenCalls atomic.Int64
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		name: ProviderMock,
		pkce: true,

		codeToTokens: map[string]*core.OAuthTokens{
			ValidCode1: Tokens1,
			ValidCode2: Tokens2,
			ValidCode3: Tokens3,
		},

		accessToUserInfo: map[string]*core.UserInfo{
			Tokens1.AccessToken:          User1,
			Tokens1Refreshed.AccessToken: User1Updated,
			Tokens2.AccessToken:          User2,
			Tokens2Refreshed.AccessToken: User2,
			Tokens3.AccessToken:          User3,
		},

		refreshToTokens: map[string]*core.OAuthTokens{
			Tokens1.RefreshToken: Tokens1Refreshed,
			Tokens2.RefreshToken: Tokens2Refreshed,
		},

		verifiers: make(map[string]string),
	}
}

// WithName registers the mock under another provider name, e.g. "google"
func (m *MockProvider) WithName(name core.Provider) *MockProvider {
	m.name = name
	return m
}

func (m *MockProvider) WithPKCE(enabled bool) *MockProvider {
	m.pkce = enabled
	return m
}

// AddUser makes code resolve to user through a fresh access token
func (m *MockProvider) AddUser(code string, user *core.UserInfo) *core.OAuthTokens {
	tokens := &core.OAuthTokens{
		AccessToken: "access_" + code,
		ExpiresIn:   3600,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.codeToTokens[code] = tokens
	m.accessToUserInfo[tokens.AccessToken] = user
	return tokens
}

// ExpectVerifier makes the exchange of code fail unless verifier is presented
func (m *MockProvider) ExpectVerifier(code, verifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifiers[code] = verifier
}

// LastVerifier is the code verifier presented at the most recent exchange
func (m *MockProvider) LastVerifier() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastVerifier
}

func (m *MockProvider) Provider() core.Provider {
	return m.name
}

func (m *MockProvider) UsesPKCE() bool {
	return m.pkce
}

func (m *MockProvider) AuthorizationURL(state, codeVerifier string) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"mock-client"},
		"state":         {state},
	}
	if codeVerifier != "" {
		q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(codeVerifier))
		q.Set("code_challenge_method", "S256")
	}
	return mockAuthorizeURL + "?" + q.Encode()
}

func (m *MockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*core.OAuthTokens, error) {
	m.ExchangeCodeCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastVerifier = codeVerifier
	if want, ok := m.verifiers[code]; ok && want != codeVerifier {
		return nil, fmt.Errorf("%w: code verifier mismatch", core.ErrProviderTokenExchange)
	}

	tokens, ok := m.codeToTokens[code]
	if !ok {
		return nil, fmt.Errorf("%w: unknown code", core.ErrProviderTokenExchange)
	}

	return tokens, nil
}

func (m *MockProvider) GetUserInfo(ctx context.Context, accessToken string) (*core.UserInfo, error) {
	m.GetUserInfoCalls.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	userInfo, ok := m.accessToUserInfo[accessToken]
	if !ok {
		return nil, fmt.Errorf("%w: unknown access token", core.ErrProviderProfile)
	}

	out := *userInfo
	return &out, nil
}

func (m *MockProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*core.OAuthTokens, error) {
	m.RefreshAccessTokenCalls.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens, ok := m.refreshToTokens[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refresh token", core.ErrProviderRefreshToken)
	}

	return tokens, nil
}
