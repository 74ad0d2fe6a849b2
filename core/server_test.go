package core_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"authflow/core"
	"authflow/core/providers"
	"authflow/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestHandleProviderLogin_Redirect(t *testing.T) {
	env := setupTestEnv(t)

	state, cookie, location := env.startLogin(t, "mock")

	assert.Equal(t, "mock.test", location.Host)
	assert.Len(t, state, 43)
	assert.Equal(t, "S256", location.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, location.Query().Get("code_challenge"))

	assert.Equal(t, "/auth/mock", cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, 600, cookie.MaxAge)
}

func TestHandleProviderLogin_FreshStatePerLogin(t *testing.T) {
	env := setupTestEnv(t)

	state1, _, _ := env.startLogin(t, "mock")
	state2, _, _ := env.startLogin(t, "mock")

	assert.NotEqual(t, state1, state2)
}

func TestHandleProviderLogin_UnsupportedProvider(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/auth/unknown/login", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_provider", decodeBody(t, w)["error"])
	assert.Empty(t, w.Result().Cookies())
}

func TestHandleProviderCallback_ExistingUser(t *testing.T) {
	env := setupTestEnv(t)
	usersBefore, authsBefore, _ := env.repo.Counts()

	code := env.login(t, "mock", providers.ValidCode1)

	assert.True(t, strings.HasPrefix(code, "OTC_"))
	users, auths, _ := env.repo.Counts()
	assert.Equal(t, usersBefore, users)
	assert.Equal(t, authsBefore, auths)
}

func TestHandleProviderCallback_PKCEVerifierMatchesChallenge(t *testing.T) {
	env := setupTestEnv(t)

	state, cookie, location := env.startLogin(t, "mock")
	w := env.callback("mock", providers.ValidCode1, state, cookie)
	require.Equal(t, http.StatusFound, w.Code)

	verifier := env.provider.LastVerifier()
	require.NotEmpty(t, verifier)
	assert.Equal(t, location.Query().Get("code_challenge"), oauth2.S256ChallengeFromVerifier(verifier))
}

func TestHandleProviderCallback_ClearsCookie(t *testing.T) {
	env := setupTestEnv(t)

	state, cookie, _ := env.startLogin(t, "mock")
	w := env.callback("mock", providers.ValidCode1, state, cookie)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "authflow_state", cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestHandleProviderCallback_NewUser(t *testing.T) {
	env := setupTestEnv(t)
	env.provider.AddUser("new_user_code", &core.UserInfo{
		ProviderUserID: "mock_user_new",
		Email:          "new@mock.test",
		Name:           "New User",
	})
	usersBefore, authsBefore, _ := env.repo.Counts()

	code := env.login(t, "mock", "new_user_code")

	req, w := makeRequest(http.MethodPost, "/auth/exchange-code", map[string]string{"code": code})
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp core.LoginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	users, auths, _ := env.repo.Counts()
	assert.Equal(t, usersBefore+1, users)
	assert.Equal(t, authsBefore+1, auths)

	user, err := env.repo.FindUserByID(req.Context(), resp.UserID)
	require.NoError(t, err)
	assert.Equal(t, "new@mock.test", user.Email)
	assert.Equal(t, "New User", user.Name)
}

func TestHandleProviderCallback_StateMismatch(t *testing.T) {
	env := setupTestEnv(t)
	env.provider.AddUser("tampered_code", &core.UserInfo{ProviderUserID: "mock_user_tampered"})
	usersBefore, authsBefore, _ := env.repo.Counts()

	state, cookie, _ := env.startLogin(t, "mock")
	tampered := state[:len(state)-1] + flipChar(state[len(state)-1])
	w := env.callback("mock", "tampered_code", tampered, cookie)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_state", decodeBody(t, w)["error"])
	assert.Zero(t, env.provider.ExchangeCodeCalls.Load(), "provider must not be contacted")
	assert.Zero(t, env.store.Len(), "no code may be issued")

	users, auths, _ := env.repo.Counts()
	assert.Equal(t, usersBefore, users)
	assert.Equal(t, authsBefore, auths)
}

func TestHandleProviderCallback_MissingCookie(t *testing.T) {
	env := setupTestEnv(t)

	state, _, _ := env.startLogin(t, "mock")
	w := env.callback("mock", providers.ValidCode1, state, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_state", decodeBody(t, w)["error"])
}

func TestHandleProviderCallback_CookieFromOtherProvider(t *testing.T) {
	env := setupTestEnv(t)
	second := providers.NewMockProvider().WithName("other")
	config := newTestConfig()
	crypto, err := core.NewCryptoService(config.Crypto.EncryptionKey)
	require.NoError(t, err)
	service := core.NewAuthService(env.repo, env.store, config, core.NewProviderRegistry(env.provider, second), crypto)
	env.router = core.NewRouter(core.NewServer(service, config), nil, nil)

	state, cookie, _ := env.startLogin(t, "mock")
	w := env.callback("other", providers.ValidCode1, state, cookie)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_state", decodeBody(t, w)["error"])
}

func TestHandleProviderCallback_ProviderDenied(t *testing.T) {
	env := setupTestEnv(t)

	_, cookie, _ := env.startLogin(t, "mock")
	req := httptest.NewRequest(http.MethodGet, "/auth/mock/callback?error=access_denied&error_description=nope", nil)
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	w := env.do(req)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Zero(t, env.provider.ExchangeCodeCalls.Load())
}

func TestHandleProviderCallback_ProviderExchangeFails(t *testing.T) {
	env := setupTestEnv(t)

	state, cookie, _ := env.startLogin(t, "mock")
	w := env.callback("mock", "unknown_code", state, cookie)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testClientErrorURL))
	assert.Equal(t, "provider_error", location.Query().Get("error"))
}

func TestHandleProviderCallback_NoErrorURL(t *testing.T) {
	env := setupTestEnv(t)
	env.config.OAuth.ClientErrorURL = ""

	state, cookie, _ := env.startLogin(t, "mock")
	w := env.callback("mock", "unknown_code", state, cookie)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "provider_error", decodeBody(t, w)["error"])
}

func TestHandleProviderCallback_SignupRejected(t *testing.T) {
	hooks := core.NewHooks(nil).OnBeforeSignup(core.AllowEmailDomains("example.com"))
	env := setupTestEnv(t, core.WithHooks(hooks))
	env.provider.AddUser("banned_code", &core.UserInfo{
		ProviderUserID: "mock_user_banned",
		Email:          "banned@elsewhere.test",
	})
	usersBefore, _, _ := env.repo.Counts()

	state, cookie, _ := env.startLogin(t, "mock")
	w := env.callback("mock", "banned_code", state, cookie)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "signup_rejected", location.Query().Get("error"))
	assert.NotEmpty(t, location.Query().Get("message"))

	users, _, _ := env.repo.Counts()
	assert.Equal(t, usersBefore, users)
}

func TestHandleExchangeCode_Success(t *testing.T) {
	env := setupTestEnv(t)
	code := env.login(t, "mock", providers.ValidCode2)

	req, w := makeRequest(http.MethodPost, "/auth/exchange-code", map[string]string{"code": code})
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp core.LoginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "ADRT_"))
	assert.Equal(t, storage.User2.ID, resp.UserID)
	assert.Equal(t, storage.Auth2ID, resp.AuthID)

	authID, err := core.ValidateAccessToken(resp.AccessToken, env.config)
	require.NoError(t, err)
	assert.Equal(t, storage.Auth2ID, authID)
}

func TestHandleExchangeCode_Reuse(t *testing.T) {
	env := setupTestEnv(t)
	code := env.login(t, "mock", providers.ValidCode1)

	req, w := makeRequest(http.MethodPost, "/auth/exchange-code", map[string]string{"code": code})
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req, w = makeRequest(http.MethodPost, "/auth/exchange-code", map[string]string{"code": code})
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_code", decodeBody(t, w)["error"])
}

func TestHandleExchangeCode_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{"missing code", map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"invalid json", "{not json", http.StatusBadRequest, "invalid_request"},
		{"unknown code", map[string]string{"code": "OTC_doesnotexist"}, http.StatusUnauthorized, "invalid_code"},
		{"wrong prefix", map[string]string{"code": "nope"}, http.StatusUnauthorized, "invalid_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			req, w := makeRequest(http.MethodPost, "/auth/exchange-code", tt.body)
			env.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, w)["error"])
		})
	}
}

func TestHandleRefresh_Success(t *testing.T) {
	server, config := setupTestServer(t)

	req, w := makeRequest(http.MethodPost, "/refresh", map[string]string{
		"refresh_token": storage.Token1Full,
	})
	server.HandleRefresh(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody(t, w)
	assert.NotEmpty(t, resp["access_token"])

	authID, err := core.ValidateAccessToken(resp["access_token"], config)
	require.NoError(t, err)
	assert.Equal(t, storage.Auth1ID, authID)
}

func TestHandleRefresh_Errors(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"expired token", storage.Token3Full, http.StatusUnauthorized},
		{"wrong key", "ADRT_token_id_1.wrong_key", http.StatusUnauthorized},
		{"unknown token", "ADRT_nonexistent.some_key", http.StatusUnauthorized},
		{"malformed token", "not_a_refresh_token", http.StatusUnauthorized},
		{"empty token", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t)
			req, w := makeRequest(http.MethodPost, "/refresh", map[string]string{
				"refresh_token": tt.token,
			})
			server.HandleRefresh(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestHandleLogout_Success(t *testing.T) {
	env := setupTestEnv(t)

	req, w := makeRequest(http.MethodPost, "/logout", map[string]string{
		"refresh_token": storage.Token1Full,
	})
	env.server.HandleLogout(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "logged_out", decodeBody(t, w)["status"])

	// The token is gone, the other device keeps its session
	req, w = makeRequest(http.MethodPost, "/refresh", map[string]string{"refresh_token": storage.Token1Full})
	env.server.HandleRefresh(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req, w = makeRequest(http.MethodPost, "/refresh", map[string]string{"refresh_token": storage.Token4Full})
	env.server.HandleRefresh(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleLogout_UnknownTokenIsNoop(t *testing.T) {
	server, _ := setupTestServer(t)

	req, w := makeRequest(http.MethodPost, "/logout", map[string]string{
		"refresh_token": "ADRT_nonexistent.some_key",
	})
	server.HandleLogout(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleLogout_MalformedToken(t *testing.T) {
	server, _ := setupTestServer(t)

	req, w := makeRequest(http.MethodPost, "/logout", map[string]string{
		"refresh_token": "garbage",
	})
	server.HandleLogout(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLogoutAll_Success(t *testing.T) {
	env := setupTestEnv(t)

	accessToken, err := core.GenerateAccessToken(storage.Auth1ID, storage.User1.ID, env.config)
	require.NoError(t, err)

	req, w := makeRequest(http.MethodPost, "/logout-all", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	env.server.HandleLogoutAll(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "logged_out_all_devices", decodeBody(t, w)["status"])
	assert.Empty(t, env.repo.AuthRefreshTokenIDs(storage.Auth1ID))
	assert.NotEmpty(t, env.repo.AuthRefreshTokenIDs(storage.Auth2ID))
}

func TestHandleLogoutAll_Unauthorized(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t)
			req, w := makeRequest(http.MethodPost, "/logout-all", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			server.HandleLogoutAll(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestHandleUserInfo_RefreshesFromProvider(t *testing.T) {
	env := setupTestEnv(t)

	accessToken, err := core.GenerateAccessToken(storage.Auth1ID, storage.User1.ID, env.config)
	require.NoError(t, err)

	req, w := makeRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	env.server.HandleUserInfo(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "mock_user_1", resp["provider_user_id"])
	assert.Equal(t, providers.User1Updated.Name, resp["name"])
	assert.Equal(t, providers.User1Updated.Picture, resp["picture"])
	assert.EqualValues(t, 1, env.provider.RefreshAccessTokenCalls.Load())
}

func TestHandleUserInfo_StoredProfile(t *testing.T) {
	env := setupTestEnv(t)

	accessToken, err := core.GenerateAccessToken(storage.Auth3ID, storage.User3.ID, env.config)
	require.NoError(t, err)

	req, w := makeRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	env.server.HandleUserInfo(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "Mock User Three", resp["name"])
	assert.Equal(t, "user3@mock.test", resp["email"])
	assert.Zero(t, env.provider.RefreshAccessTokenCalls.Load())
}

func TestHandleUserInfo_Unauthorized(t *testing.T) {
	server, _ := setupTestServer(t)

	req, w := makeRequest(http.MethodGet, "/userinfo", nil)
	server.HandleUserInfo(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleHealth(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		handler func(s *core.Server) http.HandlerFunc
	}{
		{"exchange GET", http.MethodGet, func(s *core.Server) http.HandlerFunc { return s.HandleExchangeCode }},
		{"refresh GET", http.MethodGet, func(s *core.Server) http.HandlerFunc { return s.HandleRefresh }},
		{"logout GET", http.MethodGet, func(s *core.Server) http.HandlerFunc { return s.HandleLogout }},
		{"userinfo POST", http.MethodPost, func(s *core.Server) http.HandlerFunc { return s.HandleUserInfo }},
		{"callback POST", http.MethodPost, func(s *core.Server) http.HandlerFunc { return s.HandleProviderCallback }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t)
			req, w := makeRequest(tt.method, "/", nil)
			tt.handler(server)(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestRouter_RateLimited(t *testing.T) {
	env := setupTestEnv(t)
	limiter := core.NewRateLimiter(core.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}, nil)
	defer limiter.Stop()
	router := core.NewRouter(env.server, limiter, nil)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/mock/login", nil))
		require.Equal(t, http.StatusFound, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/mock/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Health checks are never limited
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func flipChar(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}
