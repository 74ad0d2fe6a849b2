package core_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"authflow/core"
	"authflow/core/providers"
	"authflow/storage"

	"github.com/stretchr/testify/require"
)

const (
	testClientURL      = "http://app.test/auth/done"
	testClientErrorURL = "http://app.test/auth/error"
)

type testEnv struct {
	config   *core.Config
	repo     *storage.MemoryRepository
	store    *storage.MemoryEphemeralStore
	provider *providers.MockProvider
	service  *core.AuthService
	server   *core.Server
	router   http.Handler
}

func newTestConfig() *core.Config {
	config := &core.Config{
		JWT: core.JWTConfig{
			Secret:               "test-secret-key-for-testing-purposes-only",
			AccessTokenDuration:  1800,
			RefreshTokenDuration: 2592000,
		},
		Crypto: core.CryptoConfig{EncryptionKey: storage.MockEncryptionKey},
		OAuth: core.OAuthConfig{
			BaseURL:        "http://auth.test",
			ClientURL:      testClientURL,
			ClientErrorURL: testClientErrorURL,
		},
	}
	if err := config.ApplyDefaults(); err != nil {
		panic(err)
	}
	return config
}

func setupTestEnv(t *testing.T, opts ...core.Option) *testEnv {
	t.Helper()

	config := newTestConfig()
	crypto, err := core.NewCryptoService(config.Crypto.EncryptionKey)
	require.NoError(t, err)

	env := &testEnv{
		config:   config,
		repo:     storage.NewMockRepository(),
		store:    storage.NewMemoryEphemeralStore(),
		provider: providers.NewMockProvider(),
	}
	registry := core.NewProviderRegistry(env.provider)
	env.service = core.NewAuthService(env.repo, env.store, config, registry, crypto, opts...)
	env.server = core.NewServer(env.service, config)
	env.router = core.NewRouter(env.server, nil, nil)
	return env
}

func setupTestServer(t *testing.T) (*core.Server, *core.Config) {
	env := setupTestEnv(t)
	return env.server, env.config
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// startLogin hits the login route and returns the state sent to the provider and the
// state cookie set on the browser
func (e *testEnv) startLogin(t *testing.T, provider string) (string, *http.Cookie, *url.URL) {
	t.Helper()

	w := e.do(httptest.NewRequest(http.MethodGet, "/auth/"+provider+"/login", nil))
	require.Equal(t, http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "authflow_state" {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "state cookie not set")

	return location.Query().Get("state"), cookie, location
}

func (e *testEnv) callback(provider, code, state string, cookie *http.Cookie) *httptest.ResponseRecorder {
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if state != "" {
		q.Set("state", state)
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/"+provider+"/callback?"+q.Encode(), nil)
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	return e.do(req)
}

// login runs the whole browser flow for code and returns the one-time code
func (e *testEnv) login(t *testing.T, provider, code string) string {
	t.Helper()

	state, cookie, _ := e.startLogin(t, provider)
	w := e.callback(provider, code, state, cookie)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testClientURL, location.Scheme+"://"+location.Host+location.Path)

	oneTimeCode := location.Query().Get("code")
	require.NotEmpty(t, oneTimeCode)
	return oneTimeCode
}

func makeRequest(method, path string, body interface{}) (*http.Request, *httptest.ResponseRecorder) {
	var bodyReader *bytes.Reader

	switch v := body.(type) {
	case string:
		bodyReader = bytes.NewReader([]byte(v))
	case nil:
		bodyReader = bytes.NewReader([]byte{})
	default:
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	return req, w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}
