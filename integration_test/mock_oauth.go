package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

type mockUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

var mockUsers = map[string]mockUser{
	"user1": {
		ID:      "mock_user_1",
		Email:   "user1@example.com",
		Name:    "Test User 1",
		Picture: "https://example.com/avatar1.jpg",
	},
	"user2": {
		ID:      "mock_user_2",
		Email:   "user2@example.com",
		Name:    "Test User 2",
		Picture: "https://example.com/avatar2.jpg",
	},
	"outsider": {
		ID:      "mock_user_3",
		Email:   "outsider@blocked.test",
		Name:    "Outsider",
		Picture: "https://example.com/avatar3.jpg",
	},
}

type grant struct {
	user          mockUser
	codeChallenge string
	redirectURI   string
}

// MockOAuthServer plays the Google side of the flow: consent, token and userinfo endpoints
type MockOAuthServer struct {
	server *httptest.Server

	mu            sync.Mutex
	grants        map[string]grant
	accessTokens  map[string]mockUser
	refreshTokens map[string]mockUser
	seq           int
}

func NewMockOAuthServer() *MockOAuthServer {
	m := &MockOAuthServer{
		grants:        make(map[string]grant),
		accessTokens:  make(map[string]mockUser),
		refreshTokens: make(map[string]mockUser),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/oauth2/v2/userinfo", m.handleUserInfo)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockOAuthServer) URL() string {
	return m.server.URL
}

func (m *MockOAuthServer) Close() {
	m.server.Close()
}

// Consent simulates the user approving the login at the provider. It takes the
// authorization URL the service redirected to and returns the callback URL the
// provider would send the browser back to.
func (m *MockOAuthServer) Consent(authorizationURL, userKey string) (string, error) {
	user, ok := mockUsers[userKey]
	if !ok {
		return "", fmt.Errorf("unknown mock user %q", userKey)
	}

	u, err := url.Parse(authorizationURL)
	if err != nil {
		return "", err
	}
	query := u.Query()
	if query.Get("response_type") != "code" {
		return "", fmt.Errorf("unexpected response_type %q", query.Get("response_type"))
	}
	if query.Get("code_challenge_method") != "S256" {
		return "", fmt.Errorf("unexpected code_challenge_method %q", query.Get("code_challenge_method"))
	}

	m.mu.Lock()
	m.seq++
	code := fmt.Sprintf("code_%s_%d", userKey, m.seq)
	m.grants[code] = grant{
		user:          user,
		codeChallenge: query.Get("code_challenge"),
		redirectURI:   query.Get("redirect_uri"),
	}
	m.mu.Unlock()

	callback, err := url.Parse(query.Get("redirect_uri"))
	if err != nil {
		return "", err
	}
	params := callback.Query()
	params.Set("code", code)
	params.Set("state", query.Get("state"))
	callback.RawQuery = params.Encode()
	return callback.String(), nil
}

func (m *MockOAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		g, ok := m.grants[code]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		// Codes are single use at the provider too
		delete(m.grants, code)

		if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != g.codeChallenge {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if r.PostForm.Get("redirect_uri") != g.redirectURI {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}

		access := "access_" + code
		refresh := "refresh_" + code
		m.accessTokens[access] = g.user
		m.refreshTokens[refresh] = g.user
		writeTokens(w, access, refresh)

	case "refresh_token":
		refresh := r.PostForm.Get("refresh_token")
		user, ok := m.refreshTokens[refresh]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		m.seq++
		access := fmt.Sprintf("access_refreshed_%d", m.seq)
		m.accessTokens[access] = user
		writeTokens(w, access, "")

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (m *MockOAuthServer) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	m.mu.Lock()
	user, ok := m.accessTokens[token]
	m.mu.Unlock()
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":             user.ID,
		"email":          user.Email,
		"name":           user.Name,
		"picture":        user.Picture,
		"verified_email": true,
	})
}

func writeTokens(w http.ResponseWriter, access, refresh string) {
	body := map[string]interface{}{
		"access_token": access,
		"expires_in":   3600,
		"token_type":   "Bearer",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}
