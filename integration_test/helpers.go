package integration_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	AuthID       string `json:"auth_id"`
}

type UserInfoResponse struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Picture        string `json:"picture"`
}

type RefreshResponse struct {
	AccessToken string `json:"access_token"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// browser keeps cookies between requests and stops at every redirect so the
// test can inspect each hop of the login flow
type browser struct {
	client *http.Client
}

func newBrowser() *browser {
	jar, _ := cookiejar.New(nil)
	return &browser{
		client: &http.Client{
			Jar:     jar,
			Timeout: 5 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) get(rawURL string) (*http.Response, error) {
	return b.client.Get(rawURL)
}

// startLogin opens the provider login route and returns the authorization URL it redirects to
func (b *browser) startLogin(baseURL, provider string) (string, error) {
	resp, err := b.get(baseURL + "/auth/" + provider + "/login")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		return "", fmt.Errorf("login returned %d", resp.StatusCode)
	}
	return resp.Header.Get("Location"), nil
}

// callback follows the provider redirect back to the service and returns the final Location
func (b *browser) callback(callbackURL string) (*http.Response, string, error) {
	resp, err := b.get(callbackURL)
	if err != nil {
		return nil, "", err
	}
	resp.Body.Close()
	return resp, resp.Header.Get("Location"), nil
}

// loginAs runs the whole browser flow for one of the mock provider users and
// exchanges the one-time code for a session
func loginAs(baseURL string, provider *MockOAuthServer, userKey string) (*LoginResponse, error) {
	b := newBrowser()

	authURL, err := b.startLogin(baseURL, "google")
	if err != nil {
		return nil, err
	}
	callbackURL, err := provider.Consent(authURL, userKey)
	if err != nil {
		return nil, err
	}
	resp, location, err := b.callback(callbackURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("callback returned %d", resp.StatusCode)
	}

	code, err := queryParam(location, "code")
	if err != nil {
		return nil, err
	}

	exchangeResp, err := exchangeCode(baseURL, code)
	if err != nil {
		return nil, err
	}
	defer exchangeResp.Body.Close()
	if exchangeResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned %d", exchangeResp.StatusCode)
	}
	return parseLoginResponse(exchangeResp)
}

func queryParam(rawURL, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	value := u.Query().Get(name)
	if value == "" {
		return "", fmt.Errorf("no %s in %q", name, rawURL)
	}
	return value, nil
}

func postJSON(rawURL string, body interface{}) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Post(rawURL, "application/json", bytes.NewReader(jsonBody))
}

func exchangeCode(baseURL, code string) (*http.Response, error) {
	return postJSON(baseURL+"/auth/exchange-code", map[string]string{"code": code})
}

func getUserInfo(baseURL, accessToken string) (*http.Response, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, _ := http.NewRequest("GET", baseURL+"/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return client.Do(req)
}

func refreshToken(baseURL, refreshToken string) (*http.Response, error) {
	return postJSON(baseURL+"/refresh", map[string]string{"refresh_token": refreshToken})
}

func logout(baseURL, refreshToken string) (*http.Response, error) {
	return postJSON(baseURL+"/logout", map[string]string{"refresh_token": refreshToken})
}

func logoutAll(baseURL, accessToken string) (*http.Response, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, _ := http.NewRequest("POST", baseURL+"/logout-all", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return client.Do(req)
}

func countRows(dbPath, table string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	return count, err
}

func countSessions(dbPath string) (int, error) {
	return countRows(dbPath, "refresh_tokens")
}

func countUsers(dbPath string) (int, error) {
	return countRows(dbPath, "users")
}

func countIdentities(dbPath string) (int, error) {
	return countRows(dbPath, "auth_identities")
}

func countPendingCodes(dbPath string) (int, error) {
	return countRows(dbPath, "ephemeral_entries")
}

func getAuthSessions(dbPath, authID string) ([]string, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT token_id FROM refresh_tokens WHERE auth_id = ?", authID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

func cleanDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, table := range []string{"ephemeral_entries", "refresh_tokens", "auth_identities", "auths", "users"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return nil
}

func parseLoginResponse(resp *http.Response) (*LoginResponse, error) {
	var result LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseUserInfoResponse(resp *http.Response) (*UserInfoResponse, error) {
	var result UserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseRefreshResponse(resp *http.Response) (*RefreshResponse, error) {
	var result RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseStatusResponse(resp *http.Response) (*StatusResponse, error) {
	var result StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func parseErrorResponse(resp *http.Response) (*ErrorResponse, error) {
	var result ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func extractTokenID(refreshToken string) string {
	body, ok := strings.CutPrefix(refreshToken, "ADRT_")
	if !ok {
		return ""
	}
	id, _, ok := strings.Cut(body, ".")
	if !ok {
		return ""
	}
	return id
}

func waitForServer(baseURL string, maxAttempts int) error {
	client := &http.Client{Timeout: 1 * time.Second}
	for i := 0; i < maxAttempts; i++ {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("server failed to start after %d attempts", maxAttempts)
}
