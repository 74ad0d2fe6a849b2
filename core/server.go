package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const stateCookieName = "authflow_state"

type Server struct {
	authService *AuthService
	config      *Config
	logger      *slog.Logger
}

func NewServer(authService *AuthService, config *Config) *Server {
	return &Server{
		authService: authService,
		config:      config,
		logger:      authService.logger,
	}
}

func (s *Server) HandleProviderLogin(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	provider := Provider(mux.Vars(r)["provider"])
	redirect, err := s.authService.BeginLogin(r.Context(), provider, r)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
			return
		}
		s.logger.Error("failed to start login", "provider", provider, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to start login")
		return
	}

	http.SetCookie(w, s.stateCookie(provider, redirect.Carrier, int(s.authService.StateTTL().Seconds())))
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (s *Server) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	provider := Provider(mux.Vars(r)["provider"])
	query := r.URL.Query()

	// The carrier is single use whatever the outcome
	http.SetCookie(w, s.stateCookie(provider, "", -1))

	if providerErr := query.Get("error"); providerErr != "" {
		s.logger.Info("provider returned an error",
			"provider", provider,
			"error", providerErr,
			"error_description", query.Get("error_description"))
		s.failCallback(w, r, http.StatusBadRequest, "access_denied", "Login was cancelled at the provider")
		return
	}

	var carrier string
	if c, err := r.Cookie(stateCookieName); err == nil {
		carrier = c.Value
	}

	result, err := s.authService.CompleteLogin(r.Context(), provider, carrier, query.Get("state"), query.Get("code"), r)
	if err != nil {
		s.handleCallbackError(w, r, provider, err)
		return
	}

	target, err := withQuery(s.config.OAuth.ClientURL, url.Values{"code": {result.Code}})
	if err != nil {
		s.logger.Error("invalid client url", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Login failed")
		return
	}

	s.logger.Info("login completed",
		"provider", provider,
		"auth_id", result.AuthID,
		"new_user", result.NewUser)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleCallbackError(w http.ResponseWriter, r *http.Request, provider Provider, err error) {
	var rejected *SignupRejectedError

	switch {
	case errors.Is(err, ErrInvalidState):
		s.logger.Warn("oauth state check failed", "provider", provider, "error", err)
		// The client URL cannot be trusted to belong to this flow
		respondError(w, http.StatusBadRequest, "invalid_state", "Invalid or expired login state")
	case errors.Is(err, ErrUnsupportedProvider):
		respondError(w, http.StatusBadRequest, "invalid_provider", "Unsupported provider")
	case errors.As(err, &rejected):
		s.logger.Info("signup rejected", "provider", provider, "reason", rejected.Message, "error", err)
		s.failCallback(w, r, rejected.Status, "signup_rejected", rejected.Message)
	case errors.Is(err, ErrDuplicateIdentity):
		s.logger.Warn("concurrent signup lost", "provider", provider)
		s.failCallback(w, r, http.StatusConflict, "duplicate_identity", "Account is being created, try again")
	case errors.Is(err, ErrProviderTokenExchange), errors.Is(err, ErrProviderProfile):
		s.logger.Warn("provider request failed", "provider", provider, "error", err)
		s.failCallback(w, r, http.StatusBadGateway, "provider_error", "Provider authentication failed")
	default:
		s.logger.Error("callback failed", "provider", provider, "error", err)
		s.failCallback(w, r, http.StatusInternalServerError, "internal_error", "Login failed")
	}
}

// failCallback sends the browser to the client error page, or answers JSON when none is configured
func (s *Server) failCallback(w http.ResponseWriter, r *http.Request, status int, reason, message string) {
	if s.config.OAuth.ClientErrorURL == "" {
		respondError(w, status, reason, message)
		return
	}

	params := url.Values{"error": {reason}}
	if reason == "signup_rejected" && message != "" {
		params.Set("message", message)
	}
	target, err := withQuery(s.config.OAuth.ClientErrorURL, params)
	if err != nil {
		respondError(w, status, reason, message)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) stateCookie(provider Provider, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/auth/" + string(provider),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.config.OAuth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) HandleExchangeCode(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Code string `json:"code"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	loginResp, err := s.authService.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			respondError(w, http.StatusUnauthorized, "invalid_code", "Invalid, expired or already used code")
			return
		}
		s.logger.Error("code exchange failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to exchange code")
		return
	}

	respondJSON(w, http.StatusOK, loginResp)
}

func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	accessToken, err := s.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
			return
		}
		s.logger.Error("refresh failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to refresh token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"access_token": accessToken,
	})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	if err := s.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid refresh token")
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to logout")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "logged_out",
	})
}

func (s *Server) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodPost) {
		return
	}

	authID, err := s.extractAuthIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	if err := s.authService.LogoutAll(r.Context(), authID); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to logout from all devices")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "logged_out_all_devices",
	})
}

func (s *Server) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	if !validateMethod(w, r, http.MethodGet) {
		return
	}

	authID, err := s.extractAuthIDFromJWT(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
		return
	}

	userInfo, err := s.authService.GetUserInfo(r.Context(), authID)
	if err != nil {
		s.logger.Error("userinfo failed", "auth_id", authID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get user info")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"provider_user_id": userInfo.ProviderUserID,
		"email":            userInfo.Email,
		"name":             userInfo.Name,
		"picture":          userInfo.Picture,
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Helper functions

func (s *Server) extractAuthIDFromJWT(r *http.Request) (uuid.UUID, error) {
	token, err := extractBearerToken(r)
	if err != nil {
		return uuid.Nil, err
	}

	authID, err := ValidateAccessToken(token, s.config)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid token: %w", err)
	}

	return authID, nil
}

// withQuery appends params to base, keeping any query it already has
func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func validateMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return token, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
