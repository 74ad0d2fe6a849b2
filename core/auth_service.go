package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type LoginResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       uuid.UUID `json:"user_id"`
	AuthID       uuid.UUID `json:"auth_id"`
}

// LoginRedirect is the outcome of BeginLogin: where to send the browser, and the
// signed state carrier to attach to that response
type LoginRedirect struct {
	URL     string
	Carrier string
	State   string
}

// CallbackResult is the outcome of a successful provider callback
type CallbackResult struct {
	Code    string
	AuthID  uuid.UUID
	UserID  uuid.UUID
	NewUser bool
	State   FlowState
}

// IdentityData is what this service stores in AuthIdentity.ProviderData
type IdentityData struct {
	RefreshToken string    `json:"refresh_token,omitempty"` // AES-GCM encrypted
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	Picture      string    `json:"picture,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuthService struct {
	repo      Repository
	config    *Config
	crypto    *CryptoService
	providers *ProviderRegistry
	codes     *OneTimeCodes
	states    *StateSigner
	hooks     *Hooks
	hookStore *HookStore
	metrics   *Metrics
	logger    *slog.Logger
}

type Option func(*AuthService)

func WithHooks(h *Hooks) Option {
	return func(s *AuthService) { s.hooks = h }
}

func WithMetrics(m *Metrics) Option {
	return func(s *AuthService) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *AuthService) { s.logger = l }
}

func NewAuthService(repo Repository, ephemeral EphemeralStore, config *Config, providers *ProviderRegistry, crypto *CryptoService, opts ...Option) *AuthService {
	stateTTL := seconds(config.OAuth.StateTTL, defaultStateTTL)
	codeTTL := seconds(config.OAuth.CodeTTL, defaultCodeTTL)
	stateSecret := config.OAuth.StateSecret
	if stateSecret == "" {
		stateSecret = config.JWT.Secret
	}

	s := &AuthService{
		repo:      repo,
		config:    config,
		crypto:    crypto,
		providers: providers,
		codes:     NewOneTimeCodes(ephemeral, codeTTL),
		states:    NewStateSigner(stateSecret, crypto, stateTTL),
		// correlation data must outlive the redirect and the signup that follows it
		hookStore: NewHookStore(ephemeral, stateTTL+codeTTL),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = NewHooks(s.logger)
	}
	return s
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// StateTTL is the lifetime of the state carrier
func (s *AuthService) StateTTL() time.Duration {
	return s.states.TTL()
}

func (s *AuthService) hookEnv(r *http.Request) HookEnv {
	return HookEnv{Request: r, Repo: s.repo, Store: s.hookStore}
}

// BeginLogin starts a provider login: it mints state (and a PKCE verifier when the provider
// wants one), seals them into the carrier and builds the authorization URL.
func (s *AuthService) BeginLogin(ctx context.Context, provider Provider, r *http.Request) (_ *LoginRedirect, err error) {
	ctx, span := startSpan(ctx, "AuthService.BeginLogin", attribute.String("provider", string(provider)))
	defer func() { endSpan(span, err) }()

	authProvider, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	f := s.startFlow(ctx, provider, FlowInitiated)

	state, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	var verifier string
	if authProvider.UsesPKCE() {
		verifier, err = randomToken(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate code verifier: %w", err)
		}
	}

	carrier, err := s.states.Sign(&OAuthState{Provider: provider, State: state, CodeVerifier: verifier})
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}

	authURL, err := url.Parse(authProvider.AuthorizationURL(state, verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to parse authorization url: %w", err)
	}

	authURL, err = s.hooks.runBeforeOAuthRedirect(ctx, &RedirectHookInput{
		HookEnv:         s.hookEnv(r),
		Provider:        provider,
		URL:             authURL,
		UniqueRequestID: state,
	})
	if err != nil {
		return nil, err
	}

	f.to(ctx, FlowRedirected)
	s.metrics.recordFlowStarted(ctx, provider)

	return &LoginRedirect{
		URL:     authURL.String(),
		Carrier: carrier,
		State:   state,
	}, nil
}

// CompleteLogin handles the provider callback and returns a one-time code for the client.
// Nothing is persisted unless the state matches and the provider exchange succeeds.
func (s *AuthService) CompleteLogin(ctx context.Context, provider Provider, carrier, returnedState, code string, r *http.Request) (_ *CallbackResult, err error) {
	ctx, span := startSpan(ctx, "AuthService.CompleteLogin", attribute.String("provider", string(provider)))
	defer func() {
		s.metrics.recordCallback(ctx, provider, callbackResult(err))
		endSpan(span, err)
	}()

	// 1. Get the provider implementation
	authProvider, err := s.providers.Get(provider)
	if err != nil {
		return nil, err
	}

	f := s.startFlow(ctx, provider, FlowRedirected)
	f.to(ctx, FlowCallbackReceived)

	// 2. Validate state against the carrier set at BeginLogin
	st, err := s.states.Verify(carrier, provider, returnedState)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: callback without code", ErrProviderTokenExchange)
	}

	// 3. Exchange authorization code for OAuth tokens
	oauthTokens, err := authProvider.ExchangeCode(ctx, code, st.CodeVerifier)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// 4. Get user info from provider
	userInfo, err := authProvider.GetUserInfo(ctx, oauthTokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	if userInfo.ProviderUserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrProviderProfile)
	}
	if err := matchSubject(oauthTokens, userInfo.ProviderUserID); err != nil {
		return nil, err
	}

	// 5. Find or create the identity
	auth, newUser, err := s.resolveIdentity(ctx, r, provider, userInfo, oauthTokens, st.State)
	if err != nil {
		var rejected *SignupRejectedError
		if errors.As(err, &rejected) {
			f.to(ctx, FlowRejected)
		}
		return nil, err
	}
	f.to(ctx, FlowIdentityResolved)

	// 6. Issue the one-time code the client trades for a session
	oneTimeCode, err := s.codes.Issue(ctx, auth.ID)
	if err != nil {
		return nil, err
	}
	f.to(ctx, FlowCodeIssued)
	s.metrics.recordCodeIssued(ctx, provider)

	return &CallbackResult{
		Code:    oneTimeCode,
		AuthID:  auth.ID,
		UserID:  auth.UserID,
		NewUser: newUser,
		State:   f.state,
	}, nil
}

func (s *AuthService) resolveIdentity(ctx context.Context, r *http.Request, provider Provider, userInfo *UserInfo, tokens *OAuthTokens, uniqueRequestID string) (*Auth, bool, error) {
	providerID := ProviderID{ProviderName: provider, ProviderUserID: userInfo.ProviderUserID}

	auth, err := s.repo.FindIdentity(ctx, providerID)
	switch {
	case err == nil:
		// Existing identity - refresh what we keep about it
		var previous []byte
		if ident := auth.Identity(provider); ident != nil {
			previous = ident.ProviderData
		}
		data, err := s.identityData(userInfo, tokens, previous)
		if err != nil {
			return nil, false, err
		}
		if err := s.repo.UpdateIdentityData(ctx, providerID, data); err != nil {
			return nil, false, fmt.Errorf("failed to update identity: %w", err)
		}
		return auth, false, nil

	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("failed to find identity: %w", err)
	}

	if err := s.hooks.runBeforeSignup(ctx, &SignupHookInput{
		HookEnv:    s.hookEnv(r),
		ProviderID: providerID,
		Profile:    userInfo,
	}); err != nil {
		return nil, false, err
	}

	data, err := s.identityData(userInfo, tokens, nil)
	if err != nil {
		return nil, false, err
	}

	fields := UserFields{Email: userInfo.Email, Name: userInfo.Name, Picture: userInfo.Picture}
	auth, err = s.repo.CreateUserWithIdentity(ctx, providerID, data, fields)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, false, ErrDuplicateIdentity
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	s.metrics.recordSignup(ctx, provider)

	user := &User{
		ID:        auth.UserID,
		Email:     fields.Email,
		Name:      fields.Name,
		Picture:   fields.Picture,
		CreatedAt: auth.CreatedAt,
		UpdatedAt: auth.CreatedAt,
	}
	s.hooks.runAfterSignup(ctx, &AfterSignupHookInput{
		HookEnv:    s.hookEnv(r),
		ProviderID: providerID,
		User:       user,
		Auth:       auth,
		OAuth: &OAuthContext{
			AccessToken:     tokens.AccessToken,
			UniqueRequestID: uniqueRequestID,
		},
	})

	return auth, true, nil
}

// identityData builds the ProviderData blob, keeping the previous refresh token when the
// provider did not send a new one
func (s *AuthService) identityData(userInfo *UserInfo, tokens *OAuthTokens, previous []byte) ([]byte, error) {
	data := IdentityData{
		Email:     userInfo.Email,
		Name:      userInfo.Name,
		Picture:   userInfo.Picture,
		UpdatedAt: time.Now().UTC(),
	}

	if tokens.RefreshToken != "" {
		encrypted, err := s.crypto.EncryptToken(tokens.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		data.RefreshToken = encrypted
	} else if len(previous) > 0 {
		var old IdentityData
		if err := json.Unmarshal(previous, &old); err == nil {
			data.RefreshToken = old.RefreshToken
		}
	}

	return json.Marshal(data)
}

// ExchangeCode trades a one-time code for a session. The code is gone after the first call.
func (s *AuthService) ExchangeCode(ctx context.Context, code string) (_ *LoginResponse, err error) {
	ctx, span := startSpan(ctx, "AuthService.ExchangeCode")
	defer func() {
		s.metrics.recordCodeExchanged(ctx, err == nil)
		endSpan(span, err)
	}()

	authID, err := s.codes.Consume(ctx, code)
	if err != nil {
		return nil, err
	}

	auth, err := s.repo.FindAuthByID(ctx, authID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to find auth: %w", err)
	}

	resp, err := s.issueSession(ctx, auth)
	if err != nil {
		return nil, err
	}

	provider := Provider("")
	if len(auth.Identities) > 0 {
		provider = auth.Identities[0].ProviderName
	}
	s.startFlow(ctx, provider, FlowCodeIssued).to(ctx, FlowCompleted)

	return resp, nil
}

func (s *AuthService) issueSession(ctx context.Context, auth *Auth) (*LoginResponse, error) {
	// Generate authflow's refresh token
	fullToken, tokenParts, err := GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	keyHash, err := s.crypto.HashToken(tokenParts.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token key: %w", err)
	}

	now := time.Now()
	refreshToken := &RefreshToken{
		TokenID:      tokenParts.ID,
		TokenKeyHash: keyHash,
		AuthID:       auth.ID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(seconds(s.config.JWT.RefreshTokenDuration, defaultRefreshTokenDuration)),
	}

	if err := s.repo.CreateRefreshToken(ctx, refreshToken); err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	// Generate JWT access token
	accessToken, err := GenerateAccessToken(auth.ID, auth.UserID, s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: fullToken,
		UserID:       auth.UserID,
		AuthID:       auth.ID,
	}, nil
}

func (s *AuthService) Refresh(ctx context.Context, refreshTokenStr string) (string, error) {
	// 1. Parse token to extract ID and Key
	tokenParts, err := ParseRefreshToken(refreshTokenStr)
	if err != nil {
		return "", ErrInvalidToken
	}

	// 2. Find refresh token in database by ID
	refreshToken, err := s.repo.FindRefreshTokenByID(ctx, tokenParts.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to find refresh token: %w", err)
	}

	// 3. Check if token is expired
	if time.Now().After(refreshToken.ExpiresAt) {
		_ = s.repo.DeleteRefreshTokenByID(ctx, tokenParts.ID)
		return "", ErrExpiredToken
	}

	// 4. Verify token key hash
	if !s.crypto.VerifyTokenHash(tokenParts.Key, refreshToken.TokenKeyHash) {
		return "", ErrInvalidToken
	}

	auth, err := s.repo.FindAuthByID(ctx, refreshToken.AuthID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to find auth: %w", err)
	}

	// 5. Generate new access token
	accessToken, err := GenerateAccessToken(auth.ID, auth.UserID, s.config)
	if err != nil {
		return "", fmt.Errorf("failed to generate access token: %w", err)
	}

	return accessToken, nil
}

func (s *AuthService) Logout(ctx context.Context, refreshTokenStr string) error {
	tokenParts, err := ParseRefreshToken(refreshTokenStr)
	if err != nil {
		return ErrInvalidToken
	}

	if err := s.repo.DeleteRefreshTokenByID(ctx, tokenParts.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, authID uuid.UUID) error {
	if err := s.repo.DeleteAllAuthRefreshTokens(ctx, authID); err != nil {
		return fmt.Errorf("failed to delete auth refresh tokens: %w", err)
	}
	return nil
}

// GetUserInfo returns the profile for an Auth. When a provider refresh token is on file the
// profile is fetched fresh from the provider, otherwise the stored one is returned.
func (s *AuthService) GetUserInfo(ctx context.Context, authID uuid.UUID) (*UserInfo, error) {
	// 1. Get auth and user from database
	auth, err := s.repo.FindAuthByID(ctx, authID)
	if err != nil {
		return nil, fmt.Errorf("failed to find auth: %w", err)
	}
	user, err := s.repo.FindUserByID(ctx, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// 2. Use the first linked identity
	if len(auth.Identities) == 0 {
		return nil, fmt.Errorf("auth has no linked identities")
	}
	identity := auth.Identities[0]

	stored := &UserInfo{
		ProviderUserID: identity.ProviderUserID,
		Email:          user.Email,
		Name:           user.Name,
		Picture:        user.Picture,
	}

	var data IdentityData
	if len(identity.ProviderData) > 0 {
		if err := json.Unmarshal(identity.ProviderData, &data); err != nil {
			return nil, fmt.Errorf("failed to decode identity data: %w", err)
		}
	}
	if data.RefreshToken == "" {
		return stored, nil
	}

	authProvider, err := s.providers.Get(identity.ProviderName)
	if err != nil {
		return stored, nil
	}

	// 3. Decrypt OAuth provider refresh token
	oauthRefreshToken, err := s.crypto.DecryptToken(data.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt OAuth refresh token: %w", err)
	}

	// 4. Refresh OAuth access token
	oauthTokens, err := authProvider.RefreshAccessToken(ctx, oauthRefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshNotSupported) {
			return stored, nil
		}
		return nil, fmt.Errorf("failed to refresh OAuth token: %w", err)
	}

	// 5. Fetch fresh user info from provider
	userInfo, err := authProvider.GetUserInfo(ctx, oauthTokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	if userInfo.ProviderUserID != identity.ProviderUserID {
		return nil, fmt.Errorf("%w: profile subject changed", ErrProviderProfile)
	}
	if err := matchSubject(oauthTokens, userInfo.ProviderUserID); err != nil {
		return nil, err
	}

	// 6. Store the rotated refresh token and profile
	updated, err := s.identityData(userInfo, oauthTokens, identity.ProviderData)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateIdentityData(ctx, identity.ProviderID(), updated); err != nil {
		s.logger.Warn("failed to store refreshed identity data",
			"auth_id", authID,
			"provider", identity.ProviderName,
			"error", err)
	}

	return userInfo, nil
}

// matchSubject ties the profile to the ID token the provider issued with the access token
func matchSubject(tokens *OAuthTokens, subject string) error {
	if tokens.Subject != "" && tokens.Subject != subject {
		return fmt.Errorf("%w: userinfo subject does not match id token", ErrProviderProfile)
	}
	return nil
}

// callbackResult labels a callback outcome for metrics
func callbackResult(err error) string {
	var rejected *SignupRejectedError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrProviderTokenExchange), errors.Is(err, ErrProviderProfile):
		return "provider_error"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.As(err, &rejected):
		return "signup_rejected"
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported_provider"
	default:
		return "error"
	}
}
