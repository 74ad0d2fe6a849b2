package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const hookNamespace = "hook"

// HookStore lets hooks park data under the flow's unique request id in the before-redirect
// step and read it back once after signup. It shares the one-time code backend.
type HookStore struct {
	store EphemeralStore
	ttl   time.Duration
}

func NewHookStore(store EphemeralStore, ttl time.Duration) *HookStore {
	return &HookStore{store: store, ttl: ttl}
}

func (h *HookStore) Save(ctx context.Context, uniqueRequestID string, data []byte) error {
	return h.store.Put(ctx, lookupKey(hookNamespace, uniqueRequestID), data, time.Now().Add(h.ttl))
}

// Take returns the saved data and forgets it. Missing data is ErrNotFound.
func (h *HookStore) Take(ctx context.Context, uniqueRequestID string) ([]byte, error) {
	return h.store.Take(ctx, lookupKey(hookNamespace, uniqueRequestID))
}

// HookEnv is the persistence handle every hook receives
type HookEnv struct {
	Request *http.Request
	Repo    Repository
	Store   *HookStore
}

type RedirectHookInput struct {
	HookEnv
	Provider        Provider
	URL             *url.URL
	UniqueRequestID string
}

type SignupHookInput struct {
	HookEnv
	ProviderID ProviderID
	Profile    *UserInfo
}

// OAuthContext is what the provider handed back, for after-signup hooks
type OAuthContext struct {
	AccessToken     string
	UniqueRequestID string
}

type AfterSignupHookInput struct {
	HookEnv
	ProviderID ProviderID
	User       *User
	Auth       *Auth
	OAuth      *OAuthContext
}

// BeforeOAuthRedirectHook may return a replacement URL; returning nil keeps the current one.
// An error aborts the login.
type BeforeOAuthRedirectHook func(ctx context.Context, in *RedirectHookInput) (*url.URL, error)

// BeforeSignupHook gates account creation. Return a *SignupRejectedError to control what
// the client sees; any error aborts the flow.
type BeforeSignupHook func(ctx context.Context, in *SignupHookInput) error

// AfterSignupHook runs once the account is committed. Errors are logged and never undo the signup.
type AfterSignupHook func(ctx context.Context, in *AfterSignupHookInput) error

// Hooks runs each extension point's hooks in registration order
type Hooks struct {
	beforeRedirect []BeforeOAuthRedirectHook
	beforeSignup   []BeforeSignupHook
	afterSignup    []AfterSignupHook
	logger         *slog.Logger
}

func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger}
}

func (h *Hooks) OnBeforeOAuthRedirect(fn BeforeOAuthRedirectHook) *Hooks {
	h.beforeRedirect = append(h.beforeRedirect, fn)
	return h
}

func (h *Hooks) OnBeforeSignup(fn BeforeSignupHook) *Hooks {
	h.beforeSignup = append(h.beforeSignup, fn)
	return h
}

func (h *Hooks) OnAfterSignup(fn AfterSignupHook) *Hooks {
	h.afterSignup = append(h.afterSignup, fn)
	return h
}

func (h *Hooks) runBeforeOAuthRedirect(ctx context.Context, in *RedirectHookInput) (*url.URL, error) {
	for _, fn := range h.beforeRedirect {
		next, err := fn(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("before-redirect hook: %w", err)
		}
		if next != nil {
			in.URL = next
		}
	}
	return in.URL, nil
}

func (h *Hooks) runBeforeSignup(ctx context.Context, in *SignupHookInput) error {
	for _, fn := range h.beforeSignup {
		if err := fn(ctx, in); err != nil {
			var rejected *SignupRejectedError
			if errors.As(err, &rejected) {
				return err
			}
			// Any failure refuses the signup; the cause stays out of the response
			return &SignupRejectedError{
				Status:  http.StatusForbidden,
				Message: "Signup is not allowed",
				Err:     fmt.Errorf("before-signup hook: %w", err),
			}
		}
	}
	return nil
}

// runAfterSignup reports how many hooks failed
func (h *Hooks) runAfterSignup(ctx context.Context, in *AfterSignupHookInput) int {
	failed := 0
	for i, fn := range h.afterSignup {
		if err := fn(ctx, in); err != nil {
			failed++
			h.logger.Error("after-signup hook failed",
				"hook_index", i,
				"provider", in.ProviderID.ProviderName,
				"auth_id", in.Auth.ID,
				"error", err)
		}
	}
	return failed
}

// AllowEmailDomains rejects signups whose profile email is outside the given domains
func AllowEmailDomains(domains ...string) BeforeSignupHook {
	allowed := make([]string, 0, len(domains))
	for _, d := range domains {
		allowed = append(allowed, strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@")))
	}

	return func(ctx context.Context, in *SignupHookInput) error {
		email := ""
		if in.Profile != nil {
			email = strings.ToLower(in.Profile.Email)
		}
		_, domain, ok := strings.Cut(email, "@")
		if !ok || !slices.Contains(allowed, domain) {
			return RejectSignup(http.StatusForbidden, "email domain is not allowed to sign up")
		}
		return nil
	}
}

// LogSignups records every committed signup
func LogSignups(logger *slog.Logger) AfterSignupHook {
	return func(ctx context.Context, in *AfterSignupHookInput) error {
		logger.Info("user signed up",
			"provider", in.ProviderID.ProviderName,
			"user_id", in.User.ID,
			"auth_id", in.Auth.ID)
		return nil
	}
}
