package core

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateCarrierIssuer = "authflow-state"

// OAuthState is the per-flow data that must survive the provider redirect
type OAuthState struct {
	Provider     Provider
	State        string
	CodeVerifier string
}

type stateClaims struct {
	Provider string `json:"prv"`
	State    string `json:"st"`
	// Verifier is AES-GCM encrypted; the browser holds the cookie but never the plaintext
	Verifier string `json:"cv,omitempty"`
	jwt.RegisteredClaims
}

// StateSigner seals OAuthState into a signed, expiring carrier (an HS256 JWT) that
// travels in a cookie, so no server memory is held across the redirect.
type StateSigner struct {
	secret []byte
	crypto *CryptoService
	ttl    time.Duration
}

func NewStateSigner(secret string, crypto *CryptoService, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), crypto: crypto, ttl: ttl}
}

func (s *StateSigner) TTL() time.Duration {
	return s.ttl
}

func (s *StateSigner) Sign(st *OAuthState) (string, error) {
	var verifier string
	if st.CodeVerifier != "" {
		enc, err := s.crypto.EncryptToken(st.CodeVerifier)
		if err != nil {
			return "", fmt.Errorf("failed to seal code verifier: %w", err)
		}
		verifier = enc
	}

	now := time.Now()
	claims := &stateClaims{
		Provider: string(st.Provider),
		State:    st.State,
		Verifier: verifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateCarrierIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify opens the carrier and checks it belongs to provider and matches returnedState
// exactly. Every failure is ErrInvalidState.
func (s *StateSigner) Verify(carrier string, provider Provider, returnedState string) (*OAuthState, error) {
	if carrier == "" || returnedState == "" {
		return nil, ErrInvalidState
	}

	var claims stateClaims
	_, err := jwt.ParseWithClaims(carrier, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateCarrierIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if claims.Provider != string(provider) {
		return nil, fmt.Errorf("%w: provider mismatch", ErrInvalidState)
	}
	if len(claims.State) != len(returnedState) ||
		subtle.ConstantTimeCompare([]byte(claims.State), []byte(returnedState)) != 1 {
		return nil, fmt.Errorf("%w: state mismatch", ErrInvalidState)
	}

	st := &OAuthState{Provider: provider, State: claims.State}
	if claims.Verifier != "" {
		verifier, err := s.crypto.DecryptToken(claims.Verifier)
		if err != nil {
			return nil, fmt.Errorf("%w: unreadable verifier", ErrInvalidState)
		}
		st.CodeVerifier = verifier
	}
	return st, nil
}
