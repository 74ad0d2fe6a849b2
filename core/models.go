package core

import (
	"time"

	"github.com/google/uuid"
)

// Provider is the registered name of an OAuth identity provider
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderYandex Provider = "yandex"
	ProviderGitHub Provider = "github"
)

// ProviderID identifies a subject at a provider. It is comparable and used as a map key.
type ProviderID struct {
	ProviderName   Provider
	ProviderUserID string
}

func (p ProviderID) String() string {
	return string(p.ProviderName) + ":" + p.ProviderUserID
}

// AuthIdentity links a provider subject to a local Auth.
// ProviderData is opaque to the flow; see IdentityData for what this service puts in it.
type AuthIdentity struct {
	ProviderName   Provider
	ProviderUserID string
	ProviderData   []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i AuthIdentity) ProviderID() ProviderID {
	return ProviderID{ProviderName: i.ProviderName, ProviderUserID: i.ProviderUserID}
}

// Auth aggregates the identities of one user
type Auth struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	CreatedAt  time.Time
	Identities []AuthIdentity
}

// Identity returns the identity for the given provider, or nil
func (a *Auth) Identity(provider Provider) *AuthIdentity {
	for i := range a.Identities {
		if a.Identities[i].ProviderName == provider {
			return &a.Identities[i]
		}
	}
	return nil
}

// User is the local account, created together with its Auth
type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Picture   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserFields are the profile fields copied onto a new User at signup
type UserFields struct {
	Email   string
	Name    string
	Picture string
}

// RefreshToken represents an authflow session token
type RefreshToken struct {
	TokenID      string
	TokenKeyHash string
	AuthID       uuid.UUID
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
