package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

type Repository interface {
	// Identity operations

	// FindIdentity returns the Auth owning the identity, or ErrNotFound
	FindIdentity(ctx context.Context, id ProviderID) (*Auth, error)

	// CreateUserWithIdentity creates User, Auth and the first AuthIdentity in one transaction.
	// Returns ErrAlreadyExists when the provider subject is already linked.
	CreateUserWithIdentity(ctx context.Context, id ProviderID, providerData []byte, fields UserFields) (*Auth, error)

	UpdateIdentityData(ctx context.Context, id ProviderID, providerData []byte) error

	FindAuthByID(ctx context.Context, authID uuid.UUID) (*Auth, error)

	FindUserByID(ctx context.Context, userID uuid.UUID) (*User, error)

	// RefreshToken operations

	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	FindRefreshTokenByID(ctx context.Context, tokenID string) (*RefreshToken, error)

	DeleteRefreshTokenByID(ctx context.Context, tokenID string) error

	DeleteAllAuthRefreshTokens(ctx context.Context, authID uuid.UUID) error

	DeleteExpiredRefreshTokens(ctx context.Context) (int64, error)
}

// EphemeralStore is a keyed, expiring, take-once store. It backs one-time codes
// and hook correlation data.
type EphemeralStore interface {
	Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// Take atomically returns and removes the value. Unknown, expired and already
	// taken keys all return ErrNotFound; only one concurrent caller can win.
	Take(ctx context.Context, key string) ([]byte, error)

	// Sweep removes expired entries and reports how many were removed
	Sweep(ctx context.Context) (int64, error)
}
