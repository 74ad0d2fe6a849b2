package storage

import (
	"encoding/json"
	"time"

	"authflow/core"
	"authflow/core/providers"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MockEncryptionKey is the key the seeded provider refresh tokens are encrypted with
const MockEncryptionKey = "12345678901234567890123456789012"

var (
	User1 = &core.User{
		ID:        uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Email:     "user1@mock.test",
		Name:      "Mock User One",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	User2 = &core.User{
		ID:        uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Email:     "user2@mock.test",
		Name:      "Mock User Two",
		CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	// User3 signed up with a provider that gave no refresh token
	User3 = &core.User{
		ID:        uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		Email:     "user3@mock.test",
		Name:      "Mock User Three",
		CreatedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
	}

	AllUsers = []*core.User{User1, User2, User3}

	Auth1ID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	Auth2ID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	Auth3ID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003")
)

type mockIdentity struct {
	authID       uuid.UUID
	user         *core.User
	provider     core.Provider
	subject      string
	refreshToken string
}

var mockIdentities = []mockIdentity{
	{Auth1ID, User1, providers.ProviderMock, "mock_user_1", "mock_refresh_token_1"},
	{Auth2ID, User2, providers.ProviderMock, "mock_user_2", "mock_refresh_token_2"},
	{Auth3ID, User3, providers.ProviderMock, "mock_user_3", ""},
}

const (
	Token1Key = "test_key_1"
	Token2Key = "test_key_2"
	Token3Key = "test_key_3"
	Token4Key = "test_key_4"
)

var (
	Token1 = &core.RefreshToken{
		TokenID:   "token_id_1",
		AuthID:    Auth1ID,
		CreatedAt: time.Now().Add(-24 * time.Hour),
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}

	Token2 = &core.RefreshToken{
		TokenID:   "token_id_2",
		AuthID:    Auth2ID,
		CreatedAt: time.Now().Add(-24 * time.Hour),
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}

	Token3 = &core.RefreshToken{
		TokenID:   "token_id_3_expired",
		AuthID:    Auth3ID,
		CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2023, 1, 31, 23, 59, 59, 0, time.UTC),
	}

	Token4 = &core.RefreshToken{
		TokenID:   "token_id_1_device2",
		AuthID:    Auth1ID,
		CreatedAt: time.Now().Add(-12 * time.Hour),
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}

	Token1Full = "ADRT_token_id_1." + Token1Key
	Token2Full = "ADRT_token_id_2." + Token2Key
	Token3Full = "ADRT_token_id_3_expired." + Token3Key
	Token4Full = "ADRT_token_id_1_device2." + Token4Key

	tokenKeys = map[*core.RefreshToken]string{
		Token1: Token1Key,
		Token2: Token2Key,
		Token3: Token3Key,
		Token4: Token4Key,
	}
)

// NewMockRepository is a MemoryRepository seeded with the fixtures above: three mock
// provider identities and four refresh tokens, one of them expired.
func NewMockRepository() *MemoryRepository {
	repo := NewMemoryRepository()

	crypto, err := core.NewCryptoService(MockEncryptionKey)
	if err != nil {
		panic(err)
	}

	for _, fx := range mockIdentities {
		data := core.IdentityData{
			Email:     fx.user.Email,
			Name:      fx.user.Name,
			UpdatedAt: fx.user.UpdatedAt,
		}
		if fx.refreshToken != "" {
			if data.RefreshToken, err = crypto.EncryptToken(fx.refreshToken); err != nil {
				panic(err)
			}
		}
		providerData, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}

		user := *fx.user
		repo.users[user.ID] = &user
		id := core.ProviderID{ProviderName: fx.provider, ProviderUserID: fx.subject}
		repo.auths[fx.authID] = &core.Auth{
			ID:        fx.authID,
			UserID:    user.ID,
			CreatedAt: user.CreatedAt,
			Identities: []core.AuthIdentity{{
				ProviderName:   fx.provider,
				ProviderUserID: fx.subject,
				ProviderData:   providerData,
				CreatedAt:      user.CreatedAt,
				UpdatedAt:      user.UpdatedAt,
			}},
		}
		repo.identities[id] = fx.authID
	}

	for token, key := range tokenKeys {
		hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
		if err != nil {
			panic(err)
		}
		stored := *token
		stored.TokenKeyHash = string(hash)
		repo.refreshTokens[stored.TokenID] = &stored
	}

	return repo
}
