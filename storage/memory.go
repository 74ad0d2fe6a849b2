package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"authflow/core"

	"github.com/google/uuid"
)

// MemoryRepository is a process-local core.Repository. Every method runs under one lock,
// which is what makes identity creation atomic here.
type MemoryRepository struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*core.User
	auths         map[uuid.UUID]*core.Auth
	identities    map[core.ProviderID]uuid.UUID // identity -> auth id
	refreshTokens map[string]*core.RefreshToken
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[uuid.UUID]*core.User),
		auths:         make(map[uuid.UUID]*core.Auth),
		identities:    make(map[core.ProviderID]uuid.UUID),
		refreshTokens: make(map[string]*core.RefreshToken),
	}
}

func (m *MemoryRepository) FindIdentity(ctx context.Context, id core.ProviderID) (*core.Auth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	authID, ok := m.identities[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return m.copyAuth(authID)
}

func (m *MemoryRepository) FindAuthByID(ctx context.Context, authID uuid.UUID) (*core.Auth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.copyAuth(authID)
}

// copyAuth must be called with mu held
func (m *MemoryRepository) copyAuth(authID uuid.UUID) (*core.Auth, error) {
	auth, ok := m.auths[authID]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *auth
	out.Identities = make([]core.AuthIdentity, len(auth.Identities))
	for i, ident := range auth.Identities {
		ident.ProviderData = bytes.Clone(ident.ProviderData)
		out.Identities[i] = ident
	}
	return &out, nil
}

func (m *MemoryRepository) CreateUserWithIdentity(ctx context.Context, id core.ProviderID, providerData []byte, fields core.UserFields) (*core.Auth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[id]; exists {
		return nil, core.ErrAlreadyExists
	}

	now := time.Now()
	user := &core.User{
		ID:        uuid.New(),
		Email:     fields.Email,
		Name:      fields.Name,
		Picture:   fields.Picture,
		CreatedAt: now,
		UpdatedAt: now,
	}
	auth := &core.Auth{
		ID:        uuid.New(),
		UserID:    user.ID,
		CreatedAt: now,
		Identities: []core.AuthIdentity{{
			ProviderName:   id.ProviderName,
			ProviderUserID: id.ProviderUserID,
			ProviderData:   bytes.Clone(providerData),
			CreatedAt:      now,
			UpdatedAt:      now,
		}},
	}

	m.users[user.ID] = user
	m.auths[auth.ID] = auth
	m.identities[id] = auth.ID

	return m.copyAuth(auth.ID)
}

func (m *MemoryRepository) UpdateIdentityData(ctx context.Context, id core.ProviderID, providerData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	authID, ok := m.identities[id]
	if !ok {
		return core.ErrNotFound
	}
	auth := m.auths[authID]
	for i := range auth.Identities {
		if auth.Identities[i].ProviderID() == id {
			auth.Identities[i].ProviderData = bytes.Clone(providerData)
			auth.Identities[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return core.ErrNotFound
}

func (m *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *user
	return &out, nil
}

func (m *MemoryRepository) CreateRefreshToken(ctx context.Context, token *core.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refreshTokens[token.TokenID]; exists {
		return core.ErrAlreadyExists
	}
	stored := *token
	m.refreshTokens[token.TokenID] = &stored
	return nil
}

func (m *MemoryRepository) FindRefreshTokenByID(ctx context.Context, tokenID string) (*core.RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.refreshTokens[tokenID]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := *token
	return &out, nil
}

func (m *MemoryRepository) DeleteRefreshTokenByID(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refreshTokens, tokenID)
	return nil
}

func (m *MemoryRepository) DeleteAllAuthRefreshTokens(ctx context.Context, authID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, token := range m.refreshTokens {
		if token.AuthID == authID {
			delete(m.refreshTokens, id)
		}
	}
	return nil
}

func (m *MemoryRepository) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var count int64
	for id, token := range m.refreshTokens {
		if token.ExpiresAt.Before(now) {
			delete(m.refreshTokens, id)
			count++
		}
	}
	return count, nil
}

// Counts reports stored users, auths and refresh tokens
func (m *MemoryRepository) Counts() (users, auths, tokens int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), len(m.auths), len(m.refreshTokens)
}

// AuthRefreshTokenIDs lists the refresh token ids of an Auth, sorted
func (m *MemoryRepository) AuthRefreshTokenIDs(authID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, token := range m.refreshTokens {
		if token.AuthID == authID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryEphemeralStore is a process-local core.EphemeralStore. It only works for a
// single instance; use the SQL or Redis store when running several.
type MemoryEphemeralStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryEphemeralStore() *MemoryEphemeralStore {
	return &MemoryEphemeralStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryEphemeralStore) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: bytes.Clone(value), expiresAt: expiresAt}
	return nil
}

func (s *MemoryEphemeralStore) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	delete(s.entries, key)

	if !s.now().Before(entry.expiresAt) {
		return nil, core.ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryEphemeralStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of stored entries, expired ones included
func (s *MemoryEphemeralStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
