package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"authflow/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shared behaviour every backend must provide. Provider subjects and keys are random
// so the suites can run against a long-lived database.

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) core.Repository) {
	t.Run("create and find identity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := core.ProviderID{ProviderName: core.ProviderGoogle, ProviderUserID: uniqueID("gid")}

		_, err := repo.FindIdentity(ctx, id)
		require.ErrorIs(t, err, core.ErrNotFound)

		auth, err := repo.CreateUserWithIdentity(ctx, id, []byte(`{"email":"a@example.com"}`), core.UserFields{
			Email:   "a@example.com",
			Name:    "A",
			Picture: "https://example.com/a.png",
		})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, auth.ID)
		assert.NotEqual(t, uuid.Nil, auth.UserID)

		found, err := repo.FindIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, auth.ID, found.ID)
		assert.Equal(t, auth.UserID, found.UserID)
		require.Len(t, found.Identities, 1)
		assert.Equal(t, id, found.Identities[0].ProviderID())
		assert.JSONEq(t, `{"email":"a@example.com"}`, string(found.Identities[0].ProviderData))

		byID, err := repo.FindAuthByID(ctx, auth.ID)
		require.NoError(t, err)
		assert.Equal(t, auth.UserID, byID.UserID)

		user, err := repo.FindUserByID(ctx, auth.UserID)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", user.Email)
		assert.Equal(t, "A", user.Name)
		assert.Equal(t, "https://example.com/a.png", user.Picture)
	})

	t.Run("same subject at another provider is another identity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		subject := uniqueID("sub")

		a, err := repo.CreateUserWithIdentity(ctx, core.ProviderID{ProviderName: core.ProviderGoogle, ProviderUserID: subject}, nil, core.UserFields{})
		require.NoError(t, err)
		b, err := repo.CreateUserWithIdentity(ctx, core.ProviderID{ProviderName: core.ProviderGitHub, ProviderUserID: subject}, nil, core.UserFields{})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("duplicate identity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := core.ProviderID{ProviderName: core.ProviderGitHub, ProviderUserID: uniqueID("42")}

		first, err := repo.CreateUserWithIdentity(ctx, id, nil, core.UserFields{Email: "first@example.com"})
		require.NoError(t, err)

		_, err = repo.CreateUserWithIdentity(ctx, id, nil, core.UserFields{Email: "second@example.com"})
		require.ErrorIs(t, err, core.ErrAlreadyExists)

		found, err := repo.FindIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
	})

	t.Run("concurrent signup creates one account", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := core.ProviderID{ProviderName: core.ProviderGitHub, ProviderUserID: uniqueID("race")}

		const workers = 4
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			created  []uuid.UUID
			conflict int
			other    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				auth, err := repo.CreateUserWithIdentity(ctx, id, nil, core.UserFields{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created = append(created, auth.ID)
				case errors.Is(err, core.ErrAlreadyExists):
					conflict++
				default:
					other = append(other, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, other)
		require.Len(t, created, 1)
		assert.Equal(t, workers-1, conflict)

		found, err := repo.FindIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, created[0], found.ID)
	})

	t.Run("update identity data", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		id := core.ProviderID{ProviderName: core.ProviderYandex, ProviderUserID: uniqueID("ya")}

		_, err := repo.CreateUserWithIdentity(ctx, id, []byte(`{"v":1}`), core.UserFields{})
		require.NoError(t, err)
		require.NoError(t, repo.UpdateIdentityData(ctx, id, []byte(`{"v":2}`)))

		found, err := repo.FindIdentity(ctx, id)
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(found.Identities[0].ProviderData))
	})

	t.Run("missing rows", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.FindAuthByID(ctx, uuid.New())
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = repo.FindUserByID(ctx, uuid.New())
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = repo.FindRefreshTokenByID(ctx, uniqueID("nope"))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("refresh tokens", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		auth, err := repo.CreateUserWithIdentity(ctx, core.ProviderID{ProviderName: core.ProviderGoogle, ProviderUserID: uniqueID("rt")}, nil, core.UserFields{})
		require.NoError(t, err)

		now := time.Now().Truncate(time.Second)
		live := &core.RefreshToken{TokenID: uniqueID("live"), TokenKeyHash: "hash", AuthID: auth.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		second := &core.RefreshToken{TokenID: uniqueID("second"), TokenKeyHash: "hash", AuthID: auth.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		expired := &core.RefreshToken{TokenID: uniqueID("expired"), TokenKeyHash: "hash", AuthID: auth.ID, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
		for _, tok := range []*core.RefreshToken{live, second, expired} {
			require.NoError(t, repo.CreateRefreshToken(ctx, tok))
		}

		found, err := repo.FindRefreshTokenByID(ctx, live.TokenID)
		require.NoError(t, err)
		assert.Equal(t, auth.ID, found.AuthID)
		assert.Equal(t, "hash", found.TokenKeyHash)
		assert.True(t, found.ExpiresAt.Equal(live.ExpiresAt))

		removed, err := repo.DeleteExpiredRefreshTokens(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(1))
		_, err = repo.FindRefreshTokenByID(ctx, expired.TokenID)
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, repo.DeleteRefreshTokenByID(ctx, live.TokenID))
		_, err = repo.FindRefreshTokenByID(ctx, live.TokenID)
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, repo.DeleteAllAuthRefreshTokens(ctx, auth.ID))
		_, err = repo.FindRefreshTokenByID(ctx, second.TokenID)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func runEphemeralContract(t *testing.T, newStore func(t *testing.T) core.EphemeralStore, sweeps bool) {
	t.Run("take once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := uniqueID("otc")

		require.NoError(t, store.Put(ctx, key, []byte("value"), time.Now().Add(time.Minute)))

		value, err := store.Take(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), value)

		_, err = store.Take(ctx, key)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("unknown key", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Take(context.Background(), uniqueID("missing"))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("expired entry is not found", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := uniqueID("short")

		require.NoError(t, store.Put(ctx, key, []byte("value"), time.Now().Add(1100*time.Millisecond)))
		time.Sleep(1500 * time.Millisecond)

		_, err := store.Take(ctx, key)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("concurrent take", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		key := uniqueID("race")
		require.NoError(t, store.Put(ctx, key, []byte("value"), time.Now().Add(time.Minute)))

		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  int
			notFound int
			other    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Take(ctx, key)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, core.ErrNotFound):
					notFound++
				default:
					other = append(other, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, other)
		assert.Equal(t, 1, winners)
		assert.Equal(t, workers-1, notFound)
	})

	if !sweeps {
		return
	}

	t.Run("sweep", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		live := uniqueID("live")

		require.NoError(t, store.Put(ctx, live, []byte("v"), time.Now().Add(time.Minute)))
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Put(ctx, fmt.Sprintf("%s-%d", uniqueID("dead"), i), []byte("v"), time.Now().Add(50*time.Millisecond)))
		}
		time.Sleep(100 * time.Millisecond)

		removed, err := store.Sweep(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(3))

		_, err = store.Take(ctx, live)
		assert.NoError(t, err)
	})
}
