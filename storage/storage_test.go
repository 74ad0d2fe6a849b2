package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"authflow/core"
	"authflow/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) *storage.SQLRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "authflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) core.Repository {
		return storage.NewMemoryRepository()
	})
}

func TestMemoryEphemeralStore(t *testing.T) {
	runEphemeralContract(t, func(t *testing.T) core.EphemeralStore {
		return storage.NewMemoryEphemeralStore()
	}, true)
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) core.Repository {
		return newSQLiteRepo(t)
	})
}

func TestSQLiteEphemeralStore(t *testing.T) {
	runEphemeralContract(t, func(t *testing.T) core.EphemeralStore {
		return newSQLiteRepo(t)
	}, true)
}

func TestSQLiteRepository_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authflow.db")
	ctx := context.Background()
	id := core.ProviderID{ProviderName: core.ProviderGoogle, ProviderUserID: "gid-9"}

	repo, err := storage.NewSQLiteRepository(path)
	require.NoError(t, err)
	auth, err := repo.CreateUserWithIdentity(ctx, id, nil, core.UserFields{Email: "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = storage.NewSQLiteRepository(path)
	require.NoError(t, err)
	defer repo.Close()

	found, err := repo.FindIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, auth.ID, found.ID)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("AUTHFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTHFLOW_TEST_POSTGRES_DSN not set")
	}

	open := func(t *testing.T) *storage.SQLRepository {
		repo, err := storage.NewPostgresRepository(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	}
	runRepositoryContract(t, func(t *testing.T) core.Repository { return open(t) })
	runEphemeralContract(t, func(t *testing.T) core.EphemeralStore { return open(t) }, true)
}

func TestYDBRepository(t *testing.T) {
	dsn := os.Getenv("AUTHFLOW_TEST_YDB_DSN")
	if dsn == "" {
		t.Skip("AUTHFLOW_TEST_YDB_DSN not set")
	}

	open := func(t *testing.T) *storage.SQLRepository {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := storage.NewYDBRepository(ctx, storage.YDBConfig{DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	}
	runRepositoryContract(t, func(t *testing.T) core.Repository { return open(t) })
	runEphemeralContract(t, func(t *testing.T) core.EphemeralStore { return open(t) }, true)
}

func TestRedisEphemeralStore(t *testing.T) {
	addr := os.Getenv("AUTHFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTHFLOW_TEST_REDIS_ADDR not set")
	}

	runEphemeralContract(t, func(t *testing.T) core.EphemeralStore {
		store, err := storage.NewRedisEphemeralStore(context.Background(), storage.RedisConfig{
			Addr:   addr,
			Prefix: "authflow-test:",
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}, false)
}

func TestRedisEphemeralStore_Unreachable(t *testing.T) {
	_, err := storage.NewRedisEphemeralStore(context.Background(), storage.RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestMockRepository(t *testing.T) {
	repo := storage.NewMockRepository()
	ctx := context.Background()

	users, auths, tokens := repo.Counts()
	assert.Equal(t, 3, users)
	assert.Equal(t, 3, auths)
	assert.Equal(t, 4, tokens)

	auth, err := repo.FindAuthByID(ctx, storage.Auth1ID)
	require.NoError(t, err)
	assert.Equal(t, storage.User1.ID, auth.UserID)

	crypto, err := core.NewCryptoService(storage.MockEncryptionKey)
	require.NoError(t, err)
	token, err := repo.FindRefreshTokenByID(ctx, storage.Token1.TokenID)
	require.NoError(t, err)
	assert.True(t, crypto.VerifyTokenHash(storage.Token1Key, token.TokenKeyHash))

	assert.ElementsMatch(t, []string{storage.Token1.TokenID, storage.Token4.TokenID}, repo.AuthRefreshTokenIDs(storage.Auth1ID))
}

func TestMemoryEphemeralStore_Len(t *testing.T) {
	store := storage.NewMemoryEphemeralStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", []byte("1"), time.Now().Add(time.Minute)))
	require.NoError(t, store.Put(ctx, "a", []byte("2"), time.Now().Add(time.Minute)))
	assert.Equal(t, 1, store.Len())

	value, err := store.Take(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)
	assert.Zero(t, store.Len())
}
