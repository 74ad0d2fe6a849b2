package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	yc "github.com/ydb-platform/ydb-go-yc"
)

//go:embed schema/ydb/schema.sql
var ydbSchema string

type YDBConfig struct {
	DSN string `yaml:"dsn"`

	// ServiceAccountKeyFile authenticates with a Yandex Cloud service account key.
	// Without it, UseMetadataCredentials picks credentials from the instance metadata.
	ServiceAccountKeyFile  string `yaml:"service_account_key_file"`
	UseMetadataCredentials bool   `yaml:"use_metadata_credentials"`
}

func (c YDBConfig) options() []ydb.Option {
	var opts []ydb.Option
	switch {
	case c.ServiceAccountKeyFile != "":
		opts = append(opts, yc.WithInternalCA(), yc.WithServiceAccountKeyFileCredentials(c.ServiceAccountKeyFile))
	case c.UseMetadataCredentials:
		opts = append(opts, yc.WithInternalCA(), yc.WithMetadataCredentials())
	}
	return opts
}

// NewYDBRepository talks to YDB through its database/sql connector with positional
// ? arguments, so it shares every query with the SQLite backend.
func NewYDBRepository(ctx context.Context, cfg YDBConfig) (*SQLRepository, error) {
	driver, err := ydb.Open(ctx, cfg.DSN, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ydb: %w", err)
	}

	connector, err := ydb.Connector(driver,
		ydb.WithAutoDeclare(),
		ydb.WithPositionalArgs(),
		ydb.WithQueryService(true),
	)
	if err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to create ydb connector: %w", err)
	}

	db := sql.OpenDB(connector)
	repo := newSQLRepository(db, dialect{
		name:       "ydb",
		isConflict: isYDBConflict,
		takeInTx:   true,
		isTakeRace: ydb.IsOperationErrorTransactionLocksInvalidated,
		upsertEntry: `
			UPSERT INTO ephemeral_entries (entry_key, entry_value, expires_at)
			VALUES (?, ?, ?)
		`,
	})
	repo.closers = append(repo.closers, func() error { return driver.Close(context.Background()) })

	if err := repo.applySchema(ctx, ydbSchema); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// isYDBConflict covers both a plain key conflict and a concurrent writer
// invalidating our locks on the same key
func isYDBConflict(err error) bool {
	if ydb.IsOperationErrorTransactionLocksInvalidated(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict with existing key") ||
		strings.Contains(msg, "PRECONDITION_FAILED")
}
