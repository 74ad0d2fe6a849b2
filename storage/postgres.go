package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

//go:embed schema/postgres/schema.sql
var postgresSchema string

const pqUniqueViolation = "23505"

func NewPostgresRepository(ctx context.Context, dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	repo := newSQLRepository(db, dialect{
		name:         "postgres",
		numbered:     true,
		isConflict:   isPostgresUniqueViolation,
		rowsAffected: true,
		upsertEntry: `
			INSERT INTO ephemeral_entries (entry_key, entry_value, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (entry_key) DO UPDATE SET entry_value = EXCLUDED.entry_value, expires_at = EXCLUDED.expires_at
		`,
	})

	if err := repo.applySchema(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
