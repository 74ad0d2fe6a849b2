package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

// NewSQLiteRepository opens (and creates) the database file. A single connection
// serialises writers, which SQLite needs anyway.
func NewSQLiteRepository(dbPath string) (*SQLRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := newSQLRepository(db, dialect{
		name:         "sqlite",
		isConflict:   isSQLiteConstraintError,
		rowsAffected: true,
		upsertEntry: `
			INSERT INTO ephemeral_entries (entry_key, entry_value, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (entry_key) DO UPDATE SET entry_value = excluded.entry_value, expires_at = excluded.expires_at
		`,
	})

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := repo.applySchema(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

func isSQLiteConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
