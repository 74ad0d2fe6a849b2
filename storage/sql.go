package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"authflow/core"

	"github.com/google/uuid"
)

// dialect captures what differs between the SQL backends
type dialect struct {
	name string

	// numbered switches ? placeholders to $1, $2, ...
	numbered bool

	// isConflict reports a primary key / unique violation
	isConflict func(error) bool

	// takeInTx takes ephemeral entries with SELECT + DELETE in one (serializable)
	// transaction instead of DELETE ... RETURNING
	takeInTx bool

	// isTakeRace reports that a concurrent take won, so this one reads as not found
	isTakeRace func(error) bool

	// rowsAffected is false when the driver cannot report affected rows
	rowsAffected bool

	upsertEntry string
}

// SQLRepository implements core.Repository and core.EphemeralStore on database/sql.
// Uniqueness of provider identities comes from the auth_identities primary key.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
	closers []func() error
}

func newSQLRepository(db *sql.DB, d dialect) *SQLRepository {
	if d.isTakeRace == nil {
		d.isTakeRace = func(error) bool { return false }
	}
	return &SQLRepository{db: db, dialect: d}
}

func (r *SQLRepository) Close() error {
	err := r.db.Close()
	for _, c := range r.closers {
		err = errors.Join(err, c())
	}
	return err
}

func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// applySchema runs ';'-separated statements one by one
func (r *SQLRepository) applySchema(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// q rewrites placeholders for the dialect
func (r *SQLRepository) q(query string) string {
	if !r.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Identity operations

func (r *SQLRepository) FindIdentity(ctx context.Context, id core.ProviderID) (*core.Auth, error) {
	var authIDStr string
	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT auth_id
		FROM auth_identities
		WHERE provider_name = ? AND provider_user_id = ?
	`), string(id.ProviderName), id.ProviderUserID).Scan(&authIDStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	authID, err := uuid.Parse(authIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth id %q: %w", authIDStr, err)
	}
	return r.loadAuth(ctx, r.db, authID)
}

func (r *SQLRepository) FindAuthByID(ctx context.Context, authID uuid.UUID) (*core.Auth, error) {
	return r.loadAuth(ctx, r.db, authID)
}

func (r *SQLRepository) loadAuth(ctx context.Context, db queryer, authID uuid.UUID) (*core.Auth, error) {
	var userIDStr string
	var createdAt int64
	err := db.QueryRowContext(ctx, r.q(`
		SELECT user_id, created_at
		FROM auths
		WHERE id = ?
	`), authID.String()).Scan(&userIDStr, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt user id %q: %w", userIDStr, err)
	}

	auth := &core.Auth{
		ID:        authID,
		UserID:    userID,
		CreatedAt: time.Unix(createdAt, 0),
	}

	rows, err := db.QueryContext(ctx, r.q(`
		SELECT provider_name, provider_user_id, provider_data, created_at, updated_at
		FROM auth_identities
		WHERE auth_id = ?
		ORDER BY created_at
	`), authID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ident core.AuthIdentity
		var providerName string
		var identCreated, identUpdated int64
		if err := rows.Scan(&providerName, &ident.ProviderUserID, &ident.ProviderData, &identCreated, &identUpdated); err != nil {
			return nil, err
		}
		ident.ProviderName = core.Provider(providerName)
		ident.CreatedAt = time.Unix(identCreated, 0)
		ident.UpdatedAt = time.Unix(identUpdated, 0)
		auth.Identities = append(auth.Identities, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return auth, nil
}

func (r *SQLRepository) CreateUserWithIdentity(ctx context.Context, id core.ProviderID, providerData []byte, fields core.UserFields) (*core.Auth, error) {
	now := time.Now()
	userID := uuid.New()
	authID := uuid.New()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO users (id, email, name, picture, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), userID.String(), fields.Email, fields.Name, fields.Picture, now.Unix(), now.Unix()); err != nil {
		return nil, r.conflictOr(err)
	}

	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO auths (id, user_id, created_at)
		VALUES (?, ?, ?)
	`), authID.String(), userID.String(), now.Unix()); err != nil {
		return nil, r.conflictOr(err)
	}

	if providerData == nil {
		providerData = []byte{}
	}
	if _, err := tx.ExecContext(ctx, r.q(`
		INSERT INTO auth_identities (provider_name, provider_user_id, auth_id, provider_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), string(id.ProviderName), id.ProviderUserID, authID.String(), providerData, now.Unix(), now.Unix()); err != nil {
		return nil, r.conflictOr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, r.conflictOr(err)
	}

	return &core.Auth{
		ID:        authID,
		UserID:    userID,
		CreatedAt: time.Unix(now.Unix(), 0),
		Identities: []core.AuthIdentity{{
			ProviderName:   id.ProviderName,
			ProviderUserID: id.ProviderUserID,
			ProviderData:   providerData,
			CreatedAt:      time.Unix(now.Unix(), 0),
			UpdatedAt:      time.Unix(now.Unix(), 0),
		}},
	}, nil
}

func (r *SQLRepository) conflictOr(err error) error {
	if err != nil && r.dialect.isConflict(err) {
		return core.ErrAlreadyExists
	}
	return err
}

func (r *SQLRepository) UpdateIdentityData(ctx context.Context, id core.ProviderID, providerData []byte) error {
	result, err := r.db.ExecContext(ctx, r.q(`
		UPDATE auth_identities
		SET provider_data = ?, updated_at = ?
		WHERE provider_name = ? AND provider_user_id = ?
	`), providerData, time.Now().Unix(), string(id.ProviderName), id.ProviderUserID)
	if err != nil {
		return err
	}

	if !r.dialect.rowsAffected {
		return nil
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*core.User, error) {
	user := core.User{ID: userID}
	var createdAt, updatedAt int64

	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT email, name, picture, created_at, updated_at
		FROM users
		WHERE id = ?
	`), userID.String()).Scan(&user.Email, &user.Name, &user.Picture, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// RefreshToken operations

func (r *SQLRepository) CreateRefreshToken(ctx context.Context, token *core.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO refresh_tokens (token_id, token_key_hash, auth_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`),
		token.TokenID,
		token.TokenKeyHash,
		token.AuthID.String(),
		token.CreatedAt.Unix(),
		token.ExpiresAt.Unix(),
	)
	return r.conflictOr(err)
}

func (r *SQLRepository) FindRefreshTokenByID(ctx context.Context, tokenID string) (*core.RefreshToken, error) {
	var refreshToken core.RefreshToken
	var authIDStr string
	var createdAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, r.q(`
		SELECT token_id, token_key_hash, auth_id, created_at, expires_at
		FROM refresh_tokens
		WHERE token_id = ?
	`), tokenID).Scan(
		&refreshToken.TokenID,
		&refreshToken.TokenKeyHash,
		&authIDStr,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	authID, err := uuid.Parse(authIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth id %q: %w", authIDStr, err)
	}
	refreshToken.AuthID = authID
	refreshToken.CreatedAt = time.Unix(createdAt, 0)
	refreshToken.ExpiresAt = time.Unix(expiresAt, 0)

	return &refreshToken, nil
}

func (r *SQLRepository) DeleteRefreshTokenByID(ctx context.Context, tokenID string) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM refresh_tokens WHERE token_id = ?`), tokenID)
	return err
}

func (r *SQLRepository) DeleteAllAuthRefreshTokens(ctx context.Context, authID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, r.q(`DELETE FROM refresh_tokens WHERE auth_id = ?`), authID.String())
	return err
}

func (r *SQLRepository) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.q(`DELETE FROM refresh_tokens WHERE expires_at < ?`), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return count, nil
}

// Ephemeral entries

func (r *SQLRepository) Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.q(r.dialect.upsertEntry), key, value, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put ephemeral entry: %w", err)
	}
	return nil
}

func (r *SQLRepository) Take(ctx context.Context, key string) ([]byte, error) {
	now := time.Now().UnixMilli()
	if r.dialect.takeInTx {
		return r.takeInTx(ctx, key, now)
	}

	var value []byte
	err := r.db.QueryRowContext(ctx, r.q(`
		DELETE FROM ephemeral_entries
		WHERE entry_key = ? AND expires_at > ?
		RETURNING entry_value
	`), key, now).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take ephemeral entry: %w", err)
	}
	return value, nil
}

func (r *SQLRepository) takeInTx(ctx context.Context, key string, now int64) ([]byte, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var value []byte
	var expiresAt int64
	err = tx.QueryRowContext(ctx, r.q(`
		SELECT entry_value, expires_at
		FROM ephemeral_entries
		WHERE entry_key = ?
	`), key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, r.takeErr(err)
	}

	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM ephemeral_entries WHERE entry_key = ?`), key); err != nil {
		return nil, r.takeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, r.takeErr(err)
	}

	if expiresAt <= now {
		return nil, core.ErrNotFound
	}
	return value, nil
}

func (r *SQLRepository) takeErr(err error) error {
	if r.dialect.isTakeRace(err) {
		return core.ErrNotFound
	}
	return fmt.Errorf("failed to take ephemeral entry: %w", err)
}

func (r *SQLRepository) Sweep(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.q(`DELETE FROM ephemeral_entries WHERE expires_at <= ?`), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep ephemeral entries: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return count, nil
}
