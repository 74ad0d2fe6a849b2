package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const codeNamespace = "otc"

// OneTimeCodes hands out single-use codes bound to an Auth. The client trades a code for a
// session exactly once; the raw code is only ever held by the client.
type OneTimeCodes struct {
	store EphemeralStore
	ttl   time.Duration
	now   func() time.Time
}

func NewOneTimeCodes(store EphemeralStore, ttl time.Duration) *OneTimeCodes {
	return &OneTimeCodes{store: store, ttl: ttl, now: time.Now}
}

func (c *OneTimeCodes) Issue(ctx context.Context, authID uuid.UUID) (string, error) {
	random, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate one-time code: %w", err)
	}
	code := oneTimeCodePrefix + random

	expiresAt := c.now().Add(c.ttl)
	if err := c.store.Put(ctx, lookupKey(codeNamespace, code), []byte(authID.String()), expiresAt); err != nil {
		return "", fmt.Errorf("failed to store one-time code: %w", err)
	}
	return code, nil
}

// Consume returns the bound Auth id and invalidates the code.
// Unknown, expired and reused codes all yield ErrCodeNotFound.
func (c *OneTimeCodes) Consume(ctx context.Context, code string) (uuid.UUID, error) {
	if !strings.HasPrefix(code, oneTimeCodePrefix) {
		return uuid.Nil, ErrCodeNotFound
	}

	value, err := c.store.Take(ctx, lookupKey(codeNamespace, code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return uuid.Nil, ErrCodeNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to consume one-time code: %w", err)
	}

	authID, err := uuid.ParseBytes(value)
	if err != nil {
		return uuid.Nil, ErrCodeNotFound
	}
	return authID, nil
}
