package core

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically purges expired ephemeral entries and refresh tokens
type Janitor struct {
	repo      Repository
	ephemeral EphemeralStore
	interval  time.Duration
	logger    *slog.Logger
}

func NewJanitor(repo Repository, ephemeral EphemeralStore, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{repo: repo, ephemeral: ephemeral, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs a single purge pass. Failures are logged; the next pass retries.
func (j *Janitor) Sweep(ctx context.Context) (entries, tokens int64) {
	entries, err := j.ephemeral.Sweep(ctx)
	if err != nil {
		j.logger.Warn("failed to sweep ephemeral store", "error", err)
	}

	tokens, err = j.repo.DeleteExpiredRefreshTokens(ctx)
	if err != nil {
		j.logger.Warn("failed to delete expired refresh tokens", "error", err)
	}

	if entries > 0 || tokens > 0 {
		j.logger.Debug("janitor sweep", "ephemeral_entries", entries, "refresh_tokens", tokens)
	}
	return entries, tokens
}
