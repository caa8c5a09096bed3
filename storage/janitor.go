package storage

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupInterval is how often Janitor sweeps when no interval is set.
const DefaultCleanupInterval = time.Minute

// Janitor periodically calls CleanupExpiredTokens on a Cleaner. Stores never
// start one on their own; the embedding process decides whether and how
// often to sweep.
type Janitor struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor creates a Janitor. A non-positive interval uses
// DefaultCleanupInterval and a nil logger uses slog.Default().
func NewJanitor(cleaner Cleaner, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{cleaner: cleaner, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of removed entries.
// Errors are logged, not returned, so a failing backend does not stop Run.
func (j *Janitor) RunOnce(ctx context.Context) int {
	cleaned, err := j.cleaner.CleanupExpiredTokens(ctx)
	if err != nil {
		j.logger.Error("Failed to clean up expired tokens", "error", err)
		return 0
	}
	if cleaned > 0 {
		j.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}
