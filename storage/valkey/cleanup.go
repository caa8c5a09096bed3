package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-authserver/oauthutil"
)

// expiring is the subset of every code and token record cleanup needs.
type expiring struct {
	ExpiresAt int64 `json:"expires_at"`
}

// CleanupExpiredTokens scans codes and tokens and deletes those whose
// expires_at has passed according to the store clock. Records the server
// already evicted by TTL are not counted.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (removed int, err error) {
	defer func(start time.Time) { s.observe(ctx, "cleanup_expired_tokens", start, err) }(time.Now())

	now := oauthutil.Timestamp(s.clock)
	for _, kind := range []string{kindCode, kindAccess, kindRefresh} {
		n, err := s.cleanupKind(ctx, kind, now)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	if removed > 0 {
		s.logger.Debug("Removed expired entries", "count", removed)
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordCleanup(ctx, storageType, removed)
		}
	}
	return removed, nil
}

func (s *Store) cleanupKind(ctx context.Context, kind string, now int64) (int, error) {
	pattern := s.prefix + kind + ":*"
	removed := 0

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("failed to scan %s keys: %w", kind, err)
		}

		for _, key := range result.Elements {
			raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // evicted between SCAN and GET
				}
				return removed, fmt.Errorf("failed to get %s: %w", key, err)
			}

			var rec expiring
			if err := s.decode(raw, &rec); err != nil {
				s.logger.Warn("Skipping undecodable record during cleanup", "kind", kind, "error", err)
				continue
			}
			if !oauthutil.IsExpiredAt(rec.ExpiresAt, now) {
				continue
			}

			deleted, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
			if err != nil {
				return removed, fmt.Errorf("failed to delete %s: %w", key, err)
			}
			removed += int(deleted)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
