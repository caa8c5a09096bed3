package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// DefaultRedisKeyPrefix namespaces consent keys
	DefaultRedisKeyPrefix = "consent:"

	// maxTxRetries bounds optimistic-lock retries on concurrent updates
	maxTxRetries = 5
)

// RedisConfig configures a RedisService.
type RedisConfig struct {
	// KeyPrefix defaults to DefaultRedisKeyPrefix
	KeyPrefix string
	Clock     oauthutil.Clock
	Logger    *slog.Logger
}

// RedisService stores one JSON record per (user, client) pair. Records with
// an expiry carry a matching key TTL so Redis drops them on its own.
type RedisService struct {
	client redis.UniversalClient
	prefix string
	clock  oauthutil.Clock
	logger *slog.Logger
}

var _ Service = (*RedisService)(nil)

// NewRedisService wraps an existing client.
func NewRedisService(client redis.UniversalClient, cfg RedisConfig) *RedisService {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Clock == nil {
		cfg.Clock = oauthutil.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisService{
		client: client,
		prefix: cfg.KeyPrefix,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

// DialRedis parses a redis:// URL, connects and pings the server.
func DialRedis(ctx context.Context, redisURL string, cfg RedisConfig) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisService(client, cfg), nil
}

// Close closes the underlying client.
func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) key(userID, clientID string) string {
	return s.prefix + userID + ":" + clientID
}

// load reads the live record at key. Missing or expired records yield nil.
func (s *RedisService) load(ctx context.Context, c redis.Cmdable, key string, now int64) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read consent: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode consent: %w", err)
	}
	return rec.liveAt(now), nil
}

// update runs fn inside a WATCH transaction on key and writes the result.
// A nil result deletes the key.
func (s *RedisService) update(ctx context.Context, key string, fn func(existing *Record, now int64) *Record) error {
	txf := func(tx *redis.Tx) error {
		now := oauthutil.Timestamp(s.clock)
		existing, err := s.load(ctx, tx, key, now)
		if err != nil {
			return err
		}
		rec := fn(existing, now)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if rec == nil {
				pipe.Del(ctx, key)
				return nil
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode consent: %w", err)
			}
			var ttl time.Duration
			if rec.ExpiresAt > 0 {
				ttl = time.Duration(rec.ExpiresAt-now) * time.Second
			}
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("consent update on %s: too many concurrent modifications", key)
}

// HasUserConsented implements Service.
func (s *RedisService) HasUserConsented(ctx context.Context, userID, clientID string, scopes []string) (bool, error) {
	now := oauthutil.Timestamp(s.clock)
	rec, err := s.load(ctx, s.client, s.key(userID, clientID), now)
	if err != nil {
		return false, err
	}
	return rec.Covers(scopes, now), nil
}

// RecordUserConsent implements Service.
func (s *RedisService) RecordUserConsent(ctx context.Context, userID, clientID string, scopes []string, opts *Options) error {
	err := s.update(ctx, s.key(userID, clientID), func(existing *Record, now int64) *Record {
		return approve(existing, userID, clientID, scopes, opts, now)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Recorded consent",
		"user_id", util.SafeTruncate(userID, 8),
		"client_id", clientID,
		"scopes", oauthutil.FormatScopes(scopes))
	return nil
}

// RevokeConsent implements Service.
func (s *RedisService) RevokeConsent(ctx context.Context, userID, clientID string, scopes []string) error {
	return s.update(ctx, s.key(userID, clientID), func(existing *Record, now int64) *Record {
		return revoke(existing, scopes, now)
	})
}

// GetConsent implements Service.
func (s *RedisService) GetConsent(ctx context.Context, userID, clientID string) (*Record, error) {
	rec, err := s.load(ctx, s.client, s.key(userID, clientID), oauthutil.Timestamp(s.clock))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrConsentNotFound, clientID)
	}
	return rec, nil
}
