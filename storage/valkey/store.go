package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyLength bounds client IDs, codes and tokens used in key names
	MaxKeyLength = 512

	// keyExpiryGrace is added to the record expiry when setting the key TTL.
	// Expiry is decided by the server clock; the key TTL only guarantees that
	// abandoned records eventually disappear even without a cleanup pass.
	keyExpiryGrace = 5 * time.Minute

	storageType = "valkey"
)

var errKeyTooLong = fmt.Errorf("identifier exceeds maximum length of %d bytes", MaxKeyLength)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Encryptor seals every stored record with AES-256-GCM when enabled
	Encryptor *security.Encryptor

	// Clock decides expiry during cleanup (default: system clock)
	Clock oauthutil.Clock

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a storage.Store backed by Valkey. Records are JSON documents
// under {prefix}{kind}:{id}; single-use consumption relies on GETDEL.
type Store struct {
	client    valkeygo.Client
	prefix    string
	encryptor *security.Encryptor
	clock     oauthutil.Clock
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := newStore(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix,
		"encryption", s.encryptor.IsEnabled())
	return s, nil
}

func newStore(client valkeygo.Client, cfg Config) *Store {
	s := &Store{
		client:    client,
		prefix:    cfg.KeyPrefix,
		encryptor: cfg.Encryptor,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.clock == nil {
		s.clock = oauthutil.SystemClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetInstrumentation enables operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// ============================================================
// Key Helpers
// ============================================================

const (
	kindClient  = "client"
	kindCode    = "code"
	kindAccess  = "access"
	kindRefresh = "refresh"
)

func (s *Store) key(kind, id string) (string, error) {
	if len(id) > MaxKeyLength {
		return "", errKeyTooLong
	}
	return s.prefix + kind + ":" + id, nil
}

// ttlFor returns the key TTL for a record expiring at expiresAt (unix
// seconds). Zero means no TTL.
func (s *Store) ttlFor(expiresAt int64) time.Duration {
	if expiresAt == 0 {
		return 0
	}
	remaining := time.Unix(expiresAt, 0).Sub(s.clock.Now())
	return max(remaining, 0) + keyExpiryGrace
}

// ============================================================
// Codec
// ============================================================

func (s *Store) encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if s.encryptor.IsEnabled() {
		data, err = s.encryptor.Seal(data)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt record: %w", err)
		}
		s.recordEncryption(context.Background(), "encrypt")
	}
	return string(data), nil
}

func (s *Store) decode(raw string, v any) error {
	data := []byte(raw)
	if s.encryptor.IsEnabled() {
		var err error
		data, err = s.encryptor.Open(data)
		if err != nil {
			return fmt.Errorf("failed to decrypt record: %w", err)
		}
		s.recordEncryption(context.Background(), "decrypt")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}

// put stores v under key with the given TTL (0 = none).
func (s *Store) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	value, err := s.encode(v)
	if err != nil {
		return err
	}

	cmd := s.client.B().Set().Key(key).Value(value)
	if ttl > 0 {
		return s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, cmd.Build()).Error()
}

// get loads key into v. notFound is returned when the key does not exist.
func (s *Store) get(ctx context.Context, key string, v any, notFound error) error {
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return notFound
		}
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	return s.decode(raw, v)
}

// take atomically reads and deletes key.
func (s *Store) take(ctx context.Context, key string, v any, notFound error) error {
	raw, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return notFound
		}
		return fmt.Errorf("failed to getdel %s: %w", key, err)
	}
	return s.decode(raw, v)
}

func (s *Store) del(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) observe(ctx context.Context, operation string, startTime time.Time, err error) {
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if err != nil && !storage.IsNotFound(err) {
		result = "error"
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func (s *Store) recordEncryption(ctx context.Context, operation string) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordEncryptionOperation(ctx, operation)
	}
}
