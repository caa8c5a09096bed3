package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-authserver/consent"
	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/internal/config"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
	"github.com/giantswarm/mcp-authserver/storage/memory"
	"github.com/giantswarm/mcp-authserver/storage/sqlstore"
	"github.com/giantswarm/mcp-authserver/storage/valkey"
)

// instrumentedStore is implemented by every store that records metrics.
type instrumentedStore interface {
	SetInstrumentation(*instrumentation.Instrumentation)
}

// backends holds the opened store and consent service and how to close them.
type backends struct {
	Store    storage.Store
	Consents consent.Service

	closers []func() error
}

// openBackends connects the storage and consent backends selected in cfg.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	store, err := b.openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.Store = store

	consents, err := b.openConsents(ctx, cfg, logger)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Consents = consents
	return b, nil
}

func (b *backends) openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		s := memory.New()
		s.SetLogger(logger)
		return s, nil

	case config.StorageValkey:
		key, err := cfg.EncryptionKey()
		if err != nil {
			return nil, err
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return nil, err
		}
		s, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Encryptor: enc,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open valkey storage: %w", err)
		}
		b.closers = append(b.closers, func() error { s.Close(); return nil })
		return s, nil

	case config.StorageSQLite, config.StoragePostgres:
		driver := sqlstore.DriverSQLite
		if cfg.Storage.Backend == config.StoragePostgres {
			driver = sqlstore.DriverPostgres
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver: driver,
			DSN:    cfg.Storage.SQL.DSN,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
		}
		b.closers = append(b.closers, s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func (b *backends) openConsents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (consent.Service, error) {
	switch cfg.Consent.Backend {
	case config.ConsentMemory:
		return consent.NewMemoryService(nil, logger), nil

	case config.ConsentRedis:
		s, err := consent.DialRedis(ctx, cfg.Consent.RedisURL, consent.RedisConfig{
			KeyPrefix: cfg.Consent.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis consent backend: %w", err)
		}
		b.closers = append(b.closers, s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("unknown consent backend %q", cfg.Consent.Backend)
}

// instrument forwards inst to the store when it supports metrics.
func (b *backends) instrument(inst *instrumentation.Instrumentation) {
	if s, ok := b.Store.(instrumentedStore); ok {
		s.SetInstrumentation(inst)
	}
}

// Close closes every opened backend in reverse order.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
