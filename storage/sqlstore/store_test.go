package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-authserver/internal/storagetest"
	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

func openSQLite(t *testing.T, clock *testutil.MockTime) *Store {
	t.Helper()
	cfg := Config{
		Driver: DriverSQLite,
		DSN:    ":memory:",
		Logger: testutil.DiscardLogger(),
	}
	if clock != nil {
		cfg.Clock = clock
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clock *testutil.MockTime) storage.Store {
		return openSQLite(t, clock)
	})
}

func TestStore_PostgresConformance(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}

	storagetest.Run(t, func(t *testing.T, clock *testutil.MockTime) storage.Store {
		s, err := Open(context.Background(), Config{Driver: DriverPostgres, DSN: dsn, Clock: clock, Logger: testutil.DiscardLogger()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		_, err = s.db.Exec(`TRUNCATE oauth_clients, oauth_authorization_codes, oauth_access_tokens, oauth_refresh_tokens`)
		require.NoError(t, err)
		return s
	})
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{Driver: "mysql", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported sql driver")

	_, err = Open(ctx, Config{Driver: DriverSQLite})
	assert.ErrorContains(t, err, "DSN is required")
}

func TestStore_MigrateIdempotent(t *testing.T) {
	s := openSQLite(t, nil)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestStore_ClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, nil)

	public := testutil.PublicClient("pub")
	public.ResponseTypes = nil
	require.NoError(t, s.SaveClient(ctx, public))

	got, err := s.GetClient(ctx, "pub")
	require.NoError(t, err)
	assert.True(t, got.IsPublic())
	assert.Equal(t, public.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, public.GrantTypes, got.GrantTypes)
	assert.Empty(t, got.ResponseTypes)

	var secretHash sql.NullString
	require.NoError(t, s.db.Get(&secretHash, `SELECT secret_hash FROM oauth_clients WHERE client_id = 'pub'`))
	assert.False(t, secretHash.Valid, "public client must store NULL secret")
}

func TestStore_ScopesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, nil)

	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{Token: "rt", ClientID: "c", UserID: "u"}))
	got, err := s.GetRefreshToken(ctx, "rt")
	require.NoError(t, err)
	assert.NotNil(t, got.Scopes)
	assert.Empty(t, got.Scopes)
}
