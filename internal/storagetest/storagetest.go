// Package storagetest holds behaviour tests every storage.Store must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Factory returns a fresh, empty store. clock drives expiry during cleanup.
type Factory func(t *testing.T, clock *testutil.MockTime) storage.Store

// Epoch is the starting time of the clock handed to Factory.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore) })
	t.Run("AuthorizationCodes", func(t *testing.T) { testAuthorizationCodes(t, newStore) })
	t.Run("ConsumeAuthorizationCodeOnce", func(t *testing.T) { testConsumeCodeOnce(t, newStore) })
	t.Run("AccessTokens", func(t *testing.T) { testAccessTokens(t, newStore) })
	t.Run("RefreshTokens", func(t *testing.T) { testRefreshTokens(t, newStore) })
	t.Run("ConsumeRefreshTokenOnce", func(t *testing.T) { testConsumeRefreshOnce(t, newStore) })
	t.Run("CleanupExpiredTokens", func(t *testing.T) { testCleanup(t, newStore) })
}

func newStoreAt(t *testing.T, newStore Factory) (storage.Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(Epoch)
	return newStore(t, clock), clock
}

func testClients(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Fatalf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	client := testutil.ConfidentialClient("client-1", "secret")
	client.Scope = "read write"
	client.Secret.ExpiresAt = Epoch.Add(time.Hour).Unix()
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != client.ClientName || got.Scope != "read write" {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}
	if got.Secret == nil || got.Secret.Hash != client.Secret.Hash || got.Secret.ExpiresAt != client.Secret.ExpiresAt {
		t.Errorf("GetClient().Secret = %+v, want %+v", got.Secret, client.Secret)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Errorf("GetClient().RedirectURIs = %v", got.RedirectURIs)
	}
	if !got.HasGrantType("refresh_token") {
		t.Errorf("GetClient().GrantTypes = %v", got.GrantTypes)
	}

	// Replace with a public client
	public := testutil.PublicClient("client-1")
	if err := store.SaveClient(ctx, public); err != nil {
		t.Fatalf("SaveClient(replace) error = %v", err)
	}
	got, err = store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !got.IsPublic() {
		t.Error("replaced client should be public")
	}

	if err := store.DeleteClient(ctx, "client-1"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if _, err := store.GetClient(ctx, "client-1"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(deleted) error = %v, want ErrClientNotFound", err)
	}
	if err := store.DeleteClient(ctx, "client-1"); err != nil {
		t.Errorf("DeleteClient(twice) error = %v, want nil", err)
	}
}

func sampleCode(code string, expiresAt int64) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		UserID:              "user-1",
		RedirectURI:         testutil.TestRedirectURI,
		Scopes:              []string{"read", "write"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		State:               "xyz",
		ExpiresAt:           expiresAt,
		CreatedAt:           Epoch.Unix(),
	}
}

func testAuthorizationCodes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if _, err := store.GetAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Fatalf("GetAuthorizationCode(missing) error = %v, want ErrAuthorizationCodeNotFound", err)
	}

	code := sampleCode("code-1", Epoch.Add(10*time.Minute).Unix())
	if err := store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := store.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.UserID != "user-1" || got.CodeChallenge != "challenge" || got.State != "xyz" || len(got.Scopes) != 2 {
		t.Errorf("GetAuthorizationCode() = %+v", got)
	}

	// Get does not consume
	if _, err := store.GetAuthorizationCode(ctx, "code-1"); err != nil {
		t.Fatalf("second GetAuthorizationCode() error = %v", err)
	}

	consumed, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if consumed.Code != "code-1" || consumed.ExpiresAt != code.ExpiresAt {
		t.Errorf("ConsumeAuthorizationCode() = %+v", consumed)
	}
	if _, err := store.GetAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("GetAuthorizationCode(consumed) error = %v", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("ConsumeAuthorizationCode(twice) error = %v", err)
	}

	if err := store.SaveAuthorizationCode(ctx, sampleCode("code-2", 0)); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := store.DeleteAuthorizationCode(ctx, "code-2"); err != nil {
		t.Fatalf("DeleteAuthorizationCode() error = %v", err)
	}
	if err := store.DeleteAuthorizationCode(ctx, "code-2"); err != nil {
		t.Errorf("DeleteAuthorizationCode(twice) error = %v", err)
	}
}

func testConsumeCodeOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if err := store.SaveAuthorizationCode(ctx, sampleCode("race", Epoch.Add(time.Minute).Unix())); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAuthorizationCode(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("ConsumeAuthorizationCode succeeded %d times, want 1", wins.Load())
	}
}

func testAccessTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if _, err := store.GetAccessToken(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("GetAccessToken(missing) error = %v, want ErrTokenNotFound", err)
	}

	token := &storage.AccessToken{
		Token:     "at-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		Scopes:    []string{"read"},
		ExpiresAt: Epoch.Add(time.Hour).Unix(),
		CreatedAt: Epoch.Unix(),
		TokenType: storage.TokenTypeBearer,
	}
	if err := store.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	got, err := store.GetAccessToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if got.UserID != "user-1" || got.TokenType != storage.TokenTypeBearer || got.ExpiresAt != token.ExpiresAt {
		t.Errorf("GetAccessToken() = %+v", got)
	}

	if err := store.DeleteAccessToken(ctx, "at-1"); err != nil {
		t.Fatalf("DeleteAccessToken() error = %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "at-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetAccessToken(deleted) error = %v", err)
	}
	if err := store.DeleteAccessToken(ctx, "at-1"); err != nil {
		t.Errorf("DeleteAccessToken(twice) error = %v", err)
	}
}

func sampleRefreshToken(token string, expiresAt int64) *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     token,
		ClientID:  "client-1",
		UserID:    "user-1",
		Scopes:    []string{"read", "write"},
		ExpiresAt: expiresAt,
		CreatedAt: Epoch.Unix(),
	}
}

func testRefreshTokens(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if _, err := store.GetRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("GetRefreshToken(missing) error = %v, want ErrTokenNotFound", err)
	}

	if err := store.SaveRefreshToken(ctx, sampleRefreshToken("rt-1", 0)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	got, err := store.GetRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if got.ExpiresAt != 0 || len(got.Scopes) != 2 {
		t.Errorf("GetRefreshToken() = %+v", got)
	}

	consumed, err := store.ConsumeRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if consumed.UserID != "user-1" {
		t.Errorf("ConsumeRefreshToken() = %+v", consumed)
	}
	if _, err := store.ConsumeRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("ConsumeRefreshToken(twice) error = %v", err)
	}

	if err := store.SaveRefreshToken(ctx, sampleRefreshToken("rt-2", 0)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := store.DeleteRefreshToken(ctx, "rt-2"); err != nil {
		t.Fatalf("DeleteRefreshToken() error = %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, "rt-2"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetRefreshToken(deleted) error = %v", err)
	}
}

func testConsumeRefreshOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStoreAt(t, newStore)

	if err := store.SaveRefreshToken(ctx, sampleRefreshToken("race", 0)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeRefreshToken(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("ConsumeRefreshToken succeeded %d times, want 1", wins.Load())
	}
}

func testCleanup(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, clock := newStoreAt(t, newStore)

	past := Epoch.Add(-time.Second).Unix()
	future := Epoch.Add(time.Hour).Unix()

	mustSave := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("save error = %v", err)
		}
	}
	mustSave(store.SaveAuthorizationCode(ctx, sampleCode("expired-code", past)))
	mustSave(store.SaveAuthorizationCode(ctx, sampleCode("live-code", future)))
	mustSave(store.SaveAccessToken(ctx, &storage.AccessToken{Token: "expired-at", ClientID: "c", UserID: "u", ExpiresAt: past, TokenType: storage.TokenTypeBearer}))
	mustSave(store.SaveAccessToken(ctx, &storage.AccessToken{Token: "live-at", ClientID: "c", UserID: "u", ExpiresAt: future, TokenType: storage.TokenTypeBearer}))
	mustSave(store.SaveRefreshToken(ctx, sampleRefreshToken("expired-rt", past)))
	mustSave(store.SaveRefreshToken(ctx, sampleRefreshToken("eternal-rt", 0)))
	mustSave(store.SaveClient(ctx, testutil.PublicClient("client-1")))

	removed, err := store.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredTokens() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("CleanupExpiredTokens() = %d, want 3", removed)
	}

	if _, err := store.GetAuthorizationCode(ctx, "live-code"); err != nil {
		t.Errorf("live code removed: %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "live-at"); err != nil {
		t.Errorf("live access token removed: %v", err)
	}
	if _, err := store.GetRefreshToken(ctx, "eternal-rt"); err != nil {
		t.Errorf("non-expiring refresh token removed: %v", err)
	}
	if _, err := store.GetClient(ctx, "client-1"); err != nil {
		t.Errorf("client removed by cleanup: %v", err)
	}
	if _, err := store.GetAccessToken(ctx, "expired-at"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired access token still present: %v", err)
	}

	clock.Advance(2 * time.Hour)
	removed, err = store.CleanupExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredTokens() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanupExpiredTokens() after advance = %d, want 2", removed)
	}
	if _, err := store.GetRefreshToken(ctx, "eternal-rt"); err != nil {
		t.Errorf("non-expiring refresh token removed after advance: %v", err)
	}
}
