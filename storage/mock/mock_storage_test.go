package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/mcp-authserver/internal/testutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

func TestStore_DelegatesAndOverrides(t *testing.T) {
	ctx := context.Background()
	m := New()

	if err := m.SaveClient(ctx, testutil.PublicClient("c1")); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if _, err := m.GetClient(ctx, "c1"); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	boom := errors.New("backend unavailable")
	m.GetClientFunc = func(context.Context, string) (*storage.Client, error) { return nil, boom }

	if _, err := m.GetClient(ctx, "c1"); !errors.Is(err, boom) {
		t.Errorf("GetClient() error = %v, want injected error", err)
	}
	if got := m.CallCount("GetClient"); got != 2 {
		t.Errorf("CallCount(GetClient) = %d, want 2", got)
	}
	if got := m.CallCount("SaveClient"); got != 1 {
		t.Errorf("CallCount(SaveClient) = %d, want 1", got)
	}
}
