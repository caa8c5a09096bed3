package consent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giantswarm/mcp-authserver/internal/util"
	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

type recordKey struct {
	userID   string
	clientID string
}

// MemoryService keeps consent records in a map. Expired records are dropped
// lazily when read.
type MemoryService struct {
	mu      sync.Mutex
	records map[recordKey]*Record
	clock   oauthutil.Clock
	logger  *slog.Logger
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty consent service. A nil clock uses the
// system clock and a nil logger uses slog.Default().
func NewMemoryService(clock oauthutil.Clock, logger *slog.Logger) *MemoryService {
	if clock == nil {
		clock = oauthutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryService{
		records: make(map[recordKey]*Record),
		clock:   clock,
		logger:  logger,
	}
}

// live returns a copy of the record for key without expired scopes,
// dropping the record once nothing is left. Caller holds mu.
func (m *MemoryService) live(key recordKey, now int64) *Record {
	rec := m.records[key].liveAt(now)
	if rec == nil {
		delete(m.records, key)
	}
	return rec
}

// HasUserConsented implements Service.
func (m *MemoryService) HasUserConsented(_ context.Context, userID, clientID string, scopes []string) (bool, error) {
	now := oauthutil.Timestamp(m.clock)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(recordKey{userID, clientID}, now)
	return rec.Covers(scopes, now), nil
}

// RecordUserConsent implements Service.
func (m *MemoryService) RecordUserConsent(_ context.Context, userID, clientID string, scopes []string, opts *Options) error {
	now := oauthutil.Timestamp(m.clock)
	key := recordKey{userID, clientID}

	m.mu.Lock()
	rec := approve(m.live(key, now), userID, clientID, scopes, opts, now)
	m.records[key] = rec
	m.mu.Unlock()

	m.logger.Debug("Recorded consent",
		"user_id", util.SafeTruncate(userID, 8),
		"client_id", clientID,
		"scopes", oauthutil.FormatScopes(rec.Scopes),
		"expires_at", rec.ExpiresAt)
	return nil
}

// RevokeConsent implements Service.
func (m *MemoryService) RevokeConsent(_ context.Context, userID, clientID string, scopes []string) error {
	now := oauthutil.Timestamp(m.clock)
	key := recordKey{userID, clientID}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := revoke(m.live(key, now), scopes, now)
	if rec == nil {
		delete(m.records, key)
		return nil
	}
	m.records[key] = rec
	return nil
}

// GetConsent implements Service.
func (m *MemoryService) GetConsent(_ context.Context, userID, clientID string) (*Record, error) {
	now := oauthutil.Timestamp(m.clock)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.live(recordKey{userID, clientID}, now)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrConsentNotFound, clientID)
	}
	return rec, nil
}
