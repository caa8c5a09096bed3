package consent

import (
	"context"
	"slices"
	"time"

	"github.com/giantswarm/mcp-authserver/oauthutil"
)

// DefaultSessionTTL is how long a consent lasts when the user approved
// without asking the server to remember the decision.
const DefaultSessionTTL = 600 * time.Second

// Options tune how long a recorded consent lives.
type Options struct {
	// Remember keeps the consent until revoked. When false the consent
	// expires after DefaultSessionTTL.
	Remember bool

	// TTLSeconds overrides the lifetime when positive, regardless of Remember.
	TTLSeconds int64
}

// Service records and queries user consent per (user, client) pair.
type Service interface {
	// HasUserConsented reports whether the user holds a live consent for the
	// client that covers every scope in scopes.
	HasUserConsented(ctx context.Context, userID, clientID string, scopes []string) (bool, error)

	// RecordUserConsent adds scopes to the user's consent for the client.
	// A nil opts behaves like Options{Remember: true}.
	RecordUserConsent(ctx context.Context, userID, clientID string, scopes []string, opts *Options) error

	// RevokeConsent removes scopes from the user's consent for the client.
	// When no scopes remain the consent is deleted.
	RevokeConsent(ctx context.Context, userID, clientID string, scopes []string) error

	// GetConsent returns the live consent, or storage.ErrConsentNotFound.
	GetConsent(ctx context.Context, userID, clientID string) (*Record, error)
}

// Record is the consent a user granted a client. Each scope carries its
// own expiry so a short-lived approval never shortens or extends another
// scope.
type Record struct {
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
	// Remember is set while at least one scope is kept until revoked
	Remember bool `json:"remember"`
	// ExpiresAt is unix seconds of the last scope to expire; 0 means the
	// record never expires
	ExpiresAt int64 `json:"expires_at,omitempty"`
	// ScopeExpiresAt holds the expiry of every scope, 0 meaning never.
	// Scopes missing from it fall back to ExpiresAt.
	ScopeExpiresAt map[string]int64 `json:"scope_expires_at,omitempty"`
	UpdatedAt      int64            `json:"updated_at"`
}

// Covers reports whether every requested scope is granted and live at now.
func (r *Record) Covers(scopes []string, now int64) bool {
	live := r.liveAt(now)
	if live == nil {
		return false
	}
	return oauthutil.IsScopeSubset(scopes, live.Scopes)
}

func (r *Record) scopeExpiry(scope string) int64 {
	if exp, ok := r.ScopeExpiresAt[scope]; ok {
		return exp
	}
	return r.ExpiresAt
}

// liveAt returns a copy of r holding only the scopes still live at now, or
// nil when none are.
func (r *Record) liveAt(now int64) *Record {
	if r == nil {
		return nil
	}
	out := &Record{UserID: r.UserID, ClientID: r.ClientID, UpdatedAt: r.UpdatedAt}
	for _, scope := range r.Scopes {
		if exp := r.scopeExpiry(scope); !oauthutil.IsExpiredAt(exp, now) {
			out.setScope(scope, exp)
		}
	}
	if len(out.Scopes) == 0 {
		return nil
	}
	out.summarize()
	return out
}

func (r *Record) setScope(scope string, exp int64) {
	if !slices.Contains(r.Scopes, scope) {
		r.Scopes = append(r.Scopes, scope)
	}
	if r.ScopeExpiresAt == nil {
		r.ScopeExpiresAt = make(map[string]int64, len(r.Scopes))
	}
	r.ScopeExpiresAt[scope] = exp
}

// summarize derives ExpiresAt and Remember from the per-scope expiries.
func (r *Record) summarize() {
	r.Remember = false
	r.ExpiresAt = 0
	for _, scope := range r.Scopes {
		exp := r.ScopeExpiresAt[scope]
		if exp == 0 {
			r.Remember = true
			r.ExpiresAt = 0
			return
		}
		r.ExpiresAt = max(r.ExpiresAt, exp)
	}
}

// expiresAt computes the expiry of a consent recorded at now.
func expiresAt(opts *Options, now int64) int64 {
	switch {
	case opts == nil:
		return 0
	case opts.TTLSeconds > 0:
		return now + opts.TTLSeconds
	case opts.Remember:
		return 0
	default:
		return now + int64(DefaultSessionTTL/time.Second)
	}
}

// approve merges scopes into existing (which may be nil or expired) and
// returns the record to store. The approved scopes take the expiry from
// opts; every other live scope keeps its own.
func approve(existing *Record, userID, clientID string, scopes []string, opts *Options, now int64) *Record {
	rec := existing.liveAt(now)
	if rec == nil {
		rec = &Record{UserID: userID, ClientID: clientID}
	}
	exp := expiresAt(opts, now)
	for _, scope := range scopes {
		rec.setScope(scope, exp)
	}
	rec.UpdatedAt = now
	rec.summarize()
	return rec
}

// revoke removes scopes from existing. It returns nil when nothing remains.
func revoke(existing *Record, scopes []string, now int64) *Record {
	rec := existing.liveAt(now)
	if rec == nil {
		return nil
	}
	rec.Scopes = oauthutil.SubtractScopes(rec.Scopes, scopes)
	if len(rec.Scopes) == 0 {
		return nil
	}
	for _, scope := range scopes {
		delete(rec.ScopeExpiresAt, scope)
	}
	rec.UpdatedAt = now
	rec.summarize()
	return rec
}
