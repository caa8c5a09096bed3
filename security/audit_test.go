package security

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			auditor := NewAuditor(logger, tt.enabled)

			auditor.LogEvent(Event{
				Type:      "test_event",
				UserID:    "user-123",
				ClientID:  "client-456",
				IPAddress: "192.168.1.1",
			})

			if hasLog := buf.Len() > 0; hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	auditor.LogTokenIssued("user", "client", "ip", "read")
	auditor.LogEvent(Event{Type: EventAuthFailure})
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenIssued("alice@example.com", "client-1", "10.0.0.1", "read")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("log output contains raw user ID")
	}
	if !strings.Contains(out, hashForLogging("alice@example.com")) {
		t.Error("log output missing user ID hash")
	}
}

func TestAuditor_Helpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{name: "token issued", log: func(a *Auditor) { a.LogTokenIssued("u", "c", "ip", "read") }, wantEvent: EventTokenIssued},
		{name: "token refreshed", log: func(a *Auditor) { a.LogTokenRefreshed("u", "c", "ip", true) }, wantEvent: EventTokenRefreshed},
		{name: "token revoked", log: func(a *Auditor) { a.LogTokenRevoked("u", "c", "ip", "refresh_token") }, wantEvent: EventTokenRevoked},
		{name: "auth failure", log: func(a *Auditor) { a.LogAuthFailure("u", "c", "ip", "bad secret") }, wantEvent: EventAuthFailure},
		{name: "rate limit", log: func(a *Auditor) { a.LogRateLimitExceeded("ip", "u") }, wantEvent: EventRateLimitExceeded},
		{name: "client registered", log: func(a *Auditor) { a.LogClientRegistered("c", "public", "ip") }, wantEvent: EventClientRegistered},
		{name: "consent granted", log: func(a *Auditor) { a.LogConsent(EventConsentGranted, "u", "c", []string{"read"}) }, wantEvent: EventConsentGranted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
			var got string
			auditor.OnEvent(func(eventType string) { got = eventType })

			tt.log(auditor)

			if got != tt.wantEvent {
				t.Errorf("event type = %q, want %q", got, tt.wantEvent)
			}
			if !strings.Contains(buf.String(), tt.wantEvent) {
				t.Errorf("log output missing %q", tt.wantEvent)
			}
		})
	}
}

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestAuditor_Sinks(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	auditor.AddSink(failing)
	auditor.AddSink(ok)

	auditor.LogClientRegistered("client-1", "confidential", "10.0.0.1")

	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("sinks received %d/%d events, want 1/1", len(ok.events), len(failing.events))
	}
	if ok.events[0].Timestamp.IsZero() {
		t.Error("event timestamp not set")
	}
	if !strings.Contains(buf.String(), "Failed to publish audit event") {
		t.Error("sink failure not logged")
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	h := hashForLogging("user")
	if len(h) != 16 {
		t.Errorf("len(hash) = %d, want 16", len(h))
	}
	if h != hashForLogging("user") {
		t.Error("hash is not deterministic")
	}
}
