package testutil

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

func TestMockTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMockTime(start)

	m.Advance(time.Hour)
	if got := m.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Hour))
	}
	m.Set(start)
	if got := m.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, b := GenerateRandomString(24), GenerateRandomString(24)
	if len(a) != 24 {
		t.Errorf("len = %d, want 24", len(a))
	}
	if a == b {
		t.Error("two random strings are equal")
	}
}

func TestGeneratePKCEPair(t *testing.T) {
	challenge, verifier := GeneratePKCEPair()
	if challenge != oauth2.S256ChallengeFromVerifier(verifier) {
		t.Error("challenge does not match verifier")
	}
}

func TestClients(t *testing.T) {
	pub := PublicClient("pub")
	if !pub.IsPublic() {
		t.Error("PublicClient() should be public")
	}
	conf := ConfidentialClient("conf", "s3cret")
	if conf.IsPublic() {
		t.Fatal("ConfidentialClient() should not be public")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(conf.Secret.Hash), []byte("s3cret")); err != nil {
		t.Errorf("secret hash mismatch: %v", err)
	}
}
