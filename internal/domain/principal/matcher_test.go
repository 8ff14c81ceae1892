package principal

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptMatcher(t *testing.T) {
	m := NewBcryptMatcher(bcrypt.MinCost)
	hash, err := m.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !IsBcryptHash(hash) {
		t.Errorf("expected bcrypt hash, got %q", hash)
	}
	if !m.Matches(hash, "correct horse") {
		t.Error("expected match")
	}
	if m.Matches(hash, "wrong horse") {
		t.Error("unexpected match")
	}
	if m.Matches("not-a-hash", "correct horse") {
		t.Error("malformed hash must never match")
	}
}

func TestNewBcryptMatcher_CostFallback(t *testing.T) {
	if m := NewBcryptMatcher(0); m.cost != bcrypt.DefaultCost {
		t.Errorf("expected default cost, got %d", m.cost)
	}
	if m := NewBcryptMatcher(99); m.cost != bcrypt.DefaultCost {
		t.Errorf("expected default cost, got %d", m.cost)
	}
}

func TestPlaintextMatcher(t *testing.T) {
	var m PlaintextMatcher
	if !m.Matches("admin123", "admin123") {
		t.Error("expected match")
	}
	for _, s := range []string{"admin12", "admin1234", "ADMIN123", ""} {
		if m.Matches("admin123", s) {
			t.Errorf("unexpected match for %q", s)
		}
	}
}

func TestLegacyAwareMatcher(t *testing.T) {
	m := &LegacyAwareMatcher{Hashed: NewBcryptMatcher(bcrypt.MinCost), Legacy: PlaintextMatcher{}}
	hash, err := m.Hash("pw-hashed")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	if !m.Matches(hash, "pw-hashed") {
		t.Error("hashed credential should match")
	}
	if m.Matches(hash, hash) {
		t.Error("supplying the hash itself must not match")
	}
	if !m.Matches("legacy-pw", "legacy-pw") {
		t.Error("legacy plaintext credential should match")
	}
	if m.Matches("legacy-pw", "other") {
		t.Error("unexpected legacy match")
	}
}

func TestIsBcryptHash(t *testing.T) {
	valid := "$2a$04$" + "abcdefghijklmnopqrstuvabcdefghijklmnopqrstuvwxyz01234"
	if !IsBcryptHash(valid) {
		t.Errorf("expected %q to be recognised", valid)
	}
	for _, s := range []string{"", "password", "$2a$04$short", "$1$" + valid[3:]} {
		if IsBcryptHash(s) {
			t.Errorf("IsBcryptHash(%q) = true", s)
		}
	}
}
