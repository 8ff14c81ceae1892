package principal

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialMatcher compares a supplied password against a stored credential.
type CredentialMatcher interface {
	Matches(stored, supplied string) bool
}

// BcryptMatcher verifies and produces bcrypt hashes.
type BcryptMatcher struct {
	cost int
}

// NewBcryptMatcher creates a BcryptMatcher, falling back to bcrypt.DefaultCost
// for out-of-range costs.
func NewBcryptMatcher(cost int) *BcryptMatcher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptMatcher{cost: cost}
}

// Hash returns the bcrypt hash of password.
func (m *BcryptMatcher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), m.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (m *BcryptMatcher) Matches(stored, supplied string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied))
	return err == nil
}

// PlaintextMatcher compares legacy unhashed credentials in constant time.
type PlaintextMatcher struct{}

func (PlaintextMatcher) Matches(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// LegacyAwareMatcher checks bcrypt hashes with Hashed and anything else with
// Legacy, so rows provisioned before hashing keep working until they are
// reset.
type LegacyAwareMatcher struct {
	Hashed *BcryptMatcher
	Legacy CredentialMatcher
}

// NewLegacyAwareMatcher creates the default matcher used by the server.
func NewLegacyAwareMatcher(cost int) *LegacyAwareMatcher {
	return &LegacyAwareMatcher{
		Hashed: NewBcryptMatcher(cost),
		Legacy: PlaintextMatcher{},
	}
}

func (m *LegacyAwareMatcher) Matches(stored, supplied string) bool {
	if IsBcryptHash(stored) {
		return m.Hashed.Matches(stored, supplied)
	}
	return m.Legacy.Matches(stored, supplied)
}

// Hash hashes new credentials with bcrypt.
func (m *LegacyAwareMatcher) Hash(password string) (string, error) {
	return m.Hashed.Hash(password)
}

// IsBcryptHash reports whether s looks like a bcrypt hash.
func IsBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
