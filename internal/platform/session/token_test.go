package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestNewSigner_KeyLength(t *testing.T) {
	if _, err := NewSigner([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	key, err := RandomKey()
	if err != nil {
		t.Fatalf("RandomKey: %v", err)
	}
	if _, err := NewSigner(key); err != nil {
		t.Errorf("NewSigner(random): %v", err)
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	s, _ := NewSigner(testKey)
	pid := uuid.New()
	now := time.Now().Truncate(time.Second)

	tok, err := s.Sign("sess-1", pid, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.ID != "sess-1" || claims.Subject != pid.String() {
		t.Errorf("unexpected claims %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestSigner_ParseExpiredTokenStillReturnsClaims(t *testing.T) {
	s, _ := NewSigner(testKey)
	past := time.Now().Add(-2 * time.Hour)
	tok, _ := s.Sign("sess-old", uuid.New(), past, past.Add(time.Hour))

	claims, err := s.Parse(tok)
	if err != nil {
		t.Fatalf("expiry is decided by the session record, got %v", err)
	}
	if claims.ID != "sess-old" {
		t.Errorf("unexpected id %s", claims.ID)
	}
}

func TestSigner_RejectsTampering(t *testing.T) {
	s, _ := NewSigner(testKey)
	tok, _ := s.Sign("sess-1", uuid.New(), time.Now(), time.Now().Add(time.Hour))

	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := s.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSigner_RejectsOtherAlgorithmsAndIssuers(t *testing.T) {
	s, _ := NewSigner(testKey)

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{ID: "x", Issuer: tokenIssuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := s.Parse(none); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("alg=none: expected ErrInvalidToken, got %v", err)
	}

	foreign, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ID: "x", Issuer: "someone-else"}).
		SignedString(testKey)
	if _, err := s.Parse(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign issuer: expected ErrInvalidToken, got %v", err)
	}

	noID, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: tokenIssuer}).
		SignedString(testKey)
	if _, err := s.Parse(noID); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("missing id: expected ErrInvalidToken, got %v", err)
	}
}
