package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer  = "ehr-session"
	MinKeyLength = 32
)

// ErrInvalidToken is returned by Parse for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid session token")

// Claims are the JWT claims of a session token. ID is the server-side
// session id; everything else about the session lives in the store.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 session tokens.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer. The key must be at least MinKeyLength bytes.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("session signing key must be at least %d bytes", MinKeyLength)
	}
	return &Signer{key: key}, nil
}

// RandomKey returns a fresh signing key. Tokens signed with it do not
// survive a restart.
func RandomKey() ([]byte, error) {
	key := make([]byte, MinKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// Sign returns a token for session id.
func (s *Signer) Sign(id string, principalID uuid.UUID, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    tokenIssuer,
			Subject:   principalID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies the signature and issuer of token and returns its claims.
// Expiry is not checked here; the session record decides that.
func (s *Signer) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != tokenIssuer || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
