// Package session binds verified principals to opaque, server-held sessions.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/imageehr/ehr/internal/domain/principal"
)

var (
	// ErrSessionNotFound covers unknown, malformed and revoked tokens.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned for sessions past their expiry.
	ErrSessionExpired = errors.New("session expired")
	// ErrInactivePrincipal is returned by Create for deactivated principals.
	ErrInactivePrincipal = errors.New("principal is not active")
)

// State is the lifecycle state of a stored session.
type State string

const (
	StateBound   State = "bound"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// Session is a snapshot of a principal taken at sign-in. Role and clinic
// scope do not follow later changes to the principal.
type Session struct {
	ID                string                `json:"id"`
	PrincipalID       uuid.UUID             `json:"principal_id"`
	Username          string                `json:"username"`
	FullName          string                `json:"full_name"`
	Role              principal.Role        `json:"role"`
	ClinicScope       principal.ClinicScope `json:"clinic_id"`
	ClinicName        string                `json:"clinic_name"`
	HasElevatedAccess bool                  `json:"has_elevated_access"`
	CreatedAt         time.Time             `json:"created_at"`
	ExpiresAt         time.Time             `json:"expires_at"`
	State             State                 `json:"state"`

	// Token is set only on the value returned by Manager.Create.
	Token string `json:"-"`
}

// ExpiredAt reports whether the session is past its expiry at now.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store holds sessions by id. Implementations must let Get calls proceed
// concurrently and must never bring a revoked session back.
type Store interface {
	// Put stores a new bound session.
	Put(ctx context.Context, s *Session) error
	// Get returns a copy of the session, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// MarkExpired moves a bound session to StateExpired. Other states are
	// left alone.
	MarkExpired(ctx context.Context, id string) error
	// Revoke moves a session to StateRevoked and remembers the id until
	// the given time. Revoking an unknown id is not an error.
	Revoke(ctx context.Context, id string, until time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// Manager creates, validates and destroys sessions.
type Manager struct {
	store  Store
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager issuing sessions that live for ttl.
func NewManager(store Store, signer *Signer, ttl time.Duration) *Manager {
	return &Manager{store: store, signer: signer, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of new sessions.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Ping checks the backing store.
func (m *Manager) Ping(ctx context.Context) error { return m.store.Ping(ctx) }

// Create binds a new session to p and returns it with its token set.
func (m *Manager) Create(ctx context.Context, p *principal.Principal) (*Session, error) {
	if p == nil || !p.Active {
		return nil, ErrInactivePrincipal
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s := &Session{
		ID:                id,
		PrincipalID:       p.ID,
		Username:          p.Username,
		FullName:          p.FullName,
		Role:              p.Role,
		ClinicScope:       p.ClinicScope,
		ClinicName:        p.ClinicName,
		HasElevatedAccess: p.Role.Elevated(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.ttl),
		State:             StateBound,
	}

	token, err := m.signer.Sign(id, p.ID, now, s.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	out := *s
	out.Token = token
	return &out, nil
}

// Validate returns the bound session for token. A session found past its
// expiry is marked expired and ErrSessionExpired is returned; the record is
// kept until the store cleans it up.
func (m *Manager) Validate(ctx context.Context, token string) (*Session, error) {
	claims, err := m.signer.Parse(token)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	s, err := m.store.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case StateRevoked:
		return nil, ErrSessionNotFound
	case StateExpired:
		return nil, ErrSessionExpired
	}

	if s.ExpiredAt(m.now()) {
		if err := m.store.MarkExpired(ctx, s.ID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("mark session expired: %w", err)
		}
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Destroy revokes the session behind token. It is idempotent and ignores
// tokens that do not parse.
func (m *Manager) Destroy(ctx context.Context, token string) error {
	claims, err := m.signer.Parse(token)
	if err != nil {
		return nil
	}
	until := m.now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		until = claims.ExpiresAt.Time
	}
	return m.store.Revoke(ctx, claims.ID, until)
}

// newID returns 256 random bits, base64url encoded.
func newID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
