package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func storedSession(ttl time.Duration) *Session {
	id, _ := newID()
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		PrincipalID: uuid.New(),
		Username:    "nurse1",
		Role:        "nurse",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		State:       StateBound,
	}
}

// testStoreContract exercises the behavior every Store must share.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := storedSession(time.Hour)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.PrincipalID != s.PrincipalID || got.Role != s.Role || got.State != StateBound {
			t.Errorf("unexpected session %+v", got)
		}
	})

	t.Run("duplicate put", func(t *testing.T) {
		s := storedSession(time.Hour)
		store.Put(ctx, s)
		if err := store.Put(ctx, s); !errors.Is(err, ErrDuplicateSession) {
			t.Errorf("expected ErrDuplicateSession, got %v", err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("mark expired", func(t *testing.T) {
		s := storedSession(time.Hour)
		store.Put(ctx, s)
		if err := store.MarkExpired(ctx, s.ID); err != nil {
			t.Fatalf("MarkExpired: %v", err)
		}
		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != StateExpired {
			t.Errorf("expected expired, got %s", got.State)
		}
	})

	t.Run("revoke is sticky", func(t *testing.T) {
		s := storedSession(time.Hour)
		store.Put(ctx, s)
		if err := store.Revoke(ctx, s.ID, s.ExpiresAt); err != nil {
			t.Fatalf("Revoke: %v", err)
		}
		// A late MarkExpired must not turn a revoked session back into
		// something else.
		store.MarkExpired(ctx, s.ID)
		got, err := store.Get(ctx, s.ID)
		if err == nil && got.State != StateRevoked {
			t.Errorf("expected revoked, got %s", got.State)
		}
		if err := store.Put(ctx, s); err == nil {
			t.Error("revoked id must not be stored again")
		}
	})

	t.Run("revoke unknown is not an error", func(t *testing.T) {
		if err := store.Revoke(ctx, "never-issued", time.Now().Add(time.Minute)); err != nil {
			t.Errorf("Revoke: %v", err)
		}
		if err := store.Revoke(ctx, "never-issued", time.Now().Add(time.Minute)); err != nil {
			t.Errorf("second Revoke: %v", err)
		}
	})
}
