package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateSession is returned by Put when the id is already known.
var ErrDuplicateSession = errors.New("session id already in use")

const defaultCleanupInterval = time.Minute

type memoryEntry struct {
	session Session
	// keepUntil is when cleanup may drop the entry.
	keepUntil time.Time
}

// MemoryStore keeps sessions in process memory. Restarting the process
// invalidates every session. Reads share a read lock; writes are exclusive.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts a goroutine that drops expired
// and revoked entries every interval. A non-positive interval uses one
// minute.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[sess.ID]; ok {
		return ErrDuplicateSession
	}
	s.entries[sess.ID] = &memoryEntry{session: *sess, keepUntil: sess.ExpiresAt}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := e.session
	return &cp, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrSessionNotFound
	}
	if e.session.State == StateBound {
		e.session.State = StateExpired
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		// Tombstone so a late Put for this id is refused.
		s.entries[id] = &memoryEntry{
			session:   Session{ID: id, State: StateRevoked, ExpiresAt: until},
			keepUntil: until,
		}
		return nil
	}
	e.session.State = StateRevoked
	if until.After(e.keepUntil) {
		e.keepUntil = until
	}
	return nil
}

// Len returns the number of entries, tombstones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

// Cleanup drops entries whose retention ended before now and returns how
// many were removed.
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if now.After(e.keepUntil) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
