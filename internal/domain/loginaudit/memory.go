package loginaudit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for development and tests. Attempts are
// copied on the way in and out so callers cannot mutate the trail.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []Attempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, a *Attempt) error {
	prepare(a)
	cp := *a
	if a.Geo != nil {
		g := *a.Geo
		cp.Geo = &g
	}
	s.mu.Lock()
	s.attempts = append(s.attempts, cp)
	s.mu.Unlock()
	return nil
}

// Len returns the number of recorded attempts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts)
}

func (s *MemoryStore) matching(f Filter) []*Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Attempt
	for i := range s.attempts {
		if f.Matches(&s.attempts[i]) {
			cp := s.attempts[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AttemptedAt.After(out[j].AttemptedAt)
	})
	return out
}

func (s *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Attempt, int, error) {
	all := s.matching(f)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) Summary(_ context.Context, f Filter) (*Summary, error) {
	sum := &Summary{FailuresByReason: make(map[string]int), TopFailedUsernames: []UsernameCount{}}
	users := make(map[string]struct{})
	ips := make(map[string]struct{})
	failedBy := make(map[string]int)

	for _, a := range s.matching(f) {
		sum.Total++
		users[a.Username] = struct{}{}
		ips[a.IPAddress] = struct{}{}
		if a.Success {
			sum.Succeeded++
		} else {
			reason := a.FailureReason
			if reason == "" {
				reason = "unknown"
			}
			sum.FailuresByReason[reason]++
			failedBy[a.Username]++
		}
		at := a.AttemptedAt
		if sum.First == nil || at.Before(*sum.First) {
			sum.First = &at
		}
		if sum.Last == nil || at.After(*sum.Last) {
			sum.Last = &at
		}
	}
	sum.Failed = sum.Total - sum.Succeeded
	sum.DistinctUsernames = len(users)
	sum.DistinctIPs = len(ips)

	for u, n := range failedBy {
		sum.TopFailedUsernames = append(sum.TopFailedUsernames, UsernameCount{Username: u, Count: n})
	}
	sort.Slice(sum.TopFailedUsernames, func(i, j int) bool {
		a, b := sum.TopFailedUsernames[i], sum.TopFailedUsernames[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Username < b.Username
	})
	if len(sum.TopFailedUsernames) > topFailedLimit {
		sum.TopFailedUsernames = sum.TopFailedUsernames[:topFailedLimit]
	}
	return sum, nil
}
