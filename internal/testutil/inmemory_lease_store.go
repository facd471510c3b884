package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/petermetz/killbill/internal/domain/lease"
)

type leaseEntry struct {
	owner     string
	expiresAt time.Time
}

// InMemoryLeaseStore implements lease.Repository
type InMemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
}

var _ lease.Repository = (*InMemoryLeaseStore)(nil)

func NewInMemoryLeaseStore() *InMemoryLeaseStore {
	return &InMemoryLeaseStore{leases: make(map[string]leaseEntry)}
}

func (s *InMemoryLeaseStore) Acquire(ctx context.Context, key, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[key] = leaseEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryLeaseStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Hold takes a lease on behalf of another process
func (s *InMemoryLeaseStore) Hold(key, owner string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[key] = leaseEntry{owner: owner, expiresAt: until}
}

// IsHeld reports whether anybody holds key at now
func (s *InMemoryLeaseStore) IsHeld(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.leases[key]
	return ok && cur.expiresAt.After(now)
}

func (s *InMemoryLeaseStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases = make(map[string]leaseEntry)
}
