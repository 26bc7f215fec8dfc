// Package lock provides a named distributed lock backed by the shared store,
// used to serialize pair attempts within a round. The TTL is a safety net
// against crashed holders; normal release is explicit via a scripted
// compare-and-delete so a lock can only be released by the token that
// acquired it.
package lock

import (
	"context"
	"time"

	"github.com/arenabench/matchmaking/internal/store"
)

// Service acquires and releases named locks in the shared store.
type Service struct {
	store *store.Store
}

// New creates a lock Service backed by store.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Acquire attempts to take the named lock, succeeding iff the key is
// currently absent. ttl bounds how long a crashed holder can stall other
// pair attempts before the key auto-expires.
func (s *Service) Acquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	return s.store.SetNX(ctx, key, ownerToken, ttl)
}

// Release deletes key only if its current value equals ownerToken — a lock
// held by a different owner cannot be released. Returns whether the delete
// actually occurred.
func (s *Service) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	return s.store.CompareAndDelete(ctx, key, ownerToken)
}

// Held reports whether key is currently locked, and by which owner token.
// Callers under contention can use this to skip straight past an Acquire
// attempt they already expect to fail, and to log which token is holding
// a lock that stalled longer than expected.
func (s *Service) Held(ctx context.Context, key string) (bool, string, error) {
	token, present, err := s.store.Get(ctx, key)
	return present, token, err
}
