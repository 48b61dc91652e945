// Package statestore defines the key/value abstraction the pipeline engine
// checkpoints through, and an in-memory reference implementation suitable
// for tests and single-process embedders.
package statestore

import (
	"context"
	"sync"
	"time"
)

// Store is the "State store" external interface from the design document:
// Get/Set/Delete/Clear plus a health probe. Values are opaque byte payloads
// so real backends (Redis, BoltDB, a file) can sit behind it without this
// package depending on their wire formats.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Healthy(ctx context.Context) bool
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// InMemory is a lock-protected map-backed Store, grounded on the source
// system's StateStore: a dict keyed by key holding {value, ttl, created_at}.
type InMemory struct {
	mu   sync.RWMutex
	data map[string]entry
	now  func() time.Time
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string]entry), now: time.Now}
}

func (s *InMemory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(s.now()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *InMemory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.data[key] = entry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]entry)
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Healthy(_ context.Context) bool { return true }
