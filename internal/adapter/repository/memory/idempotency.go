package memory

import (
	"context"
	"sync"
	"time"

	"github.com/iho/minibank/internal/usecase"
)

const pendingMarker = "processing"

type idempotencyEntry struct {
	value     []byte
	expiresAt time.Time
}

// IdempotencyStore is a process-local usecase.IdempotencyStore used when Redis is disabled.
type IdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	now     func() time.Time
}

var _ usecase.IdempotencyStore = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an empty IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

// CheckAndSet claims key unless a live entry already holds it.
func (s *IdempotencyStore) CheckAndSet(ctx context.Context, key string, response []byte, ttl time.Duration) (bool, []byte, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expiresAt) {
		return true, append([]byte(nil), entry.value...), nil
	}

	value := []byte(pendingMarker)
	if response != nil {
		value = append([]byte(nil), response...)
	}
	s.entries[key] = idempotencyEntry{value: value, expiresAt: now.Add(ttl)}
	s.sweep(now)

	return false, nil, nil
}

// Update stores the final response for key.
func (s *IdempotencyStore) Update(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = idempotencyEntry{
		value:     append([]byte(nil), response...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release removes key.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// sweep drops expired entries. Caller holds s.mu.
func (s *IdempotencyStore) sweep(now time.Time) {
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
