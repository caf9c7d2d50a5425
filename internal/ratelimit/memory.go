package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sfpack1703/pack-rsvp/services/api/internal/clock"
)

// MemoryStore keeps counters in process memory. It is only correct for a
// single instance; use RedisStore when running more than one.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]*memoryEntry
	clock        clock.Clock
	cleanupEvery time.Duration
}

type memoryEntry struct {
	count       int64
	windowStart time.Time
	expiresAt   time.Time
}

type MemoryOption func(*MemoryStore)

func WithClock(c clock.Clock) MemoryOption {
	return func(s *MemoryStore) { s.clock = c }
}

func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*memoryEntry),
		clock:        clock.NewSystem(),
		cleanupEvery: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		s.entries[key] = &memoryEntry{count: 1, windowStart: now, expiresAt: now.Add(window)}
		return 1, nil
	}
	ent.count++
	return ent.count, nil
}

// Cleanup drops entries whose window has closed.
func (s *MemoryStore) Cleanup() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor periodically removes expired entries until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}
	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
