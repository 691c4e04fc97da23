package dedup

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store remembers which message ids have already been handled. Entries expire
// after the configured duration; when the entry count exceeds MaxEntries the
// whole store is cleared. The clear-on-cap behavior trades a small window of
// possible duplicate replies for bounded memory with zero bookkeeping.
type Store struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	expiry     time.Duration
	maxEntries int
	logger     *zap.Logger
	now        func() time.Time
}

func New(expiry time.Duration, maxEntries int, logger *zap.Logger) *Store {
	return &Store{
		entries:    make(map[string]time.Time),
		expiry:     expiry,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// CheckAndMark atomically tests whether id has been seen and marks it if not.
// Returns true when the caller owns the id and may process it. Concurrent
// callers for the same id get true exactly once.
func (s *Store) CheckAndMark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	if _, seen := s.entries[id]; seen {
		return false
	}
	s.entries[id] = now
	return true
}

// Seen reports whether id has an unexpired entry.
func (s *Store) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(s.now())
	_, seen := s.entries[id]
	return seen
}

// MarkSeen records id without the check; idempotent.
func (s *Store) MarkSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(s.now())
	if _, seen := s.entries[id]; !seen {
		s.entries[id] = s.now()
	}
}

// Len returns the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweep evicts expired entries and applies the hard cap.
// Caller must hold the lock.
func (s *Store) sweep(now time.Time) {
	cutoff := now.Add(-s.expiry)
	removed := 0
	for id, firstSeen := range s.entries {
		if firstSeen.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Expired dedup entries removed", zap.Int("count", removed))
	}

	if s.maxEntries > 0 && len(s.entries) > s.maxEntries {
		s.logger.Warn("Dedup store over capacity, clearing",
			zap.Int("entries", len(s.entries)),
			zap.Int("max_entries", s.maxEntries))
		s.entries = make(map[string]time.Time)
	}
}
