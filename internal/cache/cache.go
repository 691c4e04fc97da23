package cache

import (
	"sync"
	"time"
)

type key struct {
	question  string
	contextID string
}

type entry struct {
	text     string
	storedAt time.Time
}

// ResponseCache memoizes language-model responses per (question, contextID)
// for a freshness window. It exists to avoid duplicate upstream calls: a miss
// is functionally identical to entry absence, never an error.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[key]entry
	duration time.Duration
	now      func() time.Time
}

func New(duration time.Duration) *ResponseCache {
	return &ResponseCache{
		entries:  make(map[key]entry),
		duration: duration,
		now:      time.Now,
	}
}

// Get returns the cached response for (question, contextID) if still fresh.
func (c *ResponseCache) Get(question, contextID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{question: question, contextID: contextID}
	e, ok := c.entries[k]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.storedAt) > c.duration {
		delete(c.entries, k)
		return "", false
	}
	return e.text, true
}

// Put stores a response, replacing any prior entry for the same key.
func (c *ResponseCache) Put(question, contextID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key{question: question, contextID: contextID}] = entry{
		text:     text,
		storedAt: c.now(),
	}
}

// Sweep drops all expired entries and returns how many were removed.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.duration)
	removed := 0
	for k, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
