package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestStore(expiry time.Duration, maxEntries int) (*Store, *time.Time) {
	s := New(expiry, maxEntries, zap.NewNop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestCheckAndMark_FirstWins(t *testing.T) {
	s, _ := newTestStore(time.Hour, 1000)

	assert.True(t, s.CheckAndMark("100"))
	assert.False(t, s.CheckAndMark("100"))
	assert.True(t, s.Seen("100"))
	assert.True(t, s.CheckAndMark("101"))
}

func TestMarkSeen_Idempotent(t *testing.T) {
	s, _ := newTestStore(time.Hour, 1000)

	s.MarkSeen("dm-1")
	s.MarkSeen("dm-1")
	assert.True(t, s.Seen("dm-1"))
	assert.Equal(t, 1, s.Len())
}

func TestExpiry(t *testing.T) {
	s, now := newTestStore(time.Hour, 1000)

	s.MarkSeen("100")
	*now = now.Add(30 * time.Minute)
	assert.True(t, s.Seen("100"))

	*now = now.Add(31 * time.Minute)
	assert.False(t, s.Seen("100"), "entry past expiry must be evicted")
	assert.True(t, s.CheckAndMark("100"), "expired id is processable again")
}

func TestHardCapClearsStore(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)

	for i := 0; i < 11; i++ {
		s.MarkSeen(fmt.Sprintf("id-%d", i))
	}
	// The 11th insert pushed the store over the cap; the next sweep clears it.
	assert.True(t, s.CheckAndMark("id-0"))
}

func TestCheckAndMark_ConcurrentSingleWinner(t *testing.T) {
	s := New(time.Hour, 1000, zap.NewNop())

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CheckAndMark("contested") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine may own a contested id")
}
