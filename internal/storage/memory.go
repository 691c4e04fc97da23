package storage

import (
	"context"
	"sync"

	"github.com/boomlive/replybot/internal/models"
)

// MemoryArchive keeps replies in process memory. Default when no database is
// configured; contents are lost on restart.
type MemoryArchive struct {
	mu      sync.RWMutex
	replies []*models.Reply
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (a *MemoryArchive) SaveReply(ctx context.Context, reply *models.Reply) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored := *reply
	a.replies = append(a.replies, &stored)
	return nil
}

func (a *MemoryArchive) CountReplies(ctx context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.replies), nil
}

func (a *MemoryArchive) RecentReplies(ctx context.Context, limit int) ([]*models.Reply, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if limit <= 0 || limit > len(a.replies) {
		limit = len(a.replies)
	}

	// Newest first.
	out := make([]*models.Reply, 0, limit)
	for i := len(a.replies) - 1; i >= len(a.replies)-limit; i-- {
		copied := *a.replies[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (a *MemoryArchive) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
