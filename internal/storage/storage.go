package storage

import (
	"context"

	"github.com/boomlive/replybot/internal/models"
)

// Archive records dispatched replies for audit and the status endpoint.
// Archiving is best-effort: a failed write never blocks a reply.
type Archive interface {
	SaveReply(ctx context.Context, reply *models.Reply) error
	CountReplies(ctx context.Context) (int, error)
	RecentReplies(ctx context.Context, limit int) ([]*models.Reply, error)
	Close() error
}
