package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
	"github.com/couchsync/backend/pkg/queue"
)

const enqueueTimeout = 5 * time.Second

// QueuePersister implements playsync.Persister by handing durable writes to
// the Redis-backed job queue. Enqueue failures are logged and dropped here;
// the engine's in-memory state remains authoritative and the client never
// sees the infra error.
type QueuePersister struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueuePersister creates a queue-backed persister.
func NewQueuePersister(q *queue.Queue, logger *zap.Logger) *QueuePersister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueuePersister{queue: q, logger: logger}
}

// PersistSession enqueues a session write.
func (p *QueuePersister) PersistSession(s models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := p.queue.EnqueueSessionUpsert(ctx, s); err != nil {
		p.logger.Warn("session persist enqueue failed", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
}

// PersistParticipant enqueues a participant write.
func (p *QueuePersister) PersistParticipant(part models.Participant) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := p.queue.EnqueueParticipantUpsert(ctx, part); err != nil {
		p.logger.Warn("participant persist enqueue failed", zap.String("participant_id", part.ID.String()), zap.Error(err))
	}
}

// PersistEvent enqueues an audit row write.
func (p *QueuePersister) PersistEvent(ev models.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := p.queue.EnqueueSessionEvent(ctx, ev); err != nil {
		p.logger.Warn("event persist enqueue failed", zap.String("session_id", ev.SessionID.String()), zap.Error(err))
	}
}
