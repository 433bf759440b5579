package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
	"github.com/couchsync/backend/internal/sessionstore"
	"github.com/couchsync/backend/pkg/queue"
)

// PersistProcessor drains the persistence queue and writes session,
// participant and audit records through the store. Failed jobs are retried
// with backoff and eventually parked in the DLQ.
type PersistProcessor struct {
	repo   *sessionstore.Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewPersistProcessor creates a persistence job processor.
func NewPersistProcessor(repo *sessionstore.Repository, q *queue.Queue, logger *zap.Logger) *PersistProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersistProcessor{repo: repo, queue: q, logger: logger}
}

// Process executes one persistence job.
func (p *PersistProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSessionUpsert:
		var s models.Session
		if err := json.Unmarshal(job.Payload, &s); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		return p.repo.UpsertSession(ctx, s)
	case queue.JobTypeParticipantUpsert:
		var part models.Participant
		if err := json.Unmarshal(job.Payload, &part); err != nil {
			return fmt.Errorf("unmarshal participant: %w", err)
		}
		return p.repo.UpsertParticipant(ctx, part)
	case queue.JobTypeSessionEvent:
		var ev models.SessionEvent
		if err := json.Unmarshal(job.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		return p.repo.InsertEvent(ctx, ev)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *PersistProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("persistence worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
