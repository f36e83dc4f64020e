package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

const publishTimeout = 2 * time.Second

// MonitorService publishes live session signals and serves the admin monitor.
// It implements Notifier.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
	log         zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		monitorRepo: monitorRepo,
		log:         log.With().Str("component", "monitor_service").Logger(),
	}
}

// Notify publishes ev on the exam's monitor channel. Failures are logged, never returned.
func (s *MonitorService) Notify(ctx context.Context, ev MonitorEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.monitorRepo.Publish(pctx, ev.ExamID, ev); err != nil {
		s.log.Warn().Err(err).
			Str("exam_id", ev.ExamID.String()).
			Str("type", string(ev.Type)).
			Msg("Failed to publish monitor event")
	}
}

// Subscribe attaches to an exam's live signals. The caller closes the subscription.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.monitorRepo.Subscribe(ctx, examID)
}

// AuditJournal queues committed session events for the attempt_events table.
// It implements EventSink.
type AuditJournal struct {
	queue *repository.AuditQueue
	log   zerolog.Logger
}

// NewAuditJournal creates a new AuditJournal.
func NewAuditJournal(queue *repository.AuditQueue, log zerolog.Logger) *AuditJournal {
	return &AuditJournal{
		queue: queue,
		log:   log.With().Str("component", "audit_journal").Logger(),
	}
}

// Record pushes events onto the persistence queue. Failures are logged; the
// attempt row already holds the events.
func (j *AuditJournal) Record(ctx context.Context, a *model.Attempt, events []model.SessionEvent) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	records := repository.NewAuditRecords(a.ID, a.ExamID, a.StudentID, events)
	if err := j.queue.Push(qctx, records...); err != nil {
		j.log.Warn().Err(err).
			Str("attempt_id", a.ID.String()).
			Int("count", len(records)).
			Msg("Failed to queue audit events")
	}
}
