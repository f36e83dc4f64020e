package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/repository"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// AuditSource is the queue the worker drains and requeues into.
type AuditSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*repository.AuditRecord, error)
	Push(ctx context.Context, records ...repository.AuditRecord) error
}

// AuditWriter persists audit records.
type AuditWriter interface {
	CopyEvents(ctx context.Context, records []repository.AuditRecord) (int64, error)
	InsertEvent(ctx context.Context, rec repository.AuditRecord) error
}

// AuditWorker batches queued session events into the attempt_events table.
type AuditWorker struct {
	queue  AuditSource
	writer AuditWriter
	log    zerolog.Logger

	// requeueBackoff throttles the loop after a requeue while the DB is down.
	requeueBackoff time.Duration
}

func NewAuditWorker(queue AuditSource, writer AuditWriter, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		queue:          queue,
		writer:         writer,
		log:            log.With().Str("component", "audit_worker").Logger(),
		requeueBackoff: 2 * time.Second,
	}
}

func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AuditWorker started")

	buffer := make([]repository.AuditRecord, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Check Flush Conditions (Time or Size)
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0] // Clear buffer, keep capacity
				lastFlushTime = time.Now()
			}
		}

		// 2. Check Context (Graceful Shutdown)
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. Pop blocks up to PollTimeout and returns nil when empty.
		rec, err := w.queue.Pop(ctx, PollTimeout)
		if err != nil {
			if errors.Is(err, repository.ErrMalformedRecord) {
				// Malformed entries cannot be retried. Log and discard.
				w.log.Error().Err(err).Msg("Discarding malformed audit record")
				continue
			}
			if ctx.Err() != nil {
				continue // shutdown is handled at the top of the loop
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if rec == nil {
			continue // Timeout (Queue empty), loop back to check flush timer
		}

		buffer = append(buffer, *rec)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *AuditWorker) flushSafe(ctx context.Context, batch []repository.AuditRecord) {
	n, err := w.writer.CopyEvents(ctx, batch)
	if err == nil {
		w.log.Debug().Int64("count", n).Msg("Audit batch persisted")
		return
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
	w.fallbackInsert(ctx, batch)
}

func (w *AuditWorker) fallbackInsert(ctx context.Context, batch []repository.AuditRecord) {
	requeueList := make([]repository.AuditRecord, 0)

	for _, rec := range batch {
		if err := repository.ValidateAuditRecord(rec); err != nil {
			w.log.Error().Err(err).Str("attempt_id", rec.AttemptID).Msg("Dropping invalid audit record")
			continue
		}

		if err := w.writer.InsertEvent(ctx, rec); err != nil {
			w.log.Error().Err(err).Str("attempt_id", rec.AttemptID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, rec)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *AuditWorker) requeue(ctx context.Context, items []repository.AuditRecord) {
	// The flush context may already be cancelled during shutdown.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.queue.Push(pushCtx, items...); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue audit records. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	sleepCtx(ctx, w.requeueBackoff)
}

func (w *AuditWorker) shutdown(buffer []repository.AuditRecord) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	// Give it 5 seconds to flush to DB
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
