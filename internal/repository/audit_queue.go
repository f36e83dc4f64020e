package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// AuditRecord is one session event queued for the attempt_events journal.
type AuditRecord struct {
	AttemptID  string         `json:"attempt_id"`
	ExamID     string         `json:"exam_id"`
	StudentID  int            `json:"student_id"`
	EventType  string         `json:"event_type"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// NewAuditRecords converts events of one attempt into queue records.
func NewAuditRecords(attemptID, examID uuid.UUID, studentID int, events []model.SessionEvent) []AuditRecord {
	out := make([]AuditRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, AuditRecord{
			AttemptID:  attemptID.String(),
			ExamID:     examID.String(),
			StudentID:  studentID,
			EventType:  string(ev.Type),
			Details:    ev.Details,
			OccurredAt: ev.Timestamp.UnixMilli(),
		})
	}
	return out
}

// Time returns OccurredAt as a time.
func (r AuditRecord) Time() time.Time {
	return time.UnixMilli(r.OccurredAt).UTC()
}

// AuditQueue pushes audit records onto the Redis persistence queue.
type AuditQueue struct {
	rdb *redis.Client
}

// NewAuditQueue creates a new AuditQueue.
func NewAuditQueue(rdb *redis.Client) *AuditQueue {
	return &AuditQueue{rdb: rdb}
}

// Push appends records to the queue in one pipeline.
func (q *AuditQueue) Push(ctx context.Context, records ...AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	pipe := q.rdb.Pipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, config.WorkerKey.PersistAuditQueue, data)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Len returns the number of records waiting to be persisted.
func (q *AuditQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, config.WorkerKey.PersistAuditQueue).Result()
}

// ErrMalformedRecord marks a queue entry that cannot be decoded. It is never retried.
var ErrMalformedRecord = errors.New("malformed audit record")

// Pop blocks up to timeout for the next record. It returns nil, nil when the
// queue stayed empty.
func (q *AuditQueue) Pop(ctx context.Context, timeout time.Duration) (*AuditRecord, error) {
	result, err := q.rdb.BLPop(ctx, timeout, config.WorkerKey.PersistAuditQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}

	var rec AuditRecord
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrMalformedRecord, err, result[1])
	}
	return &rec, nil
}
