package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var auditColumns = []string{"attempt_id", "exam_id", "student_id", "event_type", "details", "occurred_at"}

// AuditEventRepository writes the attempt_events journal.
type AuditEventRepository struct {
	pool *pgxpool.Pool
}

// NewAuditEventRepository creates a new AuditEventRepository.
func NewAuditEventRepository(pool *pgxpool.Pool) *AuditEventRepository {
	return &AuditEventRepository{pool: pool}
}

// CopyEvents bulk-inserts records with COPY. Any bad record fails the whole batch.
func (r *AuditEventRepository) CopyEvents(ctx context.Context, records []AuditRecord) (int64, error) {
	rows := make([][]interface{}, 0, len(records))
	for _, rec := range records {
		row, err := auditRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	return r.pool.CopyFrom(ctx, pgx.Identifier{"attempt_events"}, auditColumns, pgx.CopyFromRows(rows))
}

// InsertEvent inserts a single record.
func (r *AuditEventRepository) InsertEvent(ctx context.Context, rec AuditRecord) error {
	row, err := auditRow(rec)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO attempt_events (attempt_id, exam_id, student_id, event_type, details, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		row...,
	)
	return err
}

// ValidateAuditRecord reports whether rec can ever be written.
func ValidateAuditRecord(rec AuditRecord) error {
	_, err := auditRow(rec)
	return err
}

func auditRow(rec AuditRecord) ([]interface{}, error) {
	attemptID, err := uuid.Parse(rec.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("%w: attempt_id %q", ErrMalformedRecord, rec.AttemptID)
	}
	examID, err := uuid.Parse(rec.ExamID)
	if err != nil {
		return nil, fmt.Errorf("%w: exam_id %q", ErrMalformedRecord, rec.ExamID)
	}
	if rec.EventType == "" {
		return nil, fmt.Errorf("%w: empty event type", ErrMalformedRecord)
	}

	details := []byte("{}")
	if len(rec.Details) > 0 {
		if details, err = json.Marshal(rec.Details); err != nil {
			return nil, fmt.Errorf("%w: details: %v", ErrMalformedRecord, err)
		}
	}
	return []interface{}{attemptID, examID, rec.StudentID, rec.EventType, details, rec.Time()}, nil
}
