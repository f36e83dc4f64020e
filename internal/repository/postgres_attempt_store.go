package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

const attemptColumns = `id, exam_id, student_id, attempt_number, started_at, last_activity,
	submitted_at, time_spent_minutes, answers, is_completed, completion_reason, late_submission,
	ip_address, user_agent, events, security_score, flagged_for_review, review_notes,
	score, percentage, version`

// PostgresAttemptStore is the PostgreSQL AttemptStore. Answers, events and
// review notes are JSONB columns of exam_attempts; Update is a version CAS.
type PostgresAttemptStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAttemptStore creates a new PostgresAttemptStore.
func NewPostgresAttemptStore(pool *pgxpool.Pool) *PostgresAttemptStore {
	return &PostgresAttemptStore{pool: pool}
}

// Insert relies on the partial unique index over incomplete attempts:
// a losing concurrent insert gets no row back instead of an error.
func (r *PostgresAttemptStore) Insert(ctx context.Context, a *model.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	answers, events, notes := jsonColumns(a)

	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (id, exam_id, student_id, attempt_number, started_at, last_activity,
		        answers, ip_address, user_agent, events, security_score, flagged_for_review, review_notes, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		 ON CONFLICT DO NOTHING
		 RETURNING version`,
		a.ID, a.ExamID, a.StudentID, a.AttemptNumber, a.StartedAt, a.LastActivity,
		answers, a.IPAddress, a.UserAgent, events, a.SecurityScore, a.FlaggedForReview, notes,
	).Scan(&a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrActiveAttemptExists
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (r *PostgresAttemptStore) Get(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

func (r *PostgresAttemptStore) FindActive(ctx context.Context, key model.AttemptKey) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE exam_id = $1 AND student_id = $2 AND is_completed = FALSE`,
		key.ExamID, key.StudentID)
	return scanAttempt(row)
}

func (r *PostgresAttemptStore) ListByKey(ctx context.Context, key model.AttemptKey) ([]*model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY attempt_number ASC`,
		key.ExamID, key.StudentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresAttemptStore) Update(ctx context.Context, a *model.Attempt) error {
	answers, events, notes := jsonColumns(a)

	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET last_activity = $3, submitted_at = $4, time_spent_minutes = $5, answers = $6,
		     is_completed = $7, completion_reason = $8, late_submission = $9,
		     ip_address = $10, user_agent = $11, events = $12, security_score = $13,
		     flagged_for_review = $14, review_notes = $15, score = $16, percentage = $17,
		     version = version + 1
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.LastActivity, a.SubmittedAt, a.TimeSpentMinutes, answers,
		a.IsCompleted, string(a.CompletionReason), a.LateSubmission,
		a.IPAddress, a.UserAgent, events, a.SecurityScore,
		a.FlaggedForReview, notes, a.Score, a.Percentage,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM exam_attempts WHERE id = $1)`, a.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check attempt: %w", err)
		}
		if !exists {
			return ErrAttemptNotFound
		}
		return ErrVersionConflict
	}

	a.Version++
	return nil
}

func (r *PostgresAttemptStore) ListFlagged(ctx context.Context, examID uuid.UUID) ([]*model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE exam_id = $1 AND flagged_for_review = TRUE
		 ORDER BY security_score DESC, started_at ASC`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	var reason string
	err := row.Scan(
		&a.ID, &a.ExamID, &a.StudentID, &a.AttemptNumber, &a.StartedAt, &a.LastActivity,
		&a.SubmittedAt, &a.TimeSpentMinutes, &a.Answers, &a.IsCompleted, &reason, &a.LateSubmission,
		&a.IPAddress, &a.UserAgent, &a.Events, &a.SecurityScore, &a.FlaggedForReview, &a.ReviewNotes,
		&a.Score, &a.Percentage, &a.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CompletionReason = model.CompletionReason(reason)
	if a.Answers == nil {
		a.Answers = map[string]string{}
	}
	return a, nil
}

// jsonColumns returns non-nil values for the NOT NULL JSONB columns.
func jsonColumns(a *model.Attempt) (map[string]string, []model.SessionEvent, []string) {
	answers := a.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	events := a.Events
	if events == nil {
		events = []model.SessionEvent{}
	}
	notes := a.ReviewNotes
	if notes == nil {
		notes = []string{}
	}
	return answers, events, notes
}
