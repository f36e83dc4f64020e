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

// ErrExamNotFound is returned when the exam does not exist or is not published.
var ErrExamNotFound = errors.New("exam not found")

// ExamRepository reads exam windows, questions and answer keys.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetWindow retrieves the scheduling window and limits of a published exam.
// Questions are not loaded.
func (r *ExamRepository) GetWindow(ctx context.Context, examID uuid.UUID) (*model.ExamWindow, error) {
	w := &model.ExamWindow{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, scheduled_start, scheduled_end, duration_minutes, max_attempts
		 FROM exams
		 WHERE id = $1 AND status = 'PUBLISHED'`, examID,
	).Scan(&w.ExamID, &w.Title, &w.StartTime, &w.EndTime, &w.DurationMinutes, &w.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam window: %w", err)
	}
	return w, nil
}

// ListQuestions retrieves the student-facing questions of an exam in order.
func (r *ExamRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, question_type, options, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num ASC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.QuestionForStudent
	for rows.Next() {
		var q model.QuestionForStudent
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.QuestionType, &q.Options, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetAnswerKey retrieves the correct answers and point values of an exam.
func (r *ExamRepository) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, COALESCE(correct_option, ''), score_value
		 FROM questions WHERE exam_id = $1`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(model.AnswerKey)
	for rows.Next() {
		var id uuid.UUID
		var entry model.AnswerKeyEntry
		if err := rows.Scan(&id, &entry.Answer, &entry.Points); err != nil {
			return nil, err
		}
		key[id.String()] = entry
	}
	return key, rows.Err()
}
