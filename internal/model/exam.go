package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamPhase is the state of an exam's scheduling window at a point in time.
type ExamPhase string

const (
	ExamPhaseUpcoming ExamPhase = "UPCOMING"
	ExamPhaseOpen     ExamPhase = "OPEN"
	ExamPhaseClosed   ExamPhase = "CLOSED"
)

// ExamWindow is what the session engine needs to know about an exam.
// A nil StartTime or EndTime leaves that side of the window unbounded;
// MaxAttempts of 0 means unlimited.
type ExamWindow struct {
	ExamID          uuid.UUID            `json:"exam_id"`
	Title           string               `json:"title"`
	StartTime       *time.Time           `json:"start_time,omitempty"`
	EndTime         *time.Time           `json:"end_time,omitempty"`
	DurationMinutes int                  `json:"duration_minutes"`
	MaxAttempts     int                  `json:"max_attempts"`
	Questions       []QuestionForStudent `json:"questions"`
}

// Duration returns the allotted time per attempt.
func (w *ExamWindow) Duration() time.Duration {
	return time.Duration(w.DurationMinutes) * time.Minute
}

// PhaseAt reports where now falls relative to the exam window.
func (w *ExamWindow) PhaseAt(now time.Time) ExamPhase {
	if w.StartTime != nil && now.Before(*w.StartTime) {
		return ExamPhaseUpcoming
	}
	if w.EndTime != nil && now.After(*w.EndTime) {
		return ExamPhaseClosed
	}
	return ExamPhaseOpen
}

// TotalQuestions is the number of questions on the paper.
func (w *ExamWindow) TotalQuestions() int { return len(w.Questions) }

// HasQuestion reports whether id belongs to the paper. An exam without a
// question list accepts any id.
func (w *ExamWindow) HasQuestion(id string) bool {
	if len(w.Questions) == 0 {
		return true
	}
	for _, q := range w.Questions {
		if q.ID.String() == id {
			return true
		}
	}
	return false
}

// QuestionForStudent is a question without the correct answer, sent to students.
type QuestionForStudent struct {
	ID           uuid.UUID       `json:"id"`
	QuestionText string          `json:"question_text"`
	QuestionType QuestionType    `json:"question_type"`
	Options      json.RawMessage `json:"options"`
	OrderNum     int             `json:"order_num"`
}

// AnswerKeyEntry is the grading reference for one question.
type AnswerKeyEntry struct {
	Answer string  `json:"answer"`
	Points float64 `json:"points"`
}

// AnswerKey maps question id to its grading reference.
type AnswerKey map[string]AnswerKeyEntry
