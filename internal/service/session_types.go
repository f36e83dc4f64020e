package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/expiry"
	"github.com/stemsi/exstem-session/internal/model"
)

// SessionSnapshot is what a student gets back from start or resume.
type SessionSnapshot struct {
	AttemptID        uuid.UUID                  `json:"attempt_id"`
	ExamID           uuid.UUID                  `json:"exam_id"`
	ExamTitle        string                     `json:"exam_title"`
	AttemptNumber    int                        `json:"attempt_number"`
	StartedAt        time.Time                  `json:"started_at"`
	Deadline         time.Time                  `json:"deadline"`
	DurationMinutes  int                        `json:"duration_minutes"`
	ElapsedMinutes   int                        `json:"elapsed_minutes"`
	RemainingMinutes int                        `json:"remaining_minutes"`
	RemainingSeconds int                        `json:"remaining_seconds"`
	Answers          map[string]string          `json:"answers"`
	Questions        []model.QuestionForStudent `json:"questions"`
	AnsweredCount    int                        `json:"answered_count"`
	TotalQuestions   int                        `json:"total_questions"`
	Progress         int                        `json:"progress"`
	Resumed          bool                       `json:"resumed"`
}

// SaveInput is an autosave call. QuestionID/Answer and Answers may be combined;
// the single pair is applied after the batch.
type SaveInput struct {
	QuestionID string
	Answer     any
	Answers    map[string]any
	Autosave   bool
}

// SaveResult acknowledges an autosave.
type SaveResult struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	SavedCount       int       `json:"saved_count"`
	AnsweredCount    int       `json:"answered_count"`
	TotalQuestions   int       `json:"total_questions"`
	Progress         int       `json:"progress"`
	RemainingSeconds int       `json:"remaining_seconds"`
	SavedAt          time.Time `json:"saved_at"`
}

// SubmitResult is the outcome of a finalized attempt.
type SubmitResult struct {
	AttemptID        uuid.UUID              `json:"attempt_id"`
	AttemptNumber    int                    `json:"attempt_number"`
	SubmittedAt      time.Time              `json:"submitted_at"`
	TimeSpentMinutes int                    `json:"time_spent_minutes"`
	Answered         int                    `json:"answered"`
	Unanswered       int                    `json:"unanswered"`
	TotalQuestions   int                    `json:"total_questions"`
	Score            float64                `json:"score"`
	Percentage       float64                `json:"percentage"`
	Late             bool                   `json:"late"`
	FlaggedForReview bool                   `json:"flagged_for_review"`
	CompletionReason model.CompletionReason `json:"completion_reason"`
	AlreadySubmitted bool                   `json:"already_submitted"`
}

// ActiveAttemptStatus describes the in-progress attempt in a status report.
type ActiveAttemptStatus struct {
	AttemptID        uuid.UUID    `json:"attempt_id"`
	AttemptNumber    int          `json:"attempt_number"`
	StartedAt        time.Time    `json:"started_at"`
	Phase            expiry.Phase `json:"phase"`
	ElapsedMinutes   int          `json:"elapsed_minutes"`
	RemainingMinutes int          `json:"remaining_minutes"`
	RemainingSeconds int          `json:"remaining_seconds"`
	AnsweredCount    int          `json:"answered_count"`
	TotalQuestions   int          `json:"total_questions"`
	Progress         int          `json:"progress"`
}

// StatusResult is the student's view of one exam.
type StatusResult struct {
	ExamID              uuid.UUID            `json:"exam_id"`
	ExamTitle           string               `json:"exam_title"`
	ExamPhase           model.ExamPhase      `json:"exam_phase"`
	AttemptsUsed        int                  `json:"attempts_used"`
	MaxAttempts         int                  `json:"max_attempts"`
	CanStart            bool                 `json:"can_start"`
	HasActiveAttempt    bool                 `json:"has_active_attempt"`
	HasCompletedAttempt bool                 `json:"has_completed_attempt"`
	AutoFinalized       bool                 `json:"auto_finalized"`
	Active              *ActiveAttemptStatus `json:"active,omitempty"`
	LastResult          *SubmitResult        `json:"last_result,omitempty"`
}

// ActivityResult acknowledges a tracked activity or suspicious report.
type ActivityResult struct {
	Recorded bool     `json:"recorded"`
	Late     bool     `json:"late"`
	Warnings []string `json:"warnings,omitempty"`
	Flagged  bool     `json:"flagged_for_review"`
}

// Timeline is the ordered event log of an attempt, for reviewers.
type Timeline struct {
	AttemptID        uuid.UUID            `json:"attempt_id"`
	ExamID           uuid.UUID            `json:"exam_id"`
	StudentID        int                  `json:"student_id"`
	AttemptNumber    int                  `json:"attempt_number"`
	IsCompleted      bool                 `json:"is_completed"`
	SecurityScore    int                  `json:"security_score"`
	FlaggedForReview bool                 `json:"flagged_for_review"`
	ReviewNotes      []string             `json:"review_notes"`
	Events           []model.SessionEvent `json:"events"`
}

// FlaggedAttempt is one row of the review queue.
type FlaggedAttempt struct {
	AttemptID     uuid.UUID  `json:"attempt_id"`
	StudentID     int        `json:"student_id"`
	AttemptNumber int        `json:"attempt_number"`
	SecurityScore int        `json:"security_score"`
	RiskLevel     string     `json:"risk_level"`
	IsCompleted   bool       `json:"is_completed"`
	Late          bool       `json:"late_submission"`
	StartedAt     time.Time  `json:"started_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	ReviewNotes   []string   `json:"review_notes"`
}
