package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// ExamProvider serves exam windows and answer keys.
type ExamProvider interface {
	// GetWindow returns the exam window with its student-facing questions.
	GetWindow(ctx context.Context, examID uuid.UUID) (*model.ExamWindow, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}

// GradeResult is the outcome of grading one attempt.
type GradeResult struct {
	Score      float64 `json:"score"`
	Percentage float64 `json:"percentage"`
}

// Grader computes the score of a finalized attempt.
type Grader interface {
	Grade(ctx context.Context, examID uuid.UUID, answers map[string]string) (GradeResult, error)
}

// MonitorEventType names a live monitor message.
type MonitorEventType string

const (
	MonitorStarted   MonitorEventType = "attempt_started"
	MonitorSubmitted MonitorEventType = "attempt_submitted"
	MonitorExpired   MonitorEventType = "attempt_auto_submitted"
	MonitorRuleHit   MonitorEventType = "security_rule"
	MonitorFlagged   MonitorEventType = "attempt_flagged"
	MonitorBlocked   MonitorEventType = "request_blocked"
)

// MonitorEvent is published to the exam's live monitor channel.
type MonitorEvent struct {
	Type          MonitorEventType `json:"type"`
	ExamID        uuid.UUID        `json:"exam_id"`
	AttemptID     uuid.UUID        `json:"attempt_id"`
	StudentID     int              `json:"student_id"`
	SecurityScore int              `json:"security_score"`
	Flagged       bool             `json:"flagged"`
	Data          map[string]any   `json:"data,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Notifier delivers monitor events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, ev MonitorEvent)
}

// EventSink receives the events committed to an attempt, for the audit journal.
type EventSink interface {
	Record(ctx context.Context, a *model.Attempt, events []model.SessionEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, MonitorEvent) {}

type nopSink struct{}

func (nopSink) Record(context.Context, *model.Attempt, []model.SessionEvent) {}
