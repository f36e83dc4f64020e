package model

import (
	"time"

	"github.com/google/uuid"
)

// CompletionReason records how an attempt reached its terminal state.
type CompletionReason string

const (
	CompletionSubmitted  CompletionReason = "submitted"
	CompletionAutoSubmit CompletionReason = "auto_submit"
	CompletionForced     CompletionReason = "forced"
)

// Attempt is one student's single try at one exam. It is never deleted;
// expiry means finalization.
type Attempt struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	StudentID     int       `json:"student_id"`
	AttemptNumber int       `json:"attempt_number"`

	StartedAt        time.Time  `json:"started_at"`
	LastActivity     time.Time  `json:"last_activity"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	TimeSpentMinutes *int       `json:"time_spent_minutes,omitempty"`

	Answers map[string]string `json:"answers"`

	IsCompleted      bool             `json:"is_completed"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
	LateSubmission   bool             `json:"late_submission"`

	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`

	Events           []SessionEvent `json:"events"`
	SecurityScore    int            `json:"security_score"`
	FlaggedForReview bool           `json:"flagged_for_review"`
	ReviewNotes      []string       `json:"review_notes"`

	Score      *float64 `json:"score,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`

	// Version is the compare-and-set token; every successful store write
	// increments it.
	Version int64 `json:"-"`
}

// AttemptKey addresses the attempts of one student on one exam.
type AttemptKey struct {
	ExamID    uuid.UUID
	StudentID int
}

// Origin is the network and device identity of a request.
type Origin struct {
	IP        string
	UserAgent string
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a

	c.Answers = make(map[string]string, len(a.Answers))
	for k, v := range a.Answers {
		c.Answers[k] = v
	}

	c.Events = make([]SessionEvent, len(a.Events))
	for i, ev := range a.Events {
		c.Events[i] = ev.clone()
	}

	c.ReviewNotes = append([]string(nil), a.ReviewNotes...)

	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		c.SubmittedAt = &t
	}
	if a.TimeSpentMinutes != nil {
		n := *a.TimeSpentMinutes
		c.TimeSpentMinutes = &n
	}
	if a.Score != nil {
		s := *a.Score
		c.Score = &s
	}
	if a.Percentage != nil {
		p := *a.Percentage
		c.Percentage = &p
	}
	return &c
}

// Touch advances LastActivity; it never moves backwards.
func (a *Attempt) Touch(now time.Time) {
	if now.After(a.LastActivity) {
		a.LastActivity = now
	}
}

// AppendEvent adds an event to the append-only log.
func (a *Attempt) AppendEvent(t EventType, at time.Time, details map[string]any) SessionEvent {
	ev := SessionEvent{Type: t, Timestamp: at, Details: details}
	a.Events = append(a.Events, ev)
	return ev
}

// AddReviewNote appends to the review notes.
func (a *Attempt) AddReviewNote(note string) {
	a.ReviewNotes = append(a.ReviewNotes, note)
}

// Flag marks the attempt for human review. Flags never revert.
func (a *Attempt) Flag(note string) {
	a.FlaggedForReview = true
	if note != "" {
		a.AddReviewNote(note)
	}
}

// AnsweredCount counts answers with a non-empty value.
func (a *Attempt) AnsweredCount() int {
	n := 0
	for _, v := range a.Answers {
		if v != "" {
			n++
		}
	}
	return n
}

// Progress returns round(100 * answered / total); total 0 yields 0.
func Progress(answered, total int) int {
	if total <= 0 {
		return 0
	}
	return int((200*answered + total) / (2 * total))
}
