package model

// SaveAnswerRequest is the autosave payload: either a single pair or a batch.
type SaveAnswerRequest struct {
	QuestionID string         `json:"question_id" binding:"omitempty,uuid"`
	Answer     any            `json:"answer"`
	Answers    map[string]any `json:"answers" binding:"omitempty,max=500"`
	Autosave   bool           `json:"autosave"`
}

// ForceSubmitRequest is the admin payload for closing an attempt.
type ForceSubmitRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// TrackActivityRequest reports one behavioral event.
type TrackActivityRequest struct {
	ActivityType string         `json:"activity_type" binding:"required,oneof=focus_lost focus_gained tab_switch window_resize idle active"`
	Details      map[string]any `json:"details"`
}

// ReportSuspiciousRequest is a client-side proctoring report.
type ReportSuspiciousRequest struct {
	Description string         `json:"description" binding:"required,min=3,max=1000"`
	Evidence    map[string]any `json:"evidence"`
}
