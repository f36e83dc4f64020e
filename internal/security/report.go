package security

import (
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-session/internal/model"
)

// RiskLevel buckets a security score for reviewers.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LevelFor maps a score to its risk level.
func LevelFor(score int) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 50:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RiskReport is the reviewer-facing summary of an attempt's security state.
type RiskReport struct {
	AttemptID        uuid.UUID               `json:"attempt_id"`
	StudentID        int                     `json:"student_id"`
	SecurityScore    int                     `json:"security_score"`
	RiskLevel        RiskLevel               `json:"risk_level"`
	FlaggedForReview bool                    `json:"flagged_for_review"`
	ReviewNotes      []string                `json:"review_notes"`
	EventCounts      map[model.EventType]int `json:"event_counts"`
	WindowCounts     map[model.EventType]int `json:"window_counts"`
	RuleHits         map[RuleID]int          `json:"rule_hits"`
	Warnings         int                     `json:"warnings"`
	DeviceChanges    int                     `json:"device_changes"`
	IPChanges        int                     `json:"ip_changes"`
	AutomationHits   int                     `json:"automation_hits"`
	IPAddress        string                  `json:"ip_address"`
	UserAgent        string                  `json:"user_agent"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// Assess builds a RiskReport from the attempt's log. It does not mutate the attempt.
func (e *Engine) Assess(a *model.Attempt, now time.Time) RiskReport {
	r := RiskReport{
		AttemptID:        a.ID,
		StudentID:        a.StudentID,
		SecurityScore:    a.SecurityScore,
		RiskLevel:        LevelFor(a.SecurityScore),
		FlaggedForReview: a.FlaggedForReview,
		ReviewNotes:      append([]string{}, a.ReviewNotes...),
		EventCounts:      make(map[model.EventType]int),
		WindowCounts:     make(map[model.EventType]int),
		RuleHits:         make(map[RuleID]int),
		IPAddress:        a.IPAddress,
		UserAgent:        a.UserAgent,
		GeneratedAt:      now,
	}

	cutoff := now.Add(-e.rules.Window)
	for _, ev := range a.Events {
		r.EventCounts[ev.Type]++
		if ev.Timestamp.After(cutoff) && !ev.Timestamp.After(now) {
			if cat, _ := ev.Type.Category(); cat == model.CategoryBehavioral {
				r.WindowCounts[ev.Type]++
			}
		}

		switch ev.Type {
		case model.EventSecurityRule:
			r.RuleHits[ruleOf(ev)]++
		case model.EventSecurityWarning:
			r.Warnings++
		case model.EventDeviceChange:
			r.DeviceChanges++
		case model.EventLocationChange:
			r.IPChanges++
		case model.EventAutomation:
			r.AutomationHits++
		}
	}
	return r
}
