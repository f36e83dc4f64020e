// Package security scores behavioral signals on an exam attempt.
//
// The engine mutates a model.Attempt in place: it appends the observed event,
// evaluates the rule set over a trailing window of the attempt's own log, and
// raises SecurityScore / FlaggedForReview. Score and flag are monotonic; every
// rule hit is written to the log as a security_rule event so the decision can
// be replayed from the log alone.
package security

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

// Engine evaluates security rules. It holds no per-attempt state and is safe
// for concurrent use.
type Engine struct {
	rules Rules
}

// NewEngine creates an Engine with the given rules.
func NewEngine(rules Rules) *Engine {
	return &Engine{rules: rules}
}

// Rules returns the engine's rule set.
func (e *Engine) Rules() Rules { return e.rules }

// Hit is one rule that fired.
type Hit struct {
	Rule    RuleID `json:"rule"`
	Points  int    `json:"points"`
	Flagged bool   `json:"flagged"`
	Note    string `json:"note"`
}

// Outcome summarizes what an observation did to the attempt.
type Outcome struct {
	Hits         []Hit
	Warnings     []string
	Blocked      bool
	NewlyFlagged bool
	ScoreBefore  int
	ScoreAfter   int

	flaggedBefore bool
}

// Changed reports whether score or flag moved.
func (o Outcome) Changed() bool {
	return o.NewlyFlagged || o.ScoreAfter != o.ScoreBefore
}

// Observe records a behavioral event on the attempt and evaluates the
// window and idle rules against it.
func (e *Engine) Observe(a *model.Attempt, t model.EventType, at time.Time, details map[string]any) Outcome {
	out := e.begin(a)

	a.AppendEvent(t, at, details)

	switch t {
	case model.EventFocusLost:
		e.windowRule(a, at, model.EventFocusLost, RuleExcessiveFocusLost,
			e.rules.FocusLostThreshold, e.rules.FocusLostPoints, &out)
	case model.EventTabSwitch:
		e.windowRule(a, at, model.EventTabSwitch, RuleExcessiveTabSwitch,
			e.rules.TabSwitchThreshold, e.rules.TabSwitchPoints, &out)
	}

	if t != model.EventActive {
		e.idleRule(a, at, &out)
	}

	e.finish(a, at, &out)
	return out
}

// ObserveOrigin compares the request origin with the stored binding.
// Automation signatures block the request; device and network changes only
// score, and the binding is moved to the new values.
func (e *Engine) ObserveOrigin(a *model.Attempt, origin model.Origin, at time.Time) Outcome {
	out := e.begin(a)

	if e.IsAutomated(origin.UserAgent) {
		a.AppendEvent(model.EventAutomation, at, map[string]any{
			"user_agent": origin.UserAgent,
			"ip_address": origin.IP,
		})
		e.apply(a, at, RuleAutomation, e.rules.AutomationPoints, false,
			fmt.Sprintf("automation signature in user agent %q", origin.UserAgent), &out)
		out.Blocked = true
		e.finish(a, at, &out)
		return out
	}

	if origin.UserAgent != "" && a.UserAgent != "" && origin.UserAgent != a.UserAgent {
		a.AppendEvent(model.EventDeviceChange, at, map[string]any{
			"from": a.UserAgent,
			"to":   origin.UserAgent,
		})
		e.apply(a, at, RuleDeviceChange, e.rules.DeviceChangePoints, false,
			"device changed during attempt", &out)
	}
	if origin.UserAgent != "" {
		a.UserAgent = origin.UserAgent
	}

	if origin.IP != "" && a.IPAddress != "" && origin.IP != a.IPAddress {
		a.AppendEvent(model.EventLocationChange, at, map[string]any{
			"from": a.IPAddress,
			"to":   origin.IP,
		})
		e.apply(a, at, RuleIPChange, e.rules.IPChangePoints, false,
			fmt.Sprintf("network origin changed from %s to %s", a.IPAddress, origin.IP), &out)
	}
	if origin.IP != "" {
		a.IPAddress = origin.IP
	}

	e.finish(a, at, &out)
	return out
}

// ReportSuspicious records an explicit suspicious-activity report. It always flags.
func (e *Engine) ReportSuspicious(a *model.Attempt, description string, evidence map[string]any, at time.Time) Outcome {
	out := e.begin(a)

	details := map[string]any{"description": description}
	if len(evidence) > 0 {
		details["evidence"] = evidence
	}
	a.AppendEvent(model.EventSuspiciousActivity, at, details)
	e.apply(a, at, RuleSuspiciousReport, e.rules.SuspiciousPoints, true,
		"suspicious activity reported: "+description, &out)

	e.finish(a, at, &out)
	return out
}

func (e *Engine) begin(a *model.Attempt) Outcome {
	return Outcome{
		ScoreBefore:   a.SecurityScore,
		ScoreAfter:    a.SecurityScore,
		flaggedBefore: a.FlaggedForReview,
	}
}

// windowRule fires when more than threshold events of kind fall inside the
// trailing window. It does not fire again while an earlier hit of the same
// rule is still inside the window.
func (e *Engine) windowRule(a *model.Attempt, at time.Time, kind model.EventType, rule RuleID, threshold, points int, out *Outcome) {
	count := countInWindow(a.Events, kind, at, e.rules.Window)
	if count <= threshold {
		return
	}
	if e.recentHit(a, rule, at) {
		return
	}
	e.apply(a, at, rule, points, true,
		fmt.Sprintf("%d %s events within %s", count, kind, e.rules.Window), out)
}

// idleRule appends a non-scoring warning once per idle stretch.
func (e *Engine) idleRule(a *model.Attempt, at time.Time, out *Outcome) {
	if e.rules.IdleWarningAfter <= 0 {
		return
	}

	ref := a.StartedAt
	for i := len(a.Events) - 1; i >= 0; i-- {
		if a.Events[i].Type == model.EventActive {
			ref = a.Events[i].Timestamp
			break
		}
	}

	idle := at.Sub(ref)
	if idle <= e.rules.IdleWarningAfter {
		return
	}

	for i := len(a.Events) - 1; i >= 0; i-- {
		ev := a.Events[i]
		if ev.Timestamp.Before(ref) {
			break
		}
		if ev.Type == model.EventSecurityWarning && ruleOf(ev) == RuleIdleTimeout {
			return
		}
	}

	note := fmt.Sprintf("idle for %d minutes since last activity", int(idle/time.Minute))
	a.AppendEvent(model.EventSecurityWarning, at, map[string]any{
		"rule":         string(RuleIdleTimeout),
		"idle_minutes": int(idle / time.Minute),
		"note":         note,
	})
	out.Warnings = append(out.Warnings, note)
}

// apply adds points (clamped), optionally flags, and writes the audit entry.
func (e *Engine) apply(a *model.Attempt, at time.Time, rule RuleID, points int, flag bool, note string, out *Outcome) {
	a.SecurityScore = clamp(a.SecurityScore + points)
	if flag {
		a.Flag(note)
	} else {
		a.AddReviewNote(note)
	}

	a.AppendEvent(model.EventSecurityRule, at, map[string]any{
		"rule":    string(rule),
		"points":  points,
		"score":   a.SecurityScore,
		"flagged": flag,
		"note":    note,
	})
	out.Hits = append(out.Hits, Hit{Rule: rule, Points: points, Flagged: flag, Note: note})
}

// finish applies the combined-score threshold and closes the outcome.
func (e *Engine) finish(a *model.Attempt, at time.Time, out *Outcome) {
	if !a.FlaggedForReview && a.SecurityScore >= e.rules.FlagThreshold {
		note := fmt.Sprintf("security score %d reached review threshold %d", a.SecurityScore, e.rules.FlagThreshold)
		a.Flag(note)
		a.AppendEvent(model.EventSecurityRule, at, map[string]any{
			"rule":    string(RuleScoreThreshold),
			"points":  0,
			"score":   a.SecurityScore,
			"flagged": true,
			"note":    note,
		})
		out.Hits = append(out.Hits, Hit{Rule: RuleScoreThreshold, Flagged: true, Note: note})
	}
	out.ScoreAfter = a.SecurityScore
	out.NewlyFlagged = a.FlaggedForReview && !out.flaggedBefore
}

func (e *Engine) recentHit(a *model.Attempt, rule RuleID, at time.Time) bool {
	cutoff := at.Add(-e.rules.Window)
	for i := len(a.Events) - 1; i >= 0; i-- {
		ev := a.Events[i]
		if !ev.Timestamp.After(cutoff) {
			break
		}
		if ev.Type == model.EventSecurityRule && ruleOf(ev) == rule {
			return true
		}
	}
	return false
}

func countInWindow(events []model.SessionEvent, kind model.EventType, at time.Time, window time.Duration) int {
	cutoff := at.Add(-window)
	n := 0
	for _, ev := range events {
		if ev.Type == kind && ev.Timestamp.After(cutoff) && !ev.Timestamp.After(at) {
			n++
		}
	}
	return n
}

func ruleOf(ev model.SessionEvent) RuleID {
	s, _ := ev.Details["rule"].(string)
	return RuleID(s)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
