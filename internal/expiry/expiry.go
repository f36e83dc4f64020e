// Package expiry decides whether an attempt is still inside its time budget.
//
// Evaluate is a pure function of the clock reading and the attempt's timing
// parameters. Callers consult it lazily, on every access to an unfinished
// attempt, instead of running a background timer per attempt.
package expiry

import (
	"math"
	"time"
)

// DefaultGracePeriod is the extra time after the nominal duration during which
// a late submit is still accepted (and flagged).
const DefaultGracePeriod = 5 * time.Minute

// Phase is the time-budget state of an attempt.
type Phase string

const (
	PhaseActive  Phase = "ACTIVE"
	PhaseGrace   Phase = "GRACE_WINDOW"
	PhaseExpired Phase = "EXPIRED"
)

// Verdict is the result of evaluating an attempt's time budget.
type Verdict struct {
	Phase Phase
	// Elapsed is now - startedAt, never negative.
	Elapsed time.Duration
	// Remaining is set only in PhaseActive.
	Remaining time.Duration
	// Overage is elapsed - allotted, set in PhaseGrace and PhaseExpired.
	Overage time.Duration
	// Deadline is startedAt + allotted.
	Deadline time.Time
}

// Evaluate classifies an attempt started at startedAt with the given allotted
// duration and grace period.
//
//	elapsed <  allotted           -> Active(remaining)
//	elapsed <= allotted + grace   -> GraceWindow(overage)
//	otherwise                     -> Expired
func Evaluate(now, startedAt time.Time, allotted, grace time.Duration) Verdict {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if grace < 0 {
		grace = 0
	}

	v := Verdict{
		Elapsed:  elapsed,
		Deadline: startedAt.Add(allotted),
	}

	switch {
	case elapsed < allotted:
		v.Phase = PhaseActive
		v.Remaining = allotted - elapsed
	case elapsed <= allotted+grace:
		v.Phase = PhaseGrace
		v.Overage = elapsed - allotted
	default:
		v.Phase = PhaseExpired
		v.Overage = elapsed - allotted
	}
	return v
}

// Active reports whether the attempt may still be mutated normally.
func (v Verdict) Active() bool { return v.Phase == PhaseActive }

// ElapsedMinutes returns the elapsed time in whole minutes, rounded down.
func (v Verdict) ElapsedMinutes() int { return int(v.Elapsed / time.Minute) }

// RemainingMinutes returns the remaining time in minutes, rounded up so that a
// student with 30 seconds left still sees 1.
func (v Verdict) RemainingMinutes() int {
	return int(math.Ceil(v.Remaining.Minutes()))
}

// OverageMinutes returns the overage in minutes, rounded up.
func (v Verdict) OverageMinutes() int {
	return int(math.Ceil(v.Overage.Minutes()))
}
