package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/expiry"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/security"
)

// errAttemptClosed tells StartOrResume that the attempt it meant to resume
// was completed underneath it, so it should look again.
var errAttemptClosed = errors.New("attempt closed concurrently")

// SessionConfig tunes the lifecycle manager.
type SessionConfig struct {
	GracePeriod    time.Duration
	GradingTimeout time.Duration
	StoreTimeout   time.Duration
	MaxCASRetries  int
}

// SessionService owns the attempt state machine: start, resume, autosave,
// submit, status and activity tracking. Every mutation is a load, check,
// mutate, compare-and-set cycle on the attempt's version.
type SessionService struct {
	store    repository.AttemptStore
	exams    ExamProvider
	grader   Grader
	engine   *security.Engine
	clock    clock.Clock
	notifier Notifier
	sink     EventSink
	cfg      SessionConfig
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	store repository.AttemptStore,
	exams ExamProvider,
	grader Grader,
	engine *security.Engine,
	clk clock.Clock,
	cfg SessionConfig,
	log zerolog.Logger,
) *SessionService {
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = 5
	}
	return &SessionService{
		store:    store,
		exams:    exams,
		grader:   grader,
		engine:   engine,
		clock:    clk,
		notifier: nopNotifier{},
		sink:     nopSink{},
		cfg:      cfg,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// WithNotifier sets the live monitor notifier.
func (s *SessionService) WithNotifier(n Notifier) *SessionService {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithEventSink sets the audit journal sink.
func (s *SessionService) WithEventSink(sink EventSink) *SessionService {
	if sink != nil {
		s.sink = sink
	}
	return s
}

// StartOrResume starts a new attempt, or resumes the incomplete one.
// A resume past the time budget finalizes the attempt and returns ErrTimeExpired.
func (s *SessionService) StartOrResume(ctx context.Context, key model.AttemptKey, origin model.Origin) (*SessionSnapshot, error) {
	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	for i := 0; i <= s.cfg.MaxCASRetries; i++ {
		active, err := s.findActive(ctx, key)
		if err == nil {
			snap, err := s.resume(ctx, w, active.ID, origin)
			if errors.Is(err, errAttemptClosed) {
				continue
			}
			return snap, err
		}
		if !errors.Is(err, repository.ErrAttemptNotFound) {
			return nil, err
		}

		snap, err := s.start(ctx, w, key, origin)
		if errors.Is(err, repository.ErrActiveAttemptExists) {
			// Lost the insert race; resume the winner's attempt.
			continue
		}
		return snap, err
	}
	return nil, fmt.Errorf("%w: start contended", ErrUnavailable)
}

func (s *SessionService) start(ctx context.Context, w *model.ExamWindow, key model.AttemptKey, origin model.Origin) (*SessionSnapshot, error) {
	now := s.clock.Now()

	if s.engine.IsAutomated(origin.UserAgent) {
		s.log.Warn().
			Str("exam_id", key.ExamID.String()).
			Int("student_id", key.StudentID).
			Str("user_agent", origin.UserAgent).
			Msg("Blocked automated start request")
		s.notifier.Notify(ctx, MonitorEvent{
			Type:      MonitorBlocked,
			ExamID:    key.ExamID,
			StudentID: key.StudentID,
			Data:      map[string]any{"user_agent": origin.UserAgent, "ip_address": origin.IP},
			Timestamp: now,
		})
		return nil, ErrSecurityViolation
	}

	if err := windowErr(w.PhaseAt(now)); err != nil {
		return nil, err
	}

	prior, err := s.listByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, p := range prior {
		if !p.IsCompleted {
			return nil, repository.ErrActiveAttemptExists
		}
	}
	if w.MaxAttempts > 0 && len(prior) >= w.MaxAttempts {
		return nil, ErrAttemptLimitReached
	}

	a := &model.Attempt{
		ExamID:        key.ExamID,
		StudentID:     key.StudentID,
		AttemptNumber: len(prior) + 1,
		StartedAt:     now,
		LastActivity:  now,
		Answers:       map[string]string{},
		IPAddress:     origin.IP,
		UserAgent:     origin.UserAgent,
	}
	a.AppendEvent(model.EventStart, now, map[string]any{
		"attempt_number": a.AttemptNumber,
		"ip_address":     origin.IP,
		"user_agent":     origin.UserAgent,
	})

	sctx, cancel := s.storeCtx(ctx)
	err = s.store.Insert(sctx, a)
	cancel()
	if errors.Is(err, repository.ErrActiveAttemptExists) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable(err)
	}

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("exam_id", a.ExamID.String()).
		Int("student_id", a.StudentID).
		Int("attempt_number", a.AttemptNumber).
		Msg("Attempt started")
	s.afterCommit(ctx, a, a.Events, false)

	return s.snapshot(a, w, now, false), nil
}

func (s *SessionService) resume(ctx context.Context, w *model.ExamWindow, id uuid.UUID, origin model.Origin) (*SessionSnapshot, error) {
	var now time.Time
	grades := &gradeMemo{}
	a, err := s.mutate(ctx, s.loadByID(id), func(a *model.Attempt) (bool, error) {
		if a.IsCompleted {
			return false, errAttemptClosed
		}
		now = s.clock.Now()

		v := s.verdict(a, w, now)
		if !v.Active() {
			if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
				return false, err
			}
			return true, ErrTimeExpired
		}

		if out := s.engine.ObserveOrigin(a, origin, now); out.Blocked {
			return true, ErrSecurityViolation
		}
		a.Touch(now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return s.snapshot(a, w, now, true), nil
}

// SaveAnswer merges one answer or a batch into the active attempt.
func (s *SessionService) SaveAnswer(ctx context.Context, key model.AttemptKey, in SaveInput, origin model.Origin) (*SaveResult, error) {
	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	answers, err := canonicalAnswers(w, in)
	if err != nil {
		return nil, err
	}

	var (
		now time.Time
		v   expiry.Verdict
	)
	grades := &gradeMemo{}
	a, err := s.mutate(ctx, s.loadActive(key), func(a *model.Attempt) (bool, error) {
		if a.IsCompleted {
			return false, ErrNoActiveSession
		}
		now = s.clock.Now()

		v = s.verdict(a, w, now)
		if !v.Active() {
			if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
				return false, err
			}
			return true, ErrTimeExpired
		}

		if err := windowErr(w.PhaseAt(now)); err != nil {
			return false, err
		}

		if out := s.engine.ObserveOrigin(a, origin, now); out.Blocked {
			return true, ErrSecurityViolation
		}

		for qID, ans := range answers {
			a.Answers[qID] = ans
		}
		a.Touch(now)
		a.AppendEvent(model.EventSave, now, map[string]any{
			"autosave": in.Autosave,
			"count":    len(answers),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	answered := a.AnsweredCount()
	return &SaveResult{
		AttemptID:        a.ID,
		SavedCount:       len(answers),
		AnsweredCount:    answered,
		TotalQuestions:   w.TotalQuestions(),
		Progress:         model.Progress(answered, w.TotalQuestions()),
		RemainingSeconds: int(v.Remaining / time.Second),
		SavedAt:          now,
	}, nil
}

// Submit finalizes the student's attempt. It is idempotent: a completed
// attempt returns its stored result with AlreadySubmitted set.
func (s *SessionService) Submit(ctx context.Context, key model.AttemptKey, origin model.Origin) (*SubmitResult, error) {
	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	var res *SubmitResult
	_, err = s.mutate(ctx, s.loadCurrent(key), s.submitFn(ctx, w, false, "", origin, &res))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ForceSubmit closes an attempt on an administrator's behalf. The exam end
// time and the grace window are not enforced.
func (s *SessionService) ForceSubmit(ctx context.Context, attemptID uuid.UUID, reason string) (*SubmitResult, error) {
	a, err := s.get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	w, err := s.exams.GetWindow(ctx, a.ExamID)
	if err != nil {
		return nil, err
	}

	var res *SubmitResult
	_, err = s.mutate(ctx, s.loadByID(attemptID), s.submitFn(ctx, w, true, reason, model.Origin{}, &res))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SessionService) submitFn(ctx context.Context, w *model.ExamWindow, forced bool, reason string, origin model.Origin, res **SubmitResult) func(*model.Attempt) (bool, error) {
	grades := &gradeMemo{}
	return func(a *model.Attempt) (bool, error) {
		if a.IsCompleted {
			r := resultOf(a, w)
			r.AlreadySubmitted = true
			*res = r
			return false, nil
		}
		now := s.clock.Now()
		v := s.verdict(a, w, now)

		if !forced {
			// Past grace, or out of time once the exam has closed: the
			// attempt is closed as of its deadline.
			closed := w.PhaseAt(now) == model.ExamPhaseClosed
			if v.Phase == expiry.PhaseExpired || (closed && !v.Active()) {
				if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
					return false, err
				}
				return true, ErrTimeExpired
			}
			if closed {
				return false, ErrExamClosed
			}
		}
		late := !v.Active()

		if out := s.engine.ObserveOrigin(a, origin, now); out.Blocked {
			return true, ErrSecurityViolation
		}

		grade, err := s.grade(ctx, grades, a)
		if err != nil {
			return false, err
		}

		completion := model.CompletionSubmitted
		if forced {
			completion = model.CompletionForced
		}
		if late {
			a.Flag(fmt.Sprintf("late submission: %d minute(s) past the %d minute limit",
				v.OverageMinutes(), w.DurationMinutes))
		}
		if forced && reason != "" {
			a.AddReviewNote("force-submitted: " + reason)
		}
		complete(a, now, completion, late, grade)

		answered := a.AnsweredCount()
		a.AppendEvent(model.EventSubmit, now, map[string]any{
			"answered":   answered,
			"unanswered": unanswered(w, answered),
			"late":       late,
			"forced":     forced,
		})

		*res = resultOf(a, w)
		return true, nil
	}
}

// GetStatus reports the student's standing on an exam. An active attempt
// found past its time budget is finalized as a side effect.
func (s *SessionService) GetStatus(ctx context.Context, key model.AttemptKey) (*StatusResult, error) {
	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	attempts, err := s.listByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	var active, last *model.Attempt
	for _, a := range attempts {
		if a.IsCompleted {
			last = a
		} else {
			active = a
		}
	}

	now := s.clock.Now()
	autoFinalized := false
	if active != nil && !s.verdict(active, w, now).Active() {
		grades := &gradeMemo{}
		a, err := s.mutate(ctx, s.loadByID(active.ID), func(a *model.Attempt) (bool, error) {
			if a.IsCompleted {
				return false, nil
			}
			now = s.clock.Now()
			v := s.verdict(a, w, now)
			if v.Active() {
				return false, nil
			}
			if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
				return false, err
			}
			autoFinalized = true
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if a.IsCompleted {
			last, active = a, nil
		} else {
			active = a
		}
	}

	phase := w.PhaseAt(now)
	st := &StatusResult{
		ExamID:              w.ExamID,
		ExamTitle:           w.Title,
		ExamPhase:           phase,
		AttemptsUsed:        len(attempts),
		MaxAttempts:         w.MaxAttempts,
		HasActiveAttempt:    active != nil,
		HasCompletedAttempt: last != nil,
		AutoFinalized:       autoFinalized,
	}
	st.CanStart = active == nil && phase == model.ExamPhaseOpen &&
		(w.MaxAttempts == 0 || len(attempts) < w.MaxAttempts)

	if active != nil {
		v := s.verdict(active, w, now)
		answered := active.AnsweredCount()
		st.Active = &ActiveAttemptStatus{
			AttemptID:        active.ID,
			AttemptNumber:    active.AttemptNumber,
			StartedAt:        active.StartedAt,
			Phase:            v.Phase,
			ElapsedMinutes:   v.ElapsedMinutes(),
			RemainingMinutes: v.RemainingMinutes(),
			RemainingSeconds: int(v.Remaining / time.Second),
			AnsweredCount:    answered,
			TotalQuestions:   w.TotalQuestions(),
			Progress:         model.Progress(answered, w.TotalQuestions()),
		}
	}
	if last != nil {
		st.LastResult = resultOf(last, w)
	}
	return st, nil
}

// TrackActivity records a behavioral event and runs the security rules.
// On a completed attempt the event is kept as a late audit entry only.
func (s *SessionService) TrackActivity(ctx context.Context, key model.AttemptKey, activity string, details map[string]any, origin model.Origin) (*ActivityResult, error) {
	t, ok := model.ParseActivityType(activity)
	if !ok {
		return nil, validationf("unknown activity type %q", activity)
	}

	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	res := &ActivityResult{}
	grades := &gradeMemo{}
	_, err = s.mutate(ctx, s.loadCurrent(key), func(a *model.Attempt) (bool, error) {
		*res = ActivityResult{}
		now := s.clock.Now()

		if a.IsCompleted {
			appendLate(a, t, now, details)
			res.Recorded, res.Late, res.Flagged = true, true, a.FlaggedForReview
			return true, nil
		}

		v := s.verdict(a, w, now)
		if !v.Active() {
			if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
				return false, err
			}
			appendLate(a, t, now, details)
			return true, ErrTimeExpired
		}

		if out := s.engine.ObserveOrigin(a, origin, now); out.Blocked {
			return true, ErrSecurityViolation
		}
		out := s.engine.Observe(a, t, now, details)
		a.Touch(now)

		res.Recorded = true
		res.Warnings = out.Warnings
		res.Flagged = a.FlaggedForReview
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReportSuspicious records a suspicious-activity report. It always flags an
// active attempt; on a completed attempt it is a late audit entry only.
func (s *SessionService) ReportSuspicious(ctx context.Context, key model.AttemptKey, description string, evidence map[string]any, origin model.Origin) (*ActivityResult, error) {
	if description == "" {
		return nil, validationf("description is required")
	}

	w, err := s.exams.GetWindow(ctx, key.ExamID)
	if err != nil {
		return nil, err
	}

	details := map[string]any{"description": description}
	if len(evidence) > 0 {
		details["evidence"] = evidence
	}

	res := &ActivityResult{}
	grades := &gradeMemo{}
	_, err = s.mutate(ctx, s.loadCurrent(key), func(a *model.Attempt) (bool, error) {
		*res = ActivityResult{}
		now := s.clock.Now()

		if a.IsCompleted {
			appendLate(a, model.EventSuspiciousActivity, now, details)
			res.Recorded, res.Late, res.Flagged = true, true, a.FlaggedForReview
			return true, nil
		}

		v := s.verdict(a, w, now)
		if !v.Active() {
			if err := s.forceFinalize(ctx, grades, a, w, v, now); err != nil {
				return false, err
			}
			appendLate(a, model.EventSuspiciousActivity, now, details)
			return true, ErrTimeExpired
		}

		if out := s.engine.ObserveOrigin(a, origin, now); out.Blocked {
			return true, ErrSecurityViolation
		}
		s.engine.ReportSuspicious(a, description, evidence, now)
		a.Touch(now)

		res.Recorded = true
		res.Flagged = a.FlaggedForReview
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetSecurityStatus returns the risk report of an attempt.
func (s *SessionService) GetSecurityStatus(ctx context.Context, attemptID uuid.UUID) (*security.RiskReport, error) {
	a, err := s.get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	report := s.engine.Assess(a, s.clock.Now())
	return &report, nil
}

// GetTimeline returns the ordered event log of an attempt.
func (s *SessionService) GetTimeline(ctx context.Context, attemptID uuid.UUID) (*Timeline, error) {
	a, err := s.get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return &Timeline{
		AttemptID:        a.ID,
		ExamID:           a.ExamID,
		StudentID:        a.StudentID,
		AttemptNumber:    a.AttemptNumber,
		IsCompleted:      a.IsCompleted,
		SecurityScore:    a.SecurityScore,
		FlaggedForReview: a.FlaggedForReview,
		ReviewNotes:      a.ReviewNotes,
		Events:           a.Events,
	}, nil
}

// ListFlagged returns the review queue of an exam, highest score first.
func (s *SessionService) ListFlagged(ctx context.Context, examID uuid.UUID) ([]FlaggedAttempt, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	attempts, err := s.store.ListFlagged(sctx, examID)
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]FlaggedAttempt, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, FlaggedAttempt{
			AttemptID:     a.ID,
			StudentID:     a.StudentID,
			AttemptNumber: a.AttemptNumber,
			SecurityScore: a.SecurityScore,
			RiskLevel:     string(security.LevelFor(a.SecurityScore)),
			IsCompleted:   a.IsCompleted,
			Late:          a.LateSubmission,
			StartedAt:     a.StartedAt,
			SubmittedAt:   a.SubmittedAt,
			ReviewNotes:   a.ReviewNotes,
		})
	}
	return out, nil
}
