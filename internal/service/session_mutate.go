package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/expiry"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

type loader func(ctx context.Context) (*model.Attempt, error)

// mutate runs fn against a fresh copy of the attempt and writes it back with
// a version check, retrying from a new load when another writer got there
// first. fn returns persist=false to skip the write; its error is returned
// either way, after a successful write when persist is true.
func (s *SessionService) mutate(ctx context.Context, load loader, fn func(a *model.Attempt) (bool, error)) (*model.Attempt, error) {
	for i := 0; i <= s.cfg.MaxCASRetries; i++ {
		a, err := load(ctx)
		if err != nil {
			return nil, err
		}
		flagged := a.FlaggedForReview
		mark := len(a.Events)

		persist, fnErr := fn(a)
		if !persist {
			return a, fnErr
		}

		sctx, cancel := s.storeCtx(ctx)
		err = s.store.Update(sctx, a)
		cancel()
		if errors.Is(err, repository.ErrVersionConflict) {
			s.log.Debug().Str("attempt_id", a.ID.String()).Int("retry", i+1).Msg("Version conflict, reloading attempt")
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}

		s.afterCommit(ctx, a, a.Events[mark:], flagged)
		return a, fnErr
	}
	return nil, fmt.Errorf("%w: too many concurrent updates", ErrUnavailable)
}

func (s *SessionService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *SessionService) loadByID(id uuid.UUID) loader {
	return func(ctx context.Context) (*model.Attempt, error) {
		return s.get(ctx, id)
	}
}

func (s *SessionService) loadActive(key model.AttemptKey) loader {
	return func(ctx context.Context) (*model.Attempt, error) {
		a, err := s.findActive(ctx, key)
		if errors.Is(err, repository.ErrAttemptNotFound) {
			return nil, ErrNoActiveSession
		}
		return a, err
	}
}

// loadCurrent returns the incomplete attempt, or the latest completed one.
func (s *SessionService) loadCurrent(key model.AttemptKey) loader {
	return func(ctx context.Context) (*model.Attempt, error) {
		a, err := s.findActive(ctx, key)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, repository.ErrAttemptNotFound) {
			return nil, err
		}

		all, err := s.listByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, ErrNoActiveSession
		}
		return all[len(all)-1], nil
	}
}

func (s *SessionService) get(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	a, err := s.store.Get(sctx, id)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return a, nil
}

func (s *SessionService) findActive(ctx context.Context, key model.AttemptKey) (*model.Attempt, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	a, err := s.store.FindActive(sctx, key)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return a, nil
}

func (s *SessionService) listByKey(ctx context.Context, key model.AttemptKey) ([]*model.Attempt, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	all, err := s.store.ListByKey(sctx, key)
	if err != nil {
		return nil, unavailable(err)
	}
	return all, nil
}

func (s *SessionService) verdict(a *model.Attempt, w *model.ExamWindow, now time.Time) expiry.Verdict {
	return expiry.Evaluate(now, a.StartedAt, w.Duration(), s.cfg.GracePeriod)
}

// gradeMemo holds the grade computed during one operation so that a version
// conflict retry does not call the grader again for the same answers.
type gradeMemo struct {
	answers map[string]string
	result  GradeResult
	ok      bool
}

func (s *SessionService) grade(ctx context.Context, m *gradeMemo, a *model.Attempt) (GradeResult, error) {
	if m.ok && maps.Equal(m.answers, a.Answers) {
		return m.result, nil
	}

	gctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.GradingTimeout > 0 {
		gctx, cancel = context.WithTimeout(ctx, s.cfg.GradingTimeout)
	}
	defer cancel()

	res, err := s.grader.Grade(gctx, a.ExamID, a.Answers)
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Grading failed")
		return GradeResult{}, unavailable(err)
	}
	m.answers, m.result, m.ok = maps.Clone(a.Answers), res, true
	return res, nil
}

// forceFinalize closes an attempt that ran out of time, as if it had been
// submitted at the moment the duration elapsed.
func (s *SessionService) forceFinalize(ctx context.Context, grades *gradeMemo, a *model.Attempt, w *model.ExamWindow, v expiry.Verdict, now time.Time) error {
	g, err := s.grade(ctx, grades, a)
	if err != nil {
		return err
	}

	complete(a, v.Deadline, model.CompletionAutoSubmit, false, g)
	a.Touch(now)
	a.AppendEvent(model.EventAutoSubmit, now, map[string]any{
		"reason":           "time_expired",
		"phase":            string(v.Phase),
		"elapsed_minutes":  v.ElapsedMinutes(),
		"allotted_minutes": w.DurationMinutes,
		"answered":         a.AnsweredCount(),
	})

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Int("student_id", a.StudentID).
		Int("elapsed_minutes", v.ElapsedMinutes()).
		Msg("Attempt auto-submitted after time expired")
	return nil
}

// afterCommit fans committed events out to the audit journal and the live monitor.
func (s *SessionService) afterCommit(ctx context.Context, a *model.Attempt, events []model.SessionEvent, flaggedBefore bool) {
	if len(events) == 0 {
		return
	}
	s.sink.Record(ctx, a, events)

	base := MonitorEvent{
		ExamID:        a.ExamID,
		AttemptID:     a.ID,
		StudentID:     a.StudentID,
		SecurityScore: a.SecurityScore,
		Flagged:       a.FlaggedForReview,
	}

	for _, ev := range events {
		var typ MonitorEventType
		switch ev.Type {
		case model.EventStart:
			typ = MonitorStarted
		case model.EventSubmit:
			typ = MonitorSubmitted
		case model.EventAutoSubmit:
			typ = MonitorExpired
		case model.EventAutomation:
			typ = MonitorBlocked
		case model.EventSecurityRule:
			typ = MonitorRuleHit
			s.log.Warn().
				Str("attempt_id", a.ID.String()).
				Int("student_id", a.StudentID).
				Interface("rule", ev.Details["rule"]).
				Int("security_score", a.SecurityScore).
				Msg("Security rule hit")
		default:
			continue
		}
		m := base
		m.Type = typ
		m.Data = ev.Details
		m.Timestamp = ev.Timestamp
		s.notifier.Notify(ctx, m)
	}

	if a.FlaggedForReview && !flaggedBefore {
		s.log.Warn().
			Str("attempt_id", a.ID.String()).
			Int("student_id", a.StudentID).
			Int("security_score", a.SecurityScore).
			Msg("Attempt flagged for review")
		m := base
		m.Type = MonitorFlagged
		m.Data = map[string]any{"review_notes": a.ReviewNotes}
		m.Timestamp = events[len(events)-1].Timestamp
		s.notifier.Notify(ctx, m)
	}
}

func (s *SessionService) snapshot(a *model.Attempt, w *model.ExamWindow, now time.Time, resumed bool) *SessionSnapshot {
	v := s.verdict(a, w, now)
	answered := a.AnsweredCount()
	return &SessionSnapshot{
		AttemptID:        a.ID,
		ExamID:           a.ExamID,
		ExamTitle:        w.Title,
		AttemptNumber:    a.AttemptNumber,
		StartedAt:        a.StartedAt,
		Deadline:         v.Deadline,
		DurationMinutes:  w.DurationMinutes,
		ElapsedMinutes:   v.ElapsedMinutes(),
		RemainingMinutes: v.RemainingMinutes(),
		RemainingSeconds: int(v.Remaining / time.Second),
		Answers:          a.Answers,
		Questions:        w.Questions,
		AnsweredCount:    answered,
		TotalQuestions:   w.TotalQuestions(),
		Progress:         model.Progress(answered, w.TotalQuestions()),
		Resumed:          resumed,
	}
}

func complete(a *model.Attempt, at time.Time, reason model.CompletionReason, late bool, g GradeResult) {
	spent := int(at.Sub(a.StartedAt) / time.Minute)
	if spent < 0 {
		spent = 0
	}
	score, pct := g.Score, g.Percentage

	a.IsCompleted = true
	a.SubmittedAt = &at
	a.TimeSpentMinutes = &spent
	a.CompletionReason = reason
	a.LateSubmission = late
	a.Score = &score
	a.Percentage = &pct
	a.Touch(at)
}

func resultOf(a *model.Attempt, w *model.ExamWindow) *SubmitResult {
	answered := a.AnsweredCount()
	r := &SubmitResult{
		AttemptID:        a.ID,
		AttemptNumber:    a.AttemptNumber,
		Answered:         answered,
		Unanswered:       unanswered(w, answered),
		TotalQuestions:   w.TotalQuestions(),
		Late:             a.LateSubmission,
		FlaggedForReview: a.FlaggedForReview,
		CompletionReason: a.CompletionReason,
	}
	if a.SubmittedAt != nil {
		r.SubmittedAt = *a.SubmittedAt
	}
	if a.TimeSpentMinutes != nil {
		r.TimeSpentMinutes = *a.TimeSpentMinutes
	}
	if a.Score != nil {
		r.Score = *a.Score
	}
	if a.Percentage != nil {
		r.Percentage = *a.Percentage
	}
	return r
}

func unanswered(w *model.ExamWindow, answered int) int {
	if n := w.TotalQuestions() - answered; n > 0 {
		return n
	}
	return 0
}

// canonicalAnswers validates and canonicalizes an autosave payload.
func canonicalAnswers(w *model.ExamWindow, in SaveInput) (map[string]string, error) {
	out := make(map[string]string, len(in.Answers)+1)

	put := func(qID string, raw any) error {
		if qID == "" {
			return validationf("question id is required")
		}
		if !w.HasQuestion(qID) {
			return validationf("question %s is not part of this exam", qID)
		}
		val, err := model.CanonicalAnswer(raw)
		if err != nil {
			return fmt.Errorf("%w: question %s: %v", ErrValidation, qID, err)
		}
		out[qID] = val
		return nil
	}

	for qID, raw := range in.Answers {
		if err := put(qID, raw); err != nil {
			return nil, err
		}
	}
	if in.QuestionID != "" {
		if err := put(in.QuestionID, in.Answer); err != nil {
			return nil, err
		}
	} else if in.Answer != nil {
		return nil, validationf("question id is required")
	}

	if len(out) == 0 {
		return nil, validationf("no answers in payload")
	}
	return out, nil
}

// appendLate records an event on a closed attempt without running any rule.
func appendLate(a *model.Attempt, t model.EventType, now time.Time, details map[string]any) {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	d["late"] = true
	a.AppendEvent(t, now, d)
}

func windowErr(phase model.ExamPhase) error {
	switch phase {
	case model.ExamPhaseUpcoming:
		return ErrExamNotOpen
	case model.ExamPhaseClosed:
		return ErrExamClosed
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
