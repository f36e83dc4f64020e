package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	browser = model.Origin{IP: "10.1.1.1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"}
)

type fakeExams struct {
	windows map[uuid.UUID]*model.ExamWindow
	keys    map[uuid.UUID]model.AnswerKey
}

func (f *fakeExams) GetWindow(_ context.Context, examID uuid.UUID) (*model.ExamWindow, error) {
	w, ok := f.windows[examID]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (f *fakeExams) GetAnswerKey(_ context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	return f.keys[examID], nil
}

type failingGrader struct{}

func (failingGrader) Grade(context.Context, uuid.UUID, map[string]string) (GradeResult, error) {
	return GradeResult{}, errors.New("grading backend down")
}

type recNotifier struct {
	mu     sync.Mutex
	events []MonitorEvent
}

func (r *recNotifier) Notify(_ context.Context, ev MonitorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recNotifier) count(t MonitorEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type recSink struct {
	mu     sync.Mutex
	events []model.SessionEvent
}

func (r *recSink) Record(_ context.Context, _ *model.Attempt, events []model.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

type harness struct {
	svc       *SessionService
	store     *repository.MemoryAttemptStore
	clk       *clock.Manual
	window    *model.ExamWindow
	questions []string
	notes     *recNotifier
	sink      *recSink
}

func newHarness(t *testing.T, opts ...func(*model.ExamWindow)) *harness {
	t.Helper()

	examID := uuid.New()
	start, end := t0.Add(-time.Hour), t0.Add(3*time.Hour)
	w := &model.ExamWindow{
		ExamID:          examID,
		Title:           "Fisika Dasar",
		StartTime:       &start,
		EndTime:         &end,
		DurationMinutes: 30,
		MaxAttempts:     1,
	}
	var qids []string
	for i := 0; i < 8; i++ {
		q := model.QuestionForStudent{ID: uuid.New(), QuestionText: fmt.Sprintf("Q%d", i+1), QuestionType: model.QuestionTypeMultipleChoice, OrderNum: i + 1}
		w.Questions = append(w.Questions, q)
		qids = append(qids, q.ID.String())
	}
	for _, opt := range opts {
		opt(w)
	}

	exams := &fakeExams{
		windows: map[uuid.UUID]*model.ExamWindow{examID: w},
		keys: map[uuid.UUID]model.AnswerKey{examID: {
			qids[0]: {Answer: "A", Points: 10},
			qids[1]: {Answer: "B", Points: 10},
			qids[2]: {Answer: "C", Points: 20},
			qids[3]: {Answer: "", Points: 5},
		}},
	}

	h := &harness{
		store:     repository.NewMemoryAttemptStore(),
		clk:       clock.NewManual(t0),
		window:    w,
		questions: qids,
		notes:     &recNotifier{},
		sink:      &recSink{},
	}
	h.svc = NewSessionService(
		h.store,
		exams,
		NewAnswerKeyGrader(exams),
		security.NewEngine(security.DefaultRules()),
		h.clk,
		SessionConfig{
			GracePeriod:    5 * time.Minute,
			GradingTimeout: time.Second,
			StoreTimeout:   time.Second,
			MaxCASRetries:  200,
		},
		zerolog.Nop(),
	).WithNotifier(h.notes).WithEventSink(h.sink)
	return h
}

func (h *harness) key(studentID int) model.AttemptKey {
	return model.AttemptKey{ExamID: h.window.ExamID, StudentID: studentID}
}

func (h *harness) at(d time.Duration) { h.clk.Set(t0.Add(d)) }

func (h *harness) stored(t *testing.T, id uuid.UUID) *model.Attempt {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestStartOrResume_CreatesThenResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.False(t, snap.Resumed)
	assert.Equal(t, 1, snap.AttemptNumber)
	assert.Equal(t, 30, snap.RemainingMinutes)
	assert.Len(t, snap.Questions, 8)

	h.at(12 * time.Minute)
	again, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, snap.AttemptID, again.AttemptID)
	assert.Equal(t, 12, again.ElapsedMinutes)
	assert.Equal(t, 18, again.RemainingMinutes)

	list, err := h.store.ListByKey(ctx, h.key(1))
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, model.EventStart, list[0].Events[0].Type)
	assert.Equal(t, 1, h.notes.count(MonitorStarted))
}

func TestStartOrResume_ConcurrentStartsCreateOneAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const n = 16
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
			errs[i] = err
			if err == nil {
				ids[i] = snap.AttemptID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	list, err := h.store.ListByKey(ctx, h.key(1))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStartOrResume_WindowAndLimit(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.at(-2 * time.Hour)
	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrExamNotOpen)
	assert.ErrorIs(t, err, ErrExamNotInWindow)

	h.at(4 * time.Hour)
	_, err = h.svc.StartOrResume(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrExamClosed)

	h.at(0)
	_, err = h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)

	_, err = h.svc.StartOrResume(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrAttemptLimitReached)
}

func TestStartOrResume_SecondAttemptNumbering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w *model.ExamWindow) { w.MaxAttempts = 0 })

	first, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)

	second, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, 2, second.AttemptNumber)
	assert.False(t, second.Resumed)
}

func TestStartOrResume_AutomationBlocksWithoutCreating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.StartOrResume(ctx, h.key(1), model.Origin{IP: "10.0.0.1", UserAgent: "python-requests/2.31"})
	assert.ErrorIs(t, err, ErrSecurityViolation)

	list, err := h.store.ListByKey(ctx, h.key(1))
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, h.notes.count(MonitorBlocked))
}

func TestSaveAnswer_SingleAndBatchShareMergePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.questions

	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	res, err := h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: q[0], Answer: "  A "}, browser)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)
	assert.Equal(t, 13, res.Progress)

	res, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{
		Answers:  map[string]any{q[1]: 2.0, q[2]: true, q[0]: "B"},
		Autosave: true,
	}, browser)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SavedCount)
	assert.Equal(t, 3, res.AnsweredCount)
	assert.Equal(t, 38, res.Progress)

	a, err := h.store.FindActive(ctx, h.key(1))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{q[0]: "B", q[1]: "2", q[2]: "true"}, a.Answers)

	last := a.Events[len(a.Events)-1]
	assert.Equal(t, model.EventSave, last.Type)
	assert.Equal(t, true, last.Details["autosave"])
	assert.Equal(t, 3, last.Details["count"])
}

func TestSaveAnswer_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{}, browser)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: uuid.NewString(), Answer: "A"}, browser)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: nil}, browser)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{Answer: "A"}, browser)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSaveAnswer_ConcurrentDisjointSavesAllPersist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, len(h.questions))
	for i, q := range h.questions {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			_, errs[i] = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: q, Answer: fmt.Sprintf("ans-%d", i)}, browser)
		}(i, q)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	a, err := h.store.FindActive(ctx, h.key(1))
	require.NoError(t, err)
	assert.Len(t, a.Answers, len(h.questions))
	for i, q := range h.questions {
		assert.Equal(t, fmt.Sprintf("ans-%d", i), a.Answers[q])
	}
}

type racingStore struct {
	*repository.MemoryAttemptStore
	once sync.Once
	race func()
}

func (r *racingStore) Update(ctx context.Context, a *model.Attempt) error {
	r.once.Do(r.race)
	return r.MemoryAttemptStore.Update(ctx, a)
}

func TestSaveAnswer_RetriesOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	racer := &racingStore{MemoryAttemptStore: h.store}
	racer.race = func() {
		other, err := h.store.Get(ctx, snap.AttemptID)
		require.NoError(t, err)
		other.Answers[h.questions[1]] = "B"
		require.NoError(t, h.store.Update(ctx, other))
	}
	h.svc.store = racer

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	require.NoError(t, err)

	a := h.stored(t, snap.AttemptID)
	assert.Equal(t, "A", a.Answers[h.questions[0]])
	assert.Equal(t, "B", a.Answers[h.questions[1]], "the interleaved write is not lost")
}

func TestSubmit_GradesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.questions

	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	h.at(10 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{Answers: map[string]any{q[0]: "A", q[1]: "X", q[2]: "C", q[3]: "essay"}}, browser)
	require.NoError(t, err)

	h.at(20 * time.Minute)
	first, err := h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.False(t, first.AlreadySubmitted)
	assert.Equal(t, 30.0, first.Score)
	assert.Equal(t, 75.0, first.Percentage)
	assert.Equal(t, 4, first.Answered)
	assert.Equal(t, 4, first.Unanswered)
	assert.Equal(t, 20, first.TimeSpentMinutes)
	assert.Equal(t, model.CompletionSubmitted, first.CompletionReason)
	assert.False(t, first.Late)

	h.at(25 * time.Minute)
	second, err := h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.True(t, second.AlreadySubmitted)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Percentage, second.Percentage)
	assert.Equal(t, first.TimeSpentMinutes, second.TimeSpentMinutes)
	assert.Equal(t, first.SubmittedAt, second.SubmittedAt)

	a := h.stored(t, first.AttemptID)
	assert.Equal(t, 1, countEvents(a, model.EventSubmit))

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: q[4], Answer: "D"}, browser)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSubmit_NoAttempt(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), h.key(9), browser)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestScenario_ThirtyMinuteExamWithFiveMinuteGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	q := h.questions

	// student 1: autosave at T+10, submit inside grace at T+33
	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	// student 2: same start, autosave at T+36
	s2, err := h.svc.StartOrResume(ctx, h.key(2), browser)
	require.NoError(t, err)

	h.at(10 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: q[0], Answer: "A"}, browser)
	require.NoError(t, err)
	_, err = h.svc.SaveAnswer(ctx, h.key(2), SaveInput{QuestionID: q[0], Answer: "A"}, browser)
	require.NoError(t, err)

	h.at(33 * time.Minute)
	res, err := h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)
	assert.True(t, res.Late)
	assert.True(t, res.FlaggedForReview)
	assert.Equal(t, 33, res.TimeSpentMinutes)

	h.at(36 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(2), SaveInput{QuestionID: q[1], Answer: "B"}, browser)
	assert.ErrorIs(t, err, ErrTimeExpired)

	a := h.stored(t, s2.AttemptID)
	assert.True(t, a.IsCompleted)
	assert.Equal(t, model.CompletionAutoSubmit, a.CompletionReason)
	require.NotNil(t, a.SubmittedAt)
	assert.Equal(t, t0.Add(30*time.Minute), *a.SubmittedAt)
	assert.Equal(t, 30, *a.TimeSpentMinutes)
	assert.Equal(t, map[string]string{q[0]: "A"}, a.Answers, "rejected save is not applied")
	require.NotNil(t, a.Score)
	assert.Equal(t, 10.0, *a.Score)
	assert.Equal(t, 1, countEvents(a, model.EventAutoSubmit))
	assert.Equal(t, 1, h.notes.count(MonitorExpired))
}

func TestSaveAnswer_InGraceForcesFinalization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(31 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	assert.ErrorIs(t, err, ErrTimeExpired)
	assert.True(t, h.stored(t, snap.AttemptID).IsCompleted)
}

func TestResume_PastBudgetFinalizes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(32 * time.Minute)
	_, err = h.svc.StartOrResume(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrTimeExpired)

	a := h.stored(t, snap.AttemptID)
	assert.True(t, a.IsCompleted)
	assert.Equal(t, model.CompletionAutoSubmit, a.CompletionReason)
}

func TestGetStatus_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(5 * time.Minute)
	st, err := h.svc.GetStatus(ctx, h.key(1))
	require.NoError(t, err)
	assert.Equal(t, model.ExamPhaseOpen, st.ExamPhase)
	assert.True(t, st.HasActiveAttempt)
	assert.False(t, st.CanStart)
	require.NotNil(t, st.Active)
	assert.Equal(t, 25, st.Active.RemainingMinutes)
	assert.False(t, st.AutoFinalized)
	assert.Equal(t, int64(1), h.stored(t, snap.AttemptID).Version, "status does not write an active attempt")

	h.at(90 * time.Minute)
	st, err = h.svc.GetStatus(ctx, h.key(1))
	require.NoError(t, err)
	assert.True(t, st.AutoFinalized)
	assert.False(t, st.HasActiveAttempt)
	assert.True(t, st.HasCompletedAttempt)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, model.CompletionAutoSubmit, st.LastResult.CompletionReason)
	assert.Equal(t, 30, st.LastResult.TimeSpentMinutes)
	assert.Equal(t, 1, st.AttemptsUsed)
	assert.False(t, st.CanStart, "attempt limit reached")

	st, err = h.svc.GetStatus(ctx, h.key(1))
	require.NoError(t, err)
	assert.False(t, st.AutoFinalized)
}

func TestSubmit_PastGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	s1, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	s2, err := h.svc.StartOrResume(ctx, h.key(2), browser)
	require.NoError(t, err)

	h.at(40 * time.Minute)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrTimeExpired)
	assert.Equal(t, model.CompletionAutoSubmit, h.stored(t, s1.AttemptID).CompletionReason)

	res, err := h.svc.ForceSubmit(ctx, s2.AttemptID, "proctor closed the room")
	require.NoError(t, err)
	assert.True(t, res.Late)
	assert.True(t, res.FlaggedForReview)
	assert.Equal(t, model.CompletionForced, res.CompletionReason)

	a := h.stored(t, s2.AttemptID)
	assert.Contains(t, a.ReviewNotes, "force-submitted: proctor closed the room")
}

func TestSubmit_ExamClosedUnlessForced(t *testing.T) {
	ctx := context.Background()
	end := t0.Add(20 * time.Minute)
	h := newHarness(t, func(w *model.ExamWindow) { w.EndTime = &end })

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(25 * time.Minute)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrExamClosed)
	assert.False(t, h.stored(t, snap.AttemptID).IsCompleted)

	res, err := h.svc.ForceSubmit(ctx, snap.AttemptID, "")
	require.NoError(t, err)
	assert.False(t, res.Late)
	assert.Equal(t, model.CompletionForced, res.CompletionReason)
}

func TestExamClosedAfterDeadline_NextCallFinalizes(t *testing.T) {
	ctx := context.Background()
	end := t0.Add(40 * time.Minute)
	h := newHarness(t, func(w *model.ExamWindow) { w.EndTime = &end })

	s1, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	s2, err := h.svc.StartOrResume(ctx, h.key(2), browser)
	require.NoError(t, err)

	h.at(50 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	assert.ErrorIs(t, err, ErrTimeExpired)
	_, err = h.svc.Submit(ctx, h.key(2), browser)
	assert.ErrorIs(t, err, ErrTimeExpired)

	for _, id := range []uuid.UUID{s1.AttemptID, s2.AttemptID} {
		a := h.stored(t, id)
		assert.True(t, a.IsCompleted)
		assert.Equal(t, model.CompletionAutoSubmit, a.CompletionReason)
		require.NotNil(t, a.SubmittedAt)
		assert.Equal(t, t0.Add(30*time.Minute), *a.SubmittedAt)
		assert.Empty(t, a.Answers)
	}
}

func TestSubmit_InGraceAfterExamClosedFinalizes(t *testing.T) {
	ctx := context.Background()
	end := t0.Add(31 * time.Minute)
	h := newHarness(t, func(w *model.ExamWindow) { w.EndTime = &end })

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(32 * time.Minute)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrTimeExpired)

	a := h.stored(t, snap.AttemptID)
	assert.True(t, a.IsCompleted)
	assert.Equal(t, model.CompletionAutoSubmit, a.CompletionReason)
	assert.False(t, a.LateSubmission)
}

type countingGrader struct {
	Grader
	calls atomic.Int32
}

func (g *countingGrader) Grade(ctx context.Context, examID uuid.UUID, answers map[string]string) (GradeResult, error) {
	g.calls.Add(1)
	return g.Grader.Grade(ctx, examID, answers)
}

func TestSubmit_GradesOnceAcrossVersionConflicts(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantCalls int32
		wantScore float64
	}{
		{name: "unrelated write", wantCalls: 1, wantScore: 10},
		{name: "answers changed", answer: "B", wantCalls: 2, wantScore: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			grader := &countingGrader{Grader: h.svc.grader}
			h.svc.grader = grader

			snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
			require.NoError(t, err)
			_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
			require.NoError(t, err)

			racer := &racingStore{MemoryAttemptStore: h.store}
			racer.race = func() {
				other, err := h.store.Get(ctx, snap.AttemptID)
				require.NoError(t, err)
				if tt.answer != "" {
					other.Answers[h.questions[1]] = tt.answer
				}
				require.NoError(t, h.store.Update(ctx, other))
			}
			h.svc.store = racer

			h.at(10 * time.Minute)
			res, err := h.svc.Submit(ctx, h.key(1), browser)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, grader.calls.Load())
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, 1, countEvents(h.stored(t, snap.AttemptID), model.EventSubmit))
		})
	}
}

func TestSubmit_GradingFailureLeavesAttemptUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.grader = failingGrader{}

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	before := h.stored(t, snap.AttemptID)

	_, err = h.svc.Submit(ctx, h.key(1), browser)
	assert.ErrorIs(t, err, ErrUnavailable)

	h.at(50 * time.Minute)
	_, err = h.svc.GetStatus(ctx, h.key(1))
	assert.ErrorIs(t, err, ErrUnavailable)

	after := h.stored(t, snap.AttemptID)
	assert.False(t, after.IsCompleted)
	assert.Equal(t, before.Version, after.Version)
	assert.Nil(t, after.Score)
}

func TestTrackActivity_FocusLostFlagsOnEleventh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	prevScore := 0
	for i := 1; i <= 12; i++ {
		h.at(time.Duration(i) * 10 * time.Second)
		res, err := h.svc.TrackActivity(ctx, h.key(1), "focus_lost", nil, browser)
		require.NoError(t, err)
		assert.Equal(t, i >= 11, res.Flagged, "event %d", i)

		a := h.stored(t, snap.AttemptID)
		assert.GreaterOrEqual(t, a.SecurityScore, prevScore)
		prevScore = a.SecurityScore
	}

	a := h.stored(t, snap.AttemptID)
	assert.GreaterOrEqual(t, a.SecurityScore, 20)
	assert.True(t, a.FlaggedForReview)
	assert.Equal(t, 1, h.notes.count(MonitorFlagged))
	assert.Equal(t, 1, h.notes.count(MonitorRuleHit))
}

func TestTrackActivity_RejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.TrackActivity(context.Background(), h.key(1), "screenshot", nil, browser)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTrackActivity_CompletedAttemptIsAuditOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)
	before := h.stored(t, snap.AttemptID)

	for i := 0; i < 15; i++ {
		res, err := h.svc.TrackActivity(ctx, h.key(1), "focus_lost", map[string]any{"n": i}, model.Origin{IP: "1.2.3.4", UserAgent: "Other/1.0"})
		require.NoError(t, err)
		assert.True(t, res.Late)
	}

	after := h.stored(t, snap.AttemptID)
	assert.Equal(t, before.SecurityScore, after.SecurityScore)
	assert.Equal(t, before.FlaggedForReview, after.FlaggedForReview)
	assert.Equal(t, before.Score, after.Score)
	assert.Equal(t, before.IPAddress, after.IPAddress)
	assert.Equal(t, 15, countEvents(after, model.EventFocusLost))
	last := after.Events[len(after.Events)-1]
	assert.Equal(t, true, last.Details["late"])
}

func TestTrackActivity_OriginChangeScoresWithoutBlocking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(time.Minute)
	moved := model.Origin{IP: "10.9.9.9", UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/126"}
	res, err := h.svc.TrackActivity(ctx, h.key(1), "focus_gained", nil, moved)
	require.NoError(t, err)
	assert.False(t, res.Flagged)

	a := h.stored(t, snap.AttemptID)
	assert.Equal(t, 35, a.SecurityScore)
	assert.Equal(t, moved.IP, a.IPAddress)
	assert.Equal(t, moved.UserAgent, a.UserAgent)

	h.at(2 * time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, moved)
	require.NoError(t, err)
	assert.Equal(t, 35, h.stored(t, snap.AttemptID).SecurityScore, "same origin scores nothing")
}

func TestSaveAnswer_AutomationBlocksButPersistsScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	h.at(time.Minute)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"},
		model.Origin{IP: browser.IP, UserAgent: "Mozilla/5.0 HeadlessChrome/120.0"})
	assert.ErrorIs(t, err, ErrSecurityViolation)

	a := h.stored(t, snap.AttemptID)
	assert.Empty(t, a.Answers)
	assert.Equal(t, 50, a.SecurityScore)
	assert.True(t, a.FlaggedForReview)
	assert.Equal(t, browser.UserAgent, a.UserAgent)
	assert.False(t, a.IsCompleted, "blocking is per request")

	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	require.NoError(t, err)
}

func TestReportSuspicious(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	snap, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)

	res, err := h.svc.ReportSuspicious(ctx, h.key(1), "phone visible on camera", map[string]any{"frame": 1203}, browser)
	require.NoError(t, err)
	assert.True(t, res.Flagged)

	a := h.stored(t, snap.AttemptID)
	assert.Equal(t, 25, a.SecurityScore)
	assert.True(t, a.FlaggedForReview)

	_, err = h.svc.ReportSuspicious(ctx, h.key(1), "", nil, browser)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAdminViews(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w *model.ExamWindow) { w.MaxAttempts = 0 })

	s1, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	_, err = h.svc.StartOrResume(ctx, h.key(2), browser)
	require.NoError(t, err)

	_, err = h.svc.ReportSuspicious(ctx, h.key(1), "talking", nil, browser)
	require.NoError(t, err)

	report, err := h.svc.GetSecurityStatus(ctx, s1.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, 25, report.SecurityScore)
	assert.Equal(t, security.RiskMedium, report.RiskLevel)
	assert.Equal(t, 1, report.RuleHits[security.RuleSuspiciousReport])

	tl, err := h.svc.GetTimeline(ctx, s1.AttemptID)
	require.NoError(t, err)
	require.NotEmpty(t, tl.Events)
	assert.Equal(t, model.EventStart, tl.Events[0].Type)
	for i := 1; i < len(tl.Events); i++ {
		assert.False(t, tl.Events[i].Timestamp.Before(tl.Events[i-1].Timestamp))
	}

	flagged, err := h.svc.ListFlagged(ctx, h.window.ExamID)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, s1.AttemptID, flagged[0].AttemptID)

	_, err = h.svc.GetTimeline(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.ForceSubmit(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventSinkReceivesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.StartOrResume(ctx, h.key(1), browser)
	require.NoError(t, err)
	_, err = h.svc.SaveAnswer(ctx, h.key(1), SaveInput{QuestionID: h.questions[0], Answer: "A"}, browser)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, h.key(1), browser)
	require.NoError(t, err)

	var types []model.EventType
	for _, ev := range h.sink.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []model.EventType{model.EventStart, model.EventSave, model.EventSubmit}, types)
}

func countEvents(a *model.Attempt, t model.EventType) int {
	n := 0
	for _, ev := range a.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
