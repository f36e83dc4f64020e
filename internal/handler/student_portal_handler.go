package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// StudentPortalHandler handles student-facing exam session endpoints.
type StudentPortalHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessionService *service.SessionService, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Starts a new attempt or resumes the incomplete one (idempotent).
func (h *StudentPortalHandler) StartExam(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	snap, err := h.sessionService.StartOrResume(c.Request.Context(), key, originOf(c))
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	status := http.StatusCreated
	if snap.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, gin.H{"session": snap})
}

// SaveAnswers godoc
// PUT /api/v1/student/exams/:exam_id/answers
// Merges one answer or a batch into the active attempt.
func (h *StudentPortalHandler) SaveAnswers(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.SaveAnswer(c.Request.Context(), key, service.SaveInput{
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
		Answers:    req.Answers,
		Autosave:   req.Autosave,
	}, originOf(c))
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// SubmitExam godoc
// POST /api/v1/student/exams/:exam_id/submit
// Finalizes the attempt. Submitting twice returns the stored result.
func (h *StudentPortalHandler) SubmitExam(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	res, err := h.sessionService.Submit(c.Request.Context(), key, originOf(c))
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// GetStatus godoc
// GET /api/v1/student/exams/:exam_id/status
// Returns the student's standing on the exam. This endpoint covers page
// reloads, so the frontend can restore the remaining time.
func (h *StudentPortalHandler) GetStatus(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	st, err := h.sessionService.GetStatus(c.Request.Context(), key)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, st)
}

// TrackActivity godoc
// POST /api/v1/student/exams/:exam_id/activity
func (h *StudentPortalHandler) TrackActivity(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	var req model.TrackActivityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.TrackActivity(c.Request.Context(), key, req.ActivityType, req.Details, originOf(c))
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// ReportSuspicious godoc
// POST /api/v1/student/exams/:exam_id/suspicious
func (h *StudentPortalHandler) ReportSuspicious(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}

	var req model.ReportSuspiciousRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.ReportSuspicious(c.Request.Context(), key, req.Description, req.Evidence, originOf(c))
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}
