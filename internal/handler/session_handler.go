package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// SessionHandler serves the reviewer and proctor endpoints of attempts.
type SessionHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.SessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// GetSecurityStatus godoc
// GET /api/v1/admin/attempts/:id/security
func (h *SessionHandler) GetSecurityStatus(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	report, err := h.sessionService.GetSecurityStatus(c.Request.Context(), id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, report)
}

// GetTimeline godoc
// GET /api/v1/admin/attempts/:id/timeline
func (h *SessionHandler) GetTimeline(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	tl, err := h.sessionService.GetTimeline(c.Request.Context(), id)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, tl)
}

// ForceSubmit godoc
// POST /api/v1/admin/attempts/:id/force-submit
// Closes the attempt regardless of the exam window and grace period.
func (h *SessionHandler) ForceSubmit(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req model.ForceSubmitRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	res, err := h.sessionService.ForceSubmit(c.Request.Context(), id, req.Reason)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	if claims := middleware.GetClaims(c); claims != nil {
		h.log.Info().
			Str("attempt_id", id.String()).
			Int("admin_id", claims.UserID).
			Bool("already_submitted", res.AlreadySubmitted).
			Msg("Attempt force-submitted")
	}

	response.Success(c, http.StatusOK, gin.H{"result": res})
}

// ListFlagged godoc
// GET /api/v1/admin/exams/:id/flagged
// Returns the exam's review queue, highest security score first.
func (h *SessionHandler) ListFlagged(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	page, perPage := pageParams(c)

	list, err := h.sessionService.ListFlagged(c.Request.Context(), examID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	from, to, p := response.Page(page, perPage, len(list))
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": list[from:to]}, p)
}

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// pageParams reads ?page and ?per_page, clamping bad values to defaults.
func pageParams(c *gin.Context) (page, perPage int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err = strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil || perPage < 1 {
		perPage = defaultPerPage
	}
	return page, min(perPage, maxPerPage)
}
