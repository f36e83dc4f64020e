package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// errorStatus maps a service error to its HTTP status and response code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrNoActiveSession):
		return http.StatusNotFound, response.ErrNoActiveSession
	case errors.Is(err, service.ErrExamNotInWindow):
		return http.StatusForbidden, response.ErrExamNotInWindow
	case errors.Is(err, service.ErrAttemptLimitReached):
		return http.StatusConflict, response.ErrAttemptLimitReached
	case errors.Is(err, service.ErrTimeExpired):
		return http.StatusGone, response.ErrTimeExpired
	case errors.Is(err, service.ErrSecurityViolation):
		return http.StatusForbidden, response.ErrSecurityViolation
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable, response.ErrUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

// failWith writes the error envelope for err. Validation errors carry the
// service message as a field detail.
func failWith(c *gin.Context, log zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if code == response.ErrValidation {
		response.FailWithFields(c, status, code, map[string]string{"detail": err.Error()})
		return
	}
	response.Fail(c, status, code)
}

// studentKey resolves the attempt key from the route and the student's token.
func studentKey(c *gin.Context) (model.AttemptKey, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return model.AttemptKey{}, false
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return model.AttemptKey{}, false
	}
	return model.AttemptKey{ExamID: examID, StudentID: claims.UserID}, true
}

func originOf(c *gin.Context) model.Origin {
	return model.Origin{IP: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
