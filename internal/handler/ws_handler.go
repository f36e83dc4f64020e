package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

const wsOpTimeout = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the student's real-time exam stream.
type WSHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Upgrades to WebSocket for autosave, activity tracking and submission.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	key, ok := studentKey(c)
	if !ok {
		return
	}
	origin := originOf(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", key.StudentID).
		Str("exam_id", key.ExamID.String()).
		Logger()

	// SECURITY: Validate the student has an active attempt before streaming.
	st, err := h.withTimeout(func(ctx context.Context) (any, error) {
		return h.sessionService.GetStatus(ctx, key)
	})
	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return
	}
	status := st.(*service.StatusResult)
	if !status.HasActiveAttempt {
		code := response.ErrNoActiveSession
		if status.AutoFinalized {
			code = response.ErrTimeExpired
		}
		ws.WriteError(conn, string(code), response.GetMessage(code))
		return
	}
	ws.WriteJSON(conn, ws.EventSession, status.Active)

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		err := ws.ReadJSON(conn, &msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if done := h.dispatch(conn, wsLog, key, origin, &msg); done {
			return
		}
	}
}

// dispatch handles one client message. It returns true when the attempt is
// closed and the stream should end.
func (h *WSHandler) dispatch(conn *websocket.Conn, wsLog zerolog.Logger, key model.AttemptKey, origin model.Origin, msg *ws.RequestPayload) bool {
	var (
		event ws.Event
		res   any
		err   error
	)

	switch msg.Action {
	case ws.ActionPing:
		ws.WriteJSON(conn, ws.EventPong, nil)
		return false

	case ws.ActionAutosave:
		event = ws.EventSaved
		res, err = h.withTimeout(func(ctx context.Context) (any, error) {
			return h.sessionService.SaveAnswer(ctx, key, service.SaveInput{
				QuestionID: msg.QID,
				Answer:     msg.Answer,
				Answers:    msg.Answers,
				Autosave:   true,
			}, origin)
		})

	case ws.ActionSubmit:
		event = ws.EventGraded
		res, err = h.withTimeout(func(ctx context.Context) (any, error) {
			return h.sessionService.Submit(ctx, key, origin)
		})
		if err == nil {
			wsLog.Info().Msg("Exam submitted over stream")
			ws.WriteJSON(conn, event, res)
			return true
		}

	case ws.ActionActivity:
		event = ws.EventRecorded
		res, err = h.withTimeout(func(ctx context.Context) (any, error) {
			return h.sessionService.TrackActivity(ctx, key, msg.ActivityType, msg.Details, origin)
		})

	case ws.ActionCheat:
		event = ws.EventRecorded
		res, err = h.withTimeout(func(ctx context.Context) (any, error) {
			return h.sessionService.ReportSuspicious(ctx, key, msg.Description, msg.Evidence, origin)
		})

	default:
		wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		return false
	}

	if err != nil {
		h.writeServiceError(conn, wsLog, err)
		return errors.Is(err, service.ErrTimeExpired) || errors.Is(err, service.ErrNoActiveSession)
	}
	ws.WriteJSON(conn, event, res)
	return false
}

func (h *WSHandler) withTimeout(fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), wsOpTimeout)
	defer cancel()
	return fn(ctx)
}

func (h *WSHandler) writeServiceError(conn *websocket.Conn, wsLog zerolog.Logger, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		wsLog.Error().Err(err).Msg("Stream operation failed")
	}
	msg := response.GetMessage(code)
	if code == response.ErrValidation {
		msg = err.Error()
	}
	ws.WriteError(conn, string(code), msg)
}
