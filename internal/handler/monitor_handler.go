package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

var pingPayload = []byte(`{"type":"ping"}`)

type MonitorHandler struct {
	exams          service.ExamProvider
	sessionService *service.SessionService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	exams service.ExamProvider,
	sessionService *service.SessionService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		exams:          exams,
		sessionService: sessionService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Streams the exam's review queue followed by live security signals.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	w, err := h.exams.GetWindow(reqCtx, examID)
	if err != nil {
		failWith(c, h.log, err)
		return
	}

	// Subscribe before the snapshot so no signal falls between the two.
	pubsub := h.monitorService.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	h.sendSnapshot(c, reqCtx, w)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes while nothing has happened since the last one
	dirty := false

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSEData(c, []byte(msg.Payload))
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			h.sendRefresh(c, reqCtx, examID)
			dirty = false

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

// sendSnapshot writes the first SSE event: the exam and its review queue.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, w *model.ExamWindow) {
	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	flagged, err := h.sessionService.ListFlagged(fetchCtx, w.ExamID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", w.ExamID.String()).Msg("Failed to load review queue for snapshot")
		flagged = []service.FlaggedAttempt{}
	}

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": gin.H{
			"exam": gin.H{
				"id":              w.ExamID.String(),
				"title":           w.Title,
				"duration":        w.DurationMinutes,
				"total_questions": w.TotalQuestions(),
			},
			"flagged": flagged,
		},
	})
	c.Writer.Flush()
}

// sendRefresh re-reads the review queue and sends it as a refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	flagged, err := h.sessionService.ListFlagged(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch review queue for refresh")
		return
	}

	c.SSEvent("message", gin.H{
		"type":    "refresh",
		"flagged": flagged,
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
