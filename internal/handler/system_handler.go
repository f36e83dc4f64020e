package handler

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/response"
)

const healthTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// SystemHandler reports process and dependency health.
type SystemHandler struct {
	checks     map[string]Check
	queueDepth func(ctx context.Context) (int64, error)
	startTime  time.Time
	log        zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. queueDepth may be nil.
func NewSystemHandler(checks map[string]Check, queueDepth func(ctx context.Context) (int64, error), log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		checks:     checks,
		queueDepth: queueDepth,
		startTime:  time.Now(),
		log:        log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Checks     map[string]string `json:"checks"`
	AuditQueue int64             `json:"audit_queue"`
	Goroutines int               `json:"goroutines"`
	GoVersion  string            `json:"go_version"`
}

// Health godoc
// GET /health
// Returns 200 when every dependency answers, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Checks:     make(map[string]string, len(h.checks)),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			report.Checks[name] = "down"
			report.Status = "degraded"
			continue
		}
		report.Checks[name] = "up"
	}

	if h.queueDepth != nil {
		if n, err := h.queueDepth(ctx); err == nil {
			report.AuditQueue = n
		}
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}
