package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second
)

// MonitorService feeds the instructor live monitor.
type MonitorService interface {
	MonitorSnapshot(ctx context.Context, quizID uuid.UUID) (*model.MonitorSnapshot, error)
	SubscribeMonitor(ctx context.Context, quizID uuid.UUID) (<-chan string, func(), error)
}

// MonitorHandler streams live attempt activity of a quiz over SSE.
type MonitorHandler struct {
	monitorService MonitorService
	log            zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(monitorService MonitorService, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorQuizSSE godoc
// GET /api/v1/instructor/quizzes/:quiz_id/monitor
// Sends a snapshot, then forwards progress, submission and interrupt events.
// A fresh snapshot follows any refresh interval that saw activity.
func (h *MonitorHandler) MonitorQuizSSE(c *gin.Context) {
	quizID, ok := uuidParam(c, "quiz_id")
	if !ok {
		return
	}
	reqCtx := c.Request.Context()

	snapshot, err := h.monitorService.MonitorSnapshot(reqCtx, quizID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	events, stop, err := h.monitorService.SubscribeMonitor(reqCtx, quizID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	defer stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	h.sendSnapshot(c, snapshot)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	active := false
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	h.log.Info().Str("quiz_id", quizID.String()).Msg("Instructor attached to live monitor")

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("quiz_id", quizID.String()).Msg("Instructor detached from live monitor")
			return

		case payload, ok := <-events:
			if !ok {
				return
			}
			// Payloads are already JSON; forward them untouched.
			writeSSEData(c, []byte(payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			active = false
			h.sendRefresh(c, reqCtx, quizID)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, snapshot *model.MonitorSnapshot) {
	c.SSEvent("message", gin.H{"type": "snapshot", "data": snapshot})
	c.Writer.Flush()
}

func (h *MonitorHandler) sendRefresh(c *gin.Context, parent context.Context, quizID uuid.UUID) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snapshot, err := h.monitorService.MonitorSnapshot(ctx, quizID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to refresh monitor snapshot")
		return
	}
	h.sendSnapshot(c, snapshot)
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
