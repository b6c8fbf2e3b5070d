package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// AttemptService is the student-facing attempt API.
type AttemptService interface {
	GetContent(ctx context.Context, attemptID uuid.UUID) (*model.AttemptContent, error)
	SaveProgress(ctx context.Context, attemptID uuid.UUID, answers []model.AnswerEntry) error
	Complete(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
}

// AttemptHandler handles the endpoints a live attempt session talks to.
type AttemptHandler struct {
	attemptService AttemptService
	maxEntries     int
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService AttemptService, maxEntries int, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		maxEntries:     maxEntries,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// GetContent godoc
// GET /api/v1/attempts/:attempt_id/content
// Returns the attempt, the quiz paper from Redis and the latest saved answers.
func (h *AttemptHandler) GetContent(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	content, err := h.attemptService.GetContent(c.Request.Context(), attemptID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"content": content})
}

// SaveProgress godoc
// PUT /api/v1/attempts/:attempt_id/progress
// Stores a full answer snapshot. Rejected with ATTEMPT_CLOSED once submitted.
func (h *AttemptHandler) SaveProgress(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	var req model.SaveProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if h.maxEntries > 0 && len(req.Answers) > h.maxEntries {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"answers": fmt.Sprintf("answers must contain at most %d entries", h.maxEntries),
		})
		return
	}

	if err := h.attemptService.SaveProgress(c.Request.Context(), attemptID, req.Answers); err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"saved": len(req.Answers)})
}

// Complete godoc
// POST /api/v1/attempts/:attempt_id/complete
// Submits the attempt. Repeated calls return the already submitted attempt.
func (h *AttemptHandler) Complete(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	attempt, err := h.attemptService.Complete(c.Request.Context(), attemptID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}
