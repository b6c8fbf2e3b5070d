package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

// InterruptService pushes instructor commands to live attempts.
type InterruptService interface {
	Interrupt(ctx context.Context, attemptID uuid.UUID, req *model.InterruptRequest) error
	BroadcastInterrupt(ctx context.Context, quizID uuid.UUID, req *model.InterruptRequest) (int, error)
}

// InterruptHandler handles instructor STOP and WARNING commands.
type InterruptHandler struct {
	interruptService InterruptService
	log              zerolog.Logger
}

// NewInterruptHandler creates a new InterruptHandler.
func NewInterruptHandler(interruptService InterruptService, log zerolog.Logger) *InterruptHandler {
	return &InterruptHandler{
		interruptService: interruptService,
		log:              log.With().Str("component", "interrupt_handler").Logger(),
	}
}

// InterruptAttempt godoc
// POST /api/v1/instructor/attempts/:attempt_id/interrupt
func (h *InterruptHandler) InterruptAttempt(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	var req model.InterruptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.interruptService.Interrupt(c.Request.Context(), attemptID, &req); err != nil {
		failFromError(c, h.log, err)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("action", string(req.Action)).
		Msg("Interrupt sent")
	response.Success(c, http.StatusAccepted, gin.H{"attempts": 1, "action": req.Action})
}

// BroadcastQuiz godoc
// POST /api/v1/instructor/quizzes/:quiz_id/interrupt
// Sends the command to every in-progress attempt of the quiz.
func (h *InterruptHandler) BroadcastQuiz(c *gin.Context) {
	quizID, ok := uuidParam(c, "quiz_id")
	if !ok {
		return
	}

	var req model.InterruptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	n, err := h.interruptService.BroadcastInterrupt(c.Request.Context(), quizID, &req)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"attempts": n, "action": req.Action})
}
