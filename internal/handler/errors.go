package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// failFromError maps service errors to the response envelope.
func failFromError(c *gin.Context, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound), errors.Is(err, service.ErrQuizNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAttemptClosed):
		response.Fail(c, http.StatusConflict, response.ErrAttemptClosed)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusConflict, response.ErrNoQuestions)
	case errors.Is(err, service.ErrUnknownQuestion):
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrUnknownQuestion,
			map[string]string{"answers": err.Error()})
	case errors.Is(err, service.ErrUnknownOption):
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrUnknownOption,
			map[string]string{"answers": err.Error()})
	default:
		log.Error().Err(err).Str("request_id", response.RequestID(c)).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// uuidParam parses a UUID path parameter, answering INVALID_ID on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
