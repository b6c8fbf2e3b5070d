package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(url string) *HTTPBackend {
	return NewHTTPBackend(url+"/api/v1/", 2*time.Second, zerolog.Nop())
}

func TestFetchAttemptContent(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, intPtr(600)))
	srv := startServer(t, api)

	content, err := newBackend(srv.URL).FetchAttemptContent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, content.ID)
	assert.Equal(t, "Fractions", content.Title)
	require.Len(t, content.Questions, 2)
	assert.Equal(t, 600, *content.TimeLimitSeconds)
}

func TestFetchAttemptContentRetriesServerErrors(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, nil))
	api.contentErrs = []error{fmt.Errorf("load quiz: %w", assert.AnError), fmt.Errorf("load quiz: %w", assert.AnError)}
	srv := startServer(t, api)

	content, err := newBackend(srv.URL).FetchAttemptContent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, content.ID)
	assert.Equal(t, 3, api.fetches)
}

func TestFetchAttemptContentStopsOnClientErrors(t *testing.T) {
	api := newFakeAPI(nil)
	srv := startServer(t, api)

	_, err := newBackend(srv.URL).FetchAttemptContent(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, response.ErrNotFound, apiErr.Code)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, 1, api.fetches)
}

func TestSaveAttemptProgress(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, nil))
	srv := startServer(t, api)
	backend := newBackend(srv.URL)

	answers := []model.AnswerEntry{{QuestionID: 1, AnswerIDs: []int64{1}}, {QuestionID: 2, Text: "1/2"}}
	require.NoError(t, backend.SaveAttemptProgress(context.Background(), id, answers))
	assert.Equal(t, [][]model.AnswerEntry{answers}, api.saves)

	api.saveErr = service.ErrAttemptClosed
	err := backend.SaveAttemptProgress(context.Background(), id, answers)
	assert.True(t, IsAttemptClosed(err))
	assert.Contains(t, err.Error(), "ATTEMPT_CLOSED")
}

func TestCompleteAttempt(t *testing.T) {
	id := uuid.New()
	api := newFakeAPI(sampleContent(id, nil))
	srv := startServer(t, api)

	require.NoError(t, newBackend(srv.URL).CompleteAttempt(context.Background(), id))
	assert.Equal(t, 1, api.completeCount())
}

func TestBackendNetworkError(t *testing.T) {
	srv := startServer(t, newFakeAPI(nil))
	url := srv.URL
	srv.Close()

	err := newBackend(url).CompleteAttempt(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "transport failures are not API errors")
}
