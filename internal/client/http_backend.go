package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/response"
)

// maxErrorBody caps how much of a non-JSON error body is kept.
const maxErrorBody = 512

// APIError is a non-2xx answer from the attempt API.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("attempt api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("attempt api: %s: %s", e.Code, e.Message)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsAttemptClosed reports whether err means the attempt no longer accepts writes.
func IsAttemptClosed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == response.ErrAttemptClosed
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

// HTTPBackend talks to the attempt REST API.
type HTTPBackend struct {
	baseURL      string
	client       *http.Client
	fetchRetries uint64
	log          zerolog.Logger
}

// NewHTTPBackend creates an HTTPBackend rooted at baseURL, e.g.
// "http://localhost:8080/api/v1".
func NewHTTPBackend(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPBackend {
	return &HTTPBackend{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		fetchRetries: 3,
		log:          log.With().Str("component", "http_backend").Logger(),
	}
}

// FetchAttemptContent loads the attempt. Transient failures are retried
// briefly; the session cannot start without content.
func (b *HTTPBackend) FetchAttemptContent(ctx context.Context, attemptID uuid.UUID) (*model.AttemptContent, error) {
	var out struct {
		Content *model.AttemptContent `json:"content"`
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, b.fetchRetries), ctx)

	op := func() error {
		err := b.do(ctx, http.MethodGet, attemptPath(attemptID, "content"), nil, &out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.log.Warn().Err(err).Dur("wait", wait).Msg("Retrying content fetch")
	}

	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		return nil, fmt.Errorf("fetch attempt content: %w", err)
	}
	if out.Content == nil {
		return nil, errors.New("fetch attempt content: empty response")
	}
	return out.Content, nil
}

// SaveAttemptProgress sends a full answer snapshot.
func (b *HTTPBackend) SaveAttemptProgress(ctx context.Context, attemptID uuid.UUID, answers []model.AnswerEntry) error {
	req := model.SaveProgressRequest{Answers: answers}
	if err := b.do(ctx, http.MethodPut, attemptPath(attemptID, "progress"), req, nil); err != nil {
		return fmt.Errorf("save attempt progress: %w", err)
	}
	return nil
}

// CompleteAttempt submits the attempt.
func (b *HTTPBackend) CompleteAttempt(ctx context.Context, attemptID uuid.UUID) error {
	if err := b.do(ctx, http.MethodPost, attemptPath(attemptID, "complete"), nil, nil); err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return nil
}

func attemptPath(attemptID uuid.UUID, action string) string {
	return "/attempts/" + attemptID.String() + "/" + action
}

// do sends body as JSON and decodes the envelope's data into out.
func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		} else {
			apiErr.Message = string(raw[:min(len(raw), maxErrorBody)])
		}
		return apiErr
	}

	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
