package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	progressPollTimeout = time.Second
	progressRetryDelay  = 5 * time.Second
)

// errMalformedJob marks queue items that can never be persisted.
var errMalformedJob = errors.New("malformed progress job")

// ProgressStore persists answer snapshots.
type ProgressStore interface {
	UpsertAnswers(ctx context.Context, attemptID uuid.UUID, entries []model.AnswerEntry, savedAt time.Time) error
}

// ProgressWorker consumes persist_progress_queue and UPSERTs answer snapshots
// into PostgreSQL.
type ProgressWorker struct {
	store ProgressStore
	rdb   *redis.Client
	queue string
	log   zerolog.Logger
}

// NewProgressWorker creates a new ProgressWorker.
func NewProgressWorker(store ProgressStore, rdb *redis.Client, log zerolog.Logger) *ProgressWorker {
	return &ProgressWorker{
		store: store,
		rdb:   rdb,
		queue: config.WorkerKey.PersistProgressQueue,
		log:   log.With().Str("component", "progress_worker").Logger(),
	}
}

// Start runs the worker loop until ctx is cancelled, then drains the queue.
// Call in a goroutine.
func (w *ProgressWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ProgressWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, progressPollTimeout, w.queue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	err = w.persist(ctx, result[1])
	switch {
	case err == nil:
	case errors.Is(err, errMalformedJob):
		w.log.Error().Err(err).Msg("Dropping progress job")
	default:
		w.log.Error().Err(err).Msg("Persist error, retrying in 5s")
		w.rdb.RPush(context.Background(), w.queue, result[1])
		select {
		case <-time.After(progressRetryDelay):
		case <-ctx.Done():
		}
	}
}

// persist decodes one queue item and stores it.
func (w *ProgressWorker) persist(ctx context.Context, raw string) error {
	var job model.ProgressJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return fmt.Errorf("%w: %w", errMalformedJob, err)
	}
	if job.AttemptID == uuid.Nil {
		return fmt.Errorf("%w: missing attempt_id", errMalformedJob)
	}
	if len(job.Answers) == 0 {
		return nil
	}

	if err := w.store.UpsertAnswers(ctx, job.AttemptID, job.Answers, job.SavedAt); err != nil {
		return fmt.Errorf("upsert answers of %s: %w", job.AttemptID, err)
	}

	w.log.Debug().
		Str("attempt_id", job.AttemptID.String()).
		Int("answers", len(job.Answers)).
		Msg("Progress persisted")
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *ProgressWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, w.queue).Result()
		if err != nil {
			break
		}

		if err := w.persist(ctx, raw); err != nil {
			if errors.Is(err, errMalformedJob) {
				w.log.Error().Err(err).Msg("Drain dropped progress job")
				continue
			}
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, w.queue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
