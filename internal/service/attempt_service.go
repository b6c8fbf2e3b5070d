package service

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
)

var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrQuizNotFound    = errors.New("quiz not found")
	ErrAttemptClosed   = errors.New("attempt is no longer in progress")
	ErrNoQuestions     = errors.New("quiz has no questions")
	ErrUnknownQuestion = errors.New("answer refers to a question outside the quiz")
	ErrUnknownOption   = errors.New("answer selects an option the question does not have")
)

// answersTTL bounds how long an attempt's answer hash outlives its last save.
const answersTTL = 24 * time.Hour

// SubmittedPublisher hands completed attempts to downstream consumers.
type SubmittedPublisher interface {
	PublishSubmitted(ctx context.Context, event *model.SubmittedEvent) error
}

// AttemptService serves the attempt API: content, progress, completion and
// instructor interrupts.
type AttemptService struct {
	attemptRepo *repository.AttemptRepository
	quizRepo    *repository.QuizRepository
	rdb         *redis.Client
	publisher   SubmittedPublisher
	cacheTTL    time.Duration
	clock       clockwork.Clock
	log         zerolog.Logger
}

// NewAttemptService creates a new AttemptService. publisher may be nil.
func NewAttemptService(
	attemptRepo *repository.AttemptRepository,
	quizRepo *repository.QuizRepository,
	rdb *redis.Client,
	publisher SubmittedPublisher,
	cacheTTL time.Duration,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attemptRepo: attemptRepo,
		quizRepo:    quizRepo,
		rdb:         rdb,
		publisher:   publisher,
		cacheTTL:    cacheTTL,
		clock:       clockwork.NewRealClock(),
		log:         log.With().Str("component", "attempt_service").Logger(),
	}
}

// GetContent returns the attempt, its quiz paper and the latest saved answers.
func (s *AttemptService) GetContent(ctx context.Context, attemptID uuid.UUID) (*model.AttemptContent, error) {
	a, err := s.getAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	payload, err := s.quizPayload(ctx, a.QuizID)
	if err != nil {
		return nil, err
	}

	saved, err := s.savedAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	return &model.AttemptContent{
		Attempt:      *a,
		Title:        payload.Title,
		Questions:    payload.Questions,
		SavedAnswers: saved,
	}, nil
}

// SaveProgress stores a full answer snapshot. The last write wins per question;
// the snapshot is queued for durable persistence.
func (s *AttemptService) SaveProgress(ctx context.Context, attemptID uuid.UUID, answers []model.AnswerEntry) error {
	a, err := s.getAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return ErrAttemptClosed
	}

	payload, err := s.quizPayload(ctx, a.QuizID)
	if err != nil {
		return err
	}
	if err := ValidateAnswers(payload, answers); err != nil {
		return err
	}

	fields, err := encodeAnswerFields(answers)
	if err != nil {
		return err
	}

	job, err := json.Marshal(model.ProgressJob{
		AttemptID: attemptID,
		Answers:   answers,
		SavedAt:   s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal progress job: %w", err)
	}

	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, answersKey, fields)
	pipe.Expire(ctx, answersKey, answersTTL)
	pipe.RPush(ctx, config.WorkerKey.PersistProgressQueue, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save progress to redis: %w", err)
	}

	s.publishMonitor(ctx, a.QuizID, model.MonitorEvent{
		Type:      model.MonitorProgress,
		AttemptID: attemptID,
		StudentID: a.StudentID,
		Answered:  lo.CountBy(answers, answered),
	})
	return nil
}

// Complete submits the attempt. Completing a submitted attempt succeeds
// without side effects.
func (s *AttemptService) Complete(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a, changed, err := s.attemptRepo.MarkSubmitted(ctx, attemptID, s.clock.Now())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark attempt submitted: %w", err)
	}

	log := s.log.With().Str("attempt_id", attemptID.String()).Logger()
	if !changed {
		log.Debug().Str("status", string(a.Status)).Msg("Attempt already completed")
		return a, nil
	}

	if err := s.handOff(ctx, a); err != nil {
		log.Error().Err(err).Msg("Failed to hand attempt to grading")
	}

	s.publishMonitor(ctx, a.QuizID, model.MonitorEvent{
		Type:      model.MonitorSubmitted,
		AttemptID: a.ID,
		StudentID: a.StudentID,
	})

	log.Info().Int("student_id", a.StudentID).Msg("Attempt submitted")
	return a, nil
}

// handOff publishes the submitted event once per attempt. Later completes
// return early, so the publish must outlive the request.
func (s *AttemptService) handOff(ctx context.Context, a *model.Attempt) error {
	if s.publisher == nil || a.SubmittedAt == nil {
		return nil
	}
	return s.publisher.PublishSubmitted(context.WithoutCancel(ctx), &model.SubmittedEvent{
		AttemptID:   a.ID,
		QuizID:      a.QuizID,
		StudentID:   a.StudentID,
		StartedAt:   a.StartedAt,
		SubmittedAt: *a.SubmittedAt,
	})
}

// Interrupt pushes an instructor command to one live attempt.
func (s *AttemptService) Interrupt(ctx context.Context, attemptID uuid.UUID, req *model.InterruptRequest) error {
	a, err := s.getAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return ErrAttemptClosed
	}

	data, err := json.Marshal(model.Interrupt{AttemptID: a.ID, Action: req.Action, Message: req.Message})
	if err != nil {
		return fmt.Errorf("marshal interrupt: %w", err)
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.QuizInterruptChannel(a.QuizID.String()), data).Err(); err != nil {
		return fmt.Errorf("publish interrupt: %w", err)
	}

	s.publishMonitor(ctx, a.QuizID, model.MonitorEvent{
		Type:      model.MonitorInterrupt,
		AttemptID: a.ID,
		StudentID: a.StudentID,
		Action:    req.Action,
	})
	return nil
}

// BroadcastInterrupt pushes the command to every live attempt of a quiz and
// returns how many attempts were addressed.
func (s *AttemptService) BroadcastInterrupt(ctx context.Context, quizID uuid.UUID, req *model.InterruptRequest) (int, error) {
	ids, err := s.attemptRepo.ListInProgressByQuiz(ctx, quizID)
	if err != nil {
		return 0, fmt.Errorf("list live attempts: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	channel := config.CacheKey.QuizInterruptChannel(quizID.String())
	pipe := s.rdb.Pipeline()
	for _, id := range ids {
		data, err := json.Marshal(model.Interrupt{AttemptID: id, Action: req.Action, Message: req.Message})
		if err != nil {
			return 0, fmt.Errorf("marshal interrupt: %w", err)
		}
		pipe.Publish(ctx, channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("publish broadcast: %w", err)
	}

	s.log.Info().
		Str("quiz_id", quizID.String()).
		Str("action", string(req.Action)).
		Int("attempts", len(ids)).
		Msg("Interrupt broadcast")
	return len(ids), nil
}

// SubscribeInterrupts streams the interrupt channel shared by every attempt of
// the attempt's quiz. Messages for other attempts are passed through; the
// client filters them. The returned stop function must be called.
func (s *AttemptService) SubscribeInterrupts(ctx context.Context, attemptID uuid.UUID) (<-chan model.Interrupt, func(), error) {
	a, err := s.getAttempt(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status.Terminal() {
		return nil, nil, ErrAttemptClosed
	}

	raw, stop, err := s.subscribe(ctx, config.CacheKey.QuizInterruptChannel(a.QuizID.String()))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan model.Interrupt, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var msg model.Interrupt
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				s.log.Warn().Err(err).Msg("Dropping malformed interrupt")
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, stop, nil
}

// SubscribeMonitor streams raw monitor events of a quiz.
func (s *AttemptService) SubscribeMonitor(ctx context.Context, quizID uuid.UUID) (<-chan string, func(), error) {
	return s.subscribe(ctx, config.CacheKey.QuizMonitorChannel(quizID.String()))
}

// MonitorSnapshot summarises a quiz's attempts for the instructor monitor.
func (s *AttemptService) MonitorSnapshot(ctx context.Context, quizID uuid.UUID) (*model.MonitorSnapshot, error) {
	payload, err := s.quizPayload(ctx, quizID)
	if err != nil {
		return nil, err
	}
	counts, err := s.attemptRepo.CountByStatus(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	live, err := s.attemptRepo.ListInProgressByQuiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("list live attempts: %w", err)
	}
	return &model.MonitorSnapshot{
		QuizID:     quizID,
		Title:      payload.Title,
		Questions:  len(payload.Questions),
		ByStatus:   counts,
		InProgress: live,
	}, nil
}

// WarmQuizCache loads a quiz paper from PostgreSQL into Redis.
func (s *AttemptService) WarmQuizCache(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	payload, err := s.quizRepo.GetPayload(ctx, quizID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quiz payload: %w", err)
	}
	if len(payload.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.QuizPayloadKey(quizID.String()), data, s.cacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("Failed to cache quiz payload")
	}
	return payload, nil
}

// PrewarmCaches loads every quiz with live attempts into Redis on startup.
func (s *AttemptService) PrewarmCaches(ctx context.Context) error {
	ids, err := s.quizRepo.ListWithInProgressAttempts(ctx)
	if err != nil {
		return fmt.Errorf("list live quizzes: %w", err)
	}

	warmed := 0
	for _, id := range ids {
		if _, err := s.WarmQuizCache(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Failed to warm quiz, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().Int("warmed", warmed).Int("total", len(ids)).Msg("Prewarming complete")
	return nil
}

func (s *AttemptService) getAttempt(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.attemptRepo.GetByID(ctx, attemptID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *AttemptService) quizPayload(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.QuizPayloadKey(quizID.String())).Bytes()
	switch {
	case err == nil:
		var payload model.QuizPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return &payload, nil
		}
		s.log.Warn().Str("quiz_id", quizID.String()).Msg("Corrupt quiz payload in cache, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("quiz_id", quizID.String()).Msg("Quiz payload cache unavailable")
	}
	return s.WarmQuizCache(ctx, quizID)
}

// savedAnswers prefers the Redis hash and falls back to PostgreSQL once the
// hash has expired.
func (s *AttemptService) savedAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerEntry, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Answer cache unavailable")
	}
	if len(fields) > 0 {
		return decodeAnswerFields(fields)
	}

	entries, err := s.attemptRepo.ListAnswers(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list saved answers: %w", err)
	}
	return entries, nil
}

func (s *AttemptService) subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, stop, nil
}

func (s *AttemptService) publishMonitor(ctx context.Context, quizID uuid.UUID, event model.MonitorEvent) {
	event.Timestamp = s.clock.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.QuizMonitorChannel(quizID.String()), data).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Monitor publish failed")
	}
}

// ValidateAnswers checks every entry against the quiz paper.
func ValidateAnswers(payload *model.QuizPayload, answers []model.AnswerEntry) error {
	for _, e := range answers {
		i := slices.IndexFunc(payload.Questions, func(q model.Question) bool { return q.ID == e.QuestionID })
		if i < 0 {
			return fmt.Errorf("%w: %d", ErrUnknownQuestion, e.QuestionID)
		}
		q := &payload.Questions[i]
		for _, id := range e.AnswerIDs {
			if !q.HasOption(id) {
				return fmt.Errorf("%w: question %d option %d", ErrUnknownOption, q.ID, id)
			}
		}
	}
	return nil
}

func answered(e model.AnswerEntry) bool {
	return len(e.AnswerIDs) > 0 || strings.TrimSpace(e.Text) != ""
}

// encodeAnswerFields maps answers to hash fields keyed by question ID.
func encodeAnswerFields(answers []model.AnswerEntry) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(answers))
	for _, e := range answers {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal answer %d: %w", e.QuestionID, err)
		}
		fields[strconv.FormatInt(e.QuestionID, 10)] = data
	}
	return fields, nil
}

// decodeAnswerFields is the inverse of encodeAnswerFields, ordered by question ID.
func decodeAnswerFields(fields map[string]string) ([]model.AnswerEntry, error) {
	entries := make([]model.AnswerEntry, 0, len(fields))
	for field, raw := range fields {
		var e model.AnswerEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode saved answer %s: %w", field, err)
		}
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b model.AnswerEntry) int {
		return cmp.Compare(a.QuestionID, b.QuestionID)
	})
	return entries, nil
}
