package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

var errNetwork = errors.New("network unreachable")

type fakeBackend struct {
	mu sync.Mutex

	content  *model.AttemptContent
	fetchErr error

	saves   [][]model.AnswerEntry
	saveErr error

	completes    int
	completeErrs []error       // consumed in order, nil once exhausted
	completeGate chan struct{} // when set, CompleteAttempt blocks until closed
}

func (b *fakeBackend) FetchAttemptContent(_ context.Context, attemptID uuid.UUID) (*model.AttemptContent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	c := *b.content
	c.ID = attemptID
	return &c, nil
}

func (b *fakeBackend) SaveAttemptProgress(_ context.Context, _ uuid.UUID, answers []model.AnswerEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves = append(b.saves, answers)
	return b.saveErr
}

func (b *fakeBackend) CompleteAttempt(ctx context.Context, _ uuid.UUID) error {
	b.mu.Lock()
	b.completes++
	gate := b.completeGate
	var err error
	if len(b.completeErrs) > 0 {
		err = b.completeErrs[0]
		b.completeErrs = b.completeErrs[1:]
	}
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *fakeBackend) saveCalls() [][]model.AnswerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]model.AnswerEntry{}, b.saves...)
}

func (b *fakeBackend) completeCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completes
}

type fakeChannel struct {
	mu           sync.Mutex
	handler      func(model.Interrupt)
	subscribeErr error
	unsubscribed bool
}

func (c *fakeChannel) Subscribe(handler func(model.Interrupt)) (func(), error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.unsubscribed = true
		c.mu.Unlock()
	}, nil
}

// deliver mimics a shared channel: delivery ignores unsubscription so the
// listener's own guard is exercised.
func (c *fakeChannel) deliver(msg model.Interrupt) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *fakeChannel) isUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

type recorder struct {
	NopObserver

	mu        sync.Mutex
	ticks     []time.Duration
	warnings  []string
	saveErrs  []error
	submitted []Trigger
	failed    []State
}

func (r *recorder) Tick(d time.Duration) {
	r.mu.Lock()
	r.ticks = append(r.ticks, d)
	r.mu.Unlock()
}

func (r *recorder) Warning(msg string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

func (r *recorder) SaveResult(err error) {
	r.mu.Lock()
	r.saveErrs = append(r.saveErrs, err)
	r.mu.Unlock()
}

func (r *recorder) Submitted(t Trigger) {
	r.mu.Lock()
	r.submitted = append(r.submitted, t)
	r.mu.Unlock()
}

func (r *recorder) SubmitFailed(_ Trigger, _ error, next State) {
	r.mu.Lock()
	r.failed = append(r.failed, next)
	r.mu.Unlock()
}

func (r *recorder) submissions() []Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Trigger{}, r.submitted...)
}

func (r *recorder) failures() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State{}, r.failed...)
}

func (r *recorder) warningList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.warnings...)
}

func intPtr(v int) *int { return &v }

// threeQuestionContent returns a quiz with questions 1..3, options 1..4 each.
func threeQuestionContent(started time.Time, limit *int) *model.AttemptContent {
	questions := make([]model.Question, 0, 3)
	for id := int64(1); id <= 3; id++ {
		questions = append(questions, model.Question{
			ID:   id,
			Text: "question",
			Type: model.QuestionTypeMultipleChoice,
			Options: []model.Option{
				{ID: 1, Text: "a"}, {ID: 2, Text: "b"}, {ID: 3, Text: "c"}, {ID: 4, Text: "d"},
			},
			OrderNum: int(id),
		})
	}
	return &model.AttemptContent{
		Attempt: model.Attempt{
			QuizID:           uuid.New(),
			StudentID:        7,
			StartedAt:        started,
			TimeLimitSeconds: limit,
			Status:           model.AttemptStatusInProgress,
		},
		Title:     "Algebra quiz",
		Questions: questions,
	}
}
