// Package session implements the live quiz attempt engine: answer buffering,
// debounced autosave, countdown, instructor interrupts and the at-most-once
// submission gate, composed by Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stemsi/exstem-attempt/internal/model"
)

var (
	ErrContentUnavailable = errors.New("attempt content unavailable")
	ErrAttemptClosed      = errors.New("attempt is no longer in progress")
	ErrUnknownQuestion    = errors.New("unknown question")
	ErrUnknownOption      = errors.New("unknown option")
	ErrNotChoice          = errors.New("question does not take choices")
	ErrNotEditable        = errors.New("answers can no longer be changed")
	ErrOutOfRange         = errors.New("question index out of range")
)

// Backend is the request/response API the engine consumes.
type Backend interface {
	FetchAttemptContent(ctx context.Context, attemptID uuid.UUID) (*model.AttemptContent, error)
	SaveAttemptProgress(ctx context.Context, attemptID uuid.UUID, answers []model.AnswerEntry) error
	CompleteAttempt(ctx context.Context, attemptID uuid.UUID) error
}

// Channel is the push channel carrying instructor interrupts. It may deliver
// messages addressed to other attempts.
type Channel interface {
	Subscribe(handler func(model.Interrupt)) (unsubscribe func(), err error)
}

// Observer receives the events the presentation layer reacts to.
// Calls arrive from timer, network and channel goroutines.
type Observer interface {
	Tick(remaining time.Duration)
	Warning(message string)
	SaveResult(err error)
	Submitted(trigger Trigger)
	SubmitFailed(trigger Trigger, err error, next State)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Tick(time.Duration)                 {}
func (NopObserver) Warning(string)                     {}
func (NopObserver) SaveResult(error)                   {}
func (NopObserver) Submitted(Trigger)                  {}
func (NopObserver) SubmitFailed(Trigger, error, State) {}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	Clock          clockwork.Clock
	AutosaveWindow time.Duration
	TickInterval   time.Duration
	Retry          RetryPolicy
	// HydrateSaved seeds the buffer from the backend's saved progress.
	HydrateSaved bool
	Observer     Observer
	Logger       zerolog.Logger
}

// Confirmation is what the manual submit dialog shows.
type Confirmation struct {
	Answered int
	Total    int
}

// OptionView is one selectable option of the current question.
type OptionView struct {
	ID       int64
	Text     string
	Selected bool
}

// QuestionView is the presentation state of one question.
type QuestionView struct {
	Index      int
	ID         int64
	Text       string
	Type       model.QuestionType
	Options    []OptionView
	AnswerText string
	Answered   bool
	Flagged    bool
}

// View is a read-only snapshot of everything the presentation layer renders.
type View struct {
	AttemptID     uuid.UUID
	Title         string
	Current       int
	Questions     []QuestionView
	Answered      []int64
	AnsweredCount int
	Flagged       []int
	Timed         bool
	Remaining     time.Duration
	State         State
	Outcome       Outcome
	Trigger       Trigger
	Confirming    bool
	Warning       string
	LastError     error
}

// Session composes buffer, autosave, countdown, listener and controller for
// one attempt.
type Session struct {
	id      uuid.UUID
	content *model.AttemptContent
	backend Backend
	obs     Observer
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	buffer     *Buffer
	autosave   *Autosave
	countdown  *Countdown
	listener   *Listener
	controller *Controller

	mu        sync.Mutex
	current   int
	flagged   map[int]struct{}
	warning   string
	lastErr   error
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// Start fetches the attempt content and brings the session live.
// Content failure is fatal; a push-channel failure is logged and the session
// continues without interrupts. channel may be nil.
func Start(ctx context.Context, backend Backend, channel Channel, attemptID uuid.UUID, opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	log := opts.Logger.With().Str("attempt_id", attemptID.String()).Logger()

	content, err := backend.FetchAttemptContent(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContentUnavailable, err)
	}
	if content.Status.Terminal() {
		return nil, ErrAttemptClosed
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:      attemptID,
		content: content,
		backend: backend,
		obs:     opts.Observer,
		log:     log.With().Str("component", "session").Logger(),
		ctx:     sctx,
		cancel:  cancel,
		buffer:  NewBuffer(),
		flagged: make(map[int]struct{}),
		done:    make(chan struct{}),
	}

	if opts.HydrateSaved && len(content.SavedAnswers) > 0 {
		s.buffer.Hydrate(lo.Filter(content.SavedAnswers, func(e model.AnswerEntry, _ int) bool {
			return content.QuestionIndex(e.QuestionID) >= 0
		}))
	}

	s.controller = NewController(sctx, ControllerConfig{
		Clock: opts.Clock,
		Complete: func(ctx context.Context) error {
			return backend.CompleteAttempt(ctx, attemptID)
		},
		Retry:       opts.Retry,
		OnSubmitted: s.onSubmitted,
		OnFailed:    s.onSubmitFailed,
		Logger:      log,
	})

	s.autosave = NewAutosave(sctx, AutosaveConfig{
		Clock:  opts.Clock,
		Window: opts.AutosaveWindow,
		Save: func(ctx context.Context, answers []model.AnswerEntry) error {
			return backend.SaveAttemptProgress(ctx, attemptID, answers)
		},
		Source: s.buffer.Snapshot,
		Active: func() bool {
			return s.controller.Outcome() != OutcomeSubmitted
		},
		OnResult: s.obs.SaveResult,
		Logger:   log,
	})
	s.buffer.Observe(func(Snapshot) { s.autosave.Touch() })

	if channel != nil {
		s.listener = NewListener(attemptID, s.onStop, s.onWarning, log)
		if err := s.listener.Start(channel); err != nil {
			s.log.Warn().Err(err).Msg("Instructor interrupts unavailable")
		}
	}

	if end, ok := content.EndTime(); ok {
		s.countdown = NewCountdown(opts.Clock, end, opts.TickInterval, s.obs.Tick, func() {
			s.controller.Submit(TriggerTimeExpired)
		})
		s.countdown.Start()
	}

	s.log.Info().
		Int("questions", len(content.Questions)).
		Bool("timed", s.countdown != nil).
		Msg("Attempt session started")

	return s, nil
}

// ID returns the attempt identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Content returns the attempt content the session was built from.
func (s *Session) Content() *model.AttemptContent { return s.content }

// Done is closed once the attempt has been submitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the submission state.
func (s *Session) State() State { return s.controller.State() }

// ToggleChoice toggles an option. Single-choice questions keep one selection.
func (s *Session) ToggleChoice(questionID, optionID int64) error {
	q, err := s.editableQuestion(questionID)
	if err != nil {
		return err
	}
	if !q.HasOption(optionID) {
		return fmt.Errorf("%w: %d", ErrUnknownOption, optionID)
	}

	switch q.Type {
	case model.QuestionTypeSingleChoice:
		s.buffer.ToggleExclusive(questionID, optionID)
	case model.QuestionTypeMultipleChoice:
		s.buffer.Toggle(questionID, optionID)
	default:
		return fmt.Errorf("%w: %d", ErrNotChoice, questionID)
	}
	return nil
}

// SetText replaces the free-text answer of a question.
func (s *Session) SetText(questionID int64, text string) error {
	if _, err := s.editableQuestion(questionID); err != nil {
		return err
	}
	s.buffer.SetText(questionID, text)
	return nil
}

// ToggleFlag marks or unmarks the question at index for review.
func (s *Session) ToggleFlag(index int) error {
	if index < 0 || index >= len(s.content.Questions) {
		return ErrOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flagged[index]; ok {
		delete(s.flagged, index)
	} else {
		s.flagged[index] = struct{}{}
	}
	return nil
}

// Goto moves the question pointer.
func (s *Session) Goto(index int) error {
	if index < 0 || index >= len(s.content.Questions) {
		return ErrOutOfRange
	}
	s.mu.Lock()
	s.current = index
	s.mu.Unlock()
	return nil
}

// Next moves to the following question, if any.
func (s *Session) Next() {
	s.mu.Lock()
	if s.current < len(s.content.Questions)-1 {
		s.current++
	}
	s.mu.Unlock()
}

// Prev moves to the preceding question, if any.
func (s *Session) Prev() {
	s.mu.Lock()
	if s.current > 0 {
		s.current--
	}
	s.mu.Unlock()
}

// RequestSubmit opens the confirmation step and returns what it shows.
func (s *Session) RequestSubmit() (Confirmation, error) {
	if !s.controller.OpenConfirm() {
		return Confirmation{}, ErrNotEditable
	}
	return Confirmation{
		Answered: len(s.buffer.Snapshot().Answered()),
		Total:    len(s.content.Questions),
	}, nil
}

// ConfirmSubmit submits after RequestSubmit. It reports whether the
// submission started.
func (s *Session) ConfirmSubmit() bool {
	return s.controller.Confirm()
}

// CancelSubmit dismisses the confirmation step and keeps editing.
func (s *Session) CancelSubmit() {
	s.controller.CancelConfirm()
}

// Retry re-issues a forced submission that failed.
func (s *Session) Retry() bool {
	return s.controller.Retry()
}

// SaveNow sends the buffer immediately instead of waiting for the window.
func (s *Session) SaveNow(ctx context.Context) error {
	return s.autosave.Flush(ctx)
}

// View returns the derived state for rendering.
func (s *Session) View() View {
	snap := s.buffer.Snapshot()
	answered := snap.Answered()

	s.mu.Lock()
	current := s.current
	flagged := lo.Keys(s.flagged)
	warning := s.warning
	lastErr := s.lastErr
	s.mu.Unlock()
	slices.Sort(flagged)

	questions := make([]QuestionView, len(s.content.Questions))
	for i, q := range s.content.Questions {
		a := snap.Get(q.ID)
		opts := make([]OptionView, len(q.Options))
		for j, o := range q.Options {
			opts[j] = OptionView{ID: o.ID, Text: o.Text, Selected: snap.Selected(q.ID, o.ID)}
		}
		questions[i] = QuestionView{
			Index:      i,
			ID:         q.ID,
			Text:       q.Text,
			Type:       q.Type,
			Options:    opts,
			AnswerText: a.Text,
			Answered:   !a.Empty(),
			Flagged:    slices.Contains(flagged, i),
		}
	}

	v := View{
		AttemptID:     s.id,
		Title:         s.content.Title,
		Current:       current,
		Questions:     questions,
		Answered:      answered,
		AnsweredCount: len(answered),
		Flagged:       flagged,
		State:         s.controller.State(),
		Trigger:       s.controller.Trigger(),
		Confirming:    s.controller.Confirming(),
		Warning:       warning,
		LastError:     lastErr,
	}
	v.Outcome = v.State.Outcome()
	if s.countdown != nil {
		v.Timed = true
		v.Remaining = s.countdown.Remaining()
	}
	return v
}

// Close tears the session down: no more ticks, saves, interrupts or
// submission results are applied afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.stopSources()
	s.controller.Close()
	s.cancel()
	s.log.Debug().Msg("Attempt session closed")
}

func (s *Session) stopSources() {
	if s.countdown != nil {
		s.countdown.Stop()
	}
	s.autosave.Stop()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Session) editableQuestion(questionID int64) (*model.Question, error) {
	idx := s.content.QuestionIndex(questionID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQuestion, questionID)
	}
	if s.controller.State() != StateEditing {
		return nil, ErrNotEditable
	}
	return &s.content.Questions[idx], nil
}

func (s *Session) onStop(message string) {
	if message != "" {
		s.setWarning(message)
	}
	s.controller.Submit(TriggerInstructorStop)
}

func (s *Session) onWarning(message string) {
	s.setWarning(message)
	s.obs.Warning(message)
}

func (s *Session) setWarning(message string) {
	s.mu.Lock()
	s.warning = message
	s.mu.Unlock()
}

func (s *Session) onSubmitted(t Trigger) {
	s.stopSources()

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	s.obs.Submitted(t)
}

func (s *Session) onSubmitFailed(t Trigger, err error, next State) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.obs.SubmitFailed(t, err, next)
}
