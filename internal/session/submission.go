package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Trigger identifies what requested the terminal submission.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerManual
	TriggerTimeExpired
	TriggerInstructorStop
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerTimeExpired:
		return "time_expired"
	case TriggerInstructorStop:
		return "instructor_stop"
	default:
		return "none"
	}
}

// Forced reports whether the student did not ask for this submission.
func (t Trigger) Forced() bool {
	return t == TriggerTimeExpired || t == TriggerInstructorStop
}

// Message is the user-facing reason shown once the trigger fires.
func (t Trigger) Message() string {
	switch t {
	case TriggerManual:
		return "submitted"
	case TriggerTimeExpired:
		return "time expired"
	case TriggerInstructorStop:
		return "stopped by instructor"
	default:
		return ""
	}
}

// State is the submission controller state.
type State int

const (
	StateEditing State = iota
	StateSubmitting
	// StateRetryScheduled follows a failed forced submission; a retry timer is armed.
	StateRetryScheduled
	// StateRetryRequired follows exhausted automatic retries; only Retry moves on.
	StateRetryRequired
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateEditing:
		return "EDITING"
	case StateSubmitting:
		return "SUBMITTING"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	case StateRetryRequired:
		return "RETRY_REQUIRED"
	case StateSubmitted:
		return "SUBMITTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal flag that gates every submission trigger.
type Outcome int

const (
	OutcomeNotSubmitted Outcome = iota
	OutcomeInFlight
	OutcomeSubmitted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInFlight:
		return "submission in flight"
	case OutcomeSubmitted:
		return "submitted"
	default:
		return "not yet submitted"
	}
}

// Outcome maps a controller state to the gate value.
func (s State) Outcome() Outcome {
	switch s {
	case StateSubmitting:
		return OutcomeInFlight
	case StateSubmitted:
		return OutcomeSubmitted
	default:
		return OutcomeNotSubmitted
	}
}

// RetryPolicy bounds automatic retries of a failed forced submission.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy retries after 1s, 2s and 4s, then asks the student.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		MaxRetries:      3,
	}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, p.MaxRetries)
}

// CompleteFunc issues the terminal "complete attempt" call.
type CompleteFunc func(ctx context.Context) error

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Clock    clockwork.Clock
	Complete CompleteFunc
	Retry    RetryPolicy
	// OnSubmitted runs once, after the successful call.
	OnSubmitted func(trigger Trigger)
	// OnFailed runs after every failed call with the state entered.
	OnFailed func(trigger Trigger, err error, next State)
	Logger   zerolog.Logger
}

// Controller guarantees at most one in-flight "complete attempt" call and
// exactly one transition to StateSubmitted, whichever trigger arrives first.
type Controller struct {
	cfg ControllerConfig
	ctx context.Context
	log zerolog.Logger

	mu      sync.Mutex
	state   State
	trigger Trigger
	// pendingForced is the first forced trigger refused while a manual call
	// was in flight. It takes over if that call fails.
	pendingForced Trigger
	confirming    bool
	backoff       backoff.BackOff
	retryTimer    clockwork.Timer
	retryGen      uint64
	attempts      int
	closed        bool

	calls sync.WaitGroup
}

// NewController creates a controller in StateEditing. Calls run under ctx.
func NewController(ctx context.Context, cfg ControllerConfig) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Controller{
		cfg:     cfg,
		ctx:     ctx,
		log:     cfg.Logger.With().Str("component", "submission").Logger(),
		backoff: cfg.Retry.newBackOff(),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcome returns the gate value.
func (c *Controller) Outcome() Outcome {
	return c.State().Outcome()
}

// Trigger returns the trigger of the current or last submission.
func (c *Controller) Trigger() Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger
}

// Attempts returns how many complete calls have been issued.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Confirming reports whether the manual confirmation step is open.
func (c *Controller) Confirming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirming
}

// OpenConfirm opens the manual confirmation step. Only valid while editing.
func (c *Controller) OpenConfirm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateEditing {
		return false
	}
	c.confirming = true
	return true
}

// CancelConfirm closes the confirmation step without submitting.
func (c *Controller) CancelConfirm() {
	c.mu.Lock()
	c.confirming = false
	c.mu.Unlock()
}

// Confirm submits manually. It fails if the confirmation step is not open.
func (c *Controller) Confirm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.confirming {
		return false
	}
	return c.beginLocked(TriggerManual)
}

// Submit requests the transition out of editing. Forced triggers skip the
// confirmation step. It reports whether this trigger won the gate.
func (c *Controller) Submit(t Trigger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(t)
}

// Retry re-issues a failed forced submission, cancelling any scheduled retry.
func (c *Controller) Retry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (c.state != StateRetryScheduled && c.state != StateRetryRequired) {
		return false
	}
	c.stopRetryLocked()
	c.launchLocked()
	return true
}

// Close stops scheduled retries; results of in-flight calls are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.confirming = false
	c.stopRetryLocked()
}

// Wait blocks until no complete call is in flight.
func (c *Controller) Wait() {
	c.calls.Wait()
}

// beginLocked is the gate: check and set happen under one lock hold.
func (c *Controller) beginLocked(t Trigger) bool {
	if !c.closed && c.state == StateSubmitting && t.Forced() && !c.trigger.Forced() && c.pendingForced == TriggerNone {
		c.pendingForced = t
		c.log.Debug().Str("trigger", t.String()).Msg("Forced trigger held while manual submission is in flight")
		return false
	}
	if c.closed || c.state != StateEditing {
		c.log.Debug().Str("trigger", t.String()).Str("state", c.state.String()).Msg("Submission trigger ignored")
		return false
	}
	c.trigger = t
	c.pendingForced = TriggerNone
	c.confirming = false
	c.backoff.Reset()
	c.launchLocked()
	return true
}

func (c *Controller) launchLocked() {
	c.state = StateSubmitting
	c.attempts++
	c.calls.Add(1)
	go c.run(c.trigger, c.attempts)
}

func (c *Controller) run(t Trigger, attempt int) {
	defer c.calls.Done()

	c.log.Info().Str("trigger", t.String()).Int("attempt", attempt).Msg("Completing attempt")
	err := c.cfg.Complete(c.ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Debug().Err(err).Msg("Discarding completion result after close")
		return
	}

	if err == nil {
		c.state = StateSubmitted
		c.mu.Unlock()

		c.log.Info().Str("trigger", t.String()).Msg("Attempt submitted")
		if c.cfg.OnSubmitted != nil {
			c.cfg.OnSubmitted(t)
		}
		return
	}

	if !t.Forced() && c.pendingForced.Forced() {
		t = c.pendingForced
		c.trigger = t
		c.pendingForced = TriggerNone
		c.backoff.Reset()
		c.log.Warn().Str("trigger", t.String()).Msg("Manual submission failed after a forced trigger, switching to forced retries")
	}

	var next State
	switch {
	case !t.Forced():
		next = StateEditing
	default:
		if d := c.backoff.NextBackOff(); d == backoff.Stop {
			next = StateRetryRequired
		} else {
			next = StateRetryScheduled
			c.retryGen++
			gen := c.retryGen
			c.retryTimer = c.cfg.Clock.AfterFunc(d, func() { c.autoRetry(gen) })
			c.log.Warn().Dur("in", d).Msg("Scheduling submission retry")
		}
	}
	c.state = next
	c.mu.Unlock()

	c.log.Error().Err(err).Str("trigger", t.String()).Str("next", next.String()).Msg("Completing attempt failed")
	if c.cfg.OnFailed != nil {
		c.cfg.OnFailed(t, err, next)
	}
}

func (c *Controller) autoRetry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateRetryScheduled || gen != c.retryGen {
		return
	}
	c.retryTimer = nil
	c.launchLocked()
}

func (c *Controller) stopRetryLocked() {
	c.retryGen++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}
