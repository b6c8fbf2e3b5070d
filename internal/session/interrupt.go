package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Listener filters push-channel interrupts down to the current attempt.
// Duplicate STOPs are forwarded as-is; the submission gate deduplicates them.
type Listener struct {
	attemptID uuid.UUID
	onStop    func(message string)
	onWarning func(message string)
	log       zerolog.Logger

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

// NewListener creates a listener for attemptID.
func NewListener(attemptID uuid.UUID, onStop, onWarning func(message string), log zerolog.Logger) *Listener {
	return &Listener{
		attemptID: attemptID,
		onStop:    onStop,
		onWarning: onWarning,
		log:       log.With().Str("component", "interrupt_listener").Str("attempt_id", attemptID.String()).Logger(),
	}
}

// Start subscribes to ch.
func (l *Listener) Start(ch Channel) error {
	unsubscribe, err := ch.Subscribe(l.handle)
	if err != nil {
		return fmt.Errorf("subscribe attempt channel: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		unsubscribe()
		return nil
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()

	l.log.Debug().Msg("Subscribed to attempt channel")
	return nil
}

// Close unsubscribes. Messages delivered afterwards are dropped.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (l *Listener) handle(msg model.Interrupt) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	if msg.AttemptID != l.attemptID {
		l.log.Debug().Str("target", msg.AttemptID.String()).Msg("Ignoring interrupt for another attempt")
		return
	}

	switch msg.Action {
	case model.InterruptStop:
		l.log.Info().Msg("Instructor stop received")
		if l.onStop != nil {
			l.onStop(msg.Message)
		}
	case model.InterruptWarning:
		if l.onWarning != nil {
			l.onWarning(msg.Message)
		}
	default:
		l.log.Warn().Str("action", string(msg.Action)).Msg("Unknown interrupt action")
	}
}
