package model

import "github.com/google/uuid"

// InterruptAction enumerates instructor commands pushed to a live attempt.
type InterruptAction string

const (
	InterruptStop    InterruptAction = "STOP"
	InterruptWarning InterruptAction = "WARNING"
)

// Valid reports whether a is a known action.
func (a InterruptAction) Valid() bool {
	return a == InterruptStop || a == InterruptWarning
}

// Interrupt is an instructor command scoped to one attempt.
type Interrupt struct {
	AttemptID uuid.UUID       `json:"attempt_id"`
	Action    InterruptAction `json:"action"`
	Message   string          `json:"message,omitempty"`
}

// InterruptRequest is the payload an instructor sends to interrupt attempts.
type InterruptRequest struct {
	Action  InterruptAction `json:"action" binding:"required,interrupt_action"`
	Message string          `json:"message" binding:"max=500"`
}
