package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmittedEvent is published to the broker when an attempt is completed.
type SubmittedEvent struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	QuizID      uuid.UUID `json:"quiz_id"`
	StudentID   int       `json:"student_id"`
	StartedAt   time.Time `json:"started_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// MonitorEventType enumerates live monitor events.
type MonitorEventType string

const (
	MonitorProgress  MonitorEventType = "progress"
	MonitorSubmitted MonitorEventType = "submitted"
	MonitorInterrupt MonitorEventType = "interrupt"
)

// MonitorEvent is published on a quiz's monitor channel for instructors.
type MonitorEvent struct {
	Type      MonitorEventType `json:"type"`
	AttemptID uuid.UUID        `json:"attempt_id"`
	StudentID int              `json:"student_id"`
	Answered  int              `json:"answered,omitempty"`
	Action    InterruptAction  `json:"action,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// MonitorSnapshot is the first message of the instructor monitor stream.
type MonitorSnapshot struct {
	QuizID     uuid.UUID             `json:"quiz_id"`
	Title      string                `json:"title"`
	Questions  int                   `json:"questions"`
	ByStatus   map[AttemptStatus]int `json:"by_status"`
	InProgress []uuid.UUID           `json:"in_progress"`
}

// ProgressJob is queued for the persistence worker after every progress save.
type ProgressJob struct {
	AttemptID uuid.UUID     `json:"attempt_id"`
	Answers   []AnswerEntry `json:"answers"`
	SavedAt   time.Time     `json:"saved_at"`
}
