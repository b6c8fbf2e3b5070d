package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusGraded     AttemptStatus = "GRADED"
)

// Terminal reports whether the attempt no longer accepts answers.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusGraded
}

// Attempt represents one student's try at one quiz.
type Attempt struct {
	ID               uuid.UUID     `json:"id"`
	QuizID           uuid.UUID     `json:"quiz_id"`
	StudentID        int           `json:"student_id"`
	StartedAt        time.Time     `json:"started_at"`
	TimeLimitSeconds *int          `json:"time_limit_seconds,omitempty"`
	Status           AttemptStatus `json:"status"`
	SubmittedAt      *time.Time    `json:"submitted_at,omitempty"`
}

// EndTime returns the instant the attempt runs out of time.
// ok is false for untimed attempts.
func (a *Attempt) EndTime() (end time.Time, ok bool) {
	if a.TimeLimitSeconds == nil {
		return time.Time{}, false
	}
	return a.StartedAt.Add(time.Duration(*a.TimeLimitSeconds) * time.Second), true
}

// AttemptContent is the immutable payload a session is built from.
type AttemptContent struct {
	Attempt
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	// SavedAnswers holds the last in-progress save, if the backend has one.
	SavedAnswers []AnswerEntry `json:"saved_answers,omitempty"`
}

// QuestionIndex returns the position of the question with the given ID, or -1.
func (c *AttemptContent) QuestionIndex(questionID int64) int {
	for i := range c.Questions {
		if c.Questions[i].ID == questionID {
			return i
		}
	}
	return -1
}

// AnswerEntry is one question's answer as sent to the backend.
type AnswerEntry struct {
	QuestionID int64   `json:"question_id" binding:"required"`
	AnswerIDs  []int64 `json:"answer_ids"`
	Text       string  `json:"text,omitempty" binding:"max=10000"`
}

// SaveProgressRequest is the payload for an in-progress save.
type SaveProgressRequest struct {
	Answers []AnswerEntry `json:"answers" binding:"required,dive"`
}
