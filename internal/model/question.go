package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType enumerates how a question is answered.
type QuestionType string

const (
	QuestionTypeSingleChoice   QuestionType = "SINGLE_CHOICE"
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeText           QuestionType = "TEXT"
)

// Option is a selectable answer of a choice question.
type Option struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// Question is a quiz question as shown to the student (no correct answers).
type Question struct {
	ID       int64        `json:"id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Options  []Option     `json:"options,omitempty"`
	OrderNum int          `json:"order_num"`
}

// HasOption reports whether optionID belongs to the question.
func (q *Question) HasOption(optionID int64) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// QuizPayload is the Redis-cached quiz paper shared by every attempt of a quiz.
type QuizPayload struct {
	QuizID    uuid.UUID  `json:"quiz_id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// DecodeOptions parses the JSONB options column.
func DecodeOptions(raw json.RawMessage) ([]Option, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var opts []Option
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, err
	}
	return opts, nil
}
