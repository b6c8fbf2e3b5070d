package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// QuizRepository handles quiz and question data access.
type QuizRepository struct {
	pool *pgxpool.Pool
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetPayload loads the student-facing quiz paper, questions ordered by order_num.
func (r *QuizRepository) GetPayload(ctx context.Context, quizID uuid.UUID) (*model.QuizPayload, error) {
	p := &model.QuizPayload{QuizID: quizID}
	if err := r.pool.QueryRow(ctx,
		`SELECT title FROM quizzes WHERE id = $1`, quizID,
	).Scan(&p.Title); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, question_type, options, order_num
		 FROM questions WHERE quiz_id = $1
		 ORDER BY order_num, id`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		var options json.RawMessage
		if err := rows.Scan(&q.ID, &q.Text, &q.Type, &options, &q.OrderNum); err != nil {
			return nil, err
		}
		if q.Options, err = model.DecodeOptions(options); err != nil {
			return nil, fmt.Errorf("decode options of question %d: %w", q.ID, err)
		}
		p.Questions = append(p.Questions, q)
	}
	return p, rows.Err()
}

// ListWithInProgressAttempts returns quizzes that currently have live attempts.
func (r *QuizRepository) ListWithInProgressAttempts(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT quiz_id FROM attempts WHERE status = $1`,
		model.AttemptStatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
