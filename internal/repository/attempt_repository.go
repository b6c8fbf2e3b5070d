package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// AttemptRepository handles attempt and saved answer data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, quiz_id, student_id, started_at, time_limit_seconds, status, submitted_at`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	if err := row.Scan(&a.ID, &a.QuizID, &a.StudentID, &a.StartedAt, &a.TimeLimitSeconds, &a.Status, &a.SubmittedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id,
	))
}

// MarkSubmitted moves an IN_PROGRESS attempt to SUBMITTED. changed is false
// when the attempt was already terminal; the stored row is returned either way.
func (r *AttemptRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time) (a *model.Attempt, changed bool, err error) {
	a, err = scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET status = $1, submitted_at = $2
		 WHERE id = $3 AND status = $4
		 RETURNING `+attemptColumns,
		model.AttemptStatusSubmitted, at, id, model.AttemptStatusInProgress,
	))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	a, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

// ListInProgressByQuiz returns the IDs of live attempts of a quiz.
func (r *AttemptRepository) ListInProgressByQuiz(ctx context.Context, quizID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM attempts WHERE quiz_id = $1 AND status = $2 ORDER BY started_at`,
		quizID, model.AttemptStatusInProgress,
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

// CountByStatus groups a quiz's attempts by status.
func (r *AttemptRepository) CountByStatus(ctx context.Context, quizID uuid.UUID) (map[model.AttemptStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM attempts WHERE quiz_id = $1 GROUP BY status`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.AttemptStatus]int)
	for rows.Next() {
		var status model.AttemptStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListAnswers returns the persisted answers of an attempt, ordered by question.
func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer_ids, answer_text
		 FROM attempt_answers WHERE attempt_id = $1
		 ORDER BY question_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AnswerEntry
	for rows.Next() {
		var e model.AnswerEntry
		if err := rows.Scan(&e.QuestionID, &e.AnswerIDs, &e.Text); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertAnswers writes a full snapshot in one round trip. A snapshot taken
// after the attempt was submitted is ignored; one queued before submission
// still lands.
func (r *AttemptRepository) UpsertAnswers(ctx context.Context, attemptID uuid.UUID, entries []model.AnswerEntry, savedAt time.Time) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		ids := e.AnswerIDs
		if ids == nil {
			ids = []int64{}
		}
		batch.Queue(
			`INSERT INTO attempt_answers (attempt_id, question_id, answer_ids, answer_text, updated_at)
			 SELECT $1, $2, $3, $4, $5
			 WHERE EXISTS (
			     SELECT 1 FROM attempts
			     WHERE id = $1 AND (status = $6 OR submitted_at >= $5)
			 )
			 ON CONFLICT (attempt_id, question_id) DO UPDATE
			 SET answer_ids = EXCLUDED.answer_ids,
			     answer_text = EXCLUDED.answer_text,
			     updated_at = EXCLUDED.updated_at
			 WHERE attempt_answers.updated_at <= EXCLUDED.updated_at`,
			attemptID, e.QuestionID, ids, e.Text, savedAt, model.AttemptStatusInProgress,
		)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}
