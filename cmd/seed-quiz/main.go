package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/model"
)

const (
	demoTitle     = "Demo: Basic Science"
	demoTimeLimit = 30 * 60
	demoAttempts  = 5
)

type demoQuestion struct {
	text    string
	kind    model.QuestionType
	options []string
}

var demoQuestions = []demoQuestion{
	{"Which planet is closest to the sun?", model.QuestionTypeSingleChoice, []string{"Venus", "Mercury", "Mars"}},
	{"Which of these are mammals?", model.QuestionTypeMultipleChoice, []string{"Dolphin", "Shark", "Bat", "Penguin"}},
	{"What gas do plants absorb for photosynthesis?", model.QuestionTypeSingleChoice, []string{"Oxygen", "Nitrogen", "Carbon dioxide"}},
	{"Name the process by which water vapour becomes liquid.", model.QuestionTypeText, nil},
	{"Which are states of matter?", model.QuestionTypeMultipleChoice, []string{"Solid", "Liquid", "Gas", "Energy"}},
}

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	fmt.Println("=== Seeding demo quiz ===")

	var quizID uuid.UUID
	err = pool.QueryRow(ctx, "SELECT id FROM quizzes WHERE title = $1", demoTitle).Scan(&quizID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		quizID, err = createQuiz(ctx, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create demo quiz")
		}
		fmt.Printf("Created quiz %s with %d questions\n", quizID, len(demoQuestions))
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to look up demo quiz")
	default:
		fmt.Printf("Found existing quiz %s\n", quizID)
	}

	fmt.Println("\nAttempts (run: player <attempt-id>):")
	for i := 0; i < demoAttempts; i++ {
		var attemptID uuid.UUID
		if err := pool.QueryRow(ctx,
			`INSERT INTO attempts (quiz_id, student_id, time_limit_seconds) VALUES ($1, $2, $3) RETURNING id`,
			quizID, 1000+i, demoTimeLimit,
		).Scan(&attemptID); err != nil {
			log.Fatal().Err(err).Msg("Failed to create attempt")
		}
		fmt.Printf("  student %d: %s\n", 1000+i, attemptID)
	}

	fmt.Println("\nSeed completed!")
}

// createQuiz inserts the quiz and its questions in one transaction.
func createQuiz(ctx context.Context, db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}) (uuid.UUID, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var quizID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO quizzes (title, time_limit_seconds) VALUES ($1, $2) RETURNING id`,
		demoTitle, demoTimeLimit,
	).Scan(&quizID); err != nil {
		return uuid.Nil, fmt.Errorf("insert quiz: %w", err)
	}

	for i, q := range demoQuestions {
		opts := make([]model.Option, len(q.options))
		for j, text := range q.options {
			opts[j] = model.Option{ID: int64(j + 1), Text: text}
		}
		raw, err := json.Marshal(opts)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode options: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO questions (quiz_id, question_text, question_type, options, order_num)
			 VALUES ($1, $2, $3, $4, $5)`,
			quizID, q.text, q.kind, raw, i+1,
		); err != nil {
			return uuid.Nil, fmt.Errorf("insert question %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}
	return quizID, nil
}
