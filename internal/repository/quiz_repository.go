package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrQuizNotFound is returned when no published quiz has the given id.
var ErrQuizNotFound = errors.New("quiz not found")

// QuizRepository loads quiz content, answer keys included.
type QuizRepository struct {
	pool *pgxpool.Pool
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetDefinition loads a published quiz and its questions in display order.
func (r *QuizRepository) GetDefinition(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error) {
	q := &model.QuizDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_seconds, passing_marks,
		        tab_switch_limit, fullscreen_required, time_warning_at,
		        copy_paste_disabled, right_click_disabled
		 FROM quizzes
		 WHERE id = $1 AND status = 'PUBLISHED'`, id,
	).Scan(&q.ID, &q.Title, &q.DurationSeconds, &q.PassingMarks,
		&q.Proctoring.TabSwitchLimit, &q.Proctoring.FullscreenRequired, &q.Proctoring.TimeWarningAt,
		&q.Proctoring.CopyPasteDisabled, &q.Proctoring.RightClickDisabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuizNotFound
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, prompt, kind, options, correct, marks, tolerance
		 FROM quiz_questions
		 WHERE quiz_id = $1
		 ORDER BY position ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var qd model.QuestionDefinition
		if err := rows.Scan(&qd.ID, &qd.Prompt, &qd.Kind, &qd.Options, &qd.Correct, &qd.Marks, &qd.Tolerance); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Questions = append(q.Questions, qd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return q, nil
}

// ListPublishedIDs returns the ids of every published quiz.
func (r *QuizRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM quizzes WHERE status = 'PUBLISHED'`)
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

// Create inserts a quiz and its questions in one transaction. The quiz is
// stored as PUBLISHED when publish is set, DRAFT otherwise.
func (r *QuizRepository) Create(ctx context.Context, q *model.QuizDefinition, publish bool) error {
	status := "DRAFT"
	if publish {
		status = "PUBLISHED"
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO quizzes (id, title, duration_seconds, passing_marks,
		                      tab_switch_limit, fullscreen_required, time_warning_at,
		                      copy_paste_disabled, right_click_disabled, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		q.ID, q.Title, q.DurationSeconds, q.PassingMarks,
		q.Proctoring.TabSwitchLimit, q.Proctoring.FullscreenRequired, q.Proctoring.TimeWarningAt,
		q.Proctoring.CopyPasteDisabled, q.Proctoring.RightClickDisabled, status,
	)
	if err != nil {
		return fmt.Errorf("insert quiz: %w", err)
	}

	batch := &pgx.Batch{}
	for i, qd := range q.Questions {
		options := qd.Options
		if options == nil {
			options = []string{}
		}
		batch.Queue(
			`INSERT INTO quiz_questions (id, quiz_id, position, prompt, kind, options, correct, marks, tolerance)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			qd.ID, q.ID, i, qd.Prompt, qd.Kind, options, qd.Correct, qd.Marks, qd.Tolerance,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	return tx.Commit(ctx)
}
