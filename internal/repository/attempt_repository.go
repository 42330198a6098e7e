package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	// ErrAttemptNotFound is returned when no attempt matches.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptExists is returned when the student already has a live
	// attempt on the quiz.
	ErrAttemptExists = errors.New("live attempt already exists")
)

const attemptColumns = `id, quiz_id, student_id, status, started_at, finished_at,
	final_score, percentage, passed, violation_count, COALESCE(termination_reason, '')`

// liveStatuses are the statuses of an attempt that has not finished yet.
var liveStatuses = []string{
	string(model.SessionStatusInProgress),
	string(model.SessionStatusWarning),
	string(model.SessionStatusSubmitting),
}

// AttemptRepository handles attempt rows.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts a new live attempt.
func (r *AttemptRepository) Create(ctx context.Context, a *model.AttemptRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (id, quiz_id, student_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.QuizID, a.StudentID, a.Status, a.StartedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAttemptExists
	}
	return err
}

// GetByID retrieves an attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.AttemptRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

// GetLive retrieves the unfinished attempt of a student on a quiz.
func (r *AttemptRepository) GetLive(ctx context.Context, quizID uuid.UUID, studentID int) (*model.AttemptRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE quiz_id = $1 AND student_id = $2 AND status = ANY($3)`,
		quizID, studentID, liveStatuses)
	return scanAttempt(row)
}

// ListOverdue returns live attempts whose deadline passed before now.
// These are attempts orphaned by a restart that nobody reconnected to.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time) ([]model.AttemptRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.quiz_id, a.student_id, a.status, a.started_at, a.finished_at,
		        a.final_score, a.percentage, a.passed, a.violation_count, COALESCE(a.termination_reason, '')
		 FROM attempts a
		 JOIN quizzes q ON q.id = a.quiz_id
		 WHERE a.status = ANY($1)
		   AND a.started_at + make_interval(secs => q.duration_seconds) < $2`,
		liveStatuses, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptRecord
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Finish stores the final result of one attempt. It is the single-row
// fallback for the result worker's batch update.
func (r *AttemptRepository) Finish(ctx context.Context, res model.SessionResult) error {
	var score, total, pct *float64
	var passed *bool
	if res.Score != nil {
		score, total, pct, passed = &res.Score.Score, &res.Score.TotalMarks, &res.Score.Percentage, &res.Score.Passed
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, final_score = $2, total_marks = $3, percentage = $4, passed = $5,
		     graded_by = NULLIF($6, ''), violation_count = $7,
		     termination_reason = NULLIF($8, ''), finished_at = $9
		 WHERE id = $10`,
		res.Status, score, total, pct, passed,
		string(res.GradedBy), res.ViolationCount,
		string(res.TerminationReason), res.FinishedAt, res.AttemptID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// ViolationCounts returns the number of recorded violations per student.
func (r *AttemptRepository) ViolationCounts(ctx context.Context, quizID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM attempt_violations
		 WHERE quiz_id = $1
		 GROUP BY student_id`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var n int64
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		counts[sid] = n
	}
	return counts, rows.Err()
}

// GetAnswerSheet loads the last persisted answer sheet of an attempt.
func (r *AttemptRepository) GetAnswerSheet(ctx context.Context, attemptID uuid.UUID) (*model.AnswerSheetRecord, error) {
	rec := &model.AnswerSheetRecord{AttemptID: attemptID}
	err := r.pool.QueryRow(ctx,
		`SELECT sheet, version FROM attempt_answer_sheets WHERE attempt_id = $1`, attemptID,
	).Scan(&rec.Sheet, &rec.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanAttempt(row pgx.Row) (*model.AttemptRecord, error) {
	a := &model.AttemptRecord{}
	err := row.Scan(&a.ID, &a.QuizID, &a.StudentID, &a.Status, &a.StartedAt, &a.FinishedAt,
		&a.FinalScore, &a.Percentage, &a.Passed, &a.ViolationCount, &a.TerminationReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return a, nil
}
