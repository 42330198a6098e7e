package proctor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Grader is the remote grading collaborator.
type Grader interface {
	Grade(ctx context.Context, req model.GradingRequest) (*model.GradingResponse, error)
}

// Submission is the final state of an attempt, frozen when it enters
// submitting.
type Submission struct {
	AttemptID      uuid.UUID
	QuizID         uuid.UUID
	StudentID      int
	Quiz           *model.QuizDefinition
	StartedAt      time.Time
	SubmittedAt    time.Time
	Answers        map[string]model.AnswerValue
	ViolationCount int
	Reason         model.TerminationReason
}

// DurationSeconds is the elapsed time of the attempt in whole seconds.
func (s Submission) DurationSeconds() int {
	d := int(s.SubmittedAt.Sub(s.StartedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Submitter turns a Submission into a SessionResult. It must always return.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) model.SessionResult
}

// Coordinator grades remotely and falls back to local scoring when the
// remote call fails or times out.
type Coordinator struct {
	grader  Grader
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewCoordinator builds a Coordinator. A nil grader always grades locally.
// timeout bounds the remote call.
func NewCoordinator(grader Grader, timeout time.Duration, now func() time.Time, log zerolog.Logger) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		grader:  grader,
		timeout: timeout,
		now:     now,
		log:     log.With().Str("component", "submission_coordinator").Logger(),
	}
}

// Submit grades the submission. Remote failures are recovered locally and
// still produce a submitted result; only a missing definition aborts.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) model.SessionResult {
	res := model.SessionResult{
		AttemptID:         sub.AttemptID,
		QuizID:            sub.QuizID,
		StudentID:         sub.StudentID,
		ViolationCount:    sub.ViolationCount,
		TerminationReason: sub.Reason,
		DurationSeconds:   sub.DurationSeconds(),
	}
	log := c.log.With().Str("attempt_id", sub.AttemptID.String()).Logger()

	if sub.Quiz == nil || len(sub.Quiz.Questions) == 0 {
		ev := log.Error()
		if sub.Reason != model.ReasonNone {
			ev = ev.Bool("defect", true)
		}
		ev.Str("reason", string(sub.Reason)).Msg("Cannot score attempt without quiz definition")
		return c.abort(res)
	}

	if c.grader != nil {
		score, err := c.gradeRemote(ctx, sub)
		if err == nil {
			res.Status = model.SessionStatusSubmitted
			res.Score = score
			res.GradedBy = model.GradedByRemote
			res.FinishedAt = c.now()
			return res
		}
		log.Warn().Err(err).Msg("Remote grading failed, scoring locally")
	}

	score, err := ScoreLocally(sub.Quiz, sub.Answers)
	if err != nil {
		log.Error().Err(err).Msg("Local scoring failed")
		return c.abort(res)
	}

	res.Status = model.SessionStatusSubmitted
	res.Score = &score
	res.GradedBy = model.GradedByLocal
	res.FinishedAt = c.now()
	return res
}

func (c *Coordinator) gradeRemote(ctx context.Context, sub Submission) (*model.Score, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.grader.Grade(ctx, model.GradingRequest{
		AttemptID:         sub.AttemptID,
		QuizID:            sub.QuizID,
		Answers:           sub.Answers,
		DurationSeconds:   sub.DurationSeconds(),
		ViolationCount:    sub.ViolationCount,
		TerminationReason: sub.Reason,
	})
	if err != nil {
		if errors.Is(err, ErrSubmissionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty grading response", ErrSubmissionFailed)
	}
	score := resp.ToScore()
	return &score, nil
}

func (c *Coordinator) abort(res model.SessionResult) model.SessionResult {
	res.Status = model.SessionStatusAborted
	res.Error = "unable to complete submission"
	res.FinishedAt = c.now()
	return res
}

// ScoreLocally grades answers against the quiz's answer key: each correct
// answer earns the question's marks, and the attempt passes when the score
// reaches the quiz's passing marks.
func ScoreLocally(quiz *model.QuizDefinition, answers map[string]model.AnswerValue) (model.Score, error) {
	if quiz == nil || len(quiz.Questions) == 0 {
		return model.Score{}, ErrDefinitionMissing
	}

	var score, total float64
	for _, q := range quiz.Questions {
		total += q.Marks
		given, ok := answers[q.ID]
		if !ok {
			continue
		}
		if given.Equal(q.Correct, q.Kind, q.Tolerance) {
			score += q.Marks
		}
	}

	var pct float64
	if total > 0 {
		pct = math.Round(score*100/total*100) / 100
	}

	return model.Score{
		Score:      score,
		TotalMarks: total,
		Percentage: pct,
		Passed:     score >= quiz.PassingMarks,
	}, nil
}
