package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// LiveStateSource lists the cached state of live attempts across processes.
type LiveStateSource interface {
	LiveStates(ctx context.Context, quizID uuid.UUID) ([]model.AttemptState, error)
}

// ViolationCounter counts persisted violations per student.
type ViolationCounter interface {
	ViolationCounts(ctx context.Context, quizID uuid.UUID) (map[int]int64, error)
}

// LocalAttempts lists the attempts held by this process.
type LocalAttempts interface {
	Live(quizID uuid.UUID) []model.AttemptSummary
}

// MonitorService orchestrates live quiz monitoring.
type MonitorService struct {
	quizzes    QuizProvider
	states     LiveStateSource
	violations ViolationCounter
	local      LocalAttempts
	ts         proctor.TimeSource
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(quizzes QuizProvider, states LiveStateSource, violations ViolationCounter, local LocalAttempts, ts proctor.TimeSource) *MonitorService {
	if ts == nil {
		ts = proctor.RealTime{}
	}
	return &MonitorService{quizzes: quizzes, states: states, violations: violations, local: local, ts: ts}
}

// QuizProgress is the monitor view of a quiz.
type QuizProgress struct {
	QuizID          uuid.UUID              `json:"quiz_id"`
	Title           string                 `json:"title"`
	QuestionCount   int                    `json:"question_count"`
	Attempts        []model.AttemptSummary `json:"attempts"`
	TotalViolations int64                  `json:"total_violations"`
}

// GetQuizProgress merges the attempts held here with the cached state of
// attempts held elsewhere. The two fetches run in parallel.
func (s *MonitorService) GetQuizProgress(ctx context.Context, quizID uuid.UUID) (*QuizProgress, error) {
	quiz, err := s.quizzes.Get(ctx, quizID)
	if err != nil {
		return nil, err
	}

	var (
		states    []model.AttemptState
		counts    map[int]int64
		statesErr error
		countsErr error
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		states, statesErr = s.states.LiveStates(ctx, quizID)
	}()
	go func() {
		defer wg.Done()
		counts, countsErr = s.violations.ViolationCounts(ctx, quizID)
	}()
	wg.Wait()

	// Cached states are critical; persisted counts are best-effort.
	if statesErr != nil {
		return nil, statesErr
	}

	progress := &QuizProgress{
		QuizID:        quizID,
		Title:         quiz.Title,
		QuestionCount: len(quiz.Questions),
	}

	seen := make(map[uuid.UUID]bool)
	if s.local != nil {
		for _, a := range s.local.Live(quizID) {
			seen[a.AttemptID] = true
			progress.Attempts = append(progress.Attempts, a)
		}
	}

	now := s.ts.Now()
	for _, st := range states {
		if seen[st.AttemptID] {
			continue
		}
		progress.Attempts = append(progress.Attempts, model.AttemptSummary{
			AttemptID:            st.AttemptID,
			StudentID:            st.StudentID,
			Status:               st.Status,
			StartedAt:            st.StartedAt,
			TimeRemainingSeconds: remainingAt(quiz, st.StartedAt, now),
			AnsweredCount:        len(st.Sheet.Answers),
			ViolationCount:       st.ViolationCount,
		})
	}

	if countsErr == nil {
		for i := range progress.Attempts {
			a := &progress.Attempts[i]
			if n := int(counts[a.StudentID]); n > a.ViolationCount {
				a.ViolationCount = n
			}
		}
		for _, n := range counts {
			progress.TotalViolations += n
		}
	}

	sort.Slice(progress.Attempts, func(i, j int) bool {
		return progress.Attempts[i].StudentID < progress.Attempts[j].StudentID
	})
	return progress, nil
}

func remainingAt(quiz *model.QuizDefinition, startedAt, now time.Time) int {
	remaining := quiz.DurationSeconds - int(now.Sub(startedAt)/time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
