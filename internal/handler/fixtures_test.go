package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func handlerQuiz() *model.QuizDefinition {
	return &model.QuizDefinition{
		ID:              uuid.MustParse("5a0e9c3d-1b2f-4c8e-8d7a-6f5e4d3c2b10"),
		Title:           "Sejarah",
		DurationSeconds: 300,
		PassingMarks:    5,
		Proctoring:      model.ProctoringConfig{TabSwitchLimit: 3},
		Questions: []model.QuestionDefinition{
			{ID: "q1", Kind: model.QuestionKindSingleChoice, Options: []string{"1945", "1949"}, Correct: model.SingleChoice("1945"), Marks: 5},
			{ID: "q2", Kind: model.QuestionKindNumerical, Correct: model.Numerical(17), Marks: 5},
		},
	}
}

// memQuizzes serves one quiz as both the store and an always-missing cache.
type memQuizzes struct{ quiz *model.QuizDefinition }

func (m memQuizzes) GetDefinition(_ context.Context, id uuid.UUID) (*model.QuizDefinition, error) {
	if id != m.quiz.ID {
		return nil, repository.ErrQuizNotFound
	}
	return m.quiz, nil
}

func (m memQuizzes) ListPublishedIDs(context.Context) ([]uuid.UUID, error) {
	return []uuid.UUID{m.quiz.ID}, nil
}

func (m memQuizzes) GetQuiz(context.Context, uuid.UUID) (*model.QuizDefinition, error) {
	return nil, repository.ErrCacheMiss
}

func (m memQuizzes) SetQuiz(context.Context, *model.QuizDefinition) error { return nil }

type memAttempts struct {
	mu      sync.Mutex
	records map[uuid.UUID]model.AttemptRecord
}

func (m *memAttempts) Create(_ context.Context, a *model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[a.ID] = *a
	return nil
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	return &rec, nil
}

func (m *memAttempts) GetLive(context.Context, uuid.UUID, int) (*model.AttemptRecord, error) {
	return nil, repository.ErrAttemptNotFound
}

func (m *memAttempts) ListOverdue(context.Context, time.Time) ([]model.AttemptRecord, error) {
	return nil, nil
}

func (m *memAttempts) GetAnswerSheet(context.Context, uuid.UUID) (*model.AnswerSheetRecord, error) {
	return nil, repository.ErrAttemptNotFound
}

type memCache struct {
	mu      sync.Mutex
	claims  map[string]uuid.UUID
	results map[uuid.UUID]model.SessionResult
}

func (m *memCache) SaveState(context.Context, model.AttemptState) error { return nil }

func (m *memCache) LoadState(context.Context, uuid.UUID) (*model.AttemptState, error) {
	return nil, repository.ErrCacheMiss
}

func (m *memCache) ClaimActiveAttempt(_ context.Context, quizID uuid.UUID, studentID int, attemptID uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s:%d", quizID, studentID)
	if holder, ok := m.claims[key]; ok {
		return holder, false, nil
	}
	m.claims[key] = attemptID
	return attemptID, true, nil
}

func (m *memCache) ReleaseActiveAttempt(_ context.Context, quizID uuid.UUID, studentID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, fmt.Sprintf("%s:%d", quizID, studentID))
	return nil
}

func (m *memCache) SaveResult(_ context.Context, res model.SessionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.AttemptID] = res
	return nil
}

func (m *memCache) LoadResult(_ context.Context, id uuid.UUID) (*model.SessionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[id]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return &res, nil
}

func (m *memCache) Enqueue(context.Context, string, any) error { return nil }

func (m *memCache) Publish(context.Context, uuid.UUID, model.MonitorEvent) error { return nil }

type handlerFixture struct {
	quiz     *model.QuizDefinition
	clock    *proctor.ManualTime
	quizzes  *service.QuizService
	attempts *service.AttemptService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	quiz := handlerQuiz()
	clock := proctor.NewManualTime(epoch)
	quizzes := service.NewQuizService(memQuizzes{quiz: quiz}, memQuizzes{quiz: quiz}, zerolog.Nop())
	attempts := service.NewAttemptService(
		quizzes,
		&memAttempts{records: make(map[uuid.UUID]model.AttemptRecord)},
		&memCache{claims: make(map[string]uuid.UUID), results: make(map[uuid.UUID]model.SessionResult)},
		nil,
		service.AttemptConfig{Engine: proctor.DefaultConfig(), SubmitTimeout: time.Second, Retention: time.Minute},
		clock,
		zerolog.Nop(),
	)
	t.Cleanup(attempts.Shutdown)
	return &handlerFixture{quiz: quiz, clock: clock, quizzes: quizzes, attempts: attempts}
}

// asStudent stands in for RequireStudentJWT.
func asStudent(id int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: id})
		c.Next()
	}
}
