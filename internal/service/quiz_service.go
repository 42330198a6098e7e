package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// QuizStore is the source of truth for quiz content.
type QuizStore interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// QuizCache holds quiz definitions close to the engine.
type QuizCache interface {
	GetQuiz(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error)
	SetQuiz(ctx context.Context, q *model.QuizDefinition) error
}

// QuizService provides quiz definitions: Redis first, PostgreSQL on a miss,
// then the cache is healed.
type QuizService struct {
	store QuizStore
	cache QuizCache
	log   zerolog.Logger
}

// NewQuizService creates a new QuizService.
func NewQuizService(store QuizStore, cache QuizCache, log zerolog.Logger) *QuizService {
	return &QuizService{
		store: store,
		cache: cache,
		log:   log.With().Str("component", "quiz_service").Logger(),
	}
}

// Get returns a validated quiz definition.
func (s *QuizService) Get(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error) {
	q, err := s.cache.GetQuiz(ctx, id)
	switch {
	case err == nil:
		return q, nil
	case errors.Is(err, repository.ErrCacheMiss):
	default:
		// Redis trouble should not block an exam; go to the database.
		s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Quiz cache read failed")
	}

	q, err = s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("quiz %s is not runnable: %w", id, err)
	}

	if err := s.cache.SetQuiz(ctx, q); err != nil {
		s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Failed to heal quiz cache")
	}
	return q, nil
}

// Prewarm loads every published quiz into Redis on startup.
func (s *QuizService) Prewarm(ctx context.Context) error {
	ids, err := s.store.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published quizzes: %w", err)
	}

	if len(ids) == 0 {
		s.log.Info().Msg("No published quizzes to prewarm")
		return nil
	}

	warmed := 0
	for _, id := range ids {
		q, err := s.store.GetDefinition(ctx, id)
		if err == nil {
			err = q.Validate()
		}
		if err == nil {
			err = s.cache.SetQuiz(ctx, q)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("quiz_id", id.String()).Msg("Failed to warm quiz, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}

// Refresh reloads a quiz from PostgreSQL into Redis after its content was
// edited. Attempts already running keep the definition they started with.
func (s *QuizService) Refresh(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error) {
	q, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("quiz %s is not runnable: %w", id, err)
	}
	if err := s.cache.SetQuiz(ctx, q); err != nil {
		return nil, fmt.Errorf("cache quiz: %w", err)
	}

	s.log.Info().Str("quiz_id", id.String()).Msg("Quiz cache refreshed")
	return q, nil
}
