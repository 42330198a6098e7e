package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func main() {
	title := flag.String("title", "Latihan Matematika Dasar", "quiz title")
	minutes := flag.Int("minutes", 30, "quiz duration in minutes")
	draft := flag.Bool("draft", false, "store the quiz unpublished")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stores, err := database.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to data stores")
	}
	defer stores.Close()

	quizRepo := repository.NewQuizRepository(stores.DB)
	quizService := service.NewQuizService(quizRepo, repository.NewAttemptCache(stores.Redis), log)

	quiz := sampleQuiz(*title, *minutes)
	if err := quiz.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Sample quiz is invalid")
	}

	fmt.Printf("=== Seeding quiz %q (%d questions) ===\n", quiz.Title, len(quiz.Questions))

	if err := quizRepo.Create(ctx, quiz, !*draft); err != nil {
		log.Fatal().Err(err).Msg("Failed to create quiz")
	}

	if !*draft {
		if _, err := quizService.Refresh(ctx, quiz.ID); err != nil {
			log.Warn().Err(err).Msg("Quiz stored but cache warm failed")
		}
	}

	fmt.Printf("\nSeed completed! Quiz ID: %s\n", quiz.ID)
}

func sampleQuiz(title string, minutes int) *model.QuizDefinition {
	return &model.QuizDefinition{
		ID:              uuid.New(),
		Title:           title,
		DurationSeconds: minutes * 60,
		PassingMarks:    60,
		Proctoring: model.ProctoringConfig{
			TabSwitchLimit:     3,
			FullscreenRequired: true,
			TimeWarningAt:      300,
			CopyPasteDisabled:  true,
			RightClickDisabled: true,
		},
		Questions: []model.QuestionDefinition{
			{
				ID:      "q1",
				Prompt:  "Berapakah hasil dari 12 x 8?",
				Kind:    model.QuestionKindSingleChoice,
				Options: []string{"86", "96", "106", "112"},
				Correct: model.SingleChoice("96"),
				Marks:   20,
			},
			{
				ID:      "q2",
				Prompt:  "Pilih semua bilangan prima.",
				Kind:    model.QuestionKindMultipleChoice,
				Options: []string{"2", "9", "11", "15", "17"},
				Correct: model.MultipleChoice("2", "11", "17"),
				Marks:   30,
			},
			{
				ID:        "q3",
				Prompt:    "Berapakah nilai akar kuadrat dari 2? (dua angka desimal)",
				Kind:      model.QuestionKindNumerical,
				Correct:   model.Numerical(1.41),
				Marks:     25,
				Tolerance: 0.01,
			},
			{
				ID:      "q4",
				Prompt:  "Sebuah segitiga memiliki sudut 90 derajat. Disebut apakah segitiga tersebut?",
				Kind:    model.QuestionKindSingleChoice,
				Options: []string{"Lancip", "Siku-siku", "Tumpul", "Sama sisi"},
				Correct: model.SingleChoice("Siku-siku"),
				Marks:   25,
			},
		},
	}
}
