package model

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// QuestionKind enumerates the answer shapes a question accepts.
type QuestionKind string

const (
	QuestionKindSingleChoice   QuestionKind = "single_choice"
	QuestionKindMultipleChoice QuestionKind = "multiple_choice"
	QuestionKindNumerical      QuestionKind = "numerical"
)

// IsChoice reports whether the kind is answered by picking options.
func (k QuestionKind) IsChoice() bool {
	return k == QuestionKindSingleChoice || k == QuestionKindMultipleChoice
}

// ProctoringConfig holds the integrity rules for a quiz.
type ProctoringConfig struct {
	// TabSwitchLimit of zero or less disables the tab-switch auto-submit.
	TabSwitchLimit     int  `json:"tab_switch_limit"`
	FullscreenRequired bool `json:"fullscreen_required"`
	// TimeWarningAt is the remaining-seconds mark at which the warning fires.
	// Zero or less means no warning.
	TimeWarningAt      int  `json:"time_warning_at"`
	CopyPasteDisabled  bool `json:"copy_paste_disabled"`
	RightClickDisabled bool `json:"right_click_disabled"`
}

// QuestionDefinition is a single question of a quiz, including its answer key.
type QuestionDefinition struct {
	ID      string       `json:"id" validate:"required"`
	Prompt  string       `json:"prompt"`
	Kind    QuestionKind `json:"kind" validate:"oneof=single_choice multiple_choice numerical"`
	Options []string     `json:"options,omitempty" validate:"dive,required"`
	Correct AnswerValue  `json:"correct"`
	Marks   float64      `json:"marks" validate:"gte=0"`
	// Tolerance is the accepted absolute error for numerical questions.
	Tolerance float64 `json:"tolerance,omitempty" validate:"gte=0"`
}

// QuizDefinition is the immutable quiz content an attempt is built from.
type QuizDefinition struct {
	ID              uuid.UUID            `json:"id" validate:"required"`
	Title           string               `json:"title"`
	Questions       []QuestionDefinition `json:"questions" validate:"min=1,dive"`
	DurationSeconds int                  `json:"duration_seconds" validate:"gt=0"`
	PassingMarks    float64              `json:"passing_marks" validate:"gte=0"`
	Proctoring      ProctoringConfig     `json:"proctoring"`
}

// TotalMarks sums the marks of every question.
func (q *QuizDefinition) TotalMarks() float64 {
	var total float64
	for _, qd := range q.Questions {
		total += qd.Marks
	}
	return total
}

// Question looks up a question by id.
func (q *QuizDefinition) Question(id string) (*QuestionDefinition, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return &q.Questions[i], true
		}
	}
	return nil, false
}

// definitionValidator checks the `validate` tags of quiz definitions. Field
// names in errors follow the JSON tags.
var definitionValidator = func() *govalidator.Validate {
	v := govalidator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks that the definition can drive an attempt: the field rules
// in the struct tags first, then the rules that span fields.
func (q *QuizDefinition) Validate() error {
	if err := definitionValidator.Struct(q); err != nil {
		return fmt.Errorf("invalid quiz: %w", err)
	}

	seen := make(map[string]bool, len(q.Questions))
	for _, qd := range q.Questions {
		if seen[qd.ID] {
			return fmt.Errorf("duplicate question id %q", qd.ID)
		}
		seen[qd.ID] = true

		if qd.Kind.IsChoice() && len(qd.Options) == 0 {
			return fmt.Errorf("question %q has no options", qd.ID)
		}
		if !qd.Correct.Matches(qd.Kind) {
			return fmt.Errorf("question %q answer key does not match kind %s", qd.ID, qd.Kind)
		}

		switch qd.Kind {
		case QuestionKindSingleChoice:
			if !slices.Contains(qd.Options, qd.Correct.Choice) {
				return fmt.Errorf("question %q answer key %q is not an option", qd.ID, qd.Correct.Choice)
			}
		case QuestionKindMultipleChoice:
			if len(qd.Correct.Choices) == 0 {
				return fmt.Errorf("question %q has an empty answer key", qd.ID)
			}
			for _, c := range qd.Correct.Choices {
				if !slices.Contains(qd.Options, c) {
					return fmt.Errorf("question %q answer key %q is not an option", qd.ID, c)
				}
			}
		}
	}
	return nil
}

// QuizForStudent strips answer keys before a quiz is sent to a client.
type QuizForStudent struct {
	ID              uuid.UUID            `json:"id"`
	Title           string               `json:"title"`
	DurationSeconds int                  `json:"duration_seconds"`
	Proctoring      ProctoringConfig     `json:"proctoring"`
	Questions       []QuestionForStudent `json:"questions"`
}

// QuestionForStudent is a question without its answer key.
type QuestionForStudent struct {
	ID      string       `json:"id"`
	Prompt  string       `json:"prompt"`
	Kind    QuestionKind `json:"kind"`
	Options []string     `json:"options,omitempty"`
	Marks   float64      `json:"marks"`
}

// ForStudent builds the client-facing copy of the quiz.
func (q *QuizDefinition) ForStudent() QuizForStudent {
	out := QuizForStudent{
		ID:              q.ID,
		Title:           q.Title,
		DurationSeconds: q.DurationSeconds,
		Proctoring:      q.Proctoring,
		Questions:       make([]QuestionForStudent, len(q.Questions)),
	}
	for i, qd := range q.Questions {
		out.Questions[i] = QuestionForStudent{
			ID:      qd.ID,
			Prompt:  qd.Prompt,
			Kind:    qd.Kind,
			Options: qd.Options,
			Marks:   qd.Marks,
		}
	}
	return out
}
