package proctor

import (
	"fmt"
	"sort"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerStore keeps everything a student enters during an attempt. It is not
// safe for concurrent use; the owning Machine serializes access.
type AnswerStore struct {
	questions map[string]*model.QuestionDefinition
	total     int
	answers   map[string]model.AnswerValue
	workspace map[string]string
	visited   map[string]struct{}
	review    map[string]struct{}
}

// NewAnswerStore builds an empty store for the given questions.
func NewAnswerStore(questions []model.QuestionDefinition) *AnswerStore {
	s := &AnswerStore{
		questions: make(map[string]*model.QuestionDefinition, len(questions)),
		total:     len(questions),
		answers:   make(map[string]model.AnswerValue),
		workspace: make(map[string]string),
		visited:   make(map[string]struct{}),
		review:    make(map[string]struct{}),
	}
	for i := range questions {
		s.questions[questions[i].ID] = &questions[i]
	}
	return s
}

// RestoreAnswerStore rebuilds a store from a previously exported sheet.
func RestoreAnswerStore(questions []model.QuestionDefinition, sheet model.AnswerSheet) (*AnswerStore, error) {
	s := NewAnswerStore(questions)
	for qid, v := range sheet.Answers {
		if err := s.SetAnswer(qid, v); err != nil {
			return nil, fmt.Errorf("restore answer %s: %w", qid, err)
		}
	}
	for qid, text := range sheet.Workspace {
		if err := s.SetWorkspace(qid, text); err != nil {
			return nil, fmt.Errorf("restore workspace %s: %w", qid, err)
		}
	}
	for _, qid := range sheet.Visited {
		if err := s.Visit(qid); err != nil {
			return nil, fmt.Errorf("restore visited %s: %w", qid, err)
		}
	}
	for _, qid := range sheet.MarkedForReview {
		if _, ok := s.questions[qid]; !ok {
			return nil, fmt.Errorf("restore review %s: %w", qid, ErrUnknownQuestion)
		}
		s.review[qid] = struct{}{}
	}
	return s, nil
}

// SetAnswer overwrites any previous answer to the question.
func (s *AnswerStore) SetAnswer(questionID string, value model.AnswerValue) error {
	q, ok := s.questions[questionID]
	if !ok {
		return ErrUnknownQuestion
	}
	if q.Kind == model.QuestionKindMultipleChoice {
		value.Choices = model.MultipleChoice(value.Choices...).Choices
	}
	if !value.Matches(q.Kind) {
		return ErrAnswerKindMismatch
	}
	if err := checkOptions(q, value); err != nil {
		return err
	}

	if value.IsEmpty() {
		delete(s.answers, questionID)
		return nil
	}
	s.answers[questionID] = value
	return nil
}

// ToggleOption adds or removes one option of a multiple-choice answer.
func (s *AnswerStore) ToggleOption(questionID, option string) error {
	q, ok := s.questions[questionID]
	if !ok {
		return ErrUnknownQuestion
	}
	if q.Kind != model.QuestionKindMultipleChoice {
		return ErrAnswerKindMismatch
	}
	if !hasOption(q, option) {
		return ErrUnknownOption
	}

	current := s.answers[questionID].Choices
	next := make([]string, 0, len(current)+1)
	removed := false
	for _, o := range current {
		if o == option {
			removed = true
			continue
		}
		next = append(next, o)
	}
	if !removed {
		next = append(next, option)
	}
	return s.SetAnswer(questionID, model.MultipleChoice(next...))
}

// ClearAnswer removes the answer to a question.
func (s *AnswerStore) ClearAnswer(questionID string) error {
	if _, ok := s.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}
	delete(s.answers, questionID)
	return nil
}

// SetWorkspace stores scratch text for a question. Empty text clears it.
func (s *AnswerStore) SetWorkspace(questionID, text string) error {
	if _, ok := s.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}
	if text == "" {
		delete(s.workspace, questionID)
		return nil
	}
	s.workspace[questionID] = text
	return nil
}

// Visit marks a question as seen. Visited questions are never unmarked.
func (s *AnswerStore) Visit(questionID string) error {
	if _, ok := s.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}
	s.visited[questionID] = struct{}{}
	return nil
}

// ToggleReview flips the marked-for-review flag of a question.
func (s *AnswerStore) ToggleReview(questionID string) error {
	if _, ok := s.questions[questionID]; !ok {
		return ErrUnknownQuestion
	}
	if _, ok := s.review[questionID]; ok {
		delete(s.review, questionID)
	} else {
		s.review[questionID] = struct{}{}
	}
	return nil
}

func (s *AnswerStore) Answer(questionID string) (model.AnswerValue, bool) {
	v, ok := s.answers[questionID]
	return v, ok
}

func (s *AnswerStore) Workspace(questionID string) string {
	return s.workspace[questionID]
}

func (s *AnswerStore) IsVisited(questionID string) bool {
	_, ok := s.visited[questionID]
	return ok
}

func (s *AnswerStore) IsMarked(questionID string) bool {
	_, ok := s.review[questionID]
	return ok
}

func (s *AnswerStore) AnsweredCount() int   { return len(s.answers) }
func (s *AnswerStore) MarkedCount() int     { return len(s.review) }
func (s *AnswerStore) UnansweredCount() int { return s.total - len(s.answers) }

// Answers returns a copy of the answer map.
func (s *AnswerStore) Answers() map[string]model.AnswerValue {
	out := make(map[string]model.AnswerValue, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Sheet exports the store. RestoreAnswerStore(questions, s.Sheet()) yields
// an equivalent store.
func (s *AnswerStore) Sheet() model.AnswerSheet {
	sheet := model.AnswerSheet{
		Answers:         s.Answers(),
		Visited:         sortedKeys(s.visited),
		MarkedForReview: sortedKeys(s.review),
	}
	if len(s.workspace) > 0 {
		sheet.Workspace = make(map[string]string, len(s.workspace))
		for k, v := range s.workspace {
			sheet.Workspace[k] = v
		}
	}
	return sheet
}

func checkOptions(q *model.QuestionDefinition, v model.AnswerValue) error {
	switch q.Kind {
	case model.QuestionKindSingleChoice:
		if !hasOption(q, v.Choice) {
			return ErrUnknownOption
		}
	case model.QuestionKindMultipleChoice:
		for _, o := range v.Choices {
			if !hasOption(q, o) {
				return ErrUnknownOption
			}
		}
	}
	return nil
}

func hasOption(q *model.QuestionDefinition, option string) bool {
	for _, o := range q.Options {
		if o == option {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
