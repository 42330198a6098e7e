package model

import (
	"math"
	"sort"
)

// AnswerValue holds one answer. Exactly one field is meaningful, chosen by
// the question kind: Choice for single choice, Choices for multiple choice
// and Number for numerical questions.
type AnswerValue struct {
	Choice  string   `json:"choice,omitempty"`
	Choices []string `json:"choices,omitempty"`
	Number  *float64 `json:"number,omitempty"`
}

// SingleChoice builds a single-choice answer.
func SingleChoice(option string) AnswerValue {
	return AnswerValue{Choice: option}
}

// MultipleChoice builds a multiple-choice answer. Duplicates are removed and
// options are kept sorted so equal sets compare equal.
func MultipleChoice(options ...string) AnswerValue {
	set := make(map[string]struct{}, len(options))
	for _, o := range options {
		set[o] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for o := range set {
		out = append(out, o)
	}
	sort.Strings(out)
	return AnswerValue{Choices: out}
}

// Numerical builds a numerical answer.
func Numerical(v float64) AnswerValue {
	return AnswerValue{Number: &v}
}

// Matches reports whether the value has the shape the kind expects.
func (a AnswerValue) Matches(kind QuestionKind) bool {
	switch kind {
	case QuestionKindSingleChoice:
		return a.Choice != "" && a.Choices == nil && a.Number == nil
	case QuestionKindMultipleChoice:
		return a.Choice == "" && a.Number == nil
	case QuestionKindNumerical:
		return a.Number != nil && a.Choice == "" && a.Choices == nil
	}
	return false
}

// IsEmpty reports whether the value carries no answer at all.
func (a AnswerValue) IsEmpty() bool {
	return a.Choice == "" && len(a.Choices) == 0 && a.Number == nil
}

// Equal compares two answers for a question of the given kind.
// tolerance only applies to numerical answers.
func (a AnswerValue) Equal(b AnswerValue, kind QuestionKind, tolerance float64) bool {
	switch kind {
	case QuestionKindSingleChoice:
		return a.Choice != "" && a.Choice == b.Choice
	case QuestionKindMultipleChoice:
		x := MultipleChoice(a.Choices...).Choices
		y := MultipleChoice(b.Choices...).Choices
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	case QuestionKindNumerical:
		if a.Number == nil || b.Number == nil {
			return false
		}
		return math.Abs(*a.Number-*b.Number) <= tolerance
	}
	return false
}

// AnswerSheet is the serializable form of everything a student has entered.
// Visited and MarkedForReview are sorted question ids.
type AnswerSheet struct {
	Answers         map[string]AnswerValue `json:"answers"`
	Workspace       map[string]string      `json:"workspace,omitempty"`
	Visited         []string               `json:"visited"`
	MarkedForReview []string               `json:"marked_for_review"`
}
