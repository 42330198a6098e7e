package model

import "github.com/google/uuid"

// GradingRequest is the payload sent to the grading service.
type GradingRequest struct {
	AttemptID         uuid.UUID              `json:"attempt_id"`
	QuizID            uuid.UUID              `json:"quiz_id"`
	Answers           map[string]AnswerValue `json:"answers"`
	DurationSeconds   int                    `json:"duration_seconds"`
	ViolationCount    int                    `json:"violation_count"`
	TerminationReason TerminationReason      `json:"termination_reason,omitempty"`
}

// GradingResponse is what the grading service returns.
type GradingResponse struct {
	Score      float64 `json:"score"`
	TotalMarks float64 `json:"total_marks"`
	Percentage float64 `json:"percentage"`
	Passed     bool    `json:"passed"`
}

// ToScore converts the wire response into a Score.
func (r GradingResponse) ToScore() Score {
	return Score{
		Score:      r.Score,
		TotalMarks: r.TotalMarks,
		Percentage: r.Percentage,
		Passed:     r.Passed,
	}
}
