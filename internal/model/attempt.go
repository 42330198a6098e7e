package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates attempt states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusWarning    SessionStatus = "warning"
	SessionStatusSubmitting SessionStatus = "submitting"
	SessionStatusSubmitted  SessionStatus = "submitted"
	SessionStatusAborted    SessionStatus = "aborted"
)

// IsActive reports whether the attempt accepts navigation and answers.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusInProgress || s == SessionStatusWarning
}

// IsTerminal reports whether the attempt has finished for good.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusAborted
}

// TerminationReason records why the engine ended an attempt on its own.
// Manual submissions leave it empty.
type TerminationReason string

const (
	ReasonNone           TerminationReason = ""
	ReasonTimeExpired    TerminationReason = "time_expired"
	ReasonTabSwitchLimit TerminationReason = "tab_switch_limit"
	ReasonFullscreenExit TerminationReason = "fullscreen_exit"
)

// GradedBy tells where a score came from.
type GradedBy string

const (
	GradedByRemote GradedBy = "remote"
	GradedByLocal  GradedBy = "local"
)

// Score is the outcome of grading an attempt.
type Score struct {
	Score      float64 `json:"score"`
	TotalMarks float64 `json:"total_marks"`
	Percentage float64 `json:"percentage"`
	Passed     bool    `json:"passed"`
}

// PendingTermination describes a forced submit that has been scheduled but
// has not fired yet.
type PendingTermination struct {
	Reason      TerminationReason `json:"reason"`
	Deadline    time.Time         `json:"deadline"`
	Cancellable bool              `json:"cancellable"`
}

// SessionSnapshot is an immutable view of an attempt. The UI renders it as-is.
type SessionSnapshot struct {
	// Version increases with every change; consumers drop older snapshots.
	Version              uint64              `json:"version"`
	AttemptID            uuid.UUID           `json:"attempt_id"`
	QuizID               uuid.UUID           `json:"quiz_id"`
	StudentID            int                 `json:"student_id"`
	Status               SessionStatus       `json:"status"`
	StartedAt            time.Time           `json:"started_at"`
	CurrentQuestionIndex int                 `json:"current_question_index"`
	QuestionCount        int                 `json:"question_count"`
	TimeRemainingSeconds int                 `json:"time_remaining_seconds"`
	ViolationCount       int                 `json:"violation_count"`
	LastViolationSeq     int                 `json:"last_violation_seq"`
	TerminationReason    TerminationReason   `json:"termination_reason,omitempty"`
	Pending              *PendingTermination `json:"pending,omitempty"`
	AnsweredCount        int                 `json:"answered_count"`
	MarkedCount          int                 `json:"marked_count"`
	UnansweredCount      int                 `json:"unanswered_count"`
	Sheet                AnswerSheet         `json:"sheet"`
}

// SessionResult is emitted exactly once when an attempt ends.
type SessionResult struct {
	AttemptID         uuid.UUID         `json:"attempt_id"`
	QuizID            uuid.UUID         `json:"quiz_id"`
	StudentID         int               `json:"student_id"`
	Status            SessionStatus     `json:"status"`
	Score             *Score            `json:"score,omitempty"`
	ViolationCount    int               `json:"violation_count"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	GradedBy          GradedBy          `json:"graded_by,omitempty"`
	DurationSeconds   int               `json:"duration_seconds"`
	FinishedAt        time.Time         `json:"finished_at"`
	Error             string            `json:"error,omitempty"`
}

// AttemptRecord is the persisted row of an attempt.
type AttemptRecord struct {
	ID                uuid.UUID         `json:"id"`
	QuizID            uuid.UUID         `json:"quiz_id"`
	StudentID         int               `json:"student_id"`
	Status            SessionStatus     `json:"status"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	FinalScore        *float64          `json:"final_score,omitempty"`
	Percentage        *float64          `json:"percentage,omitempty"`
	Passed            *bool             `json:"passed,omitempty"`
	ViolationCount    int               `json:"violation_count"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// StartAttemptRequest is the payload for starting an attempt once the
// student has read the instructions.
type StartAttemptRequest struct {
	AcceptedInstructions bool `json:"accepted_instructions" binding:"required"`
}

// AttemptState is the resumable state of a live attempt, cached after every
// change so the attempt survives a reconnect or a server restart.
type AttemptState struct {
	AttemptID        uuid.UUID     `json:"attempt_id"`
	QuizID           uuid.UUID     `json:"quiz_id"`
	StudentID        int           `json:"student_id"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	CurrentIndex     int           `json:"current_index"`
	ViolationCount   int           `json:"violation_count"`
	LastViolationSeq int           `json:"last_violation_seq"`
	Version          uint64        `json:"version"`
	Sheet            AnswerSheet   `json:"sheet"`
}

// StateFromSnapshot extracts the resumable part of a snapshot.
func StateFromSnapshot(s SessionSnapshot) AttemptState {
	return AttemptState{
		AttemptID:        s.AttemptID,
		QuizID:           s.QuizID,
		StudentID:        s.StudentID,
		Status:           s.Status,
		StartedAt:        s.StartedAt,
		CurrentIndex:     s.CurrentQuestionIndex,
		ViolationCount:   s.ViolationCount,
		LastViolationSeq: s.LastViolationSeq,
		Version:          s.Version,
		Sheet:            s.Sheet,
	}
}

// ViolationRecord is a violation queued for persistence.
type ViolationRecord struct {
	AttemptID uuid.UUID      `json:"attempt_id"`
	QuizID    uuid.UUID      `json:"quiz_id"`
	StudentID int            `json:"student_id"`
	Event     ViolationEvent `json:"event"`
}

// AnswerSheetRecord is an answer sheet queued for persistence. Older
// versions never overwrite newer ones.
type AnswerSheetRecord struct {
	AttemptID uuid.UUID   `json:"attempt_id"`
	Version   uint64      `json:"version"`
	Sheet     AnswerSheet `json:"sheet"`
}

// AttemptSummary is one row of the live monitor.
type AttemptSummary struct {
	AttemptID            uuid.UUID     `json:"attempt_id"`
	StudentID            int           `json:"student_id"`
	Status               SessionStatus `json:"status"`
	StartedAt            time.Time     `json:"started_at"`
	TimeRemainingSeconds int           `json:"time_remaining_seconds"`
	AnsweredCount        int           `json:"answered_count"`
	ViolationCount       int           `json:"violation_count"`
}

// MonitorEvent is published on a quiz's monitor channel.
type MonitorEvent struct {
	Type      string    `json:"type"`
	AttemptID uuid.UUID `json:"attempt_id"`
	StudentID int       `json:"student_id"`
	Data      any       `json:"data,omitempty"`
}

// Monitor event types.
const (
	MonitorEventStarted   = "attempt_started"
	MonitorEventViolation = "violation"
	MonitorEventFinished  = "attempt_finished"
)
