package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionNavigate     Action = "navigate"
	ActionAnswer       Action = "answer"
	ActionClearAnswer  Action = "clear_answer"
	ActionToggleOption Action = "toggle_option"
	ActionWorkspace    Action = "workspace"
	ActionReview       Action = "review"
	ActionSignal       Action = "signal"
	ActionSubmit       Action = "submit"
	ActionPing         Action = "ping"
)

// RequestPayload is every client message. Fields are used per action.
type RequestPayload struct {
	Action Action `json:"action"`
	// RequestID is echoed back on the direct reply.
	RequestID  string             `json:"request_id,omitempty"`
	Index      *int               `json:"index,omitempty"`
	QuestionID string             `json:"q_id,omitempty"`
	Answer     *model.AnswerValue `json:"answer,omitempty"`
	Option     string             `json:"option,omitempty"`
	Text       string             `json:"text,omitempty"`
	Signal     *proctor.Signal    `json:"signal,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSnapshot Event = "snapshot"
	EventVerdict  Event = "verdict"
	EventResult   Event = "result"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

type SnapshotResponse struct {
	Event     Event                 `json:"event"`
	RequestID string                `json:"request_id,omitempty"`
	Snapshot  model.SessionSnapshot `json:"snapshot"`
}

type VerdictResponse struct {
	Event     Event           `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Verdict   proctor.Verdict `json:"verdict"`
}

type ResultResponse struct {
	Event  Event               `json:"event"`
	Result model.SessionResult `json:"result"`
}

type ErrorResponse struct {
	Event     Event  `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
