package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// message is anything the Machine's transition function accepts. Every
// event source, whether user action, clock, monitor or timer, is reduced to
// one of these.
type message interface {
	name() string
}

type startMsg struct{}

type navigateMsg struct{ index int }

type answerMsg struct {
	questionID string
	value      model.AnswerValue
}

type clearAnswerMsg struct{ questionID string }

type toggleOptionMsg struct {
	questionID string
	option     string
}

type workspaceMsg struct {
	questionID string
	text       string
}

type reviewMsg struct{ questionID string }

type tickMsg struct{ remaining int }

type clockWarningMsg struct{}

type clockExpiredMsg struct{}

type violationMsg struct{ event model.ViolationEvent }

type fullscreenRestoredMsg struct{}

type graceElapsedMsg struct{ gen int }

type debounceElapsedMsg struct{}

type submitMsg struct{ reason model.TerminationReason }

func (startMsg) name() string              { return "start" }
func (navigateMsg) name() string           { return "navigate" }
func (answerMsg) name() string             { return "answer" }
func (clearAnswerMsg) name() string        { return "clear_answer" }
func (toggleOptionMsg) name() string       { return "toggle_option" }
func (workspaceMsg) name() string          { return "workspace" }
func (reviewMsg) name() string             { return "review" }
func (tickMsg) name() string               { return "tick" }
func (clockWarningMsg) name() string       { return "clock_warning" }
func (clockExpiredMsg) name() string       { return "clock_expired" }
func (violationMsg) name() string          { return "violation" }
func (fullscreenRestoredMsg) name() string { return "fullscreen_restored" }
func (graceElapsedMsg) name() string       { return "grace_elapsed" }
func (debounceElapsedMsg) name() string    { return "debounce_elapsed" }
func (submitMsg) name() string             { return "submit" }
