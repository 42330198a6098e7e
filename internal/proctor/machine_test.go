package proctor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestMachine_TimeWarningThenExpiry(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 2, TimeWarningAt: 60}))
	h.start(t)

	h.advance(539 * time.Second)
	if got := h.machine.Snapshot(); got.Status != model.SessionStatusInProgress || got.TimeRemainingSeconds != 61 {
		t.Fatalf("at 539s: status=%s remaining=%d", got.Status, got.TimeRemainingSeconds)
	}

	h.advance(time.Second)
	if got := h.machine.Snapshot(); got.Status != model.SessionStatusWarning || got.TimeRemainingSeconds != 60 {
		t.Fatalf("at 540s: status=%s remaining=%d", got.Status, got.TimeRemainingSeconds)
	}

	h.advance(60 * time.Second)
	res, ok := h.machine.Result()
	if !ok {
		t.Fatal("expected result after expiry")
	}
	if res.Status != model.SessionStatusSubmitted {
		t.Fatalf("expected submitted, got %s", res.Status)
	}
	if res.TerminationReason != model.ReasonTimeExpired {
		t.Fatalf("expected time_expired, got %q", res.TerminationReason)
	}
	if res.DurationSeconds != 600 {
		t.Fatalf("expected duration 600, got %d", res.DurationSeconds)
	}
	if !h.rec.sawStatus(model.SessionStatusSubmitting) {
		t.Fatal("expected a submitting snapshot before the result")
	}
	if h.machine.Snapshot().TimeRemainingSeconds != 0 {
		t.Fatal("remaining time should end at zero")
	}
}

func TestMachine_TimeRemainingNeverIncreases(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TimeWarningAt: 30}))
	h.start(t)
	h.advance(700 * time.Second)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	last := 600
	var version uint64
	for _, s := range h.rec.snapshots {
		if s.TimeRemainingSeconds > last {
			t.Fatalf("remaining went from %d to %d", last, s.TimeRemainingSeconds)
		}
		if s.Version <= version {
			t.Fatalf("version did not increase: %d after %d", s.Version, version)
		}
		last = s.TimeRemainingSeconds
		version = s.Version
	}
}

func TestMachine_TabSwitchLimit(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 2, TimeWarningAt: 60}))
	h.start(t)
	h.advance(10 * time.Second)

	h.hide()
	h.show()
	h.hide()

	snap := h.machine.Snapshot()
	if snap.ViolationCount != 2 {
		t.Fatalf("expected 2 violations, got %d", snap.ViolationCount)
	}
	if snap.Pending == nil || snap.Pending.Reason != model.ReasonTabSwitchLimit || snap.Pending.Cancellable {
		t.Fatalf("expected non-cancellable pending tab switch termination, got %+v", snap.Pending)
	}

	h.advance(time.Second)
	res, ok := h.machine.Result()
	if !ok {
		t.Fatal("expected forced submit after debounce")
	}
	if res.TerminationReason != model.ReasonTabSwitchLimit {
		t.Fatalf("expected tab_switch_limit, got %q", res.TerminationReason)
	}
	if res.ViolationCount != 2 {
		t.Fatalf("expected violation count 2 in result, got %d", res.ViolationCount)
	}
}

func TestMachine_TabSwitchBelowLimitNeverSubmits(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 3}))
	h.start(t)

	h.hide()
	h.show()
	h.hide()
	h.advance(30 * time.Second)

	snap := h.machine.Snapshot()
	if snap.Status != model.SessionStatusInProgress {
		t.Fatalf("expected in_progress, got %s", snap.Status)
	}
	if snap.Pending != nil {
		t.Fatalf("expected no pending termination, got %+v", snap.Pending)
	}
	if h.submitter.count() != 0 {
		t.Fatal("submitter must not be called below the limit")
	}
}

func TestMachine_TabSwitchLimitDisabled(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 0}))
	h.start(t)
	for i := 0; i < 10; i++ {
		h.hide()
		h.show()
	}
	h.advance(5 * time.Second)

	if got := h.machine.Snapshot(); got.Status != model.SessionStatusInProgress || got.ViolationCount != 10 {
		t.Fatalf("status=%s violations=%d", got.Status, got.ViolationCount)
	}
}

func TestMachine_FullscreenRestoredWithinGrace(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{FullscreenRequired: true}))
	h.start(t)
	h.advance(100 * time.Second)

	h.exitFullscreen()
	snap := h.machine.Snapshot()
	if snap.Pending == nil || !snap.Pending.Cancellable || snap.Pending.Reason != model.ReasonFullscreenExit {
		t.Fatalf("expected cancellable fullscreen pending, got %+v", snap.Pending)
	}
	if !snap.Pending.Deadline.Equal(epoch.Add(102 * time.Second)) {
		t.Fatalf("unexpected deadline %v", snap.Pending.Deadline)
	}

	h.advance(time.Second)
	h.enterFullscreen()
	if got := h.machine.Snapshot(); got.Pending != nil {
		t.Fatalf("expected pending cancelled, got %+v", got.Pending)
	}

	h.advance(10 * time.Second)
	snap = h.machine.Snapshot()
	if snap.Status != model.SessionStatusInProgress {
		t.Fatalf("expected in_progress, got %s", snap.Status)
	}
	if snap.ViolationCount != 1 {
		t.Fatalf("expected the exit to stay counted, got %d", snap.ViolationCount)
	}
}

func TestMachine_FullscreenGraceElapses(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{FullscreenRequired: true}))
	h.start(t)

	h.exitFullscreen()
	h.advance(2 * time.Second)
	// Too late: the termination already fired at the deadline.
	h.enterFullscreen()

	res, ok := h.machine.Result()
	if !ok {
		t.Fatal("expected forced submit after grace")
	}
	if res.TerminationReason != model.ReasonFullscreenExit {
		t.Fatalf("expected fullscreen_exit, got %q", res.TerminationReason)
	}
}

func TestMachine_FullscreenExitIgnoredWhenNotRequired(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{}))
	h.start(t)
	h.exitFullscreen()
	h.advance(5 * time.Second)

	if got := h.machine.Snapshot(); got.ViolationCount != 0 || got.Pending != nil {
		t.Fatalf("violations=%d pending=%+v", got.ViolationCount, got.Pending)
	}
}

func TestMachine_BlockedShortcutIsPreventedNotCounted(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{CopyPasteDisabled: true, TabSwitchLimit: 1}))
	h.start(t)

	v := h.bus.Publish(Signal{Type: SignalKeyDown, Key: "c", Ctrl: true})
	if !v.Prevent {
		t.Fatal("ctrl+c should be prevented")
	}
	if v.Violation == nil || v.Violation.Kind != model.ViolationBlockedShortcut {
		t.Fatalf("expected blocked_shortcut, got %+v", v.Violation)
	}
	if got := h.machine.Snapshot().ViolationCount; got != 0 {
		t.Fatalf("blocked shortcut must not count, got %d", got)
	}
	if len(h.rec.violations) != 1 {
		t.Fatalf("expected violation hook once, got %d", len(h.rec.violations))
	}
}

func TestMachine_SubmitIsIdempotent(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 1}))
	h.start(t)

	var wg sync.WaitGroup
	results := make([]model.SessionResult, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.machine.Submit(context.Background())
		}(i)
	}
	// A forced submit racing the manual ones must be a no-op.
	h.hide()
	h.advance(5 * time.Second)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if results[i].AttemptID != results[0].AttemptID || results[i].Status != results[0].Status {
			t.Fatalf("submit %d returned a different result", i)
		}
	}
	if n := h.submitter.count(); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
	if n := h.rec.resultCount(); n != 1 {
		t.Fatalf("expected one result emission, got %d", n)
	}
}

func TestMachine_ManualSubmitHasNoReason(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{}))
	h.start(t)
	h.advance(42 * time.Second)

	res, err := h.machine.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.TerminationReason != model.ReasonNone {
		t.Fatalf("manual submit should not carry a reason, got %q", res.TerminationReason)
	}
	if res.DurationSeconds != 42 {
		t.Fatalf("expected duration 42, got %d", res.DurationSeconds)
	}
}

func TestMachine_TeardownReleasesEverything(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{FullscreenRequired: true, TabSwitchLimit: 5}))
	h.start(t)
	h.exitFullscreen()

	if h.bus.Subscribers() != 1 {
		t.Fatalf("expected one subscriber while running, got %d", h.bus.Subscribers())
	}
	if _, err := h.machine.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if n := h.bus.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers after submit, got %d", n)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("expected no scheduled callbacks after submit, got %d", n)
	}

	before := len(h.machine.Violations())
	h.hide()
	if after := len(h.machine.Violations()); after != before {
		t.Fatalf("signal after teardown was recorded: %d -> %d", before, after)
	}
}

func TestMachine_OperationsRejectedOutsideActiveStates(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{}))

	if _, err := h.machine.NavigateTo(1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("navigate before start: expected ErrInvalidState, got %v", err)
	}
	if _, err := h.machine.Submit(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submit before start: expected ErrInvalidState, got %v", err)
	}

	h.start(t)
	if _, err := h.machine.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: expected ErrAlreadyStarted, got %v", err)
	}

	if _, err := h.machine.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := h.machine.Answer("q1", model.SingleChoice("a")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("answer after submit: expected ErrInvalidState, got %v", err)
	}
}

func TestMachine_NavigationAndAnswers(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{}))
	h.start(t)

	if _, err := h.machine.NavigateTo(4); !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	if got := h.machine.Snapshot().CurrentQuestionIndex; got != 0 {
		t.Fatalf("failed navigation moved the index to %d", got)
	}

	steps := []struct {
		name string
		run  func() (model.SessionSnapshot, error)
	}{
		{"navigate", func() (model.SessionSnapshot, error) { return h.machine.NavigateTo(2) }},
		{"answer q1", func() (model.SessionSnapshot, error) { return h.machine.Answer("q1", model.SingleChoice("b")) }},
		{"toggle a", func() (model.SessionSnapshot, error) { return h.machine.ToggleOption("q2", "a") }},
		{"toggle c", func() (model.SessionSnapshot, error) { return h.machine.ToggleOption("q2", "c") }},
		{"answer q3", func() (model.SessionSnapshot, error) { return h.machine.Answer("q3", model.Numerical(9.815)) }},
		{"workspace", func() (model.SessionSnapshot, error) { return h.machine.SetWorkspace("q3", "g = 9.8") }},
		{"review", func() (model.SessionSnapshot, error) { return h.machine.ToggleReview("q4") }},
	}
	for _, s := range steps {
		if _, err := s.run(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}

	snap := h.machine.Snapshot()
	if snap.CurrentQuestionIndex != 2 {
		t.Fatalf("expected index 2, got %d", snap.CurrentQuestionIndex)
	}
	if snap.AnsweredCount != 3 || snap.UnansweredCount != 1 || snap.MarkedCount != 1 {
		t.Fatalf("answered=%d unanswered=%d marked=%d", snap.AnsweredCount, snap.UnansweredCount, snap.MarkedCount)
	}
	if len(snap.Sheet.Visited) != 2 {
		t.Fatalf("expected q1 and q3 visited, got %v", snap.Sheet.Visited)
	}

	if _, err := h.machine.Answer("q1", model.MultipleChoice("a")); !errors.Is(err, ErrAnswerKindMismatch) {
		t.Fatalf("expected ErrAnswerKindMismatch, got %v", err)
	}
	if _, err := h.machine.Answer("nope", model.SingleChoice("a")); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}
	if got := h.machine.Snapshot().Status; got != model.SessionStatusInProgress {
		t.Fatalf("validation errors must not end the attempt, status=%s", got)
	}

	res, err := h.machine.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Score == nil || res.Score.Score != 15 || res.Score.Percentage != 75 || !res.Score.Passed {
		t.Fatalf("unexpected score %+v", res.Score)
	}
	if res.GradedBy != model.GradedByLocal {
		t.Fatalf("expected local grading, got %s", res.GradedBy)
	}
}

func TestMachine_Resume(t *testing.T) {
	quiz := testQuiz(model.ProctoringConfig{TimeWarningAt: 60, TabSwitchLimit: 3})
	clock := NewManualTime(epoch)

	m, err := NewMachine(quiz, Deps{Time: clock, Logger: zerolog.Nop()}, WithResume(ResumeState{
		StartedAt:        epoch.Add(-550 * time.Second),
		CurrentIndex:     3,
		ViolationCount:   1,
		LastViolationSeq: 4,
		Sheet: model.AnswerSheet{
			Answers: map[string]model.AnswerValue{"q1": model.SingleChoice("b")},
			Visited: []string{"q1", "q2", "q3"},
		},
	}))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}

	snap, err := m.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.TimeRemainingSeconds != 50 {
		t.Fatalf("expected 50s remaining, got %d", snap.TimeRemainingSeconds)
	}
	if snap.Status != model.SessionStatusWarning {
		t.Fatalf("resuming past the warning mark should start in warning, got %s", snap.Status)
	}
	if snap.CurrentQuestionIndex != 3 || snap.AnsweredCount != 1 || snap.ViolationCount != 1 {
		t.Fatalf("restored state lost: %+v", snap)
	}
	if !m.StartedAt().Equal(epoch.Add(-550 * time.Second)) {
		t.Fatalf("start time should be kept, got %v", m.StartedAt())
	}
}

func TestMachine_StartTimeKeepsNewAttemptFresh(t *testing.T) {
	quiz := testQuiz(model.ProctoringConfig{})
	clock := NewManualTime(epoch)
	var logs bytes.Buffer

	m, err := NewMachine(quiz, Deps{Time: clock, Logger: zerolog.New(&logs)}, WithStartTime(epoch.Add(-30*time.Second)))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	snap, err := m.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.TimeRemainingSeconds != 570 {
		t.Fatalf("expected 570s remaining, got %d", snap.TimeRemainingSeconds)
	}
	if !m.StartedAt().Equal(epoch.Add(-30 * time.Second)) {
		t.Fatalf("recorded start time should be kept, got %v", m.StartedAt())
	}
	if !strings.Contains(logs.String(), `"resumed":false`) {
		t.Fatalf("a new attempt should not log as resumed: %s", logs.String())
	}
}

func TestMachine_ResumeAfterDeadlineSubmits(t *testing.T) {
	quiz := testQuiz(model.ProctoringConfig{})
	clock := NewManualTime(epoch)

	m, err := NewMachine(quiz, Deps{Time: clock, Logger: zerolog.Nop()}, WithResume(ResumeState{
		StartedAt: epoch.Add(-time.Hour),
	}))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, ok := m.Result()
	if !ok {
		t.Fatal("expected immediate result")
	}
	if res.TerminationReason != model.ReasonTimeExpired || res.Status != model.SessionStatusSubmitted {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMachine_ViolationAfterTeardownIsNotRecorded(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{TabSwitchLimit: 3}))
	h.start(t)

	// The machine has stopped accepting events but the monitor is still
	// subscribed, as when a signal lands mid teardown.
	h.machine.mu.Lock()
	h.machine.closed = true
	h.machine.mu.Unlock()

	if v := h.bus.Publish(Signal{Type: SignalVisibility, Hidden: true}); v.Violation != nil {
		t.Fatalf("verdict should not carry a dropped violation: %+v", v.Violation)
	}
	if got := h.machine.Violations(); len(got) != 0 {
		t.Fatalf("dropped violation still logged: %+v", got)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.violations) != 0 {
		t.Fatalf("violation hook fired for a dropped event: %+v", h.rec.violations)
	}
}

func TestMachine_CloseEmitsNothing(t *testing.T) {
	h := newHarness(t, testQuiz(model.ProctoringConfig{}))
	h.start(t)
	h.machine.Close()
	h.advance(time.Hour)

	if h.rec.resultCount() != 0 {
		t.Fatal("closed machine must not emit a result")
	}
	if h.bus.Subscribers() != 0 || h.clock.Pending() != 0 {
		t.Fatal("close should release the clock and the monitor")
	}
	if _, err := h.machine.Submit(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after close, got %v", err)
	}
}

func TestNewMachine_RejectsMissingDefinition(t *testing.T) {
	if _, err := NewMachine(nil, Deps{}); !errors.Is(err, ErrDefinitionMissing) {
		t.Fatalf("expected ErrDefinitionMissing, got %v", err)
	}
	empty := testQuiz(model.ProctoringConfig{})
	empty.Questions = nil
	if _, err := NewMachine(empty, Deps{}); !errors.Is(err, ErrDefinitionMissing) {
		t.Fatalf("expected ErrDefinitionMissing, got %v", err)
	}
}
