package proctor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testQuiz(rules model.ProctoringConfig) *model.QuizDefinition {
	return &model.QuizDefinition{
		ID:              uuid.MustParse("7d4d1c1e-52a3-4e59-a3a4-3d0e6b8f2a10"),
		Title:           "Fisika Dasar",
		DurationSeconds: 600,
		PassingMarks:    10,
		Proctoring:      rules,
		Questions: []model.QuestionDefinition{
			{ID: "q1", Kind: model.QuestionKindSingleChoice, Options: []string{"a", "b", "c"}, Correct: model.SingleChoice("b"), Marks: 5},
			{ID: "q2", Kind: model.QuestionKindMultipleChoice, Options: []string{"a", "b", "c", "d"}, Correct: model.MultipleChoice("a", "c"), Marks: 5},
			{ID: "q3", Kind: model.QuestionKindNumerical, Correct: model.Numerical(9.81), Tolerance: 0.01, Marks: 5},
			{ID: "q4", Kind: model.QuestionKindSingleChoice, Options: []string{"x", "y"}, Correct: model.SingleChoice("y"), Marks: 5},
		},
	}
}

// recorder collects hook output in order.
type recorder struct {
	mu         sync.Mutex
	snapshots  []model.SessionSnapshot
	violations []model.ViolationEvent
	results    []model.SessionResult
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnChange: func(s model.SessionSnapshot) {
			r.mu.Lock()
			r.snapshots = append(r.snapshots, s)
			r.mu.Unlock()
		},
		OnViolation: func(ev model.ViolationEvent) {
			r.mu.Lock()
			r.violations = append(r.violations, ev)
			r.mu.Unlock()
		},
		OnResult: func(res model.SessionResult) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) sawStatus(st model.SessionStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.snapshots {
		if s.Status == st {
			return true
		}
	}
	return false
}

// countingSubmitter grades locally and counts calls.
type countingSubmitter struct {
	mu    sync.Mutex
	calls []Submission
	inner Submitter
}

func (c *countingSubmitter) Submit(ctx context.Context, sub Submission) model.SessionResult {
	c.mu.Lock()
	c.calls = append(c.calls, sub)
	c.mu.Unlock()
	return c.inner.Submit(ctx, sub)
}

func (c *countingSubmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type harness struct {
	clock     *ManualTime
	bus       *Bus
	submitter *countingSubmitter
	rec       *recorder
	machine   *Machine
}

func newHarness(t *testing.T, quiz *model.QuizDefinition, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		clock: NewManualTime(epoch),
		bus:   NewBus(),
		rec:   &recorder{},
	}
	h.submitter = &countingSubmitter{inner: NewCoordinator(nil, 0, h.clock.Now, zerolog.Nop())}

	opts = append([]Option{WithHooks(h.rec.hooks()), WithStudent(42)}, opts...)
	m, err := NewMachine(quiz, Deps{
		Time:      h.clock,
		Source:    h.bus,
		Submitter: h.submitter,
		Logger:    zerolog.Nop(),
	}, opts...)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	h.machine = m
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if _, err := h.machine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) hide()             { h.bus.Publish(Signal{Type: SignalVisibility, Hidden: true}) }
func (h *harness) show()             { h.bus.Publish(Signal{Type: SignalVisibility, Hidden: false}) }
func (h *harness) exitFullscreen()   { h.bus.Publish(Signal{Type: SignalFullscreen, Fullscreen: false}) }
func (h *harness) enterFullscreen()  { h.bus.Publish(Signal{Type: SignalFullscreen, Fullscreen: true}) }
func (h *harness) advance(d time.Duration) { h.clock.Advance(d) }
