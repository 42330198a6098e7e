package proctor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Config holds the engine timings. The delays are product settings, not
// contracts; see DefaultConfig.
type Config struct {
	TickInterval time.Duration
	// TabSwitchDebounce delays the tab-switch forced submit. Not cancellable.
	TabSwitchDebounce time.Duration
	// FullscreenGrace is how long a student has to re-enter fullscreen.
	FullscreenGrace time.Duration
}

// DefaultConfig returns the standard engine timings.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		TabSwitchDebounce: time.Second,
		FullscreenGrace:   2 * time.Second,
	}
}

// Hooks receive notifications from a Machine. They are called outside the
// machine's lock and may call back into it.
type Hooks struct {
	OnChange    func(model.SessionSnapshot)
	OnViolation func(model.ViolationEvent)
	OnResult    func(model.SessionResult)
}

// ResumeState restores an attempt that was running before a reconnect or a
// restart. Remaining time is recomputed from StartedAt.
type ResumeState struct {
	AttemptID        uuid.UUID
	StartedAt        time.Time
	CurrentIndex     int
	ViolationCount   int
	LastViolationSeq int
	Sheet            model.AnswerSheet
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Time      TimeSource
	Source    SignalSource
	Submitter Submitter
	Logger    zerolog.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

func WithConfig(cfg Config) Option     { return func(m *Machine) { m.cfg = cfg } }
func WithHooks(h Hooks) Option         { return func(m *Machine) { m.hooks = h } }
func WithAttemptID(id uuid.UUID) Option { return func(m *Machine) { m.attemptID = id } }
func WithStudent(id int) Option        { return func(m *Machine) { m.studentID = id } }
func WithResume(rs ResumeState) Option { return func(m *Machine) { m.resume = &rs } }

// WithStartTime pins the start time of a new attempt to the one already
// recorded for it. Resumed attempts take theirs from ResumeState.
func WithStartTime(t time.Time) Option { return func(m *Machine) { m.startAt = t } }

type pendingTimer struct {
	reason      model.TerminationReason
	deadline    time.Time
	cancel      func() bool
	cancellable bool
	gen         int
}

type effects struct {
	changed    bool
	violation  *model.ViolationEvent
	submission *Submission
}

// Machine is the session state machine of one attempt. Every event, from
// the student, the clock, the monitor or a scheduled timer, goes through
// dispatch, which applies it under a single lock. Status checks and writes
// therefore happen in one step, and exactly one terminal transition can
// occur.
type Machine struct {
	mu sync.Mutex

	quiz      *model.QuizDefinition
	cfg       Config
	ts        TimeSource
	source    SignalSource
	submitter Submitter
	hooks     Hooks
	log       zerolog.Logger
	resume    *ResumeState
	startAt   time.Time

	attemptID      uuid.UUID
	studentID      int
	status         model.SessionStatus
	startedAt      time.Time
	submittedAt    time.Time
	index          int
	violationCount int
	lastSeq        int
	reason         model.TerminationReason
	version        uint64
	clockStarted   bool
	closed         bool

	answers *AnswerStore
	clock   *Clock
	monitor *Monitor

	grace    *pendingTimer
	debounce *pendingTimer
	gen      int

	releaseOnce sync.Once
	result      *model.SessionResult
	done        chan struct{}
}

// NewMachine builds a not-started Machine for quiz.
func NewMachine(quiz *model.QuizDefinition, deps Deps, opts ...Option) (*Machine, error) {
	if quiz == nil {
		return nil, ErrDefinitionMissing
	}
	if err := quiz.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionMissing, err)
	}

	m := &Machine{
		quiz:      quiz,
		cfg:       DefaultConfig(),
		ts:        deps.Time,
		source:    deps.Source,
		submitter: deps.Submitter,
		status:    model.SessionStatusNotStarted,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.ts == nil {
		m.ts = RealTime{}
	}
	if m.source == nil {
		m.source = NewBus()
	}
	if m.submitter == nil {
		m.submitter = NewCoordinator(nil, 0, m.ts.Now, deps.Logger)
	}

	if m.resume != nil {
		if m.resume.AttemptID != uuid.Nil {
			m.attemptID = m.resume.AttemptID
		}
		if m.resume.CurrentIndex < 0 || m.resume.CurrentIndex >= len(quiz.Questions) {
			return nil, ErrIndexOutOfRange
		}
		store, err := RestoreAnswerStore(quiz.Questions, m.resume.Sheet)
		if err != nil {
			return nil, err
		}
		m.answers = store
		m.index = m.resume.CurrentIndex
		m.violationCount = m.resume.ViolationCount
		m.lastSeq = m.resume.LastViolationSeq
	} else {
		m.answers = NewAnswerStore(quiz.Questions)
	}
	if m.attemptID == uuid.Nil {
		m.attemptID = uuid.New()
	}

	m.log = deps.Logger.With().
		Str("component", "session_machine").
		Str("attempt_id", m.attemptID.String()).
		Str("quiz_id", quiz.ID.String()).
		Logger()

	m.clock = NewClock(m.ts, m.cfg.TickInterval, quiz.Proctoring.TimeWarningAt, ClockEvents{
		OnTick:    func(remaining int) { m.dispatch(tickMsg{remaining: remaining}) },
		OnWarning: func(int) { m.dispatch(clockWarningMsg{}) },
		OnExpired: func() { m.dispatch(clockExpiredMsg{}) },
	})
	m.monitor = NewMonitor(quiz.Proctoring, m.ts.Now, MonitorEvents{
		OnViolation: func(ev model.ViolationEvent) bool {
			_, err := m.dispatch(violationMsg{event: ev})
			return err == nil
		},
		OnFullscreenRestored: func() { m.dispatch(fullscreenRestoredMsg{}) },
	})
	if m.resume != nil {
		m.monitor.Seed(m.resume.LastViolationSeq)
	}

	return m, nil
}

func (m *Machine) AttemptID() uuid.UUID         { return m.attemptID }
func (m *Machine) Quiz() *model.QuizDefinition { return m.quiz }

// StartedAt returns when the attempt started, or the zero time before Start.
func (m *Machine) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Start begins the attempt: the clock starts counting and the monitor
// starts listening.
func (m *Machine) Start() (model.SessionSnapshot, error) {
	return m.dispatch(startMsg{})
}

// NavigateTo moves to the question at index and marks it visited.
func (m *Machine) NavigateTo(index int) (model.SessionSnapshot, error) {
	return m.dispatch(navigateMsg{index: index})
}

func (m *Machine) Answer(questionID string, value model.AnswerValue) (model.SessionSnapshot, error) {
	return m.dispatch(answerMsg{questionID: questionID, value: value})
}

func (m *Machine) ClearAnswer(questionID string) (model.SessionSnapshot, error) {
	return m.dispatch(clearAnswerMsg{questionID: questionID})
}

func (m *Machine) ToggleOption(questionID, option string) (model.SessionSnapshot, error) {
	return m.dispatch(toggleOptionMsg{questionID: questionID, option: option})
}

func (m *Machine) SetWorkspace(questionID, text string) (model.SessionSnapshot, error) {
	return m.dispatch(workspaceMsg{questionID: questionID, text: text})
}

func (m *Machine) ToggleReview(questionID string) (model.SessionSnapshot, error) {
	return m.dispatch(reviewMsg{questionID: questionID})
}

// Submit ends the attempt by student request. Only the first submit, manual
// or forced, performs the transition; later calls wait for and return the
// same result.
func (m *Machine) Submit(ctx context.Context) (model.SessionResult, error) {
	if _, err := m.dispatch(submitMsg{}); err != nil {
		return model.SessionResult{}, err
	}

	select {
	case <-m.done:
		res, _ := m.Result()
		return res, nil
	case <-ctx.Done():
		return model.SessionResult{}, ctx.Err()
	}
}

// Close tears the attempt down without submitting it. Further calls fail
// with ErrInvalidState and no result is emitted.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.releaseLocked()
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() model.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Result returns the final result once the attempt has ended.
func (m *Machine) Result() (model.SessionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.result == nil {
		return model.SessionResult{}, false
	}
	return *m.result, true
}

// Done is closed when the result is available.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Violations returns every violation recorded by the monitor.
func (m *Machine) Violations() []model.ViolationEvent {
	return m.monitor.Events()
}

// dispatch is the single entry point for every event.
func (m *Machine) dispatch(msg message) (model.SessionSnapshot, error) {
	m.mu.Lock()
	fx, err := m.step(msg)
	if fx.changed {
		m.version++
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if err != nil {
		m.log.Debug().Err(err).Str("msg", msg.name()).Msg("Rejected")
	}

	if fx.violation != nil && m.hooks.OnViolation != nil {
		m.hooks.OnViolation(*fx.violation)
	}
	if fx.changed && m.hooks.OnChange != nil {
		m.hooks.OnChange(snap)
	}
	if fx.submission != nil {
		m.runSubmission(*fx.submission)
	}
	return snap, err
}

// step applies msg to the state. It must be called with mu held and must
// not block.
func (m *Machine) step(msg message) (effects, error) {
	var fx effects

	switch msg := msg.(type) {
	case startMsg:
		return m.startLocked()

	case navigateMsg:
		if err := m.requireActive(); err != nil {
			return fx, err
		}
		if msg.index < 0 || msg.index >= len(m.quiz.Questions) {
			return fx, ErrIndexOutOfRange
		}
		m.index = msg.index
		_ = m.answers.Visit(m.quiz.Questions[msg.index].ID)
		fx.changed = true

	case answerMsg:
		return m.mutate(func() error { return m.answers.SetAnswer(msg.questionID, msg.value) })

	case clearAnswerMsg:
		return m.mutate(func() error { return m.answers.ClearAnswer(msg.questionID) })

	case toggleOptionMsg:
		return m.mutate(func() error { return m.answers.ToggleOption(msg.questionID, msg.option) })

	case workspaceMsg:
		return m.mutate(func() error { return m.answers.SetWorkspace(msg.questionID, msg.text) })

	case reviewMsg:
		return m.mutate(func() error { return m.answers.ToggleReview(msg.questionID) })

	case tickMsg:
		fx.changed = m.isActive()

	case clockWarningMsg:
		if m.status == model.SessionStatusInProgress && !m.closed {
			m.status = model.SessionStatusWarning
			fx.changed = true
			m.log.Info().Int("remaining", m.clock.Remaining()).Msg("Time warning")
		}

	case clockExpiredMsg:
		fx.submission = m.submitLocked(model.ReasonTimeExpired)
		fx.changed = fx.submission != nil

	case violationMsg:
		// Signals racing with teardown are rejected.
		if !m.isActive() {
			return fx, ErrInvalidState
		}
		ev := msg.event
		fx.violation = &ev
		fx.changed = true
		if ev.Seq > m.lastSeq {
			m.lastSeq = ev.Seq
		}
		if !ev.Kind.Counts() {
			return fx, nil
		}
		m.violationCount++
		switch ev.Kind {
		case model.ViolationTabSwitch:
			m.checkTabLimitLocked(&fx)
		case model.ViolationFullscreenExit:
			m.scheduleGraceLocked(&fx)
		}

	case fullscreenRestoredMsg:
		if !m.isActive() || m.grace == nil {
			return fx, nil
		}
		// Restoring at or after the deadline does not cancel.
		if m.ts.Now().Before(m.grace.deadline) {
			m.grace.cancel()
			m.grace = nil
			fx.changed = true
			m.log.Info().Msg("Fullscreen restored, pending termination cancelled")
		}

	case graceElapsedMsg:
		if !m.isActive() || m.grace == nil || m.grace.gen != msg.gen {
			return fx, nil
		}
		m.grace = nil
		fx.submission = m.submitLocked(model.ReasonFullscreenExit)
		fx.changed = fx.submission != nil

	case debounceElapsedMsg:
		if !m.isActive() || m.debounce == nil {
			return fx, nil
		}
		m.debounce = nil
		if m.violationCount >= m.quiz.Proctoring.TabSwitchLimit {
			fx.submission = m.submitLocked(model.ReasonTabSwitchLimit)
			fx.changed = fx.submission != nil
		}

	case submitMsg:
		if m.closed || m.status == model.SessionStatusNotStarted {
			return fx, ErrInvalidState
		}
		fx.submission = m.submitLocked(msg.reason)
		fx.changed = fx.submission != nil
	}

	return fx, nil
}

func (m *Machine) startLocked() (effects, error) {
	var fx effects
	if m.closed {
		return fx, ErrInvalidState
	}
	if m.status != model.SessionStatusNotStarted {
		return fx, ErrAlreadyStarted
	}

	now := m.ts.Now()
	m.status = model.SessionStatusInProgress
	m.startedAt = now
	switch {
	case m.resume != nil:
		m.startedAt = m.resume.StartedAt
	case !m.startAt.IsZero():
		m.startedAt = m.startAt
	}
	remaining := m.quiz.DurationSeconds - int(now.Sub(m.startedAt)/time.Second)
	_ = m.answers.Visit(m.quiz.Questions[m.index].ID)
	fx.changed = true

	if remaining <= 0 {
		fx.submission = m.submitLocked(model.ReasonTimeExpired)
		return fx, nil
	}
	if limit := m.quiz.Proctoring.TabSwitchLimit; limit > 0 && m.violationCount >= limit {
		fx.submission = m.submitLocked(model.ReasonTabSwitchLimit)
		return fx, nil
	}

	if warnAt := m.quiz.Proctoring.TimeWarningAt; warnAt > 0 && remaining <= warnAt {
		m.status = model.SessionStatusWarning
	}
	if err := m.clock.Start(remaining); err != nil {
		return fx, err
	}
	m.clockStarted = true
	if err := m.monitor.Activate(m.source); err != nil {
		return fx, err
	}

	m.log.Info().
		Int("remaining", remaining).
		Bool("resumed", m.resume != nil).
		Msg("Attempt started")
	return fx, nil
}

func (m *Machine) mutate(fn func() error) (effects, error) {
	var fx effects
	if err := m.requireActive(); err != nil {
		return fx, err
	}
	if err := fn(); err != nil {
		return fx, err
	}
	fx.changed = true
	return fx, nil
}

func (m *Machine) checkTabLimitLocked(fx *effects) {
	limit := m.quiz.Proctoring.TabSwitchLimit
	if limit <= 0 || m.violationCount < limit || m.debounce != nil {
		return
	}

	m.log.Info().
		Int("violations", m.violationCount).
		Int("limit", limit).
		Msg("Tab switch limit reached")

	if m.cfg.TabSwitchDebounce <= 0 {
		fx.submission = m.submitLocked(model.ReasonTabSwitchLimit)
		return
	}
	m.debounce = &pendingTimer{
		reason:   model.ReasonTabSwitchLimit,
		deadline: m.ts.Now().Add(m.cfg.TabSwitchDebounce),
		cancel:   m.ts.AfterFunc(m.cfg.TabSwitchDebounce, func() { m.dispatch(debounceElapsedMsg{}) }),
	}
}

func (m *Machine) scheduleGraceLocked(fx *effects) {
	if !m.quiz.Proctoring.FullscreenRequired || m.grace != nil {
		return
	}
	if m.cfg.FullscreenGrace <= 0 {
		fx.submission = m.submitLocked(model.ReasonFullscreenExit)
		return
	}

	m.gen++
	gen := m.gen
	m.grace = &pendingTimer{
		reason:      model.ReasonFullscreenExit,
		deadline:    m.ts.Now().Add(m.cfg.FullscreenGrace),
		cancel:      m.ts.AfterFunc(m.cfg.FullscreenGrace, func() { m.dispatch(graceElapsedMsg{gen: gen}) }),
		cancellable: true,
		gen:         gen,
	}
}

// submitLocked is the only way into submitting. It returns nil when the
// attempt is not active, which makes every later submit a no-op.
func (m *Machine) submitLocked(reason model.TerminationReason) *Submission {
	if !m.isActive() {
		return nil
	}

	m.status = model.SessionStatusSubmitting
	m.reason = reason
	m.submittedAt = m.ts.Now()
	m.releaseLocked()

	ev := m.log.Info().Int("violations", m.violationCount)
	if reason != model.ReasonNone {
		ev = ev.Str("reason", string(reason))
	}
	ev.Msg("Submitting attempt")

	return &Submission{
		AttemptID:      m.attemptID,
		QuizID:         m.quiz.ID,
		StudentID:      m.studentID,
		Quiz:           m.quiz,
		StartedAt:      m.startedAt,
		SubmittedAt:    m.submittedAt,
		Answers:        m.answers.Answers(),
		ViolationCount: m.violationCount,
		Reason:         reason,
	}
}

// releaseLocked stops the clock, unsubscribes the monitor and cancels any
// pending timer. It runs at most once per machine.
func (m *Machine) releaseLocked() {
	m.releaseOnce.Do(func() {
		m.clock.Stop()
		m.monitor.Deactivate()
		if m.grace != nil {
			m.grace.cancel()
			m.grace = nil
		}
		if m.debounce != nil {
			m.debounce.cancel()
			m.debounce = nil
		}
	})
}

func (m *Machine) runSubmission(sub Submission) {
	res := model.SessionResult{
		AttemptID:         sub.AttemptID,
		QuizID:            sub.QuizID,
		StudentID:         sub.StudentID,
		Status:            model.SessionStatusAborted,
		ViolationCount:    sub.ViolationCount,
		TerminationReason: sub.Reason,
		Error:             "unable to complete submission",
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("Submission panicked")
		}
		m.finish(res)
	}()

	res = m.submitter.Submit(context.Background(), sub)
}

func (m *Machine) finish(res model.SessionResult) {
	m.mu.Lock()
	if m.result != nil {
		m.mu.Unlock()
		return
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = m.ts.Now()
	}
	m.status = res.Status
	m.result = &res
	m.version++
	snap := m.snapshotLocked()
	close(m.done)
	m.mu.Unlock()

	m.log.Info().
		Str("status", string(res.Status)).
		Str("graded_by", string(res.GradedBy)).
		Msg("Attempt finished")

	if m.hooks.OnChange != nil {
		m.hooks.OnChange(snap)
	}
	if m.hooks.OnResult != nil {
		m.hooks.OnResult(res)
	}
}

func (m *Machine) isActive() bool {
	return !m.closed && m.status.IsActive()
}

func (m *Machine) requireActive() error {
	if !m.isActive() {
		return ErrInvalidState
	}
	return nil
}

func (m *Machine) snapshotLocked() model.SessionSnapshot {
	remaining := 0
	switch {
	case m.clockStarted:
		remaining = m.clock.Remaining()
	case m.status == model.SessionStatusNotStarted:
		remaining = m.quiz.DurationSeconds
	}

	snap := model.SessionSnapshot{
		Version:              m.version,
		AttemptID:            m.attemptID,
		QuizID:               m.quiz.ID,
		StudentID:            m.studentID,
		Status:               m.status,
		StartedAt:            m.startedAt,
		CurrentQuestionIndex: m.index,
		QuestionCount:        len(m.quiz.Questions),
		TimeRemainingSeconds: remaining,
		ViolationCount:       m.violationCount,
		LastViolationSeq:     m.lastSeq,
		TerminationReason:    m.reason,
		AnsweredCount:        m.answers.AnsweredCount(),
		MarkedCount:          m.answers.MarkedCount(),
		UnansweredCount:      m.answers.UnansweredCount(),
		Sheet:                m.answers.Sheet(),
	}

	p := m.debounce
	if p == nil {
		p = m.grace
	}
	if p != nil {
		snap.Pending = &model.PendingTermination{
			Reason:      p.reason,
			Deadline:    p.deadline,
			Cancellable: p.cancellable,
		}
	}
	return snap
}
