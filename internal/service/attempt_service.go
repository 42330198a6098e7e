package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/singleflight"
)

// Attempt errors.
var (
	ErrAttemptForbidden  = errors.New("attempt belongs to another student")
	ErrAttemptFinished   = errors.New("attempt already finished")
	ErrAttemptInProgress = errors.New("attempt has not finished yet")
)

const persistTimeout = 3 * time.Second

// QuizProvider supplies quiz definitions.
type QuizProvider interface {
	Get(ctx context.Context, id uuid.UUID) (*model.QuizDefinition, error)
}

// AttemptStore is the durable record of attempts.
type AttemptStore interface {
	Create(ctx context.Context, a *model.AttemptRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.AttemptRecord, error)
	GetLive(ctx context.Context, quizID uuid.UUID, studentID int) (*model.AttemptRecord, error)
	ListOverdue(ctx context.Context, now time.Time) ([]model.AttemptRecord, error)
	GetAnswerSheet(ctx context.Context, attemptID uuid.UUID) (*model.AnswerSheetRecord, error)
}

// AttemptStateCache holds the fast, resumable side of attempts.
type AttemptStateCache interface {
	SaveState(ctx context.Context, st model.AttemptState) error
	LoadState(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error)
	ClaimActiveAttempt(ctx context.Context, quizID uuid.UUID, studentID int, attemptID uuid.UUID) (uuid.UUID, bool, error)
	ReleaseActiveAttempt(ctx context.Context, quizID uuid.UUID, studentID int) error
	SaveResult(ctx context.Context, res model.SessionResult) error
	LoadResult(ctx context.Context, attemptID uuid.UUID) (*model.SessionResult, error)
	Enqueue(ctx context.Context, queue string, payload any) error
	Publish(ctx context.Context, quizID uuid.UUID, ev model.MonitorEvent) error
}

// AttemptConfig tunes the attempt registry.
type AttemptConfig struct {
	Engine proctor.Config
	// SubmitTimeout bounds the remote grading call.
	SubmitTimeout time.Duration
	// Retention is how long a finished attempt stays in memory.
	Retention time.Duration
}

// AttemptUpdate is pushed to watchers of an attempt. Exactly one field is set.
type AttemptUpdate struct {
	Snapshot *model.SessionSnapshot
	Result   *model.SessionResult
}

// AttemptService owns every live attempt in this process. Each attempt is a
// proctor.Machine; the service wires its hooks to Redis and the persistence
// queues and hands sessions to the transport.
type AttemptService struct {
	quizzes   QuizProvider
	attempts  AttemptStore
	cache     AttemptStateCache
	submitter proctor.Submitter
	cfg       AttemptConfig
	ts        proctor.TimeSource
	log       zerolog.Logger

	mu        sync.Mutex
	live      map[uuid.UUID]*liveAttempt
	byStudent map[studentQuiz]uuid.UUID
	loads     singleflight.Group
}

type studentQuiz struct {
	quizID    uuid.UUID
	studentID int
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	quizzes QuizProvider,
	attempts AttemptStore,
	cache AttemptStateCache,
	grader proctor.Grader,
	cfg AttemptConfig,
	ts proctor.TimeSource,
	log zerolog.Logger,
) *AttemptService {
	if ts == nil {
		ts = proctor.RealTime{}
	}
	log = log.With().Str("component", "attempt_service").Logger()

	return &AttemptService{
		quizzes:   quizzes,
		attempts:  attempts,
		cache:     cache,
		submitter: proctor.NewCoordinator(grader, cfg.SubmitTimeout, ts.Now, log),
		cfg:       cfg,
		ts:        ts,
		log:       log,
		live:      make(map[uuid.UUID]*liveAttempt),
		byStudent: make(map[studentQuiz]uuid.UUID),
	}
}

// Start begins an attempt on quizID. Starting again while an attempt is
// live returns that attempt instead of creating another.
func (s *AttemptService) Start(ctx context.Context, quizID uuid.UUID, studentID int) (*Session, error) {
	if la := s.lookupStudent(quizID, studentID); la != nil {
		return la.session(), nil
	}

	// Overlapping starts by one student share a single flight.
	key := fmt.Sprintf("start:%s:%d", quizID, studentID)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		return s.start(ctx, quizID, studentID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*liveAttempt).session(), nil
}

func (s *AttemptService) start(ctx context.Context, quizID uuid.UUID, studentID int) (*liveAttempt, error) {
	if la := s.lookupStudent(quizID, studentID); la != nil {
		return la, nil
	}

	quiz, err := s.quizzes.Get(ctx, quizID)
	if err != nil {
		return nil, err
	}

	attemptID := uuid.New()
	holder, claimed, err := s.cache.ClaimActiveAttempt(ctx, quizID, studentID, attemptID)
	if err != nil {
		return nil, fmt.Errorf("claim attempt: %w", err)
	}
	if !claimed {
		la, err := s.attach(ctx, holder, studentID)
		if !errors.Is(err, repository.ErrAttemptNotFound) {
			return la, err
		}
		// The claim outlived a start that never reached the database.
		s.log.Warn().Str("attempt_id", holder.String()).Msg("Releasing stale attempt claim")
		if err := s.cache.ReleaseActiveAttempt(ctx, quizID, studentID); err != nil {
			return nil, fmt.Errorf("release stale claim: %w", err)
		}
		return s.start(ctx, quizID, studentID)
	}

	rec := &model.AttemptRecord{
		ID:        attemptID,
		QuizID:    quizID,
		StudentID: studentID,
		Status:    model.SessionStatusInProgress,
		StartedAt: s.ts.Now().Truncate(time.Microsecond),
	}

	// Keyed like resume, so an Attach racing the insert joins this launch.
	v, err, _ := s.loads.Do(attemptID.String(), func() (any, error) {
		if err := s.attempts.Create(ctx, rec); err != nil {
			return nil, err
		}
		return s.launch(quiz, attemptID, studentID, proctor.WithStartTime(rec.StartedAt))
	})
	if err != nil {
		_ = s.cache.ReleaseActiveAttempt(ctx, quizID, studentID)
		if errors.Is(err, repository.ErrAttemptExists) {
			existing, err := s.attempts.GetLive(ctx, quizID, studentID)
			if err != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", err)
			}
			return s.attach(ctx, existing.ID, studentID)
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	la := v.(*liveAttempt)

	s.publish(la, model.MonitorEvent{Type: model.MonitorEventStarted, AttemptID: attemptID, StudentID: studentID})
	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("quiz_id", quizID.String()).
		Int("student_id", studentID).
		Msg("Attempt created")

	return la, nil
}

// Attach returns a session for an existing attempt, resuming it from the
// cached state when this process does not hold it yet.
func (s *AttemptService) Attach(ctx context.Context, attemptID uuid.UUID, studentID int) (*Session, error) {
	la, err := s.attach(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}
	return la.session(), nil
}

func (s *AttemptService) attach(ctx context.Context, attemptID uuid.UUID, studentID int) (*liveAttempt, error) {
	if la := s.lookup(attemptID); la != nil {
		if la.studentID != studentID {
			return nil, ErrAttemptForbidden
		}
		return la, nil
	}

	if res, err := s.cache.LoadResult(ctx, attemptID); err == nil {
		if res.StudentID != studentID {
			return nil, ErrAttemptForbidden
		}
		return nil, ErrAttemptFinished
	}

	v, err, _ := s.loads.Do(attemptID.String(), func() (any, error) {
		return s.resume(ctx, attemptID)
	})
	if err != nil {
		return nil, err
	}

	la := v.(*liveAttempt)
	if la.studentID != studentID {
		return nil, ErrAttemptForbidden
	}
	return la, nil
}

// Snapshot returns the current state of an attempt.
func (s *AttemptService) Snapshot(ctx context.Context, attemptID uuid.UUID, studentID int) (model.SessionSnapshot, error) {
	sess, err := s.Attach(ctx, attemptID, studentID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Submit ends an attempt by student request. Submitting a finished attempt
// returns its result.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int) (model.SessionResult, error) {
	sess, err := s.Attach(ctx, attemptID, studentID)
	if errors.Is(err, ErrAttemptFinished) {
		return s.Result(ctx, attemptID, studentID)
	}
	if err != nil {
		return model.SessionResult{}, err
	}
	return sess.Submit(ctx)
}

// Result returns the final result of an attempt.
func (s *AttemptService) Result(ctx context.Context, attemptID uuid.UUID, studentID int) (model.SessionResult, error) {
	if la := s.lookup(attemptID); la != nil {
		if la.studentID != studentID {
			return model.SessionResult{}, ErrAttemptForbidden
		}
		res, ok := la.machine.Result()
		if !ok {
			return model.SessionResult{}, ErrAttemptInProgress
		}
		return res, nil
	}

	if res, err := s.cache.LoadResult(ctx, attemptID); err == nil {
		if res.StudentID != studentID {
			return model.SessionResult{}, ErrAttemptForbidden
		}
		return *res, nil
	}

	rec, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return model.SessionResult{}, err
	}
	if rec.StudentID != studentID {
		return model.SessionResult{}, ErrAttemptForbidden
	}
	if !rec.Status.IsTerminal() {
		return model.SessionResult{}, ErrAttemptInProgress
	}
	return resultFromRecord(rec), nil
}

// Live returns a summary of every attempt on quizID held by this process.
func (s *AttemptService) Live(quizID uuid.UUID) []model.AttemptSummary {
	s.mu.Lock()
	attempts := make([]*liveAttempt, 0, len(s.live))
	for _, la := range s.live {
		if la.quizID == quizID {
			attempts = append(attempts, la)
		}
	}
	s.mu.Unlock()

	out := make([]model.AttemptSummary, 0, len(attempts))
	for _, la := range attempts {
		snap := la.machine.Snapshot()
		out = append(out, model.AttemptSummary{
			AttemptID:            snap.AttemptID,
			StudentID:            snap.StudentID,
			Status:               snap.Status,
			StartedAt:            snap.StartedAt,
			TimeRemainingSeconds: snap.TimeRemainingSeconds,
			AnsweredCount:        snap.AnsweredCount,
			ViolationCount:       snap.ViolationCount,
		})
	}
	return out
}

// Count returns how many attempts this process holds, split by whether they
// are still running.
func (s *AttemptService) Count() (running, finished int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, la := range s.live {
		if la.finished().IsZero() {
			running++
		} else {
			finished++
		}
	}
	return running, finished
}

// Sweep evicts finished attempts past retention and finishes attempts whose
// deadline passed while no process held them.
func (s *AttemptService) Sweep(ctx context.Context) (evicted, recovered int, err error) {
	now := s.ts.Now()

	s.mu.Lock()
	for id, la := range s.live {
		fin := la.finished()
		if fin.IsZero() || now.Sub(fin) < s.cfg.Retention {
			continue
		}
		delete(s.live, id)
		key := studentQuiz{la.quizID, la.studentID}
		if s.byStudent[key] == id {
			delete(s.byStudent, key)
		}
		evicted++
	}
	s.mu.Unlock()

	overdue, err := s.attempts.ListOverdue(ctx, now)
	if err != nil {
		return evicted, 0, fmt.Errorf("list overdue attempts: %w", err)
	}
	for _, rec := range overdue {
		if s.lookup(rec.ID) != nil {
			continue
		}
		if _, err := s.Attach(ctx, rec.ID, rec.StudentID); err != nil {
			if !errors.Is(err, ErrAttemptFinished) {
				s.log.Warn().Err(err).Str("attempt_id", rec.ID.String()).Msg("Failed to recover overdue attempt")
			}
			continue
		}
		recovered++
	}

	return evicted, recovered, nil
}

// Shutdown releases every machine without submitting. Their cached state
// lets another process resume them.
func (s *AttemptService) Shutdown() {
	s.mu.Lock()
	attempts := make([]*liveAttempt, 0, len(s.live))
	for _, la := range s.live {
		attempts = append(attempts, la)
	}
	s.live = make(map[uuid.UUID]*liveAttempt)
	s.byStudent = make(map[studentQuiz]uuid.UUID)
	s.mu.Unlock()

	for _, la := range attempts {
		la.machine.Close()
	}
	s.log.Info().Int("count", len(attempts)).Msg("Attempts released")
}

func (s *AttemptService) resume(ctx context.Context, attemptID uuid.UUID) (*liveAttempt, error) {
	if la := s.lookup(attemptID); la != nil {
		return la, nil
	}

	rec, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return nil, ErrAttemptFinished
	}

	quiz, err := s.quizzes.Get(ctx, rec.QuizID)
	if err != nil {
		return nil, err
	}

	rs := proctor.ResumeState{
		AttemptID:      attemptID,
		StartedAt:      rec.StartedAt,
		ViolationCount: rec.ViolationCount,
	}
	if st, err := s.cache.LoadState(ctx, attemptID); err == nil {
		rs.CurrentIndex = st.CurrentIndex
		rs.ViolationCount = st.ViolationCount
		rs.LastViolationSeq = st.LastViolationSeq
		rs.Sheet = st.Sheet
	} else if sheet, err := s.attempts.GetAnswerSheet(ctx, attemptID); err == nil {
		rs.Sheet = sheet.Sheet
	}
	if rs.CurrentIndex < 0 || rs.CurrentIndex >= len(quiz.Questions) {
		rs.CurrentIndex = 0
	}

	la, err := s.launch(quiz, attemptID, rec.StudentID, proctor.WithResume(rs))
	if err != nil && !errors.Is(err, proctor.ErrDefinitionMissing) {
		// The saved sheet no longer fits the quiz; keep the clock, drop the answers.
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Discarding unusable saved answers")
		rs.Sheet = model.AnswerSheet{}
		rs.CurrentIndex = 0
		la, err = s.launch(quiz, attemptID, rec.StudentID, proctor.WithResume(rs))
	}
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("student_id", rec.StudentID).
		Msg("Attempt resumed")
	return la, nil
}

// launch builds, registers and starts a machine.
func (s *AttemptService) launch(quiz *model.QuizDefinition, attemptID uuid.UUID, studentID int, extra ...proctor.Option) (*liveAttempt, error) {
	la := &liveAttempt{
		bus:       proctor.NewBus(),
		quizID:    quiz.ID,
		studentID: studentID,
		watchers:  make(map[int]chan AttemptUpdate),
	}

	opts := []proctor.Option{
		proctor.WithConfig(s.cfg.Engine),
		proctor.WithAttemptID(attemptID),
		proctor.WithStudent(studentID),
		proctor.WithHooks(s.hooksFor(la)),
	}
	opts = append(opts, extra...)

	m, err := proctor.NewMachine(quiz, proctor.Deps{
		Time:      s.ts,
		Source:    la.bus,
		Submitter: s.submitter,
		Logger:    s.log,
	}, opts...)
	if err != nil {
		return nil, err
	}
	la.machine = m

	s.mu.Lock()
	s.live[attemptID] = la
	s.byStudent[studentQuiz{quiz.ID, studentID}] = attemptID
	s.mu.Unlock()

	if _, err := m.Start(); err != nil {
		m.Close()
		s.mu.Lock()
		delete(s.live, attemptID)
		delete(s.byStudent, studentQuiz{quiz.ID, studentID})
		s.mu.Unlock()
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return la, nil
}

func (s *AttemptService) hooksFor(la *liveAttempt) proctor.Hooks {
	return proctor.Hooks{
		OnChange: func(snap model.SessionSnapshot) {
			la.broadcast(AttemptUpdate{Snapshot: &snap})
			s.persistState(la, snap)
		},
		OnViolation: func(ev model.ViolationEvent) {
			s.recordViolation(la, ev)
		},
		OnResult: func(res model.SessionResult) {
			s.recordResult(la, res)
		},
	}
}

// persistState caches the resumable state when something other than the
// clock changed, and queues the answer sheet when it changed.
func (s *AttemptService) persistState(la *liveAttempt, snap model.SessionSnapshot) {
	la.persistMu.Lock()
	defer la.persistMu.Unlock()

	if snap.Version <= la.savedVersion {
		return
	}
	sheet, err := json.Marshal(snap.Sheet)
	if err != nil {
		s.log.Error().Err(err).Str("attempt_id", snap.AttemptID.String()).Msg("Failed to encode answer sheet")
		return
	}
	progress := progressKey{snap.Status, snap.CurrentQuestionIndex, snap.ViolationCount}
	sheetChanged := !bytes.Equal(sheet, la.savedSheet)
	if !sheetChanged && progress == la.savedProgress {
		return
	}
	la.savedVersion = snap.Version
	la.savedSheet = sheet
	la.savedProgress = progress

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.cache.SaveState(ctx, model.StateFromSnapshot(snap)); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", snap.AttemptID.String()).Msg("Failed to cache attempt state")
	}
	if sheetChanged {
		rec := model.AnswerSheetRecord{AttemptID: snap.AttemptID, Version: snap.Version, Sheet: snap.Sheet}
		if err := s.cache.Enqueue(ctx, config.WorkerKey.PersistAnswersQueue, rec); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", snap.AttemptID.String()).Msg("Failed to queue answer sheet")
		}
	}
}

func (s *AttemptService) recordViolation(la *liveAttempt, ev model.ViolationEvent) {
	attemptID := la.machine.AttemptID()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := model.ViolationRecord{AttemptID: attemptID, QuizID: la.quizID, StudentID: la.studentID, Event: ev}
	if err := s.cache.Enqueue(ctx, config.WorkerKey.PersistViolationsQueue, rec); err != nil {
		s.log.Error().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to queue violation")
	}
	s.publish(la, model.MonitorEvent{
		Type:      model.MonitorEventViolation,
		AttemptID: attemptID,
		StudentID: la.studentID,
		Data:      ev,
	})
}

func (s *AttemptService) recordResult(la *liveAttempt, res model.SessionResult) {
	la.mu.Lock()
	la.finishedAt = s.ts.Now()
	la.mu.Unlock()
	la.broadcast(AttemptUpdate{Result: &res})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.cache.SaveResult(ctx, res); err != nil {
		s.log.Error().Err(err).Str("attempt_id", res.AttemptID.String()).Msg("Failed to cache result")
	}
	if err := s.cache.Enqueue(ctx, config.WorkerKey.PersistResultsQueue, res); err != nil {
		s.log.Error().Err(err).Str("attempt_id", res.AttemptID.String()).Msg("CRITICAL: Failed to queue result")
	}
	s.publish(la, model.MonitorEvent{
		Type:      model.MonitorEventFinished,
		AttemptID: res.AttemptID,
		StudentID: res.StudentID,
		Data:      res,
	})
}

func (s *AttemptService) publish(la *liveAttempt, ev model.MonitorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.cache.Publish(ctx, la.quizID, ev); err != nil {
		s.log.Debug().Err(err).Str("type", ev.Type).Msg("Failed to publish monitor event")
	}
}

func (s *AttemptService) lookup(attemptID uuid.UUID) *liveAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[attemptID]
}

func (s *AttemptService) lookupStudent(quizID uuid.UUID, studentID int) *liveAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byStudent[studentQuiz{quizID, studentID}]
	if !ok {
		return nil
	}
	la := s.live[id]
	if la == nil || !la.finished().IsZero() {
		return nil
	}
	return la
}

func resultFromRecord(rec *model.AttemptRecord) model.SessionResult {
	res := model.SessionResult{
		AttemptID:         rec.ID,
		QuizID:            rec.QuizID,
		StudentID:         rec.StudentID,
		Status:            rec.Status,
		ViolationCount:    rec.ViolationCount,
		TerminationReason: rec.TerminationReason,
	}
	if rec.FinishedAt != nil {
		res.FinishedAt = *rec.FinishedAt
		res.DurationSeconds = int(rec.FinishedAt.Sub(rec.StartedAt) / time.Second)
	}
	if rec.FinalScore != nil {
		res.Score = &model.Score{Score: *rec.FinalScore}
		if rec.Percentage != nil {
			res.Score.Percentage = *rec.Percentage
		}
		if rec.Passed != nil {
			res.Score.Passed = *rec.Passed
		}
	}
	return res
}

type progressKey struct {
	status     model.SessionStatus
	index      int
	violations int
}

// liveAttempt is one registered machine and its fan-out.
type liveAttempt struct {
	machine   *proctor.Machine
	bus       *proctor.Bus
	quizID    uuid.UUID
	studentID int

	mu         sync.Mutex
	watchers   map[int]chan AttemptUpdate
	nextWatch  int
	finishedAt time.Time

	persistMu     sync.Mutex
	savedVersion  uint64
	savedSheet    []byte
	savedProgress progressKey
}

func (la *liveAttempt) session() *Session {
	return &Session{Machine: la.machine, attempt: la}
}

func (la *liveAttempt) finished() time.Time {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.finishedAt
}

// broadcast never blocks: a slow watcher loses its oldest update.
func (la *liveAttempt) broadcast(u AttemptUpdate) {
	la.mu.Lock()
	defer la.mu.Unlock()
	for _, ch := range la.watchers {
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

func (la *liveAttempt) watch() (<-chan AttemptUpdate, func()) {
	ch := make(chan AttemptUpdate, 32)
	la.mu.Lock()
	id := la.nextWatch
	la.nextWatch++
	la.watchers[id] = ch
	la.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			la.mu.Lock()
			delete(la.watchers, id)
			la.mu.Unlock()
		})
	}
}

// Session is a student's handle on a live attempt.
type Session struct {
	*proctor.Machine
	attempt *liveAttempt
}

// Signal forwards a raw environment signal to the attempt's monitor.
func (s *Session) Signal(sig proctor.Signal) proctor.Verdict {
	return s.attempt.bus.Publish(sig)
}

// Watch subscribes to snapshots and the final result. Call the returned
// func to stop watching.
func (s *Session) Watch() (<-chan AttemptUpdate, func()) {
	return s.attempt.watch()
}

func (s *Session) QuizID() uuid.UUID { return s.attempt.quizID }
func (s *Session) StudentID() int    { return s.attempt.studentID }
