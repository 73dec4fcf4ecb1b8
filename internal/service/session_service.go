package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/countdown"
	"github.com/stemsi/exstem-testengine/internal/identity"
	"github.com/stemsi/exstem-testengine/internal/metrics"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/scoring"
	"github.com/stemsi/exstem-testengine/internal/session"
	"github.com/stemsi/exstem-testengine/internal/validator"
	"github.com/stemsi/exstem-testengine/internal/websocket"
)

var (
	ErrInvalidLifecycle = errors.New("operation not allowed in the current session lifecycle")
	ErrTransport        = errors.New("transport failure")
	ErrInvalidStart     = errors.New("invalid start request")
	ErrForeignSession   = errors.New("checkpoint belongs to another identity")
	ErrGradingFailed    = errors.New("grading service reported a failure")
	ErrDeliveryFailed   = errors.New("question delivery failed")
	// ErrTimeUp rejects answer changes once the countdown has run out.
	ErrTimeUp = fmt.Errorf("%w: time is up", session.ErrNotActive)
)

const statusWatcherKey = "session-service"

// Gateway is the request channel to the grading service.
type Gateway interface {
	StartSession(ctx context.Context, req model.StartSessionRequest) error
	SubmitAnswers(ctx context.Context, sessionID uuid.UUID, req model.SubmitAnswersRequest) error
}

// Channel is the shared duplex connection. The service only attaches and
// detaches its own listeners; it never opens or closes the connection.
type Channel interface {
	On(event websocket.Event, key string, h websocket.Handler) bool
	OnStatus(key string, fn websocket.StatusHandler) bool
	Off(key string)
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
}

// Recorder hands a graded attempt to persistence. It must be idempotent per
// session id.
type Recorder interface {
	Record(ctx context.Context, rec model.AttemptRecord) (bool, error)
}

// CheckpointStore saves and restores active sessions.
type CheckpointStore interface {
	Save(ctx context.Context, cp session.Checkpoint) error
	Load(ctx context.Context, sessionID uuid.UUID) (session.Checkpoint, error)
	Delete(ctx context.Context, identityID string, sessionID uuid.UUID) error
}

// ExitGuard is engaged while a session is active.
type ExitGuard interface {
	Engage(reason string)
	Release()
}

// Options tune the service.
type Options struct {
	TickInterval   time.Duration
	RequestTimeout time.Duration
	// GradingGrace bounds how long an exit requested mid-submission waits
	// for the grading event before detaching.
	GradingGrace time.Duration
	// SubmitRetry is the pause before a failed submission is resent once
	// time is up.
	SubmitRetry time.Duration
	// StoreTimeout bounds checkpoint and recorder calls.
	StoreTimeout time.Duration
	AutoAdvance  bool
}

// Snapshot is the read-only view handed to the UI layer.
type Snapshot struct {
	SessionID        string                 `json:"session_id,omitempty"`
	Lifecycle        model.Lifecycle        `json:"lifecycle"`
	Kind             model.FlowKind         `json:"kind,omitempty"`
	TestID           string                 `json:"test_id,omitempty"`
	Mode             model.Mode             `json:"mode,omitempty"`
	Cursor           int                    `json:"cursor"`
	Current          *model.Question        `json:"current,omitempty"`
	Questions        []model.Question       `json:"questions,omitempty"`
	Statuses         []model.QuestionStatus `json:"statuses,omitempty"`
	Answers          []model.UserAnswer     `json:"answers,omitempty"`
	Remaining        time.Duration          `json:"-"`
	RemainingSeconds int                    `json:"remaining_seconds"`
	Result           *model.TestResult      `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ChannelError     string                 `json:"channel_error,omitempty"`
}

type flow struct {
	kind      model.FlowKind
	testID    string
	scheme    model.MarkingScheme
	timeLimit time.Duration
}

// SessionService drives one session at a time through
// IDLE → REQUESTING → ACTIVE → SUBMITTING → GRADED. User operations, timer
// callbacks and channel events all take mu, which serializes them the way a
// single event loop would.
type SessionService struct {
	ident identity.Identity
	gw    Gateway
	ch    Channel
	rec   Recorder
	store CheckpointStore
	guard ExitGuard
	opts  Options
	log   zerolog.Logger

	mu            sync.Mutex
	lifecycle     model.Lifecycle
	sessionID     uuid.UUID
	flow          flow
	sess          *session.Session
	result        *model.TestResult
	lastErr       error
	channelErr    error
	listenerKey   string
	timer         *countdown.Timer
	resubmit      *time.Timer
	timerGen      uint64
	frozen        time.Duration
	exitRequested bool
	grace         *time.Timer
	changed       chan struct{}
}

// NewSessionService creates an idle service bound to one identity and its
// shared channel. rec, store and guard may be nil.
func NewSessionService(ident identity.Identity, gw Gateway, ch Channel, rec Recorder, store CheckpointStore, guard ExitGuard, opts Options, log zerolog.Logger) *SessionService {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.GradingGrace <= 0 {
		opts.GradingGrace = 2 * time.Minute
	}
	if opts.SubmitRetry <= 0 {
		opts.SubmitRetry = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}

	s := &SessionService{
		ident:     ident,
		gw:        gw,
		ch:        ch,
		rec:       rec,
		store:     store,
		guard:     guard,
		opts:      opts,
		log:       log.With().Str("component", "session_service").Str("identity", ident.ID).Logger(),
		lifecycle: model.LifecycleIdle,
		changed:   make(chan struct{}),
	}
	ch.OnStatus(statusWatcherKey, s.onChannelStatus)
	return s
}

// Identity returns the identity the service acts for.
func (s *SessionService) Identity() identity.Identity { return s.ident }

// ----------------------------------------------------------------
// Lifecycle operations
// ----------------------------------------------------------------

// Start requests a new question set. Listeners are attached and the room is
// joined before the request goes out, so a fast questions_ready is not lost.
// The session becomes ACTIVE when the questions arrive.
func (s *SessionService) Start(ctx context.Context, req model.StartRequest) (uuid.UUID, error) {
	if req.QuestionCount <= 0 || req.TimeLimitMinutes <= 0 {
		return uuid.Nil, ErrInvalidStart
	}
	kind := req.Kind
	if kind == "" {
		kind = model.FlowStandalone
	}
	if kind == model.FlowSeries && req.TestID == "" {
		return uuid.Nil, fmt.Errorf("%w: series attempt requires a test id", ErrInvalidStart)
	}

	scheme := model.DefaultMarkingScheme()
	if req.Scheme != nil {
		scheme = *req.Scheme
	}
	if !req.NegativeMarking {
		scheme = scheme.WithoutNegatives()
	}

	s.mu.Lock()
	if s.lifecycle != model.LifecycleIdle {
		lc := s.lifecycle
		s.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: start from %s", ErrInvalidLifecycle, lc)
	}

	id := uuid.New()
	s.sessionID = id
	s.flow = flow{
		kind:      kind,
		testID:    req.TestID,
		scheme:    scheme,
		timeLimit: time.Duration(req.TimeLimitMinutes) * time.Minute,
	}
	s.result = nil
	s.lastErr = nil
	s.attachLocked(ctx, id)
	s.setLifecycleLocked(model.LifecycleRequesting)
	s.mu.Unlock()

	s.log.Info().
		Str("session_id", id.String()).
		Str("kind", string(kind)).
		Int("questions", req.QuestionCount).
		Msg("Requesting questions")

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	err := s.gw.StartSession(reqCtx, model.StartSessionRequest{
		SessionID:        id,
		Category:         req.Category,
		QuestionCount:    req.QuestionCount,
		TimeLimitMinutes: req.TimeLimitMinutes,
		NegativeMarking:  req.NegativeMarking,
		TestID:           req.TestID,
	})
	cancel()
	if err == nil {
		return id, nil
	}

	wrapped := fmt.Errorf("%w: start session: %w", ErrTransport, err)
	s.log.Error().Err(err).Str("session_id", id.String()).Msg("Start session request failed")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != id {
		return uuid.Nil, wrapped
	}
	switch s.lifecycle {
	case model.LifecycleRequesting:
		s.detachLocked()
		s.lastErr = wrapped
		s.setLifecycleLocked(model.LifecycleIdle)
		return uuid.Nil, wrapped
	case model.LifecycleIdle:
		return uuid.Nil, wrapped
	default:
		// The questions arrived before the acknowledgement failed; the
		// session is running.
		s.log.Warn().Err(err).Str("session_id", id.String()).
			Str("lifecycle", string(s.lifecycle)).
			Msg("Start acknowledgement failed after questions arrived, keeping session")
		return id, nil
	}
}

// Resume rebuilds an ACTIVE session from its checkpoint and rejoins its room
// without requesting the questions again. A session whose time already ran
// out is submitted immediately.
func (s *SessionService) Resume(ctx context.Context, sessionID uuid.UUID) error {
	if s.store == nil {
		return fmt.Errorf("resume %s: no checkpoint store", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != model.LifecycleIdle {
		return fmt.Errorf("%w: resume from %s", ErrInvalidLifecycle, s.lifecycle)
	}

	cp, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.IdentityID != "" && cp.IdentityID != s.ident.ID {
		return ErrForeignSession
	}
	sess, err := session.Restore(cp, session.Options{AutoAdvance: s.opts.AutoAdvance})
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	s.sessionID = sessionID
	s.sess = sess
	s.flow = flow{kind: cp.Kind, testID: cp.TestID, scheme: cp.Scheme, timeLimit: cp.TimeLimit}
	s.result = nil
	s.lastErr = nil
	s.attachLocked(ctx, sessionID)
	s.activateLocked("resume")

	s.log.Info().
		Str("session_id", sessionID.String()).
		Dur("remaining", sess.Remaining(time.Now())).
		Msg("Session resumed from checkpoint")
	return nil
}

// Submit sends the answers. Grading arrives later as results_ready.
func (s *SessionService) Submit(ctx context.Context) error {
	s.mu.Lock()
	id, req, err := s.beginSubmitLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.send(ctx, id, req, "manual")
}

// Exit leaves the session. An ACTIVE session keeps its checkpoint so it can
// be resumed. An in-flight submission is not aborted: listeners stay attached
// until grading arrives or the grace period ends.
func (s *SessionService) Exit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.lifecycle {
	case model.LifecycleIdle:
		return nil
	case model.LifecycleSubmitting:
		if s.exitRequested {
			return nil
		}
		s.exitRequested = true
		id := s.sessionID
		s.grace = time.AfterFunc(s.opts.GradingGrace, func() { s.onGraceExpired(id) })
		s.log.Info().Str("session_id", id.String()).Msg("Exit requested during submission, waiting for grading")
		s.notifyLocked()
		return nil
	default:
		s.log.Info().
			Str("session_id", s.sessionID.String()).
			Str("lifecycle", string(s.lifecycle)).
			Msg("Exiting session")
		s.teardownLocked()
		return nil
	}
}

// ----------------------------------------------------------------
// Navigation & answers
// ----------------------------------------------------------------

// Select sets (single) or toggles (multi) an option without confirming it.
func (s *SessionService) Select(questionID string, option int) error {
	return s.mutate(func(sess *session.Session) error { return sess.Select(questionID, option) })
}

// Confirm marks the question answered.
func (s *SessionService) Confirm(questionID string) error {
	return s.mutate(func(sess *session.Session) error { return sess.Confirm(questionID) })
}

// SaveForLater clears the selection and defers the question.
func (s *SessionService) SaveForLater(questionID string) error {
	return s.mutate(func(sess *session.Session) error { return sess.SaveForLater(questionID) })
}

// Visit moves the cursor to index.
func (s *SessionService) Visit(index int) error {
	return s.mutate(func(sess *session.Session) error { return sess.Visit(index) })
}

// Next moves the cursor forward by one.
func (s *SessionService) Next() error {
	return s.mutate(func(sess *session.Session) error { return sess.Next() })
}

// Previous moves the cursor back by one.
func (s *SessionService) Previous() error {
	return s.mutate(func(sess *session.Session) error { return sess.Previous() })
}

func (s *SessionService) mutate(fn func(*session.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle != model.LifecycleActive || s.sess == nil {
		return session.ErrNotActive
	}
	if s.sess.Remaining(time.Now()) <= 0 {
		return ErrTimeUp
	}
	if err := fn(s.sess); err != nil {
		return err
	}
	s.saveCheckpointLocked()
	s.notifyLocked()
	return nil
}

// ----------------------------------------------------------------
// Read side
// ----------------------------------------------------------------

// Snapshot returns a copy of the current state.
func (s *SessionService) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Lifecycle: s.lifecycle}
	if s.lifecycle != model.LifecycleIdle {
		snap.SessionID = s.sessionID.String()
		snap.Kind = s.flow.kind
		snap.TestID = s.flow.testID
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	if s.channelErr != nil {
		snap.ChannelError = s.channelErr.Error()
	}
	if s.sess == nil {
		return snap
	}

	cur := s.sess.Current()
	snap.Mode = s.sess.Mode()
	snap.Cursor = s.sess.Cursor()
	snap.Current = &cur
	snap.Questions = s.sess.Questions()
	snap.Statuses = s.sess.Statuses()
	snap.Answers = s.sess.Answers()
	snap.Remaining = s.remainingLocked()
	snap.RemainingSeconds = int(snap.Remaining.Round(time.Second) / time.Second)
	if s.result != nil {
		res := *s.result
		snap.Result = &res
	}
	return snap
}

// Lifecycle returns the current lifecycle state.
func (s *SessionService) Lifecycle() model.Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Changes returns a channel closed on the next state change.
func (s *SessionService) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Wait blocks until the lifecycle is one of targets or ctx ends.
func (s *SessionService) Wait(ctx context.Context, targets ...model.Lifecycle) (model.Lifecycle, error) {
	for {
		s.mu.Lock()
		lc := s.lifecycle
		changed := s.changed
		s.mu.Unlock()

		if slices.Contains(targets, lc) {
			return lc, nil
		}
		select {
		case <-ctx.Done():
			return lc, ctx.Err()
		case <-changed:
		}
	}
}

// ----------------------------------------------------------------
// Submission
// ----------------------------------------------------------------

func (s *SessionService) beginSubmitLocked() (uuid.UUID, model.SubmitAnswersRequest, error) {
	if s.lifecycle != model.LifecycleActive || s.sess == nil {
		return uuid.Nil, model.SubmitAnswersRequest{}, fmt.Errorf("%w: submit from %s", ErrInvalidLifecycle, s.lifecycle)
	}
	s.stopTimerLocked()
	s.lastErr = nil
	s.setLifecycleLocked(model.LifecycleSubmitting)

	return s.sess.ID(), model.SubmitAnswersRequest{
		Submissions:   s.sess.Submissions(),
		MarkingScheme: s.sess.Scheme(),
	}, nil
}

// send performs the submit request outside the lock. It is detached from the
// caller's cancellation so a navigation away does not abort it.
func (s *SessionService) send(ctx context.Context, id uuid.UUID, req model.SubmitAnswersRequest, trigger string) error {
	log := s.log.With().Str("session_id", id.String()).Str("trigger", trigger).Logger()
	log.Info().Int("answers", len(req.Submissions)).Msg("Submitting answers")

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
	err := s.gw.SubmitAnswers(reqCtx, id, req)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		metrics.Submissions.WithLabelValues(trigger, "accepted").Inc()
		return nil
	}

	metrics.Submissions.WithLabelValues(trigger, "failed").Inc()
	wrapped := fmt.Errorf("%w: submit answers: %w", ErrTransport, err)
	log.Error().Err(err).Msg("Submit request failed")

	if s.lifecycle != model.LifecycleSubmitting || s.sessionID != id {
		return wrapped
	}
	if s.exitRequested {
		s.teardownLocked()
		return wrapped
	}

	s.reopenLocked(wrapped)
	return wrapped
}

// reopenLocked puts a failed submission back to ACTIVE with progress intact
// so it can be retried. Once time is up the answers stay frozen and the
// submission is resent after SubmitRetry.
func (s *SessionService) reopenLocked(err error) {
	s.lastErr = err
	s.setLifecycleLocked(model.LifecycleActive)
	if s.sess.Remaining(time.Now()) > 0 {
		s.startTimerLocked()
	} else {
		s.timerGen++
		gen := s.timerGen
		s.resubmit = time.AfterFunc(s.opts.SubmitRetry, func() { s.onExpire(gen) })
	}
	s.notifyLocked()
}

// ----------------------------------------------------------------
// Countdown
// ----------------------------------------------------------------

func (s *SessionService) startTimerLocked() {
	s.timerGen++
	gen := s.timerGen
	s.timer = countdown.Start(s.sess.Deadline(), s.opts.TickInterval,
		func(time.Duration) { s.onTick(gen) },
		func() { s.onExpire(gen) },
	)
}

func (s *SessionService) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.resubmit != nil {
		s.resubmit.Stop()
		s.resubmit = nil
	}
	s.timerGen++
	if s.sess != nil {
		s.frozen = s.sess.Remaining(time.Now())
	}
}

func (s *SessionService) remainingLocked() time.Duration {
	if s.lifecycle == model.LifecycleActive && s.sess != nil {
		return s.sess.Remaining(time.Now())
	}
	return s.frozen
}

func (s *SessionService) onTick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.timerGen {
		s.notifyLocked()
	}
}

// onExpire submits through the same path as a manual submit. A tick from a
// stale timer, or one arriving after submission began, does nothing.
func (s *SessionService) onExpire(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen || s.lifecycle != model.LifecycleActive {
		s.mu.Unlock()
		s.log.Debug().Msg("Ignoring expiry after submission began")
		return
	}
	id, req, err := s.beginSubmitLocked()
	s.mu.Unlock()
	if err != nil {
		return
	}

	s.log.Info().Str("session_id", id.String()).Msg("Time is up, submitting")
	_ = s.send(context.Background(), id, req, "expiry")
}

// ----------------------------------------------------------------
// Channel events
// ----------------------------------------------------------------

func (s *SessionService) attachLocked(ctx context.Context, id uuid.UUID) {
	key := "session:" + id.String()
	s.ch.On(websocket.EventQuestionsReady, key, func(env websocket.Envelope) { s.onQuestionsReady(id, env) })
	s.ch.On(websocket.EventResultsReady, key, func(env websocket.Envelope) { s.onResultsReady(id, env) })
	s.ch.On(websocket.EventError, key, func(env websocket.Envelope) { s.onChannelError(id, env) })
	s.listenerKey = key

	room := config.CacheKey.SessionRoom(id.String())
	if err := s.ch.Join(ctx, room); err != nil {
		// The room is rejoined on reconnect.
		s.log.Warn().Err(err).Str("room", room).Msg("Join failed")
	}
}

// detachLocked removes this session's listeners exactly once.
func (s *SessionService) detachLocked() {
	if s.listenerKey == "" {
		return
	}
	s.ch.Off(s.listenerKey)
	s.listenerKey = ""

	room := config.CacheKey.SessionRoom(s.sessionID.String())
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.ch.Leave(ctx, room); err != nil {
		s.log.Debug().Err(err).Str("room", room).Msg("Leave failed")
	}
}

func (s *SessionService) onQuestionsReady(id uuid.UUID, env websocket.Envelope) {
	var p model.QuestionsReadyPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.log.Warn().Err(err).Msg("Malformed questions_ready payload")
		return
	}
	if p.SessionID != "" && p.SessionID != id.String() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.With().Str("session_id", id.String()).Logger()

	if s.sessionID != id {
		log.Warn().Msg("Stale questions_ready discarded")
		return
	}
	switch s.lifecycle {
	case model.LifecycleRequesting:
	case model.LifecycleActive, model.LifecycleSubmitting, model.LifecycleGraded:
		// Redelivery after a reconnect must not reset progress.
		log.Debug().Msg("Duplicate questions_ready ignored")
		return
	default:
		log.Warn().Str("lifecycle", string(s.lifecycle)).Msg("Stale questions_ready discarded")
		return
	}

	if !p.Status.OK() {
		s.failDeliveryLocked(fmt.Errorf("%w: status %q", ErrDeliveryFailed, p.Status.String()))
		return
	}
	if err := validator.Struct(p); err != nil {
		s.failDeliveryLocked(fmt.Errorf("%w: %w", ErrDeliveryFailed, err))
		return
	}

	sess, err := session.New(id, p.Questions, s.flow.scheme, time.Now(), s.flow.timeLimit,
		session.Options{AutoAdvance: s.opts.AutoAdvance})
	if err != nil {
		s.failDeliveryLocked(fmt.Errorf("%w: %w", ErrDeliveryFailed, err))
		return
	}

	s.sess = sess
	s.activateLocked("start")
	log.Info().Int("questions", sess.Len()).Dur("time_limit", s.flow.timeLimit).Msg("Session active")
}

func (s *SessionService) failDeliveryLocked(err error) {
	s.log.Error().Err(err).Str("session_id", s.sessionID.String()).Msg("Question delivery failed")
	s.detachLocked()
	s.lastErr = err
	s.setLifecycleLocked(model.LifecycleIdle)
}

func (s *SessionService) activateLocked(via string) {
	s.exitRequested = false
	s.setLifecycleLocked(model.LifecycleActive)
	s.startTimerLocked()
	s.saveCheckpointLocked()
	if s.guard != nil {
		s.guard.Engage("session " + s.sessionID.String() + " is active")
	}
	metrics.SessionsStarted.WithLabelValues(via).Inc()
}

func (s *SessionService) onResultsReady(id uuid.UUID, env websocket.Envelope) {
	var p model.ResultsReadyPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.log.Warn().Err(err).Msg("Malformed results_ready payload")
		return
	}
	if p.SessionID != "" && p.SessionID != id.String() {
		return
	}

	s.mu.Lock()
	rec := s.applyResultsLocked(id, p)
	s.mu.Unlock()

	if rec != nil {
		s.record(*rec)
	}
}

// applyResultsLocked reconciles a grading event. It returns the attempt to
// hand to the recorder, or nil when the event was not applied.
func (s *SessionService) applyResultsLocked(id uuid.UUID, p model.ResultsReadyPayload) *model.AttemptRecord {
	log := s.log.With().Str("session_id", id.String()).Logger()

	if s.sess == nil || s.sessionID != id {
		metrics.GradingEvents.WithLabelValues("stale").Inc()
		log.Warn().Msg("Stale results_ready discarded")
		return nil
	}
	switch s.lifecycle {
	case model.LifecycleSubmitting:
	case model.LifecycleGraded:
		metrics.GradingEvents.WithLabelValues("duplicate").Inc()
		log.Debug().Msg("Duplicate results_ready ignored")
		return nil
	default:
		metrics.GradingEvents.WithLabelValues("stale").Inc()
		log.Warn().Str("lifecycle", string(s.lifecycle)).Msg("results_ready before submission discarded")
		return nil
	}

	if !p.Status.OK() {
		s.gradingFailedLocked(fmt.Errorf("%w: status %q", ErrGradingFailed, p.Status.String()))
		return nil
	}
	if err := validator.Struct(p); err != nil {
		s.gradingFailedLocked(fmt.Errorf("%w: %w", ErrGradingFailed, err))
		return nil
	}

	rc := scoring.Reconcile(s.sess, p)
	for _, qid := range rc.Unknown {
		log.Warn().Str("question_id", qid).Msg("Graded entry for unknown question ignored")
	}
	if len(rc.Disagreements) > 0 {
		log.Info().Strs("question_ids", rc.Disagreements).Msg("Service verdict differs from local grading")
	}

	elapsed := time.Since(s.sess.StartedAt())
	if elapsed > s.sess.TimeLimit() {
		elapsed = s.sess.TimeLimit()
	}
	rc.Result.Elapsed = elapsed

	if err := s.sess.EnterReview(rc.Result.Verdicts()); err != nil {
		log.Error().Err(err).Msg("Enter review failed")
		return nil
	}
	s.result = &rc.Result
	s.setLifecycleLocked(model.LifecycleGraded)
	if s.guard != nil {
		s.guard.Release()
	}
	metrics.GradingEvents.WithLabelValues("applied").Inc()
	metrics.SessionScore.Observe(rc.Result.Score)

	log.Info().
		Float64("score", rc.Result.Score).
		Int("correct", rc.Result.Correct).
		Int("wrong", rc.Result.Wrong).
		Int("partial", rc.Result.PartiallyCorrect).
		Int("unattempted", rc.Result.Unattempted).
		Msg("Session graded")

	rec := &model.AttemptRecord{
		SessionID:   id,
		IdentityID:  s.ident.ID,
		Kind:        s.flow.kind,
		TestID:      s.flow.testID,
		QuestionIDs: s.sess.QuestionIDs(),
		Response:    s.sess.Submissions(),
		Result:      rc.Result,
		RecordedAt:  time.Now(),
	}
	s.deleteCheckpointLocked(id)

	if s.exitRequested {
		s.teardownLocked()
		return rec
	}
	s.notifyLocked()
	return rec
}

func (s *SessionService) gradingFailedLocked(err error) {
	s.log.Error().Err(err).Str("session_id", s.sessionID.String()).Msg("Grading failed")
	metrics.GradingEvents.WithLabelValues("failed").Inc()
	if s.exitRequested {
		s.teardownLocked()
		return
	}
	s.reopenLocked(err)
}

func (s *SessionService) onChannelError(id uuid.UUID, env websocket.Envelope) {
	var e websocket.ErrorData
	_ = json.Unmarshal(env.Data, &e)
	s.log.Warn().Str("session_id", id.String()).Str("message", e.Error).Msg("Grading service reported an error")
}

func (s *SessionService) onChannelStatus(status websocket.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status {
	case websocket.StatusConnected:
		metrics.ChannelConnected.Set(1)
		if s.channelErr != nil {
			s.log.Info().Msg("Duplex channel recovered")
		}
		s.channelErr = nil
	case websocket.StatusFailed:
		metrics.ChannelConnected.Set(0)
		if err == nil {
			err = errors.New("reconnect attempts exhausted")
		}
		s.channelErr = fmt.Errorf("duplex channel unavailable: %w", err)
		s.log.Error().Err(err).Msg("Duplex channel keeps failing to reconnect")
	default:
		metrics.ChannelConnected.Set(0)
	}
	s.notifyLocked()
}

func (s *SessionService) onGraceExpired(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.exitRequested || s.sessionID != id || s.lifecycle != model.LifecycleSubmitting {
		return
	}
	s.log.Warn().Str("session_id", id.String()).Msg("No grading received within grace period, detaching")
	s.teardownLocked()
}

// ----------------------------------------------------------------
// Persistence hand-off
// ----------------------------------------------------------------

func (s *SessionService) saveCheckpointLocked() {
	if s.store == nil || s.sess == nil {
		return
	}
	cp := s.sess.Checkpoint()
	cp.IdentityID = s.ident.ID
	cp.Kind = s.flow.kind
	cp.TestID = s.flow.testID
	cp.SavedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.Save(ctx, cp); err != nil {
		s.log.Warn().Err(err).Str("session_id", cp.SessionID.String()).Msg("Checkpoint save failed")
	}
}

func (s *SessionService) deleteCheckpointLocked(id uuid.UUID) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, s.ident.ID, id); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Checkpoint delete failed")
	}
}

// record runs outside mu so a slow recorder never stalls event dispatch.
func (s *SessionService) record(rec model.AttemptRecord) {
	if s.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	if _, err := s.rec.Record(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("session_id", rec.SessionID.String()).Msg("Record attempt failed, retrying in background")
		go s.retryRecord(rec)
	}
}

func (s *SessionService) retryRecord(rec model.AttemptRecord) {
	delay := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
		_, err := s.rec.Record(ctx, rec)
		cancel()
		if err == nil {
			return
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Str("session_id", rec.SessionID.String()).Msg("Record attempt retry failed")
		delay *= 2
	}
	s.log.Error().Str("session_id", rec.SessionID.String()).Msg("Giving up recording attempt")
}

// ----------------------------------------------------------------
// State helpers
// ----------------------------------------------------------------

// teardownLocked returns to IDLE: countdown stopped, listeners detached,
// guard released. Checkpoints are left alone.
func (s *SessionService) teardownLocked() {
	s.stopTimerLocked()
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.detachLocked()
	if s.guard != nil {
		s.guard.Release()
	}
	s.sess = nil
	s.result = nil
	s.exitRequested = false
	s.frozen = 0
	s.setLifecycleLocked(model.LifecycleIdle)
}

func (s *SessionService) setLifecycleLocked(next model.Lifecycle) {
	if s.lifecycle == next {
		return
	}
	if !s.lifecycle.CanTransition(next) {
		s.log.Error().
			Str("from", string(s.lifecycle)).
			Str("to", string(next)).
			Msg("Illegal lifecycle transition refused")
		return
	}
	s.log.Debug().Str("from", string(s.lifecycle)).Str("to", string(next)).Msg("Lifecycle transition")
	s.lifecycle = next
	s.notifyLocked()
}

func (s *SessionService) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
