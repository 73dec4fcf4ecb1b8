// Package session holds the authoritative in-memory state of one exam
// attempt and the operations that mutate it.
//
// A Session is not safe for concurrent use. Callers serialize access; the
// delivery service does so with a single mutex standing in for the event loop.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// Precondition errors. None of them leave the session modified.
var (
	ErrNotActive         = errors.New("session is not active")
	ErrEmptySelection    = errors.New("cannot confirm an empty selection")
	ErrUnknownQuestion   = errors.New("question is not part of this session")
	ErrIndexOutOfRange   = errors.New("question index out of range")
	ErrInvalidOption     = errors.New("option index out of range")
	ErrIllegalTransition = errors.New("illegal question status transition")
	ErrNoQuestions       = errors.New("session has no questions")
)

// Options tune controller behaviour.
type Options struct {
	// AutoAdvance moves the cursor forward after confirm and save-for-later.
	AutoAdvance bool
}

// Session is the aggregate root of one attempt. statuses[i] and answers[i]
// always describe questions[i]; the slices are sized once and never resized.
type Session struct {
	id        uuid.UUID
	questions []model.Question
	index     map[string]int
	statuses  []model.QuestionStatus
	answers   []model.UserAnswer
	cursor    int
	scheme    model.MarkingScheme
	startedAt time.Time
	timeLimit time.Duration
	mode      model.Mode
	opts      Options
}

// New builds an active session and visits the first question.
func New(id uuid.UUID, questions []model.Question, scheme model.MarkingScheme, startedAt time.Time, timeLimit time.Duration, opts Options) (*Session, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	s := &Session{
		id:        id,
		questions: make([]model.Question, len(questions)),
		index:     make(map[string]int, len(questions)),
		statuses:  make([]model.QuestionStatus, len(questions)),
		answers:   make([]model.UserAnswer, len(questions)),
		scheme:    scheme,
		startedAt: startedAt,
		timeLimit: timeLimit,
		mode:      model.ModeActive,
		opts:      opts,
	}
	copy(s.questions, questions)

	for i, q := range s.questions {
		if _, dup := s.index[q.ID]; dup {
			return nil, errors.New("duplicate question id " + q.ID)
		}
		s.index[q.ID] = i
		s.statuses[i] = model.StatusNotVisited
		s.answers[i] = model.UserAnswer{QuestionID: q.ID, Selected: model.Selection{}}
	}

	if err := s.Visit(0); err != nil {
		return nil, err
	}
	return s, nil
}

// ─── Read access ────────────────────────────────────────────────────

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Mode() model.Mode { return s.mode }
func (s *Session) Cursor() int { return s.cursor }
func (s *Session) Len() int { return len(s.questions) }
func (s *Session) Scheme() model.MarkingScheme { return s.scheme }
func (s *Session) StartedAt() time.Time { return s.startedAt }
func (s *Session) TimeLimit() time.Duration { return s.timeLimit }
func (s *Session) Deadline() time.Time { return s.startedAt.Add(s.timeLimit) }
func (s *Session) Question(i int) model.Question { return s.questions[i] }
func (s *Session) Current() model.Question { return s.questions[s.cursor] }

// Remaining returns the time left at now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	left := s.Deadline().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// IndexOf returns the position of a question id.
func (s *Session) IndexOf(questionID string) (int, bool) {
	i, ok := s.index[questionID]
	return i, ok
}

// Questions returns a copy of the question list.
func (s *Session) Questions() []model.Question {
	out := make([]model.Question, len(s.questions))
	copy(out, s.questions)
	return out
}

// Statuses returns a copy of the status array.
func (s *Session) Statuses() []model.QuestionStatus {
	out := make([]model.QuestionStatus, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// Answers returns a deep copy of the answer array.
func (s *Session) Answers() []model.UserAnswer {
	out := make([]model.UserAnswer, len(s.answers))
	for i, a := range s.answers {
		a.Selected = a.Selected.Clone()
		if a.Verdict != nil {
			v := *a.Verdict
			a.Verdict = &v
		}
		out[i] = a
	}
	return out
}

// Submissions builds the wire answer array in question order.
func (s *Session) Submissions() []model.Submission {
	out := make([]model.Submission, len(s.questions))
	for i, q := range s.questions {
		out[i] = model.Submission{
			QuestionID:     q.ID,
			Selected:       s.answers[i].Selected.Clone(),
			MultipleAnswer: q.MultipleCorrect,
		}
	}
	return out
}

// QuestionIDs returns the ids in order.
func (s *Session) QuestionIDs() []string {
	out := make([]string, len(s.questions))
	for i, q := range s.questions {
		out[i] = q.ID
	}
	return out
}

// ─── Review ─────────────────────────────────────────────────────────

// EnterReview freezes the session and attaches verdicts, index-aligned with
// the question list. Further mutation is rejected with ErrNotActive.
func (s *Session) EnterReview(verdicts []model.Verdict) error {
	if s.mode != model.ModeActive {
		return ErrNotActive
	}
	if len(verdicts) != len(s.answers) {
		return ErrIndexOutOfRange
	}
	for i := range s.answers {
		v := verdicts[i]
		s.answers[i].Verdict = &v
		s.answers[i].Partial = v == model.VerdictPartiallyCorrect
	}
	s.mode = model.ModeReview
	return nil
}
