package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// Checkpoint is the save/restore boundary of an active session. It carries
// everything needed to rebuild the aggregate after a reload without asking
// the grading service for the questions again.
type Checkpoint struct {
	SessionID  uuid.UUID              `json:"session_id"`
	IdentityID string                 `json:"identity_id"`
	Kind       model.FlowKind         `json:"kind"`
	TestID     string                 `json:"test_id,omitempty"`
	Questions  []model.Question       `json:"questions"`
	Statuses   []model.QuestionStatus `json:"statuses"`
	Answers    []model.UserAnswer     `json:"answers"`
	Cursor     int                    `json:"cursor"`
	Scheme     model.MarkingScheme    `json:"marking_scheme"`
	StartedAt  time.Time              `json:"started_at"`
	TimeLimit  time.Duration          `json:"time_limit"`
	SavedAt    time.Time              `json:"saved_at"`
}

// Checkpoint exports the current state. Flow fields are filled by the caller.
func (s *Session) Checkpoint() Checkpoint {
	return Checkpoint{
		SessionID: s.id,
		Questions: s.Questions(),
		Statuses:  s.Statuses(),
		Answers:   s.Answers(),
		Cursor:    s.cursor,
		Scheme:    s.scheme,
		StartedAt: s.startedAt,
		TimeLimit: s.timeLimit,
	}
}

// Restore rebuilds an active session from a checkpoint, checking the
// alignment and status invariants before accepting it.
func Restore(cp Checkpoint, opts Options) (*Session, error) {
	n := len(cp.Questions)
	if n == 0 {
		return nil, ErrNoQuestions
	}
	if len(cp.Statuses) != n || len(cp.Answers) != n {
		return nil, fmt.Errorf("restore checkpoint: %d questions, %d statuses, %d answers", n, len(cp.Statuses), len(cp.Answers))
	}
	if cp.Cursor < 0 || cp.Cursor >= n {
		return nil, fmt.Errorf("restore checkpoint: %w", ErrIndexOutOfRange)
	}

	s := &Session{
		id:        cp.SessionID,
		questions: make([]model.Question, n),
		index:     make(map[string]int, n),
		statuses:  make([]model.QuestionStatus, n),
		answers:   make([]model.UserAnswer, n),
		cursor:    cp.Cursor,
		scheme:    cp.Scheme,
		startedAt: cp.StartedAt,
		timeLimit: cp.TimeLimit,
		mode:      model.ModeActive,
		opts:      opts,
	}
	copy(s.questions, cp.Questions)

	for i, q := range s.questions {
		if _, dup := s.index[q.ID]; dup {
			return nil, fmt.Errorf("restore checkpoint: duplicate question id %s", q.ID)
		}
		s.index[q.ID] = i

		st := cp.Statuses[i]
		ans := cp.Answers[i]
		if !st.Valid() {
			return nil, fmt.Errorf("restore checkpoint: unknown status %q", st)
		}
		if ans.QuestionID != q.ID {
			return nil, fmt.Errorf("restore checkpoint: answer %d belongs to %s, not %s", i, ans.QuestionID, q.ID)
		}
		sel := model.NewSelection(ans.Selected...)
		if st == model.StatusAnswered && sel.Empty() {
			return nil, fmt.Errorf("restore checkpoint: question %s answered without selection", q.ID)
		}
		if st == model.StatusSavedForLater && !sel.Empty() {
			return nil, fmt.Errorf("restore checkpoint: question %s deferred with selection", q.ID)
		}
		s.statuses[i] = st
		s.answers[i] = model.UserAnswer{QuestionID: q.ID, Selected: sel}
	}
	return s, nil
}
