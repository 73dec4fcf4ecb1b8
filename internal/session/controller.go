package session

import (
	"github.com/stemsi/exstem-testengine/internal/model"
)

// Select records a provisional choice. Single-answer and integer questions
// replace the selection; multi-answer questions toggle membership. The
// status is left alone except where an invariant forces it: a deferred
// question becomes VISITED again, and an ANSWERED multi-answer question whose
// selection is toggled down to nothing drops back to VISITED.
func (s *Session) Select(questionID string, option int) error {
	i, err := s.mutable(questionID)
	if err != nil {
		return err
	}
	q := s.questions[i]
	if !q.AcceptsOption(option) {
		return ErrInvalidOption
	}
	if s.statuses[i] == model.StatusNotVisited {
		return ErrIllegalTransition
	}

	var next model.Selection
	if q.MultipleCorrect {
		next = s.answers[i].Selected.Toggle(option)
	} else {
		next = model.NewSelection(option)
	}
	s.answers[i].Selected = next

	switch {
	case s.statuses[i] == model.StatusSavedForLater && !next.Empty():
		s.statuses[i] = model.StatusVisited
	case s.statuses[i] == model.StatusAnswered && next.Empty():
		s.statuses[i] = model.StatusVisited
	}
	return nil
}

// Confirm marks the question ANSWERED. An empty selection is rejected.
func (s *Session) Confirm(questionID string) error {
	i, err := s.mutable(questionID)
	if err != nil {
		return err
	}
	if s.answers[i].Selected.Empty() {
		return ErrEmptySelection
	}
	if err := s.setStatus(i, model.StatusAnswered); err != nil {
		return err
	}
	s.advance()
	return nil
}

// SaveForLater clears the selection and defers the question, whatever its
// prior status.
func (s *Session) SaveForLater(questionID string) error {
	i, err := s.mutable(questionID)
	if err != nil {
		return err
	}
	if err := s.setStatus(i, model.StatusSavedForLater); err != nil {
		return err
	}
	s.answers[i].Selected = model.Selection{}
	s.advance()
	return nil
}

// Visit moves the cursor. NOT_VISITED and SAVED_FOR_LATER targets are
// promoted to VISITED.
func (s *Session) Visit(index int) error {
	if s.mode != model.ModeActive {
		return ErrNotActive
	}
	if index < 0 || index >= len(s.questions) {
		return ErrIndexOutOfRange
	}
	s.cursor = index
	switch s.statuses[index] {
	case model.StatusNotVisited, model.StatusSavedForLater:
		s.statuses[index] = model.StatusVisited
	}
	return nil
}

// Next visits the following question; a no-op at the last index.
func (s *Session) Next() error {
	if s.mode != model.ModeActive {
		return ErrNotActive
	}
	if s.cursor >= len(s.questions)-1 {
		return nil
	}
	return s.Visit(s.cursor + 1)
}

// Previous visits the preceding question; a no-op at index 0.
func (s *Session) Previous() error {
	if s.mode != model.ModeActive {
		return ErrNotActive
	}
	if s.cursor == 0 {
		return nil
	}
	return s.Visit(s.cursor - 1)
}

func (s *Session) mutable(questionID string) (int, error) {
	if s.mode != model.ModeActive {
		return 0, ErrNotActive
	}
	i, ok := s.index[questionID]
	if !ok {
		return 0, ErrUnknownQuestion
	}
	return i, nil
}

func (s *Session) setStatus(i int, next model.QuestionStatus) error {
	if !s.statuses[i].CanTransition(next) {
		return ErrIllegalTransition
	}
	s.statuses[i] = next
	return nil
}

// advance is the auto-advance step shared by confirm and save-for-later.
func (s *Session) advance() {
	if !s.opts.AutoAdvance {
		return
	}
	_ = s.Next()
}
