package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-testengine/internal/model"
)

func sampleQuestions() []model.Question {
	return []model.Question{
		{ID: "q1", Prompt: "2+2?", Options: []string{"3", "4", "5"}},
		{ID: "q2", Prompt: "Capital of France?", Options: []string{"Paris", "Rome"}},
		{ID: "q3", Prompt: "Primes?", Options: []string{"2", "4", "3", "9"}, MultipleCorrect: true},
	}
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New(uuid.New(), sampleQuestions(), model.DefaultMarkingScheme(), time.Now(), 10*time.Minute, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func assertInvariants(t *testing.T, s *Session) {
	t.Helper()
	statuses := s.Statuses()
	answers := s.Answers()
	questions := s.Questions()
	if len(statuses) != len(questions) || len(answers) != len(questions) {
		t.Fatalf("misaligned arrays: %d questions, %d statuses, %d answers", len(questions), len(statuses), len(answers))
	}
	for i := range questions {
		if answers[i].QuestionID != questions[i].ID {
			t.Errorf("answer %d refers to %s, want %s", i, answers[i].QuestionID, questions[i].ID)
		}
		if statuses[i] == model.StatusAnswered && answers[i].Selected.Empty() {
			t.Errorf("question %d answered with empty selection", i)
		}
		if statuses[i] == model.StatusSavedForLater && !answers[i].Selected.Empty() {
			t.Errorf("question %d deferred with selection %v", i, answers[i].Selected)
		}
	}
}

func TestNewVisitsFirstQuestion(t *testing.T) {
	s := newSession(t, Options{})

	want := []model.QuestionStatus{model.StatusVisited, model.StatusNotVisited, model.StatusNotVisited}
	for i, st := range s.Statuses() {
		if st != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, st, want[i])
		}
	}
	if s.Mode() != model.ModeActive {
		t.Errorf("mode = %s, want active", s.Mode())
	}
	assertInvariants(t, s)
}

func TestNewRejectsEmptyQuestionList(t *testing.T) {
	_, err := New(uuid.New(), nil, model.DefaultMarkingScheme(), time.Now(), time.Minute, Options{})
	if !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("err = %v, want ErrNoQuestions", err)
	}
}

func TestSelectDoesNotChangeStatus(t *testing.T) {
	s := newSession(t, Options{})

	if err := s.Select("q1", 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := s.Statuses()[0]; got != model.StatusVisited {
		t.Errorf("status = %s, want VISITED", got)
	}
	if got := s.Answers()[0].Selected; !got.Equal(model.NewSelection(1)) {
		t.Errorf("selection = %v, want [1]", got)
	}
	assertInvariants(t, s)
}

func TestSelectSingleReplaces(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.Select("q1", 0)
	_ = s.Select("q1", 2)

	if got := s.Answers()[0].Selected; !got.Equal(model.NewSelection(2)) {
		t.Errorf("selection = %v, want [2]", got)
	}
}

func TestSelectMultiToggles(t *testing.T) {
	s := newSession(t, Options{})
	if err := s.Visit(2); err != nil {
		t.Fatalf("Visit: %v", err)
	}

	_ = s.Select("q3", 0)
	_ = s.Select("q3", 2)
	_ = s.Select("q3", 3)
	_ = s.Select("q3", 3)

	if got := s.Answers()[2].Selected; !got.Equal(model.NewSelection(0, 2)) {
		t.Errorf("selection = %v, want [0 2]", got)
	}
}

func TestSelectRejections(t *testing.T) {
	tests := []struct {
		name     string
		question string
		option   int
		want     error
	}{
		{"unknown question", "nope", 0, ErrUnknownQuestion},
		{"option out of range", "q1", 7, ErrInvalidOption},
		{"negative option", "q1", -1, ErrInvalidOption},
		{"not yet visited", "q2", 0, ErrIllegalTransition},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession(t, Options{})
			before := s.Answers()
			if err := s.Select(tc.question, tc.option); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			after := s.Answers()
			for i := range before {
				if !before[i].Selected.Equal(after[i].Selected) {
					t.Errorf("answer %d changed on rejected select", i)
				}
			}
		})
	}
}

func TestConfirmRequiresSelection(t *testing.T) {
	s := newSession(t, Options{})

	if err := s.Confirm("q1"); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("err = %v, want ErrEmptySelection", err)
	}
	if got := s.Statuses()[0]; got != model.StatusVisited {
		t.Errorf("status = %s after rejected confirm", got)
	}

	_ = s.Select("q1", 1)
	if err := s.Confirm("q1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got := s.Statuses()[0]; got != model.StatusAnswered {
		t.Errorf("status = %s, want ANSWERED", got)
	}
	assertInvariants(t, s)
}

func TestConfirmAutoAdvance(t *testing.T) {
	s := newSession(t, Options{AutoAdvance: true})

	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")
	if s.Cursor() != 1 {
		t.Fatalf("cursor = %d, want 1", s.Cursor())
	}
	if got := s.Statuses()[1]; got != model.StatusVisited {
		t.Errorf("status[1] = %s, want VISITED", got)
	}

	_ = s.Visit(2)
	_ = s.Select("q3", 0)
	_ = s.Confirm("q3")
	if s.Cursor() != 2 {
		t.Errorf("cursor moved past last question: %d", s.Cursor())
	}
}

func TestSaveForLaterFromEveryState(t *testing.T) {
	s := newSession(t, Options{})

	// q1: answered, q2: not visited, q3: visited with provisional selection.
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")
	_ = s.Visit(2)
	_ = s.Select("q3", 0)
	_ = s.Visit(0)

	for _, id := range []string{"q1", "q2", "q3", "q3"} {
		if err := s.SaveForLater(id); err != nil {
			t.Fatalf("SaveForLater(%s): %v", id, err)
		}
		i, _ := s.IndexOf(id)
		if got := s.Statuses()[i]; got != model.StatusSavedForLater {
			t.Errorf("%s status = %s, want SAVED_FOR_LATER", id, got)
		}
		if sel := s.Answers()[i].Selected; !sel.Empty() {
			t.Errorf("%s selection = %v, want empty", id, sel)
		}
	}
	assertInvariants(t, s)
}

func TestVisitPromotesDeferred(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.SaveForLater("q1")
	_ = s.Visit(1)
	_ = s.Visit(0)

	if got := s.Statuses()[0]; got != model.StatusVisited {
		t.Errorf("status = %s, want VISITED", got)
	}
}

func TestVisitKeepsAnswered(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")
	_ = s.Visit(1)
	_ = s.Visit(0)

	if got := s.Statuses()[0]; got != model.StatusAnswered {
		t.Errorf("status = %s, want ANSWERED", got)
	}

	// A prior answer can be changed by select + confirm.
	_ = s.Select("q1", 2)
	if err := s.Confirm("q1"); err != nil {
		t.Fatalf("re-confirm: %v", err)
	}
	if got := s.Answers()[0].Selected; !got.Equal(model.NewSelection(2)) {
		t.Errorf("selection = %v, want [2]", got)
	}
}

func TestDeselectingAnsweredMultiDropsToVisited(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.Visit(2)
	_ = s.Select("q3", 0)
	_ = s.Confirm("q3")
	_ = s.Select("q3", 0)

	if got := s.Statuses()[2]; got != model.StatusVisited {
		t.Errorf("status = %s, want VISITED", got)
	}
	assertInvariants(t, s)
}

func TestNextPreviousBounds(t *testing.T) {
	s := newSession(t, Options{})

	if err := s.Previous(); err != nil || s.Cursor() != 0 {
		t.Fatalf("Previous at 0: cursor=%d err=%v", s.Cursor(), err)
	}
	_ = s.Next()
	_ = s.Next()
	_ = s.Next()
	if s.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", s.Cursor())
	}
	_ = s.Previous()
	if s.Cursor() != 1 {
		t.Errorf("cursor = %d, want 1", s.Cursor())
	}
	if err := s.Visit(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Visit(3) err = %v", err)
	}
}

func TestReviewRejectsMutation(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")

	verdicts := []model.Verdict{model.VerdictCorrect, model.VerdictUnattempted, model.VerdictUnattempted}
	if err := s.EnterReview(verdicts); err != nil {
		t.Fatalf("EnterReview: %v", err)
	}

	ops := map[string]func() error{
		"select":         func() error { return s.Select("q1", 0) },
		"confirm":        func() error { return s.Confirm("q1") },
		"save for later": func() error { return s.SaveForLater("q1") },
		"visit":          func() error { return s.Visit(1) },
		"next":           s.Next,
		"previous":       s.Previous,
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotActive) {
			t.Errorf("%s: err = %v, want ErrNotActive", name, err)
		}
	}

	if got := s.Answers()[0]; !got.Selected.Equal(model.NewSelection(1)) || got.Verdict == nil || *got.Verdict != model.VerdictCorrect {
		t.Errorf("answer changed in review: %+v", got)
	}
	if s.Cursor() != 0 {
		t.Errorf("cursor moved in review: %d", s.Cursor())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newSession(t, Options{})
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")
	_ = s.Visit(2)
	_ = s.Select("q3", 2)

	restored, err := Restore(s.Checkpoint(), Options{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Cursor() != 2 {
		t.Errorf("cursor = %d, want 2", restored.Cursor())
	}
	for i, st := range s.Statuses() {
		if restored.Statuses()[i] != st {
			t.Errorf("status[%d] = %s, want %s", i, restored.Statuses()[i], st)
		}
		if !restored.Answers()[i].Selected.Equal(s.Answers()[i].Selected) {
			t.Errorf("answer[%d] mismatch", i)
		}
	}
	if !restored.StartedAt().Equal(s.StartedAt()) || restored.TimeLimit() != s.TimeLimit() {
		t.Errorf("timing not restored")
	}
}

func TestRestoreRejectsBrokenInvariants(t *testing.T) {
	s := newSession(t, Options{})

	tests := []struct {
		name   string
		mutate func(cp *Checkpoint)
	}{
		{"misaligned", func(cp *Checkpoint) { cp.Statuses = cp.Statuses[:2] }},
		{"answered without selection", func(cp *Checkpoint) { cp.Statuses[1] = model.StatusAnswered }},
		{"deferred with selection", func(cp *Checkpoint) {
			cp.Statuses[1] = model.StatusSavedForLater
			cp.Answers[1].Selected = model.NewSelection(0)
		}},
		{"wrong question id", func(cp *Checkpoint) { cp.Answers[0].QuestionID = "q2" }},
		{"unknown status", func(cp *Checkpoint) { cp.Statuses[0] = "BOGUS" }},
		{"cursor out of range", func(cp *Checkpoint) { cp.Cursor = 9 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cp := s.Checkpoint()
			tc.mutate(&cp)
			if _, err := Restore(cp, Options{}); err == nil {
				t.Fatal("Restore accepted a broken checkpoint")
			}
		})
	}
}
