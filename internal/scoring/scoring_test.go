package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/session"
)

func answer(values ...int) model.UserAnswer {
	return model.UserAnswer{Selected: model.NewSelection(values...)}
}

func TestGradeSingleCorrect(t *testing.T) {
	q := model.Question{ID: "q", Options: []string{"a", "b", "c"}}
	key := model.NewAnswerKey(1)

	tests := []struct {
		name string
		ans  model.UserAnswer
		want model.Verdict
	}{
		{"exact key", answer(1), model.VerdictCorrect},
		{"other index", answer(0), model.VerdictWrong},
		{"last index", answer(2), model.VerdictWrong},
		{"no selection", answer(), model.VerdictUnattempted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Grade(q, tc.ans, key); got != tc.want {
				t.Errorf("Grade = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestGradeMultipleCorrect(t *testing.T) {
	q := model.Question{ID: "q", Options: []string{"a", "b", "c", "d"}, MultipleCorrect: true}
	key := model.NewAnswerKey(0, 2)

	tests := []struct {
		name string
		ans  model.UserAnswer
		want model.Verdict
	}{
		{"proper subset", answer(0), model.VerdictPartiallyCorrect},
		{"other proper subset", answer(2), model.VerdictPartiallyCorrect},
		{"subset plus wrong option", answer(0, 1), model.VerdictWrong},
		{"exact", answer(2, 0), model.VerdictCorrect},
		{"superset", answer(0, 1, 2), model.VerdictWrong},
		{"disjoint", answer(1, 3), model.VerdictWrong},
		{"empty", answer(), model.VerdictUnattempted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Grade(q, tc.ans, key); got != tc.want {
				t.Errorf("Grade = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestGradeIntegerType(t *testing.T) {
	q := model.Question{ID: "q"}
	key := model.NewAnswerKey(42)

	if got := Grade(q, answer(42), key); got != model.VerdictCorrect {
		t.Errorf("Grade(42) = %s", got)
	}
	if got := Grade(q, answer(41), key); got != model.VerdictWrong {
		t.Errorf("Grade(41) = %s", got)
	}
}

func TestWeightMultiFallbacks(t *testing.T) {
	multi := model.Question{MultipleCorrect: true, Options: []string{"a", "b"}}
	single := model.Question{Options: []string{"a", "b"}}
	scheme := model.MarkingScheme{Correct: 4, Incorrect: -1, Unattempted: 0, Partial: 2}

	if got := Weight(multi, model.VerdictWrong, scheme); got != -1 {
		t.Errorf("multi wrong without override = %v, want -1", got)
	}

	pw, pu := -2.0, -0.5
	scheme.PartiallyWrong = &pw
	scheme.PartiallyUnattempted = &pu
	if got := Weight(multi, model.VerdictWrong, scheme); got != -2 {
		t.Errorf("multi wrong = %v, want -2", got)
	}
	if got := Weight(multi, model.VerdictUnattempted, scheme); got != -0.5 {
		t.Errorf("multi unattempted = %v, want -0.5", got)
	}
	if got := Weight(single, model.VerdictWrong, scheme); got != -1 {
		t.Errorf("single wrong = %v, want -1", got)
	}
}

func threeQuestionSession(t *testing.T, scheme model.MarkingScheme) *session.Session {
	t.Helper()
	questions := []model.Question{
		{ID: "q1", Options: []string{"a", "b", "c"}},
		{ID: "q2", Options: []string{"a", "b", "c"}},
		{ID: "q3", Options: []string{"a", "b", "c", "d"}, MultipleCorrect: true},
	}
	s, err := session.New(uuid.New(), questions, scheme, time.Now(), time.Hour, session.Options{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return s
}

func TestScoreEndToEndScenario(t *testing.T) {
	scheme := model.MarkingScheme{Correct: 1, Incorrect: -0.25, Unattempted: 0, Partial: 0.5}
	s := threeQuestionSession(t, scheme)

	// Q1 correct, Q2 skipped, Q3 partially answered.
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")
	_ = s.Next()
	_ = s.Next()
	_ = s.Select("q3", 0)
	_ = s.Confirm("q3")

	keys := map[string]model.AnswerKey{
		"q1": model.NewAnswerKey(1),
		"q2": model.NewAnswerKey(0),
		"q3": model.NewAnswerKey(0, 2),
	}
	res := Score(s, keys, scheme)

	if math.Abs(res.Score-1.5) > 1e-9 {
		t.Errorf("score = %v, want 1.5", res.Score)
	}
	if res.Correct != 1 || res.Unattempted != 1 || res.PartiallyCorrect != 1 || res.Wrong != 0 {
		t.Errorf("counts = %+v", res)
	}

	statuses := s.Statuses()
	if statuses[0] != model.StatusAnswered || statuses[2] != model.StatusAnswered {
		t.Errorf("statuses = %v", statuses)
	}
	if statuses[1] != model.StatusVisited && statuses[1] != model.StatusNotVisited {
		t.Errorf("status[1] = %s", statuses[1])
	}
	if res.Progress.Answered != 2 || res.Progress.Visited != 1 {
		t.Errorf("progress = %+v", res.Progress)
	}
}

func TestScoreNeverNegative(t *testing.T) {
	scheme := model.MarkingScheme{Correct: 1, Incorrect: -5, Unattempted: -1, Partial: 0.5}
	s := threeQuestionSession(t, scheme)

	_ = s.Select("q1", 0)
	_ = s.Next()
	_ = s.Select("q2", 0)
	_ = s.Next()
	_ = s.Select("q3", 1)

	keys := map[string]model.AnswerKey{
		"q1": model.NewAnswerKey(1),
		"q2": model.NewAnswerKey(1),
		"q3": model.NewAnswerKey(0, 2),
	}
	res := Score(s, keys, scheme)

	if res.Wrong != 3 {
		t.Fatalf("wrong = %d, want 3", res.Wrong)
	}
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}
}

func TestScoreMissingKey(t *testing.T) {
	s := threeQuestionSession(t, model.DefaultMarkingScheme())
	_ = s.Select("q1", 1)

	res := Score(s, map[string]model.AnswerKey{}, model.DefaultMarkingScheme())
	if res.Reviews[0].Verdict != model.VerdictWrong {
		t.Errorf("answered without key = %s, want WRONG", res.Reviews[0].Verdict)
	}
	if res.Reviews[1].Verdict != model.VerdictUnattempted {
		t.Errorf("empty without key = %s, want UNATTEMPTED", res.Reviews[1].Verdict)
	}
}

func TestReconcileMatchesByID(t *testing.T) {
	scheme := model.MarkingScheme{Correct: 1, Incorrect: -0.25, Partial: 0.5}
	s := threeQuestionSession(t, scheme)
	_ = s.Select("q1", 1)
	_ = s.Confirm("q1")

	yes, no := true, false
	serverScore := 1.0
	payload := model.ResultsReadyPayload{
		Status: model.NewEventStatus("success"),
		Result: map[string]model.GradedEntry{
			"q3":    {Answer: model.NewAnswerKey(0, 2), Explanation: "2 and 3", IsCorrect: &no},
			"q1":    {Answer: model.NewAnswerKey(1), Explanation: "four", IsCorrect: &yes},
			"ghost": {Answer: model.NewAnswerKey(0)},
			"q2":    {Answer: model.NewAnswerKey(2), IsCorrect: &yes},
		},
		Score: &serverScore,
	}

	rec := Reconcile(s, payload)

	if len(rec.Unknown) != 1 || rec.Unknown[0] != "ghost" {
		t.Errorf("unknown = %v, want [ghost]", rec.Unknown)
	}
	if len(rec.Disagreements) != 1 || rec.Disagreements[0] != "q2" {
		t.Errorf("disagreements = %v, want [q2]", rec.Disagreements)
	}
	if rec.Result.Reviews[0].Verdict != model.VerdictCorrect || rec.Result.Reviews[0].Explanation != "four" {
		t.Errorf("q1 review = %+v", rec.Result.Reviews[0])
	}
	if rec.Result.Score != 1 {
		t.Errorf("score = %v, want 1", rec.Result.Score)
	}
	if rec.Result.ServerScore == nil || *rec.Result.ServerScore != 1 {
		t.Errorf("server score not carried")
	}

	again := Reconcile(s, payload)
	if again.Result.Score != rec.Result.Score || again.Result.Correct != rec.Result.Correct {
		t.Errorf("reconcile is not deterministic")
	}
}
