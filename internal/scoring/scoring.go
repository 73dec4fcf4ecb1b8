// Package scoring grades answers against answer keys and aggregates a
// session into a TestResult. Everything here is a pure function.
package scoring

import (
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/session"
)

// Grade returns the verdict for one answer.
//
// Multi-answer partial credit is subset-only: a non-empty proper subset of
// the key earns PARTIALLY_CORRECT, while any wrong option (including a
// superset of the key) makes the answer WRONG.
func Grade(q model.Question, ans model.UserAnswer, key model.AnswerKey) model.Verdict {
	sel := ans.Selected
	if sel.Empty() {
		return model.VerdictUnattempted
	}

	if !q.MultipleCorrect {
		if len(sel) == 1 && len(key.Values) == 1 && sel[0] == key.Values[0] {
			return model.VerdictCorrect
		}
		return model.VerdictWrong
	}

	switch {
	case sel.Equal(key.Values):
		return model.VerdictCorrect
	case len(sel) < len(key.Values) && sel.SubsetOf(key.Values):
		return model.VerdictPartiallyCorrect
	default:
		return model.VerdictWrong
	}
}

// Weight returns the points a verdict earns under the scheme. Multi-answer
// questions use the dedicated unattempted and wrong weights.
func Weight(q model.Question, v model.Verdict, scheme model.MarkingScheme) float64 {
	switch v {
	case model.VerdictCorrect:
		return scheme.Correct
	case model.VerdictPartiallyCorrect:
		return scheme.Partial
	case model.VerdictWrong:
		if q.MultipleCorrect {
			return scheme.MultiWrong()
		}
		return scheme.Incorrect
	default:
		if q.MultipleCorrect {
			return scheme.MultiUnattempted()
		}
		return scheme.Unattempted
	}
}

// Score grades every question of the session against keys (by question id)
// and sums the weights, flooring the total at zero. A question with no key
// is graded UNATTEMPTED when empty and WRONG otherwise.
func Score(s *session.Session, keys map[string]model.AnswerKey, scheme model.MarkingScheme) model.TestResult {
	questions := s.Questions()
	statuses := s.Statuses()
	answers := s.Answers()

	res := model.TestResult{
		SessionID: s.ID(),
		Reviews:   make([]model.QuestionReview, len(questions)),
	}

	total := 0.0
	for i, q := range questions {
		key, ok := keys[q.ID]
		var v model.Verdict
		switch {
		case ok:
			v = Grade(q, answers[i], key)
		case answers[i].Selected.Empty():
			v = model.VerdictUnattempted
		default:
			v = model.VerdictWrong
		}

		pts := Weight(q, v, scheme)
		total += pts

		switch v {
		case model.VerdictCorrect:
			res.Correct++
		case model.VerdictWrong:
			res.Wrong++
		case model.VerdictPartiallyCorrect:
			res.PartiallyCorrect++
		default:
			res.Unattempted++
		}

		res.Reviews[i] = model.QuestionReview{
			QuestionID:    q.ID,
			Status:        statuses[i],
			Selected:      answers[i].Selected,
			CorrectAnswer: key,
			Explanation:   q.Explanation,
			Verdict:       v,
			Points:        pts,
		}
	}

	if total < 0 {
		total = 0
	}
	res.Score = total
	res.Progress = CountStatuses(statuses)
	return res
}

// CountStatuses tallies navigational statuses for progress analytics.
func CountStatuses(statuses []model.QuestionStatus) model.StatusCounts {
	var c model.StatusCounts
	for _, st := range statuses {
		switch st {
		case model.StatusAnswered:
			c.Answered++
		case model.StatusSavedForLater:
			c.SavedForLater++
		case model.StatusVisited:
			c.Visited++
		default:
			c.NotVisited++
		}
	}
	return c
}
