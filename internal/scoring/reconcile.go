package scoring

import (
	"sort"

	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/session"
)

// Reconciliation is the outcome of matching a results_ready payload against
// the locally held answers.
type Reconciliation struct {
	Result model.TestResult
	// Unknown lists question ids present in the payload but not in the session.
	Unknown []string
	// Disagreements lists question ids where the service's isCorrect flag
	// differs from the local verdict.
	Disagreements []string
}

// Reconcile matches graded entries by question id, never by position, and
// scores the session with the session's own marking scheme. The local
// verdict is canonical; the service's flag is kept for review.
func Reconcile(s *session.Session, payload model.ResultsReadyPayload) Reconciliation {
	keys := make(map[string]model.AnswerKey, len(payload.Result))
	var unknown []string
	for qid, entry := range payload.Result {
		if _, ok := s.IndexOf(qid); !ok {
			unknown = append(unknown, qid)
			continue
		}
		keys[qid] = entry.Answer
	}
	sort.Strings(unknown)

	res := Score(s, keys, s.Scheme())
	res.ServerScore = payload.Score

	var disagreements []string
	for i := range res.Reviews {
		rv := &res.Reviews[i]
		entry, ok := payload.Result[rv.QuestionID]
		if !ok {
			continue
		}
		if entry.Explanation != "" {
			rv.Explanation = entry.Explanation
		}
		if entry.IsCorrect != nil {
			flag := *entry.IsCorrect
			rv.ServerCorrect = &flag
			if flag != (rv.Verdict == model.VerdictCorrect) {
				disagreements = append(disagreements, rv.QuestionID)
			}
		}
	}

	return Reconciliation{Result: res, Unknown: unknown, Disagreements: disagreements}
}
