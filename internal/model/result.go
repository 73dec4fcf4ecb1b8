package model

import (
	"time"

	"github.com/google/uuid"
)

// TestResult is derived from a session and a grading response. It is always
// recomputed, never mutated in place.
type TestResult struct {
	SessionID        uuid.UUID        `json:"session_id"`
	Score            float64          `json:"score"`
	ServerScore      *float64         `json:"server_score,omitempty"`
	Correct          int              `json:"correct"`
	Wrong            int              `json:"wrong"`
	Unattempted      int              `json:"unattempted"`
	PartiallyCorrect int              `json:"partially_correct"`
	Progress         StatusCounts     `json:"progress"`
	Elapsed          time.Duration    `json:"elapsed"`
	Reviews          []QuestionReview `json:"reviews"`
}

// StatusCounts tallies navigational statuses, independent of correctness.
type StatusCounts struct {
	Answered      int `json:"answered"`
	SavedForLater int `json:"saved_for_later"`
	NotVisited    int `json:"not_visited"`
	Visited       int `json:"visited"`
}

// QuestionReview is the read-only per-question view rendered after grading.
type QuestionReview struct {
	QuestionID    string         `json:"question_id"`
	Status        QuestionStatus `json:"status"`
	Selected      Selection      `json:"selected"`
	CorrectAnswer AnswerKey      `json:"correct_answer"`
	Explanation   string         `json:"explanation,omitempty"`
	Verdict       Verdict        `json:"verdict"`
	Points        float64        `json:"points"`
	ServerCorrect *bool          `json:"server_correct,omitempty"`
}

// Verdicts returns the verdicts in question order.
func (r *TestResult) Verdicts() []Verdict {
	out := make([]Verdict, len(r.Reviews))
	for i, rv := range r.Reviews {
		out[i] = rv.Verdict
	}
	return out
}
