package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ─── Requests (client → grading service) ────────────────────────────

// StartSessionRequest asks the service to enqueue a question set. The
// questions arrive later as a questions_ready event.
type StartSessionRequest struct {
	SessionID        uuid.UUID `json:"sessionId"`
	Category         string    `json:"category,omitempty"`
	QuestionCount    int       `json:"questionCount"`
	TimeLimitMinutes int       `json:"timeLimit"`
	NegativeMarking  bool      `json:"negativeMarking"`
	TestID           string    `json:"testId,omitempty"`
}

// Submission is one entry of the submitted answer array. SelectedOption is
// -1 when unanswered, a number for single-answer questions and an array for
// multi-answer questions.
type Submission struct {
	QuestionID     string    `json:"questionId"`
	Selected       Selection `json:"-"`
	MultipleAnswer bool      `json:"-"`
}

// UnansweredSentinel marks an unanswered question on the wire.
const UnansweredSentinel = -1

type submissionWire struct {
	QuestionID     string          `json:"questionId"`
	SelectedOption json.RawMessage `json:"selectedOption"`
}

// MarshalJSON encodes the selection with the unanswered sentinel.
func (s Submission) MarshalJSON() ([]byte, error) {
	var sel any
	switch {
	case s.Selected.Empty():
		sel = UnansweredSentinel
	case s.MultipleAnswer:
		sel = []int(s.Selected)
	default:
		sel = s.Selected[0]
	}
	raw, err := json.Marshal(sel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(submissionWire{QuestionID: s.QuestionID, SelectedOption: raw})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *Submission) UnmarshalJSON(data []byte) error {
	var w submissionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.QuestionID = w.QuestionID
	raw := bytes.TrimSpace(w.SelectedOption)
	if len(raw) > 0 && raw[0] == '[' {
		var vals []int
		if err := json.Unmarshal(raw, &vals); err != nil {
			return err
		}
		s.MultipleAnswer = true
		s.Selected = NewSelection(vals...)
		return nil
	}
	var v int
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
	} else {
		v = UnansweredSentinel
	}
	if v == UnansweredSentinel {
		s.Selected = Selection{}
		return nil
	}
	s.Selected = NewSelection(v)
	return nil
}

// SubmitAnswersRequest carries the full answer array and the scheme.
type SubmitAnswersRequest struct {
	Submissions   []Submission  `json:"submissions"`
	MarkingScheme MarkingScheme `json:"markingScheme"`
}

// ─── Events (grading service → client) ──────────────────────────────

// EventStatus accepts either a boolean or a string status flag.
type EventStatus struct {
	raw string
}

// UnmarshalJSON accepts true/false or any string.
func (s *EventStatus) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			s.raw = "success"
		} else {
			s.raw = "failed"
		}
		return nil
	}
	return json.Unmarshal(data, &s.raw)
}

// MarshalJSON writes the status as a string.
func (s EventStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.raw)
}

// OK reports whether the status denotes success. A missing status is OK.
func (s EventStatus) OK() bool {
	switch strings.ToLower(s.raw) {
	case "", "success", "ok", "true", "ready", "completed":
		return true
	}
	return false
}

// String returns the raw status.
func (s EventStatus) String() string { return s.raw }

// NewEventStatus builds a status from a string.
func NewEventStatus(raw string) EventStatus { return EventStatus{raw: raw} }

// QuestionsReadyPayload is the data of a questions_ready event.
type QuestionsReadyPayload struct {
	Status    EventStatus `json:"status"`
	SessionID string      `json:"sessionId,omitempty"`
	Questions []Question  `json:"questions" validate:"required,min=1,dive"`
}

// GradedEntry is the service's grading of one question.
type GradedEntry struct {
	Answer      AnswerKey `json:"answer"`
	Explanation string    `json:"explanation,omitempty"`
	IsCorrect   *bool     `json:"isCorrect,omitempty"`
}

// ResultsReadyPayload is the data of a results_ready event, keyed by question id.
type ResultsReadyPayload struct {
	Status    EventStatus            `json:"status"`
	SessionID string                 `json:"sessionId,omitempty"`
	Result    map[string]GradedEntry `json:"result" validate:"required"`
	Score     *float64               `json:"score,omitempty"`
}

// ─── Attempt persistence ────────────────────────────────────────────

// TestAttemptPayload is persisted for a standalone test.
type TestAttemptPayload struct {
	QuestionIDs []string     `json:"questionIds"`
	Response    []Submission `json:"response"`
	Result      TestResult   `json:"result"`
}

// SeriesAttemptPayload is persisted for a named test-series attempt.
type SeriesAttemptPayload struct {
	TestID   string       `json:"testId"`
	Response []Submission `json:"response"`
	Result   TestResult   `json:"result"`
	Score    float64      `json:"score"`
}

// AttemptRecord is the queued unit of attempt persistence. SessionID is the
// idempotency key.
type AttemptRecord struct {
	SessionID   uuid.UUID    `json:"session_id"`
	IdentityID  string       `json:"identity_id"`
	Kind        FlowKind     `json:"kind"`
	TestID      string       `json:"test_id,omitempty"`
	QuestionIDs []string     `json:"question_ids"`
	Response    []Submission `json:"response"`
	Result      TestResult   `json:"result"`
	RecordedAt  time.Time    `json:"recorded_at"`
}

// Payload returns the wire body matching the record kind.
func (r AttemptRecord) Payload() any {
	if r.Kind == FlowSeries {
		return SeriesAttemptPayload{
			TestID:   r.TestID,
			Response: r.Response,
			Result:   r.Result,
			Score:    r.Result.Score,
		}
	}
	return TestAttemptPayload{
		QuestionIDs: r.QuestionIDs,
		Response:    r.Response,
		Result:      r.Result,
	}
}

// AttemptSummary is a ledger row.
type AttemptSummary struct {
	SessionID   uuid.UUID  `json:"session_id"`
	IdentityID  string     `json:"identity_id"`
	Kind        FlowKind   `json:"kind"`
	TestID      *string    `json:"test_id,omitempty"`
	Score       float64    `json:"score"`
	Correct     int        `json:"correct"`
	Wrong       int        `json:"wrong"`
	Unattempted int        `json:"unattempted"`
	Partial     int        `json:"partially_correct"`
	RecordedAt  time.Time  `json:"recorded_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// ─── Local API requests ─────────────────────────────────────────────

// StartRequest is the payload for starting a session from the UI.
type StartRequest struct {
	Category         string         `json:"category" binding:"omitempty,max=100"`
	QuestionCount    int            `json:"question_count" binding:"required,min=1,max=500"`
	TimeLimitMinutes int            `json:"time_limit_minutes" binding:"required,min=1,max=600"`
	NegativeMarking  bool           `json:"negative_marking"`
	Kind             FlowKind       `json:"kind" binding:"omitempty,oneof=STANDALONE SERIES"`
	TestID           string         `json:"test_id" binding:"required_if=Kind SERIES,max=100"`
	Scheme           *MarkingScheme `json:"marking_scheme"`
}

// SelectRequest selects (or toggles) one option.
type SelectRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
	Option     *int   `json:"option" binding:"required"`
}

// QuestionRequest targets one question by id.
type QuestionRequest struct {
	QuestionID string `json:"question_id" binding:"required"`
}

// VisitRequest moves the cursor.
type VisitRequest struct {
	Index *int `json:"index" binding:"required,min=0"`
}

// ResumeRequest restores a checkpointed session.
type ResumeRequest struct {
	SessionID string `json:"session_id" binding:"required,uuid"`
}
