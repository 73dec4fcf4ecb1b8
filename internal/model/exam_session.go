package model

// QuestionStatus is the navigational state of one question in a session.
type QuestionStatus string

const (
	StatusNotVisited    QuestionStatus = "NOT_VISITED"
	StatusVisited       QuestionStatus = "VISITED"
	StatusSavedForLater QuestionStatus = "SAVED_FOR_LATER"
	StatusAnswered      QuestionStatus = "ANSWERED"
)

// questionTransitions enumerates the legal status moves. NOT_VISITED is never
// a target. Deferring is allowed from every state.
var questionTransitions = map[QuestionStatus][]QuestionStatus{
	StatusNotVisited:    {StatusVisited, StatusSavedForLater},
	StatusVisited:       {StatusVisited, StatusAnswered, StatusSavedForLater},
	StatusAnswered:      {StatusAnswered, StatusSavedForLater, StatusVisited},
	StatusSavedForLater: {StatusSavedForLater, StatusVisited, StatusAnswered},
}

// CanTransition reports whether moving from s to next is legal.
func (s QuestionStatus) CanTransition(next QuestionStatus) bool {
	for _, allowed := range questionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s QuestionStatus) Valid() bool {
	_, ok := questionTransitions[s]
	return ok
}

// Mode says whether a session still accepts answers.
type Mode string

const (
	ModeActive Mode = "active"
	ModeReview Mode = "review"
)

// Lifecycle is the session-wide phase, distinct from per-question status.
type Lifecycle string

const (
	LifecycleIdle       Lifecycle = "IDLE"
	LifecycleRequesting Lifecycle = "REQUESTING"
	LifecycleActive     Lifecycle = "ACTIVE"
	LifecycleSubmitting Lifecycle = "SUBMITTING"
	LifecycleGraded     Lifecycle = "GRADED"
)

var lifecycleTransitions = map[Lifecycle][]Lifecycle{
	LifecycleIdle:       {LifecycleRequesting, LifecycleActive},
	LifecycleRequesting: {LifecycleActive, LifecycleIdle},
	LifecycleActive:     {LifecycleSubmitting, LifecycleIdle},
	LifecycleSubmitting: {LifecycleGraded, LifecycleActive, LifecycleIdle},
	LifecycleGraded:     {LifecycleIdle},
}

// CanTransition reports whether moving from l to next is legal.
// IDLE -> ACTIVE is only used when resuming from a checkpoint.
func (l Lifecycle) CanTransition(next Lifecycle) bool {
	for _, allowed := range lifecycleTransitions[l] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Verdict is the graded outcome of one question.
type Verdict string

const (
	VerdictCorrect          Verdict = "CORRECT"
	VerdictWrong            Verdict = "WRONG"
	VerdictPartiallyCorrect Verdict = "PARTIALLY_CORRECT"
	VerdictUnattempted      Verdict = "UNATTEMPTED"
)

// FlowKind selects which attempt record is persisted after grading.
type FlowKind string

const (
	FlowStandalone FlowKind = "STANDALONE"
	FlowSeries     FlowKind = "SERIES"
)

// UserAnswer is the per-question answer state. Verdict is set only once the
// session has been graded.
type UserAnswer struct {
	QuestionID string    `json:"question_id"`
	Selected   Selection `json:"selected"`
	Verdict    *Verdict  `json:"verdict,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
}
