package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Question is a single question delivered for a session. It is immutable once
// the session has been populated.
type Question struct {
	ID              string       `json:"id" validate:"required"`
	Prompt          string       `json:"prompt"`
	Options         []string     `json:"options"`
	MultipleCorrect bool         `json:"multipleCorrectType"`
	Explanation     string       `json:"explanation,omitempty"`
	Meta            QuestionMeta `json:"meta,omitempty"`
}

// QuestionMeta carries optional descriptive metadata.
type QuestionMeta struct {
	Creator string  `json:"creator,omitempty"`
	Year    int     `json:"year,omitempty"`
	Rating  float64 `json:"rating,omitempty"`
}

// IsIntegerType reports whether the question is a free-entry numeric question.
func (q Question) IsIntegerType() bool {
	return len(q.Options) == 0
}

// AcceptsOption reports whether v is a legal selection for the question.
// Integer-type questions accept any value.
func (q Question) AcceptsOption(v int) bool {
	if q.IsIntegerType() {
		return true
	}
	return v >= 0 && v < len(q.Options)
}

// AnswerKey is the set of option indices (or the single numeric value for
// integer-type questions) that make up a fully correct answer.
type AnswerKey struct {
	Values Selection
}

// NewAnswerKey builds a key from the given values.
func NewAnswerKey(values ...int) AnswerKey {
	return AnswerKey{Values: NewSelection(values...)}
}

// UnmarshalJSON accepts either a bare number or an array of numbers.
func (k *AnswerKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		k.Values = nil
		return nil
	}

	if data[0] == '[' {
		var vals []int
		if err := json.Unmarshal(data, &vals); err != nil {
			return fmt.Errorf("decode answer key: %w", err)
		}
		k.Values = NewSelection(vals...)
		return nil
	}

	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode answer key: %w", err)
	}
	k.Values = NewSelection(v)
	return nil
}

// MarshalJSON writes a single value as a number and anything else as an array.
func (k AnswerKey) MarshalJSON() ([]byte, error) {
	if len(k.Values) == 1 {
		return json.Marshal(k.Values[0])
	}
	if k.Values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(k.Values))
}

// MarkingScheme holds the signed weights applied to each verdict. The two
// multi-answer weights fall back to Unattempted and Incorrect when unset.
type MarkingScheme struct {
	Correct              float64  `json:"correct"`
	Incorrect            float64  `json:"incorrect"`
	Unattempted          float64  `json:"unattempted"`
	Partial              float64  `json:"partial"`
	PartiallyUnattempted *float64 `json:"partiallyUnattempted,omitempty"`
	PartiallyWrong       *float64 `json:"partiallyWrong,omitempty"`
}

// DefaultMarkingScheme awards one point per correct answer and nothing else.
func DefaultMarkingScheme() MarkingScheme {
	return MarkingScheme{Correct: 1}
}

// WithoutNegatives returns a copy with every negative weight raised to zero.
func (m MarkingScheme) WithoutNegatives() MarkingScheme {
	out := MarkingScheme{
		Correct:     nonNegative(m.Correct),
		Incorrect:   nonNegative(m.Incorrect),
		Unattempted: nonNegative(m.Unattempted),
		Partial:     nonNegative(m.Partial),
	}
	if m.PartiallyUnattempted != nil {
		v := nonNegative(*m.PartiallyUnattempted)
		out.PartiallyUnattempted = &v
	}
	if m.PartiallyWrong != nil {
		v := nonNegative(*m.PartiallyWrong)
		out.PartiallyWrong = &v
	}
	return out
}

// MultiUnattempted is the weight for an empty selection on a multi-answer question.
func (m MarkingScheme) MultiUnattempted() float64 {
	if m.PartiallyUnattempted != nil {
		return *m.PartiallyUnattempted
	}
	return m.Unattempted
}

// MultiWrong is the weight for a wrong selection on a multi-answer question.
func (m MarkingScheme) MultiWrong() float64 {
	if m.PartiallyWrong != nil {
		return *m.PartiallyWrong
	}
	return m.Incorrect
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
