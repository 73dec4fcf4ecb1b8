package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/service"
)

const clearScreen = "\x1b[H\x1b[2J"

var statusGlyph = map[model.QuestionStatus]string{
	model.StatusNotVisited:    ".",
	model.StatusVisited:       "o",
	model.StatusSavedForLater: "?",
	model.StatusAnswered:      "*",
}

// render draws one frame. Raw mode needs explicit carriage returns.
func render(w io.Writer, snap service.Snapshot, notice string) {
	var b strings.Builder
	b.WriteString(clearScreen)

	switch snap.Lifecycle {
	case model.LifecycleIdle:
		b.WriteString("No session.\n")
		if snap.Error != "" {
			fmt.Fprintf(&b, "Last error: %s\n", snap.Error)
		}
		b.WriteString("\n[q] quit\n")
	case model.LifecycleRequesting:
		b.WriteString("Requesting questions...\n")
	case model.LifecycleSubmitting:
		b.WriteString("Submitting answers, waiting for grading...\n")
	case model.LifecycleActive:
		renderQuestion(&b, snap)
	case model.LifecycleGraded:
		renderResult(&b, snap)
	}

	if snap.ChannelError != "" {
		fmt.Fprintf(&b, "\n! connection problem: %s\n", snap.ChannelError)
	}
	if notice != "" {
		fmt.Fprintf(&b, "\n> %s\n", notice)
	}

	io.WriteString(w, strings.ReplaceAll(b.String(), "\n", "\r\n"))
}

func renderQuestion(b *strings.Builder, snap service.Snapshot) {
	if snap.Current == nil {
		return
	}
	q := snap.Current
	mins, secs := snap.RemainingSeconds/60, snap.RemainingSeconds%60
	fmt.Fprintf(b, "Question %d/%d   time left %02d:%02d\n", snap.Cursor+1, len(snap.Questions), mins, secs)
	b.WriteString(palette(snap.Statuses, snap.Cursor))
	b.WriteString("\n\n")

	b.WriteString(q.Prompt)
	if q.MultipleCorrect {
		b.WriteString("  (select all that apply)")
	}
	b.WriteString("\n\n")

	var selected model.Selection
	if snap.Cursor < len(snap.Answers) {
		selected = snap.Answers[snap.Cursor].Selected
	}
	for i, opt := range q.Options {
		mark := " "
		if selected.Contains(i) {
			mark = "x"
		}
		fmt.Fprintf(b, "  [%s] %d. %s\n", mark, i+1, opt)
	}

	b.WriteString("\n[1-9] select  [c] confirm  [l] later  [n/p] next/prev  [s] submit  [q] exit\n")
}

func renderResult(b *strings.Builder, snap service.Snapshot) {
	if snap.Result == nil {
		return
	}
	r := snap.Result
	fmt.Fprintf(b, "Score: %g\n", r.Score)
	fmt.Fprintf(b, "Correct %d  Partial %d  Wrong %d  Unattempted %d\n\n",
		r.Correct, r.PartiallyCorrect, r.Wrong, r.Unattempted)

	for i, rv := range r.Reviews {
		fmt.Fprintf(b, "%2d. %-17s %+g\n", i+1, rv.Verdict, rv.Points)
	}
	b.WriteString("\n[q] quit\n")
}

// palette renders one glyph per question, bracketing the cursor.
func palette(statuses []model.QuestionStatus, cursor int) string {
	var b strings.Builder
	for i, st := range statuses {
		g := statusGlyph[st]
		if i == cursor {
			b.WriteString("[" + g + "]")
		} else {
			b.WriteString(" " + g + " ")
		}
	}
	return b.String()
}
