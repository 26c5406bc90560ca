package chat

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/thronecompanions/throne/internal/protocol"
)

// Pending is an outstanding clarification request together with the message
// that triggered it.
type Pending struct {
	protocol.Clarification
	// Origin is the visitor message the backend asked about.
	Origin string
}

// submission is a validated answer to a pending clarification.
type submission struct {
	answers map[int]string
	option  string
}

// validateSubmission checks in against the pending request. Answers and a
// chosen option are mutually exclusive; blank answers are dropped.
func validateSubmission(p Pending, in Input) (submission, error) {
	hasAnswers := len(in.Answers) > 0
	hasOption := in.ChosenOption != ""

	switch {
	case hasAnswers && hasOption:
		return submission{}, ErrMixedSubmission
	case !hasAnswers && !hasOption:
		if strings.TrimSpace(in.Text) != "" {
			return submission{}, ErrClarificationPending
		}
		return submission{}, ErrEmptyMessage
	case hasOption:
		if !slices.Contains(p.QuickOptions, in.ChosenOption) {
			return submission{}, fmt.Errorf("%w: %q", ErrUnknownOption, in.ChosenOption)
		}
		return submission{option: in.ChosenOption}, nil
	}

	answers := make(map[int]string, len(in.Answers))
	for idx, ans := range in.Answers {
		if idx < 0 || idx >= len(p.Questions) {
			return submission{}, fmt.Errorf("%w: %d", ErrUnknownQuestion, idx)
		}
		if ans = strings.TrimSpace(ans); ans != "" {
			answers[idx] = ans
		}
	}
	if len(answers) == 0 {
		return submission{}, ErrEmptyMessage
	}
	return submission{answers: answers}, nil
}

// display renders the submission as the visitor's log line.
func (s submission) display(p Pending) string {
	if s.option != "" {
		return s.option
	}
	idx := make([]int, 0, len(s.answers))
	for i := range s.answers {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	var b strings.Builder
	for n, i := range idx {
		if n > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s %s", p.Questions[i], s.answers[i])
	}
	return b.String()
}
