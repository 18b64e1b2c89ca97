// Package answer implements the <answer>VALUE</answer> wire format shared by
// gold answers and model replies.
package answer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	openTag  = "<answer>"
	closeTag = "</answer>"
)

var (
	ErrEmptyReply = errors.New("empty reply")
	ErrEmptyGold  = errors.New("empty gold answer")
)

var answerPattern = regexp.MustCompile(`(?is)<answer>\s*(.*?)\s*</answer>`)

// Format wraps value in the answer delimiter.
func Format(value string) string {
	return openTag + value + closeTag
}

// FormatCount formats an integer count as a gold answer.
func FormatCount(count int) string {
	return Format(strconv.Itoa(count))
}

// Parse extracts the trimmed value of the first delimited answer in text.
// When no delimiter is present it returns the trimmed text and found=false.
func Parse(text string) (value string, found bool) {
	m := answerPattern.FindStringSubmatch(text)
	if m == nil {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(m[1]), true
}

// Outcome classifies a comparison between a reply and a gold answer.
type Outcome int

const (
	Incorrect Outcome = iota
	Correct
	// Failed means the comparison could not be made at all.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Correct:
		return "correct"
	case Incorrect:
		return "incorrect"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Judgment is the result of comparing one reply against its gold answer.
type Judgment struct {
	Outcome Outcome
	Model   string // extracted model answer
	Gold    string // extracted gold answer
	Err     error  // set when Outcome is Failed
}

// Reward collapses the judgment to the scalar reward used for training.
func (j Judgment) Reward() float64 {
	if j.Outcome == Correct {
		return 1.0
	}
	return -1.0
}

// Judge extracts both answers and compares them case-insensitively.
func Judge(reply, gold string) Judgment {
	model, _ := Parse(reply)
	want, _ := Parse(gold)

	switch {
	case strings.TrimSpace(reply) == "":
		return Judgment{Outcome: Failed, Gold: want, Err: ErrEmptyReply}
	case want == "":
		return Judgment{Outcome: Failed, Model: model, Err: ErrEmptyGold}
	}

	j := Judgment{Outcome: Incorrect, Model: model, Gold: want}
	if strings.EqualFold(model, want) {
		j.Outcome = Correct
	}
	return j
}
