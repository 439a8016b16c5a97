package domain

import (
	"fmt"
	"strings"
	"time"
)

type FeedbackSource string

const (
	SourceAutomated FeedbackSource = "automated"
	SourceHuman     FeedbackSource = "human"
)

// ReviewFeedback is immutable once recorded. NoInput marks an empty human response;
// it is never interpreted as approval.
type ReviewFeedback struct {
	Source     FeedbackSource `json:"source" enum:"automated,human"`
	Text       string         `json:"text"`
	NoInput    bool           `json:"no_input,omitempty"`
	RecordedAt string         `json:"recorded_at" format:"date-time"`
}

func AutomatedFeedback(text string, at time.Time) ReviewFeedback {
	return ReviewFeedback{Source: SourceAutomated, Text: text, RecordedAt: at.UTC().Format(time.RFC3339)}
}

// HumanFeedback keeps raw verbatim, except that invalid UTF-8 sequences become U+FFFD; the
// checkpoint is JSON and would make that substitution on reload anyway.
func HumanFeedback(raw string, at time.Time) ReviewFeedback {
	raw = strings.ToValidUTF8(raw, "\uFFFD")
	return ReviewFeedback{
		Source:     SourceHuman,
		Text:       raw,
		NoInput:    strings.TrimSpace(raw) == "",
		RecordedAt: at.UTC().Format(time.RFC3339),
	}
}

// PromptText is the text handed to the generator.
func (f *ReviewFeedback) PromptText() string {
	if f == nil {
		return "None"
	}
	if f.NoInput {
		return "No feedback was provided by the reviewer."
	}
	return f.Text
}

type Outcome string

const (
	Accepted Outcome = "Accepted"
	Rejected Outcome = "Rejected"
)

func (o Outcome) Valid() bool { return o == Accepted || o == Rejected }

// ParseOutcome accepts exactly Accepted or Rejected. Anything else, including other casings,
// is a contract violation.
func ParseOutcome(v string) (Outcome, error) {
	if o := Outcome(v); o.Valid() {
		return o, nil
	}
	return "", fmt.Errorf("%w: decision %q is not Accepted or Rejected", ErrContractViolation, v)
}

// Decision records the evaluator outcome. RetryCount is the stage counter observed
// when the decision was taken, before a rejection is counted.
type Decision struct {
	Outcome    Outcome `json:"outcome" enum:"Accepted,Rejected"`
	RetryCount int     `json:"retry_count"`
	DecidedAt  string  `json:"decided_at" format:"date-time"`
}
