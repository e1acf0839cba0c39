package engine

import (
	"context"
	"regexp"
	"strings"
)

// ReplyLabel is the fixed set of inbound reply classifications the core
// consumes. The actual classifier is an external collaborator; the keyword
// classifier below is the fallback when it is unavailable.
type ReplyLabel string

const (
	LabelOptOut     ReplyLabel = "opt_out"
	LabelInterested ReplyLabel = "interested"
	LabelWantsCall  ReplyLabel = "wants_call"
	LabelQuestion   ReplyLabel = "question"
	LabelObjection  ReplyLabel = "objection"
	LabelSoftNo     ReplyLabel = "soft_no"
	LabelHardNo     ReplyLabel = "hard_no"
	LabelNeutral    ReplyLabel = "neutral"
)

// Classification is the collaborator's verdict on an inbound message.
type Classification struct {
	Label         ReplyLabel
	ObjectionType string
	Confidence    int
}

// Classifier labels free-text inbound replies. Implementations must return
// labels from the fixed set above.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

var (
	optOutRe     = regexp.MustCompile(`\b(stop|unsubscribe|cancel|end|quit|optout|opt out|remove|no more|don't text|dont text)\b`)
	interestedRe = regexp.MustCompile(`\b(yes|yeah|yep|interested|info|more|details|help|please|sounds good|tell me|okay|ok|sure)\b`)
	wantsCallRe  = regexp.MustCompile(`\b(schedule|meet|call me|calendar|appointment|available|book)\b`)
	questionRe   = regexp.MustCompile(`\b(what|how|when|where|why|who|which)\b`)
	softNoRe     = regexp.MustCompile(`\b(not interested|no thanks|pass|not now|maybe later)\b`)
	hardNoRe     = regexp.MustCompile(`\b(never|absolutely not|no way|hell no)\b`)
)

// KeywordClassifier is the data-driven fallback classifier. Rules are
// evaluated in a fixed order; opt-out always wins (compliance).
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	lower := strings.ToLower(strings.TrimSpace(text))

	if optOutRe.MatchString(lower) {
		return Classification{Label: LabelOptOut, Confidence: 100}, nil
	}
	if objType, ok := DetectObjection(lower); ok {
		return Classification{Label: LabelObjection, ObjectionType: objType, Confidence: 80}, nil
	}
	if softNoRe.MatchString(lower) {
		return Classification{Label: LabelSoftNo, Confidence: 80}, nil
	}
	if hardNoRe.MatchString(lower) {
		return Classification{Label: LabelHardNo, Confidence: 90}, nil
	}
	if wantsCallRe.MatchString(lower) {
		return Classification{Label: LabelWantsCall, Confidence: 90}, nil
	}
	if interestedRe.MatchString(lower) {
		return Classification{Label: LabelInterested, Confidence: 85}, nil
	}
	if strings.Contains(lower, "?") || questionRe.MatchString(lower) {
		return Classification{Label: LabelQuestion, Confidence: 75}, nil
	}
	return Classification{Label: LabelNeutral, Confidence: 50}, nil
}
