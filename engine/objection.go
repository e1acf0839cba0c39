package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/utils"
)

// Objection types. ObjectionUnknown is the fallback for unmatched text and
// carries its own short rebuttal budget.
const (
	ObjectionNotInterested = "not_interested"
	ObjectionTooBusy       = "too_busy"
	ObjectionSendEmail     = "send_email"
	ObjectionHowGotNumber  = "how_got_number"
	ObjectionScam          = "scam_accusation"
	ObjectionUnknown       = "unknown"
)

// ObjectionRule is one row of the ordered classification table: first
// matching type wins. Kept as data, not control flow, so the table is
// testable and swappable without touching the engine.
type ObjectionRule struct {
	Type         string
	Pattern      *regexp.Regexp
	MaxRebuttals int
	Templates    []string
}

// Rebuttal templates rotate by attempt number, not at random, so a given
// (lead, type, count) always produces the same message.
var objectionRules = []ObjectionRule{
	{
		Type:         ObjectionNotInterested,
		Pattern:      regexp.MustCompile(`\b(not interested|no thanks|pass)\b`),
		MaxRebuttals: 2,
		Templates: []string{
			"Totally get it, {first_name}. Most folks I talk to say that at first. Mind if I ask - is it timing or just not on your radar?",
			"No pressure at all, {first_name}. Quick question though - have you ever thought about what your options look like?",
		},
	},
	{
		Type:         ObjectionTooBusy,
		Pattern:      regexp.MustCompile(`\b(busy|don't have time|dont have time|not now)\b`),
		MaxRebuttals: 3,
		Templates: []string{
			"I hear you, {first_name} - running a business is no joke. This literally takes 5 mins. When's better?",
			"Totally understand, {first_name}. I'll keep it super quick. Would 10 mins tomorrow work better?",
			"{first_name}, last note from me - if I can show you the number in one text, worth a look?",
		},
	},
	{
		Type:         ObjectionSendEmail,
		Pattern:      regexp.MustCompile(`\bemail\b`),
		MaxRebuttals: 2,
		Templates: []string{
			"Happy to, {first_name}. Best email for you?",
			"Sure thing, {first_name} - what's the best email to reach you?",
		},
	},
	{
		Type:         ObjectionHowGotNumber,
		Pattern:      regexp.MustCompile(`\b(how.*(got|get|find).*number|where.*number)\b`),
		MaxRebuttals: 2,
		Templates: []string{
			"Public business records, {first_name} - I help owners understand their options. Want me to remove you?",
			"Business databases, {first_name} - totally understand if you want off the list. Just say the word.",
		},
	},
	{
		Type:         ObjectionScam,
		Pattern:      regexp.MustCompile(`\b(scam|fraud|fake)\b`),
		MaxRebuttals: 2,
		Templates: []string{
			"I get why you'd be skeptical, {first_name} - lots of junk out there. We're a real company. Happy to send you our info.",
			"Totally fair, {first_name}. You can look us up - I'll wait.",
		},
	},
	{
		Type:         ObjectionUnknown,
		Pattern:      nil, // fallback, never matched by pattern
		MaxRebuttals: 2,
		Templates: []string{
			"I understand, {first_name}. Let me know if anything changes.",
			"{first_name}, no worries either way - happy to answer anything when you're ready.",
		},
	},
}

// DetectObjection classifies free text into an objection type using the
// ordered rule table. Returns false when nothing matches.
func DetectObjection(lowerText string) (string, bool) {
	for _, rule := range objectionRules {
		if rule.Pattern != nil && rule.Pattern.MatchString(lowerText) {
			return rule.Type, true
		}
	}
	return "", false
}

func ruleFor(objectionType string) ObjectionRule {
	for _, rule := range objectionRules {
		if rule.Type == objectionType {
			return rule
		}
	}
	return objectionRules[len(objectionRules)-1] // unknown
}

// ObjectionOutcome is the decision for one inbound objection: either the
// next rebuttal message, or a back-off signal telling the caller to hand
// the lead to a human-review queue.
type ObjectionOutcome struct {
	ObjectionType  string
	BackOff        bool
	RebuttalNumber int // 1-based; 0 on back-off
	Message        string
}

// ObjectionEngine tracks bounded rebuttal sessions per (lead, type). Pure
// decision function: the actual send goes through the execution router.
type ObjectionEngine struct {
	sessions ObjectionSessionRepository
	log      *logrus.Logger
}

func NewObjectionEngine(sessions ObjectionSessionRepository, log *logrus.Logger) *ObjectionEngine {
	if log == nil {
		log = logrus.New()
	}
	return &ObjectionEngine{sessions: sessions, log: log}
}

// Handle classifies an objection message and decides whether to keep
// persuading or back off. forcedType, if non-empty, skips classification
// (used when the external classifier already named the type).
func (e *ObjectionEngine) Handle(ctx context.Context, lead *models.Lead, objectionText, forcedType string) (ObjectionOutcome, error) {
	objectionType := forcedType
	if objectionType == "" {
		detected, ok := DetectObjection(objectionText)
		if !ok {
			detected = ObjectionUnknown
		}
		objectionType = detected
	}
	rule := ruleFor(objectionType)

	session, err := e.sessions.GetOrCreate(ctx, lead.TeamID, lead.ID, objectionType, rule.MaxRebuttals)
	if err != nil {
		return ObjectionOutcome{}, fmt.Errorf("objection session: %w", err)
	}

	// At the cap: signal back-off and leave the counter untouched.
	if session.RebuttalCount >= session.MaxRebuttals {
		e.log.WithFields(logrus.Fields{
			"lead_id":        lead.ID,
			"objection_type": objectionType,
			"rebuttals":      session.RebuttalCount,
		}).Info("objection rebuttals exhausted, backing off")
		return ObjectionOutcome{ObjectionType: objectionType, BackOff: true}, nil
	}

	template := rule.Templates[session.RebuttalCount%len(rule.Templates)]
	message := utils.RenderTemplate(template, map[string]string{
		"first_name": lead.FirstName,
	})

	session.RebuttalCount++
	if err := e.sessions.Save(ctx, session); err != nil {
		return ObjectionOutcome{}, fmt.Errorf("save objection session: %w", err)
	}

	return ObjectionOutcome{
		ObjectionType:  objectionType,
		RebuttalNumber: session.RebuttalCount,
		Message:        message,
	}, nil
}
