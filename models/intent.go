package models

import (
	"fmt"
	"strings"
)

// Intent is the classified purpose of an inbound reply.
type Intent string

const (
	IntentInterested  Intent = "interested"
	IntentNotNow      Intent = "not_now"
	IntentQuestion    Intent = "question"
	IntentReferral    Intent = "referral"
	IntentObjection   Intent = "objection"
	IntentUnsubscribe Intent = "unsubscribe"
	IntentUnknown     Intent = "unknown"
)

var knownIntents = map[Intent]bool{
	IntentInterested:  true,
	IntentNotNow:      true,
	IntentQuestion:    true,
	IntentReferral:    true,
	IntentObjection:   true,
	IntentUnsubscribe: true,
	IntentUnknown:     true,
}

func (i Intent) Valid() bool {
	return knownIntents[i]
}

// ParseIntent normalises a free-form label into a known intent.
func ParseIntent(raw string) Intent {
	label := Intent(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(raw, "-", "_"))))
	if label.Valid() {
		return label
	}
	return IntentUnknown
}

// KeywordRule maps a set of lowercase keywords onto a tag.
type KeywordRule[T ~string] struct {
	Tag      T
	Keywords []string
}

// IntentKeywordRules is the fallback classifier used when the AI capability
// is unavailable. Rules are checked in order; the first hit wins.
var IntentKeywordRules = []KeywordRule[Intent]{
	{Tag: IntentUnsubscribe, Keywords: []string{"unsubscribe", "stop messaging", "remove me", "do not contact", "don't contact", "not interested"}},
	{Tag: IntentNotNow, Keywords: []string{"not now", "not right now", "next quarter", "maybe later", "reach out later", "circle back", "bad timing"}},
	{Tag: IntentReferral, Keywords: []string{"talk to", "reach out to", "better person", "colleague", "cc'ing", "looping in"}},
	{Tag: IntentInterested, Keywords: []string{"interested", "let's talk", "sounds good", "book a call", "happy to chat", "set up a call", "calendar"}},
	{Tag: IntentObjection, Keywords: []string{"too expensive", "already have", "already use", "no budget", "we're covered"}},
	{Tag: IntentQuestion, Keywords: []string{"how much", "what does", "how does", "can you", "pricing", "?"}},
}

// FitRating is the qualitative AI fit tier found in a research brief.
type FitRating string

const (
	FitVeryHigh FitRating = "very_high"
	FitHigh     FitRating = "high"
	FitMedium   FitRating = "medium"
	FitLow      FitRating = "low"
	FitNone     FitRating = ""
)

// FitRatingPoints is the fit-score contribution per tier.
var FitRatingPoints = map[FitRating]int{
	FitVeryHigh: 10,
	FitHigh:     7,
	FitMedium:   4,
	FitLow:      0,
	FitNone:     0,
}

// FitRatingRules maps free-text ratings onto tiers. Longer phrases first so
// "very high" is not read as "high".
var FitRatingRules = []KeywordRule[FitRating]{
	{Tag: FitVeryHigh, Keywords: []string{"very high", "very_high", "excellent", "exceptional"}},
	{Tag: FitHigh, Keywords: []string{"high", "strong"}},
	{Tag: FitMedium, Keywords: []string{"medium", "moderate", "average"}},
	{Tag: FitLow, Keywords: []string{"low", "weak", "poor"}},
}

// MatchKeywords returns the first rule whose keyword occurs in text.
func MatchKeywords[T ~string](rules []KeywordRule[T], text string) (T, bool) {
	lower := strings.ToLower(text)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Tag, true
			}
		}
	}
	var zero T
	return zero, false
}

// ParseFitRating resolves a research brief's free-text rating.
func ParseFitRating(raw string) FitRating {
	if tag, ok := MatchKeywords(FitRatingRules, raw); ok {
		return tag
	}
	return FitNone
}

// ValidateKeywordTables checks the declarative tables. Called at startup.
func ValidateKeywordTables() error {
	if err := validateRules(IntentKeywordRules, func(i Intent) bool { return i.Valid() && i != IntentUnknown }); err != nil {
		return fmt.Errorf("intent keyword table: %w", err)
	}
	if err := validateRules(FitRatingRules, func(r FitRating) bool {
		_, ok := FitRatingPoints[r]
		return ok && r != FitNone
	}); err != nil {
		return fmt.Errorf("fit rating table: %w", err)
	}
	return nil
}

func validateRules[T ~string](rules []KeywordRule[T], known func(T) bool) error {
	if len(rules) == 0 {
		return fmt.Errorf("no rules defined")
	}
	tags := make(map[T]bool)
	seen := make(map[string]T)
	for _, rule := range rules {
		if !known(rule.Tag) {
			return fmt.Errorf("unknown tag %q", rule.Tag)
		}
		if tags[rule.Tag] {
			return fmt.Errorf("tag %q defined twice", rule.Tag)
		}
		tags[rule.Tag] = true
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("tag %q has no keywords", rule.Tag)
		}
		for _, kw := range rule.Keywords {
			if strings.TrimSpace(kw) == "" || kw != strings.ToLower(kw) {
				return fmt.Errorf("tag %q has invalid keyword %q", rule.Tag, kw)
			}
			if prev, dup := seen[kw]; dup {
				return fmt.Errorf("keyword %q mapped to both %q and %q", kw, prev, rule.Tag)
			}
			seen[kw] = rule.Tag
		}
	}
	return nil
}
