// Package risk scores message content for moderation and tracks each user's
// rolling risk ledger. The scorer is a pure function over message text and
// sits on the hot send path; the ledger is the only mutable state and
// serializes access internally.
package risk

import (
	"regexp"
	"strings"
	"unicode"
)

// Signal is one detected indicator of problematic content with its point
// value. Signals are ephemeral: produced and consumed within a single
// scoring call.
type Signal struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Result is the outcome of scoring one message: every signal that fired and
// their additive total. Signals accumulate with no cap at this stage;
// thresholds are applied by the router and the ledger.
type Result struct {
	Signals []Signal `json:"signals"`
	Total   int      `json:"total"`
}

// Compiled regex patterns for content detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// handlePattern matches @-handles used to move conversations off-platform.
	handlePattern = regexp.MustCompile(`(?i)(?:^|\s)@[a-z0-9_.]{3,}`)

	// platformPattern matches names of external messaging platforms; on a
	// dating platform a platform name plus a handle is the classic
	// redirection pattern.
	platformPattern = regexp.MustCompile(`(?i)\b(telegram|whatsapp|whats app|snapchat|snap|instagram|insta|signal|kik|viber|wechat|onlyfans)\b`)

	// emailPattern matches plain email addresses.
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
)

// Term lists for the language detectors. Single words match whole tokens
// only; multi-word entries match consecutive token sequences. Matching is
// case-insensitive and ignores surrounding punctuation.
var (
	explicitTerms = []string{
		"nude", "nudes", "naked", "sexting", "horny", "explicit pics",
	}

	aggressiveTerms = []string{
		"kill yourself", "go die", "hate you", "worthless", "pathetic",
		"shut up", "stupid bitch",
	}

	escalationTerms = []string{
		"send me a pic", "send pics", "send a photo", "your address",
		"where do you live", "home alone", "dont tell anyone",
		"don't tell anyone", "our secret", "our little secret",
		"meet tonight", "come over now",
	}

	moneyLureTerms = []string{
		"send money", "wire me", "gift card", "gift cards", "cash app",
		"western union", "crypto", "bitcoin", "investment opportunity",
		"guaranteed returns",
	}
)

// detector pairs a detection function with the signal it produces. The
// battery is fixed: every detector runs on every message and contributes
// independently.
type detector struct {
	name   string
	points int
	match  func(text string, tokens []string) bool
}

var detectors = []detector{
	{name: "contact_phone", points: 25, match: func(text string, _ []string) bool {
		return phonePattern.MatchString(text)
	}},
	{name: "contact_email", points: 25, match: func(text string, _ []string) bool {
		return emailPattern.MatchString(text)
	}},
	{name: "contact_link", points: 15, match: func(text string, _ []string) bool {
		return urlPattern.MatchString(text)
	}},
	{name: "platform_redirect", points: 25, match: func(text string, _ []string) bool {
		return platformPattern.MatchString(text) || handlePattern.MatchString(text)
	}},
	{name: "explicit_language", points: 20, match: func(_ string, tokens []string) bool {
		return matchesAnyTerm(tokens, explicitTerms)
	}},
	{name: "aggressive_language", points: 20, match: func(_ string, tokens []string) bool {
		return matchesAnyTerm(tokens, aggressiveTerms)
	}},
	{name: "intimacy_escalation", points: 30, match: func(_ string, tokens []string) bool {
		return matchesAnyTerm(tokens, escalationTerms)
	}},
	{name: "money_lure", points: 30, match: func(_ string, tokens []string) bool {
		return matchesAnyTerm(tokens, moneyLureTerms)
	}},
	{name: "char_flood", points: 10, match: func(text string, _ []string) bool {
		return hasCharFlood(text)
	}},
	{name: "word_flood", points: 10, match: func(_ string, tokens []string) bool {
		return hasWordFlood(tokens)
	}},
}

// Score evaluates the fixed detector battery against the message text.
// It is deterministic and side-effect-free: the same input always yields the
// same output.
func Score(text string) Result {
	tokens := tokenize(text)

	var result Result
	for _, d := range detectors {
		if d.match(text, tokens) {
			result.Signals = append(result.Signals, Signal{Name: d.name, Points: d.points})
			result.Total += d.points
		}
	}
	return result
}

// tokenize lowercases the text, splits on whitespace, and strips leading and
// trailing punctuation from each token so that "Badword!" matches "badword"
// while "mybadword" does not.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
		})
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// matchesAnyTerm reports whether any term appears in the token stream.
// Single-word terms must match a whole token; multi-word terms must match a
// consecutive token sequence.
func matchesAnyTerm(tokens []string, terms []string) bool {
	for _, term := range terms {
		parts := strings.Fields(term)
		if len(parts) == 1 {
			for _, tok := range tokens {
				if tok == parts[0] {
					return true
				}
			}
			continue
		}
		if hasPhrase(tokens, parts) {
			return true
		}
	}
	return false
}

// hasPhrase reports whether parts appears as a consecutive token sequence.
func hasPhrase(tokens, parts []string) bool {
	if len(parts) > len(tokens) {
		return false
	}
	for i := 0; i+len(parts) <= len(tokens); i++ {
		matched := true
		for j, p := range parts {
			if tokens[i+j] != p {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan which is both correct and fast.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same token appears 3 or more times
// consecutively.
func hasWordFlood(tokens []string) bool {
	const threshold = 3

	if len(tokens) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, tok := range tokens {
		if tok == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = tok
		}
	}
	return false
}
