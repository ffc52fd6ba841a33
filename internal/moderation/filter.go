// Package moderation provides content filtering and moderation capabilities.
// It screens chat messages for prohibited content and enforces community
// guidelines before messages are delivered to recipients.
package moderation

import (
	"strings"
	"unicode"
)

// Severity tiers attached to filter results. High severity marks blocklist
// hits (slurs, threats, exploitation); low severity marks spam patterns.
const (
	SeverityHigh = "high"
	SeverityLow  = "low"
)

// Result reasons.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// defaultBlockedTerms is the built-in blocklist. Single words match on token
// boundaries; multi-word entries match as consecutive-token phrases. Matching
// is case-insensitive and applied to both the plain and the leet-normalized
// token streams.
var defaultBlockedTerms = []string{
	// Slurs.
	"nigger", "nigga", "faggot", "tranny", "kike", "spic", "chink",
	"wetback", "retard",

	// Self-harm encouragement.
	"kill yourself", "kys", "go die", "end your life", "slit your wrists",

	// Child exploitation.
	"child porn", "cp trade", "jailbait", "loli pics",

	// Sexual solicitation.
	"send nudes", "nudes for sale", "buy my content", "onlyfans promo",

	// Hate symbols and glorification.
	"heil hitler", "sieg heil", "white power", "gas the",

	// Violence and threats.
	"bomb threat", "shoot up", "rape you", "murder you",

	// Scams.
	"free bitcoin", "crypto giveaway", "double your money", "cash app flip",
	"wire me",
}

// FilterResult is the outcome of screening one piece of text.
type FilterResult struct {
	Blocked  bool
	Reason   string
	Term     string
	Severity string
}

// Filter screens text against a keyword/phrase blocklist and the spam
// patterns in spam.go. A Filter is immutable after construction and safe for
// concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter creates a Filter loaded with the default blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultBlockedTerms)
}

// NewFilterWithTerms creates a Filter from an explicit term list. Empty and
// whitespace-only entries are dropped; multi-word entries become phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		tokens := strings.Fields(term)
		if len(tokens) == 1 {
			f.words[term] = struct{}{}
		} else {
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text and returns the first blocking result found. Keyword
// and phrase matches take priority over spam patterns so the most severe
// reason wins.
func (f *Filter) Check(text string) FilterResult {
	if text == "" {
		return FilterResult{}
	}
	lower := strings.ToLower(text)

	// Plain pass: tokens split on every non-alphanumeric rune, so
	// punctuation-adjacent terms still match and substrings never do.
	plain := tokenizePlain(lower)
	if r := f.checkTokens(plain); r.Blocked {
		return r
	}

	// Leet pass: tokens split on whitespace only, then normalized, so
	// obfuscations like "b@dw0rd" resolve to their plain form.
	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = trimEdges(normalizeLeet(tok))
	}
	if r := f.checkTokens(leet); r.Blocked {
		return r
	}

	return f.checkSpamPatterns(text)
}

// checkTokens matches the word set and the phrase list against a token
// stream.
func (f *Filter) checkTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: tok, Severity: SeverityHigh}
		}
	}
	for _, phrase := range f.phrases {
		if containsPhrase(tokens, phrase) {
			return FilterResult{
				Blocked:  true,
				Reason:   ReasonKeyword,
				Term:     strings.Join(phrase, " "),
				Severity: SeverityHigh,
			}
		}
	}
	return FilterResult{}
}

// CheckInterests returns the subset of interests that pass the filter,
// preserving order.
func (f *Filter) CheckInterests(interests []string) []string {
	var clean []string
	for _, interest := range interests {
		if !f.Check(interest).Blocked {
			clean = append(clean, interest)
		}
	}
	return clean
}

// containsPhrase reports whether phrase occurs as consecutive tokens.
func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// leetMap translates common character substitutions back to letters.
var leetMap = map[rune]rune{
	'@': 'a',
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'$': 's',
	'!': 'i',
}

// normalizeLeet maps leetspeak substitutions to their letter equivalents.
// All other runes pass through unchanged.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenizePlain splits on every non-alphanumeric rune.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only, preserving substitution characters
// inside tokens for the normalization pass.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}

// trimEdges removes residual punctuation from token edges after leet
// normalization.
func trimEdges(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
