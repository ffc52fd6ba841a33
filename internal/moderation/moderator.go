package moderation

import (
	"context"
	"log"
	"strings"
	"unicode"
)

// Verdict is the outcome of reviewing one chat message. When Allowed is
// false the relay suppresses delivery; FilteredText carries the message with
// matched terms masked, suitable for audit logging.
type Verdict struct {
	Allowed      bool
	FilteredText string
	Severity     string
	Reason       string
	Term         string
}

// Moderator reviews chat text before the relay forwards it to the peer.
// Implementations must be safe for concurrent use. Callers treat a non-nil
// error as "no verdict" and fail open: infrastructure trouble must never
// block conversation.
type Moderator interface {
	Review(ctx context.Context, userID, text string) (Verdict, error)
}

// Service is the in-process Moderator backed by a Filter. It never returns
// an error; the error slot exists for remote implementations.
type Service struct {
	filter *Filter
}

// NewService creates a Service around filter.
func NewService(filter *Filter) *Service {
	return &Service{filter: filter}
}

// Review screens text and builds the verdict.
func (s *Service) Review(ctx context.Context, userID, text string) (Verdict, error) {
	result := s.filter.Check(text)
	if !result.Blocked {
		return Verdict{Allowed: true, FilteredText: text}, nil
	}

	log.Printf("[moderation] flagged user=%s reason=%s term=%q severity=%s",
		userID, result.Reason, result.Term, result.Severity)

	return Verdict{
		Allowed:      false,
		FilteredText: maskTerm(text, result.Term),
		Severity:     result.Severity,
		Reason:       result.Reason,
		Term:         result.Term,
	}, nil
}

// maskTerm replaces case-insensitive occurrences of term in text with
// asterisks. Comparison is rune-wise so multi-byte text cannot shift match
// offsets. Obfuscated matches (leetspeak) may not literally contain the term;
// the text then passes through unmasked, which is fine because delivery was
// already suppressed.
func maskTerm(text, term string) string {
	tr := []rune(strings.ToLower(term))
	if len(tr) == 0 {
		return text
	}
	src := []rune(text)
	out := make([]rune, 0, len(src))
	for i := 0; i < len(src); {
		if foldMatch(src[i:], tr) {
			for range tr {
				out = append(out, '*')
			}
			i += len(tr)
			continue
		}
		out = append(out, src[i])
		i++
	}
	return string(out)
}

func foldMatch(src, term []rune) bool {
	if len(src) < len(term) {
		return false
	}
	for i, t := range term {
		if unicode.ToLower(src[i]) != t {
			return false
		}
	}
	return true
}
