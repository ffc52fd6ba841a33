// Package profile defines the participant profile exchanged at queue
// admission and carried by sessions. Profiles are plain value types: the
// queue owns the only mutable copy while a participant waits, and sessions
// keep immutable snapshots of both sides.
package profile

import (
	"fmt"
	"strings"
)

// ChatMode selects the kind of conversation a participant wants. Two
// profiles with different modes are never paired.
type ChatMode string

const (
	ModeText  ChatMode = "text"
	ModeVideo ChatMode = "video"
)

// MaxInterests caps the number of interest tags kept per profile. Extra
// tags are dropped after normalization rather than rejected.
const MaxInterests = 10

// MaxTagLen is the maximum length of a single normalized interest tag.
const MaxTagLen = 32

// Profile describes one participant's matching preferences. Empty
// GenderPref/CountryPref mean "any". Prefs is a free-form bag forwarded to
// the matched peer's match notification but never interpreted by the core.
type Profile struct {
	UserID      string            `json:"user_id"`
	Interests   []string          `json:"interests,omitempty"`
	ChatMode    ChatMode          `json:"chat_mode"`
	Gender      string            `json:"gender,omitempty"`
	GenderPref  string            `json:"gender_pref,omitempty"`
	Country     string            `json:"country,omitempty"`
	CountryPref string            `json:"country_pref,omitempty"`
	Language    string            `json:"language,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Verified    bool              `json:"verified,omitempty"`
	Prefs       map[string]string `json:"prefs,omitempty"`
}

// Validate checks the fields a queue admission requires. It is the only
// place profile shape errors surface; everything downstream may assume a
// validated profile.
func (p *Profile) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("profile: user_id is required")
	}
	switch p.ChatMode {
	case ModeText, ModeVideo:
	case "":
		return fmt.Errorf("profile: chat_mode is required")
	default:
		return fmt.Errorf("profile: unknown chat_mode %q", p.ChatMode)
	}
	if p.GenderPref != "" && p.Gender == "" {
		return fmt.Errorf("profile: gender_pref set without declaring gender")
	}
	return nil
}

// Normalize canonicalizes the profile in place: interests are lowercased,
// trimmed, deduplicated and capped, and country/language codes are
// lowercased so preference comparisons are case-insensitive.
func (p *Profile) Normalize() {
	p.Interests = NormalizeTags(p.Interests)
	p.Country = strings.ToLower(strings.TrimSpace(p.Country))
	p.CountryPref = strings.ToLower(strings.TrimSpace(p.CountryPref))
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	p.GenderPref = strings.ToLower(strings.TrimSpace(p.GenderPref))
}

// Public returns the subset of the profile shared with a matched peer.
// Preference fields stay private to their owner.
func (p *Profile) Public() Public {
	return Public{
		UserID:    p.UserID,
		Interests: p.Interests,
		ChatMode:  p.ChatMode,
		Gender:    p.Gender,
		Country:   p.Country,
		Language:  p.Language,
		Verified:  p.Verified,
	}
}

// Public is the peer-visible view of a profile, embedded in match-found
// notifications.
type Public struct {
	UserID    string   `json:"user_id"`
	Interests []string `json:"interests,omitempty"`
	ChatMode  ChatMode `json:"chat_mode"`
	Gender    string   `json:"gender,omitempty"`
	Country   string   `json:"country,omitempty"`
	Language  string   `json:"language,omitempty"`
	Verified  bool     `json:"verified,omitempty"`
}

// NormalizeTags lowercases, trims, deduplicates and caps a tag list while
// preserving first-seen order. Tags longer than MaxTagLen are truncated.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if len(t) > MaxTagLen {
			t = t[:MaxTagLen]
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == MaxInterests {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SharedTags returns the tags present in both lists, in a's order. Both
// inputs are assumed normalized.
func SharedTags(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]bool, len(b))
	for _, t := range b {
		inB[t] = true
	}
	var shared []string
	for _, t := range a {
		if inB[t] {
			shared = append(shared, t)
		}
	}
	return shared
}
