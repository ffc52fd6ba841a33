// Package scoring computes the compatibility score between two candidate
// profiles. Scoring is a pure in-memory computation: the queue calls it
// while holding its own lock, so nothing here may block or suspend.
//
// The model is weighted-additive rather than hard-filtering: apart from the
// chat-mode constraint, unmet preferences lower the score instead of
// rejecting the pair outright. All weights, penalties, bonuses and the
// acceptance threshold are configuration, not invariants.
package scoring

import (
	"time"

	"github.com/driftchat/drift/internal/profile"
)

// Criterion names reported in Result.Criteria. Clients display these as the
// "matched on" list, so they are part of the wire contract.
const (
	CriterionChatMode  = "chat_mode"
	CriterionGender    = "gender"
	CriterionCountry   = "country"
	CriterionInterests = "interests"
	CriterionTimezone  = "timezone"
	CriterionLanguage  = "language"
	CriterionVerified  = "verified"
	CriterionWaitTime  = "wait_time"
)

// Weights holds every tunable of the scoring model. The zero value is not
// usable; start from DefaultWeights.
type Weights struct {
	// Primary terms. These make up the normalization denominator.
	ChatMode      float64 // awarded when both modes agree (disagreement is a hard zero)
	GenderMatch   float64 // awarded when both sides' gender preferences are satisfied
	GenderPenalty float64 // subtracted per side whose stated preference is unmet
	CountryMatch  float64 // awarded when both sides' country preferences are satisfied
	CountryPenalty float64 // subtracted per side whose stated preference is unmet
	InterestPoint float64 // per shared interest tag
	InterestCap   int     // shared tags counted at most

	// Secondary bonuses. Additive on top of the primary terms; the final
	// clamp keeps saturated pairs at 1.0.
	TimezoneBonus float64
	LanguageBonus float64
	VerifiedBonus float64

	// Wait-time bonus: combined wait of both sides times WaitPerSecond,
	// capped at WaitCap. Monotone, so long waiters are preferred and
	// worst-case wait growth stays bounded.
	WaitPerSecond float64
	WaitCap       float64

	// MinScore is the acceptance threshold: a pairing is committed only
	// when the score strictly exceeds it.
	MinScore float64
}

// DefaultWeights returns the tuning the service ships with. There is no
// documented rationale behind the exact numbers inherited from production;
// treat them as a starting point for configuration.
func DefaultWeights() Weights {
	return Weights{
		ChatMode:       20,
		GenderMatch:    15,
		GenderPenalty:  10,
		CountryMatch:   15,
		CountryPenalty: 10,
		InterestPoint:  5,
		InterestCap:    4,
		TimezoneBonus:  3,
		LanguageBonus:  4,
		VerifiedBonus:  3,
		WaitPerSecond:  0.25,
		WaitCap:        15,
		MinScore:       0.5,
	}
}

// maxPossible is the normalization denominator: the primary terms at full
// award. Secondary and wait bonuses ride on top and are absorbed by the
// clamp.
func (w Weights) maxPossible() float64 {
	return w.ChatMode + w.GenderMatch + w.CountryMatch +
		w.InterestPoint*float64(w.InterestCap)
}

// Candidate pairs a profile with the time its owner has spent waiting.
type Candidate struct {
	Profile profile.Profile
	Wait    time.Duration
}

// Result is the outcome of scoring one pair.
type Result struct {
	// Score is in [0, 1]. Zero either means incompatible or simply a very
	// poor pairing; check Incompatible to distinguish.
	Score float64
	// Criteria lists the criterion names that contributed points, in a
	// fixed evaluation order.
	Criteria []string
	// Incompatible is set on the chat-mode hard constraint: the pair must
	// never be committed regardless of threshold tuning.
	Incompatible bool
}

// Scorer evaluates candidate pairs under a fixed set of weights.
type Scorer struct {
	w Weights
}

// NewScorer returns a Scorer using the given weights.
func NewScorer(w Weights) *Scorer {
	if w.InterestCap < 0 {
		w.InterestCap = 0
	}
	return &Scorer{w: w}
}

// Threshold returns the configured minimum acceptance score.
func (s *Scorer) Threshold() float64 { return s.w.MinScore }

// Score evaluates the pair (a, b). It is symmetric: Score(a, b) and
// Score(b, a) produce the same score and criteria set.
func (s *Scorer) Score(a, b Candidate) Result {
	w := s.w
	pa, pb := &a.Profile, &b.Profile

	// Hard constraint: different chat modes never pair.
	if pa.ChatMode != pb.ChatMode {
		return Result{Incompatible: true}
	}

	sum := w.ChatMode
	criteria := []string{CriterionChatMode}

	// Gender preferences. An absent preference is "any" and is always
	// satisfied; a stated preference unmet by the peer's declared gender
	// (including an undeclared one) costs a penalty instead of rejecting.
	aOK := pa.GenderPref == "" || pa.GenderPref == pb.Gender
	bOK := pb.GenderPref == "" || pb.GenderPref == pa.Gender
	switch {
	case aOK && bOK:
		sum += w.GenderMatch
		if pa.GenderPref != "" || pb.GenderPref != "" {
			criteria = append(criteria, CriterionGender)
		}
	default:
		if !aOK {
			sum -= w.GenderPenalty
		}
		if !bOK {
			sum -= w.GenderPenalty
		}
	}

	// Country preferences, same shape as gender.
	aOK = pa.CountryPref == "" || pa.CountryPref == pb.Country
	bOK = pb.CountryPref == "" || pb.CountryPref == pa.Country
	switch {
	case aOK && bOK:
		sum += w.CountryMatch
		if pa.CountryPref != "" || pb.CountryPref != "" ||
			(pa.Country != "" && pa.Country == pb.Country) {
			criteria = append(criteria, CriterionCountry)
		}
	default:
		if !aOK {
			sum -= w.CountryPenalty
		}
		if !bOK {
			sum -= w.CountryPenalty
		}
	}

	// Shared interests, proportional and capped. Two empty tag lists are
	// compatible by default: no award, but no penalty either.
	shared := profile.SharedTags(pa.Interests, pb.Interests)
	if n := len(shared); n > 0 {
		if n > w.InterestCap {
			n = w.InterestCap
		}
		sum += float64(n) * w.InterestPoint
		criteria = append(criteria, CriterionInterests)
	}

	// Secondary signals: small bounded bonuses, only when both sides
	// supplied the datum.
	if pa.Timezone != "" && pa.Timezone == pb.Timezone {
		sum += w.TimezoneBonus
		criteria = append(criteria, CriterionTimezone)
	}
	if pa.Language != "" && pa.Language == pb.Language {
		sum += w.LanguageBonus
		criteria = append(criteria, CriterionLanguage)
	}
	if pa.Verified && pb.Verified {
		sum += w.VerifiedBonus
		criteria = append(criteria, CriterionVerified)
	}

	// Wait-time bonus on the combined wait of both sides.
	waited := (a.Wait + b.Wait).Seconds() * w.WaitPerSecond
	if waited > w.WaitCap {
		waited = w.WaitCap
	}
	if waited > 0 {
		sum += waited
		criteria = append(criteria, CriterionWaitTime)
	}

	score := 0.0
	if max := s.w.maxPossible(); max > 0 {
		score = sum / max
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Result{Score: score, Criteria: criteria}
}
