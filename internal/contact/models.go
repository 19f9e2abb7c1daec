package contact

import "time"

// Tier is the qualification level derived from the lead score.
type Tier string

const (
	TierCold Tier = "cold"
	TierWarm Tier = "warm"
	TierHot  Tier = "hot"
)

// Contact is a tracked lead, identified by a stable address. Contacts are
// created on first event and never hard-deleted.
type Contact struct {
	ID        string    `json:"id"`
	Score     int       `json:"score"`
	Tier      Tier      `json:"tier"`
	Interests []string  `json:"interests"`
	Sequences []string  `json:"sequences"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Policy carries the score clamp bounds and tier boundaries. Values come from
// configuration, not literals in code.
type Policy struct {
	ScoreFloor    int
	ScoreCeiling  int
	WarmThreshold int
	HotThreshold  int
}

func DefaultPolicy() Policy {
	return Policy{
		ScoreFloor:    0,
		ScoreCeiling:  100,
		WarmThreshold: 10,
		HotThreshold:  30,
	}
}

// TierFor maps a score to its qualification tier.
func (p Policy) TierFor(score int) Tier {
	switch {
	case score >= p.HotThreshold:
		return TierHot
	case score >= p.WarmThreshold:
		return TierWarm
	default:
		return TierCold
	}
}

// Clamp bounds a score to the configured floor and ceiling.
func (p Policy) Clamp(score int) int {
	if score < p.ScoreFloor {
		return p.ScoreFloor
	}
	if score > p.ScoreCeiling {
		return p.ScoreCeiling
	}
	return score
}
