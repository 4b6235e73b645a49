// Package ubuntu holds the community scoring rules: cumulative points and
// the level tiers derived from them. Levels are never stored; they are
// always recomputed from the current score so the mapping cannot drift.
package ubuntu

// Level is a named tier derived from a score.
type Level struct {
	Name     string
	MinScore int
}

// The four tiers, ordered. A score belongs to exactly one tier.
var (
	LevelNewcomer        = Level{Name: "newcomer", MinScore: 0}
	LevelContributor     = Level{Name: "contributor", MinScore: 500}
	LevelCommunityLeader = Level{Name: "community_leader", MinScore: 2000}
	LevelUbuntuChampion  = Level{Name: "ubuntu_champion", MinScore: 5000}
)

// Fixed award amounts for the onboarding milestones.
const (
	PointsFirstLogin        = 10
	PointsProfileCompleted  = 50
	PointsFirstContribution = 100
)

// LevelForScore maps a score to its tier. Negative scores clamp to
// newcomer.
func LevelForScore(score int) Level {
	switch {
	case score >= LevelUbuntuChampion.MinScore:
		return LevelUbuntuChampion
	case score >= LevelCommunityLeader.MinScore:
		return LevelCommunityLeader
	case score >= LevelContributor.MinScore:
		return LevelContributor
	default:
		return LevelNewcomer
	}
}

// LevelUp describes a tier transition between two scores.
type LevelUp struct {
	LeveledUp bool
	From      Level
	To        Level
}

// CheckLevelUp reports whether moving from oldScore to newScore crosses a
// tier boundary.
func CheckLevelUp(oldScore, newScore int) LevelUp {
	from := LevelForScore(oldScore)
	to := LevelForScore(newScore)
	return LevelUp{
		LeveledUp: from.Name != to.Name,
		From:      from,
		To:        to,
	}
}
