package ubuntu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		name     string
		score    int
		expected Level
	}{
		{name: "zero score is newcomer", score: 0, expected: LevelNewcomer},
		{name: "negative score clamps to newcomer", score: -10, expected: LevelNewcomer},
		{name: "top of newcomer band", score: 499, expected: LevelNewcomer},
		{name: "contributor lower bound", score: 500, expected: LevelContributor},
		{name: "top of contributor band", score: 1999, expected: LevelContributor},
		{name: "community leader lower bound", score: 2000, expected: LevelCommunityLeader},
		{name: "top of community leader band", score: 4999, expected: LevelCommunityLeader},
		{name: "champion lower bound", score: 5000, expected: LevelUbuntuChampion},
		{name: "large score stays champion", score: 1_000_000, expected: LevelUbuntuChampion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LevelForScore(tt.score))
		})
	}
}

func TestLevelForScore_Monotonic(t *testing.T) {
	prev := LevelForScore(0)
	for score := 1; score <= 6000; score++ {
		cur := LevelForScore(score)
		assert.GreaterOrEqual(t, cur.MinScore, prev.MinScore,
			"level order regressed at score %d", score)
		prev = cur
	}
}

func TestCheckLevelUp(t *testing.T) {
	tests := []struct {
		name      string
		oldScore  int
		newScore  int
		leveledUp bool
		from      Level
		to        Level
	}{
		{
			name:      "within same band",
			oldScore:  10,
			newScore:  20,
			leveledUp: false,
			from:      LevelNewcomer,
			to:        LevelNewcomer,
		},
		{
			name:      "newcomer to contributor",
			oldScore:  495,
			newScore:  505,
			leveledUp: true,
			from:      LevelNewcomer,
			to:        LevelContributor,
		},
		{
			name:      "exactly at boundary",
			oldScore:  499,
			newScore:  500,
			leveledUp: true,
			from:      LevelNewcomer,
			to:        LevelContributor,
		},
		{
			name:      "skips a band",
			oldScore:  400,
			newScore:  2500,
			leveledUp: true,
			from:      LevelNewcomer,
			to:        LevelCommunityLeader,
		},
		{
			name:      "champion stays champion",
			oldScore:  5000,
			newScore:  9000,
			leveledUp: false,
			from:      LevelUbuntuChampion,
			to:        LevelUbuntuChampion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckLevelUp(tt.oldScore, tt.newScore)
			assert.Equal(t, tt.leveledUp, result.LeveledUp)
			assert.Equal(t, tt.from, result.From)
			assert.Equal(t, tt.to, result.To)
		})
	}
}

func TestCheckLevelUp_FirstLoginScenario(t *testing.T) {
	// A user at 495 awarded the fixed first-login amount crosses into
	// contributor.
	newScore := 495 + PointsFirstLogin
	assert.Equal(t, 505, newScore)

	result := CheckLevelUp(495, newScore)
	assert.True(t, result.LeveledUp)
	assert.Equal(t, "newcomer", result.From.Name)
	assert.Equal(t, "contributor", result.To.Name)
}
