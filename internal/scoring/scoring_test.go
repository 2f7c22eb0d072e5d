package scoring

import (
	"testing"

	"github.com/quizroom/backend/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelta_InstantCorrectAnswerIsFullBase(t *testing.T) {
	assert.Equal(t, 1000, Delta(0, 10_000, 1))
}

func TestDelta_LastInstantAnswerIsHalfBase(t *testing.T) {
	assert.Equal(t, 500, Delta(10_000, 10_000, 1))
}

func TestDelta_EarlyCorrectAnswer(t *testing.T) {
	// First correct answer of the quiz (streak becomes 1), submitted at
	// t=2000ms within a 10000ms duration.
	assert.Equal(t, 900, Delta(2_000, 10_000, 1))
}

func TestDelta_StreakMultiplierCapsAtFiveInARow(t *testing.T) {
	// 5th consecutive correct answer: multiplier 1.4.
	d := Delta(0, 10_000, 5)
	assert.Equal(t, 1400, d)

	// A 6th in a row does not exceed the cap.
	d6 := Delta(0, 10_000, 6)
	assert.Equal(t, d, d6)
}

func TestGrade_IncorrectResetsStreakAndAwardsNothing(t *testing.T) {
	m := &types.Member{Score: 500, CurrentStreak: 3, MaxStreak: 3}
	rec := Grade(m, 1, 2, false, 9_000, 10_000)

	assert.Equal(t, 0, rec.ScoreDelta)
	assert.Equal(t, 0, m.CurrentStreak)
	assert.Equal(t, 500, m.Score)
	assert.Equal(t, 1, m.TotalAnswered)
}

func TestGrade_CorrectIncrementsStreakAndScore(t *testing.T) {
	m := &types.Member{}
	rec := Grade(m, 0, 1, true, 2_000, 10_000)

	assert.Equal(t, 900, rec.ScoreDelta)
	assert.Equal(t, 1, m.CurrentStreak)
	assert.Equal(t, 1, m.MaxStreak)
	assert.Equal(t, 900, m.Score)
	assert.Equal(t, 1, m.CorrectAnswers)
	require.Contains(t, m.Answers, 0)
	assert.True(t, m.Answers[0].IsCorrect)
}

func TestLeaderboard_TieBreakByUserID(t *testing.T) {
	members := []types.Member{
		{UserID: "H", DisplayName: "Host", Score: 0},
		{UserID: "A", DisplayName: "Alice", Score: 900, CorrectAnswers: 1},
		{UserID: "B", DisplayName: "Bob", Score: 0},
	}

	lb := Leaderboard(members)

	require.Len(t, lb, 3)
	assert.Equal(t, types.UserIDType("A"), lb[0].UserID)
	assert.Equal(t, 1, lb[0].Rank)
	// H and B are tied on score/correct/avg_time; user_id asc breaks the tie.
	assert.Equal(t, types.UserIDType("B"), lb[1].UserID)
	assert.Equal(t, types.UserIDType("H"), lb[2].UserID)
	assert.Equal(t, 2, lb[1].Rank)
	assert.Equal(t, 3, lb[2].Rank)
}

func TestLeaderboard_DenseRanksNoGaps(t *testing.T) {
	members := []types.Member{
		{UserID: "x", Score: 100},
		{UserID: "y", Score: 100},
		{UserID: "z", Score: 50},
	}
	lb := Leaderboard(members)
	for i, entry := range lb {
		assert.Equal(t, i+1, entry.Rank)
	}
}

func TestAggregateStats_HostExcludedByDefault(t *testing.T) {
	members := []types.Member{
		{UserID: "H", Role: types.RoleHost, TotalAnswered: 0},
		{UserID: "A", Role: types.RolePlayer, Score: 900, TotalAnswered: 2},
		{UserID: "B", Role: types.RolePlayer, Score: 0, TotalAnswered: 1},
	}

	stats := AggregateStats(members, 2, false, 0, 20_000)

	assert.Equal(t, 2, stats.TotalQuestions)
	assert.Equal(t, 2, stats.TotalParticipants)
	assert.InDelta(t, 0.75, stats.CompletionRate, 1e-9)
	assert.Equal(t, int64(20_000), stats.DurationMs)
}

func TestAggregateStats_HostPlaysIncludesHostInDenominator(t *testing.T) {
	members := []types.Member{
		{UserID: "H", Role: types.RoleHost, TotalAnswered: 2},
		{UserID: "A", Role: types.RolePlayer, TotalAnswered: 2},
	}

	stats := AggregateStats(members, 2, true, 0, 1_000)
	assert.Equal(t, 2, stats.TotalParticipants)
	assert.InDelta(t, 1.0, stats.CompletionRate, 1e-9)
}
