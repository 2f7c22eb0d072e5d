// Package scoring implements the grading, score-delta, and leaderboard
// formulas. Every function here is pure: no I/O, no clock reads beyond the
// time values passed in by the caller, so the whole package is exercised
// directly by table-driven tests.
package scoring

import (
	"math"
	"sort"

	"github.com/quizroom/backend/internal/types"
)

const (
	// BaseScore is the maximum score delta for an instant correct answer.
	BaseScore = 1000
	// TimePenalty is how much of BaseScore is lost for using the full
	// question duration.
	TimePenalty = 0.5
	// StreakBonusPerLevel is the multiplier added per streak level beyond
	// the first, up to MaxStreakLevels.
	StreakBonusPerLevel = 0.1
	// MaxStreakLevels caps the streak multiplier at 1 + 0.1*4 = 1.4.
	MaxStreakLevels = 4
)

// Delta computes the score awarded for a correct answer submitted at
// timeTakenMs into a question with the given durationMs, given the
// member's streak *after* this answer has incremented it.
//
// delta = round( BASE * (1 - PENALTY * t/D) * streak_multiplier )
func Delta(timeTakenMs, durationMs int64, streakAfterIncrement int) int {
	if durationMs <= 0 {
		durationMs = 1
	}
	t := float64(timeTakenMs) / float64(durationMs)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	streakLevels := streakAfterIncrement - 1
	if streakLevels < 0 {
		streakLevels = 0
	}
	if streakLevels > MaxStreakLevels {
		streakLevels = MaxStreakLevels
	}
	multiplier := 1 + StreakBonusPerLevel*float64(streakLevels)

	raw := float64(BaseScore) * (1 - TimePenalty*t) * multiplier
	return int(math.Round(raw))
}

// Grade applies an answer to a member's running totals in place, returning
// the AnswerRecord to store in the member's per-question log. isCorrect is
// decided by the caller (the Room knows the question's correct option);
// Grade only owns the arithmetic.
func Grade(m *types.Member, questionIndex int, choice int, isCorrect bool, timeTakenMs, durationMs int64) types.AnswerRecord {
	m.TotalAnswered++

	rec := types.AnswerRecord{
		QuestionIndex: questionIndex,
		Choice:        choice,
		IsCorrect:     isCorrect,
		TimeTakenMs:   timeTakenMs,
	}

	if isCorrect {
		m.CorrectAnswers++
		m.CurrentStreak++
		if m.CurrentStreak > m.MaxStreak {
			m.MaxStreak = m.CurrentStreak
		}
		delta := Delta(timeTakenMs, durationMs, m.CurrentStreak)
		rec.ScoreDelta = delta
		m.Score += delta
	} else {
		m.CurrentStreak = 0
		rec.ScoreDelta = 0
	}

	if m.Answers == nil {
		m.Answers = make(map[int]types.AnswerRecord)
	}
	m.Answers[questionIndex] = rec
	return rec
}

// Leaderboard ranks members by (score desc, correct desc, avg_time asc,
// user_id asc) and assigns ranks 1..N with no gaps; the user_id tie-break
// makes the ordering a strict total order, so every row gets a distinct
// rank. members is not mutated.
func Leaderboard(members []types.Member) []types.LeaderboardEntry {
	entries := make([]types.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, types.LeaderboardEntry{
			UserID:         m.UserID,
			DisplayName:    m.DisplayName,
			Score:          m.Score,
			CorrectAnswers: m.CorrectAnswers,
			AvgTimeTakenMs: avgTimeTaken(m),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.CorrectAnswers != b.CorrectAnswers {
			return a.CorrectAnswers > b.CorrectAnswers
		}
		if a.AvgTimeTakenMs != b.AvgTimeTakenMs {
			return a.AvgTimeTakenMs < b.AvgTimeTakenMs
		}
		return a.UserID < b.UserID
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

func avgTimeTaken(m types.Member) float64 {
	if len(m.Answers) == 0 {
		return 0
	}
	var sum int64
	for _, rec := range m.Answers {
		sum += rec.TimeTakenMs
	}
	return float64(sum) / float64(len(m.Answers))
}

// AggregateStats computes the end-of-quiz summary. The host is excluded
// from the participant count and the completion_rate denominator unless
// the room opted into host play.
func AggregateStats(members []types.Member, totalQuestions int, hostPlays bool, startedAt, endedAt int64) types.QuizStats {
	var nonHost []types.Member
	for _, m := range members {
		if m.Role == types.RoleHost && !hostPlays {
			continue
		}
		nonHost = append(nonHost, m)
	}

	stats := types.QuizStats{
		TotalQuestions:    totalQuestions,
		TotalParticipants: len(nonHost),
		DurationMs:        endedAt - startedAt,
	}

	if len(nonHost) == 0 || totalQuestions == 0 {
		return stats
	}

	var scoreSum, answeredSum int
	for _, m := range nonHost {
		scoreSum += m.Score
		answeredSum += m.TotalAnswered
	}
	stats.AverageScore = float64(scoreSum) / float64(len(nonHost))
	stats.CompletionRate = float64(answeredSum) / float64(len(nonHost)*totalQuestions)
	return stats
}
