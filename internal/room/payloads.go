package room

import (
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/scoring"
	"github.com/quizroom/backend/internal/types"
)

func memberView(m *types.Member) protocol.MemberView {
	return protocol.MemberView{
		UserID:         m.UserID,
		DisplayName:    m.DisplayName,
		Role:           m.Role,
		IsOnline:       m.IsOnline,
		Score:          m.Score,
		CurrentStreak:  m.CurrentStreak,
		CorrectAnswers: m.CorrectAnswers,
		TotalAnswered:  m.TotalAnswered,
	}
}

func (r *Room) statePayload() protocol.StatePayload {
	members := make([]protocol.MemberView, 0, len(r.members))
	for _, id := range r.joinOrder {
		if m, ok := r.members[id]; ok {
			members = append(members, memberView(m))
		}
	}

	total := 0
	if r.quiz != nil {
		total = len(r.quiz.Questions)
	}

	return protocol.StatePayload{
		Phase:           r.phase,
		RoomID:          r.id,
		PIN:             r.pin,
		HostID:          r.hostUserID,
		QuestionIndex:   r.currentIndex,
		TotalQuestions:  total,
		PhaseDeadlineMs: r.deadlineMs,
		Members:         members,
		Settings:        r.settings,
	}
}

func (r *Room) questionPayload(index int, durationMs int64) protocol.QuestionPayload {
	q := r.quiz.Questions[index]
	return protocol.QuestionPayload{
		Index:      index,
		Question:   q.Prompt,
		Options:    q.Options,
		DeadlineMs: r.deadlineMs,
		DurationMs: durationMs,
	}
}

func (r *Room) revealPayload() protocol.RevealPayload {
	q := r.quiz.Questions[r.currentIndex]

	stats := make([]protocol.UserStat, 0, len(r.members))
	for _, id := range r.joinOrder {
		m, ok := r.members[id]
		if !ok {
			continue
		}
		rec, answered := m.Answers[r.currentIndex]
		choice := ""
		if answered && rec.Choice >= 0 && rec.Choice < len(q.Options) {
			choice = q.Options[rec.Choice]
		}
		stats = append(stats, protocol.UserStat{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			Choice:      choice,
			IsCorrect:   answered && rec.IsCorrect,
			TimeTakenMs: rec.TimeTakenMs,
			ScoreDelta:  rec.ScoreDelta,
		})
	}

	correctChoice := ""
	if q.CorrectIndex >= 0 && q.CorrectIndex < len(q.Options) {
		correctChoice = q.Options[q.CorrectIndex]
	}

	return protocol.RevealPayload{
		Index:         r.currentIndex,
		CorrectChoice: correctChoice,
		CorrectIndex:  q.CorrectIndex,
		Explanation:   q.Explanation,
		UserStats:     stats,
		Leaderboard:   scoring.Leaderboard(r.membersSortedForScoring()),
	}
}
