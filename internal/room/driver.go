package room

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/protocol"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/scoring"
	"github.com/quizroom/backend/internal/types"
	"go.uber.org/zap"
)

func (r *Room) dispatch(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case joinCommand:
		c.ReplyTo <- r.handleJoin(ctx, c)
	case leaveCommand:
		r.handleLeave(ctx, c)
	case startCommand:
		c.ReplyTo <- r.handleStart(ctx, c)
	case answerCommand:
		c.ReplyTo <- r.handleAnswer(ctx, c)
	case kickCommand:
		c.ReplyTo <- r.handleKick(ctx, c)
	case setPresenceCommand:
		r.handleSetPresence(ctx, c)
	case tickCommand:
		r.handleTick(ctx, c)
	case hostOfflineTimeoutCommand:
		r.handleHostOfflineTimeout(ctx, c)
	}
}

// handleJoin admits a new member or refreshes a reconnecting one. A
// reconnect gets a fresh state snapshot only; a genuine join is persisted
// first, then announced with joined followed by the full state in the same
// driver step.
func (r *Room) handleJoin(ctx context.Context, c joinCommand) error {
	if r.phase == types.PhaseClosed || r.phase == types.PhaseEnded {
		return stateErr("room is no longer accepting members")
	}

	if existing, ok := r.members[c.UserID]; ok {
		existing.IsOnline = true
		existing.DisplayName = c.DisplayName
		if c.UserID == r.hostUserID {
			r.cancelHostOfflineTimer()
		}
		r.sendStateTo(ctx, c.UserID)
		return nil
	}

	if len(r.members) >= r.settings.MaxParticipants {
		return roomFullErr("room is full")
	}

	member := &types.Member{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		Role:        types.RolePlayer,
		IsOnline:    true,
		JoinedAt:    time.UnixMilli(r.clock.NowMs()),
		Answers:     make(map[int]types.AnswerRecord),
	}

	if err := r.repo.AddMember(ctx, r.id, c.UserID, c.DisplayName, types.RolePlayer); err != nil {
		logging.Error(ctx, "join: repository write failed, rejecting", zap.String("room_id", string(r.id)), zap.Error(err))
		return stateErr("failed to join room")
	}

	r.members[c.UserID] = member
	r.joinOrder = append(r.joinOrder, c.UserID)
	r.refreshSnapshot()

	r.broadcastAll(ctx, protocol.TagJoined, protocol.JoinedPayload{User: memberView(member)})
	r.broadcastAll(ctx, protocol.TagState, r.statePayload())
	return nil
}

// handleLeave removes the member, transfers host if needed, and closes the
// room when nobody remains. The durable row is deleted best-effort: a
// failed delete is logged and reconciled later rather than blocking the
// in-memory removal.
func (r *Room) handleLeave(ctx context.Context, c leaveCommand) {
	member, ok := r.members[c.UserID]
	if !ok {
		return
	}
	wasHost := member.Role == types.RoleHost

	delete(r.members, c.UserID)
	r.removeFromJoinOrder(c.UserID)
	if err := r.repo.RemoveMember(ctx, r.id, c.UserID, c.Reason); err != nil {
		logging.Error(ctx, "leave: repository delete failed, proceeding anyway", zap.String("room_id", string(r.id)), zap.Error(err))
	}
	r.refreshSnapshot()

	transferred := false
	if wasHost && len(r.members) > 0 {
		transferred = r.transferHostToNext(ctx)
	}

	reason := c.Reason
	if reason == "" {
		reason = "left"
	}
	r.broadcastAll(ctx, protocol.TagLeft, protocol.LeftPayload{UserID: c.UserID, Reason: reason})
	if transferred {
		r.broadcastAll(ctx, protocol.TagState, r.statePayload())
	}

	if len(r.members) == 0 {
		r.closeRoom(ctx)
		return
	}
	r.advanceIfAllAnswered(ctx)
}

// advanceIfAllAnswered fires the early reveal when the departure of the
// last pending answerer means everyone remaining has already submitted;
// otherwise the question would sit idle until the deadline.
func (r *Room) advanceIfAllAnswered(ctx context.Context) {
	if r.phase == types.PhaseQuestion && r.allAnswered(r.currentIndex) {
		r.cancelTimer()
		r.transitionToReveal(ctx)
	}
}

// transferHostToNext picks the eligible member with the smallest JoinedAt
// (tie-break user ID ascending), persists the transfer transactionally,
// and updates in-memory state only after the transaction commits.
// The outgoing host is skipped as a candidate: on the leave
// path they are already gone from the member map, and on the offline-grace
// path they must not transfer the room to themselves.
func (r *Room) transferHostToNext(ctx context.Context) bool {
	remaining := make([]*types.Member, 0, len(r.members))
	for _, id := range r.joinOrder {
		if id == r.hostUserID {
			continue
		}
		if m, ok := r.members[id]; ok {
			remaining = append(remaining, m)
		}
	}
	if len(remaining) == 0 {
		return false
	}
	sort.Slice(remaining, func(i, j int) bool {
		if !remaining[i].JoinedAt.Equal(remaining[j].JoinedAt) {
			return remaining[i].JoinedAt.Before(remaining[j].JoinedAt)
		}
		return remaining[i].UserID < remaining[j].UserID
	})

	newHost := remaining[0]
	oldHost := r.hostUserID

	if err := r.repo.TransferHost(ctx, r.id, oldHost, newHost.UserID); err != nil {
		logging.Error(ctx, "host transfer persistence failed, in-memory host unchanged", zap.Error(err))
		return false
	}

	if old, ok := r.members[oldHost]; ok {
		old.Role = types.RolePlayer
	}
	r.hostUserID = newHost.UserID
	newHost.Role = types.RoleHost
	r.cancelHostOfflineTimer()
	return true
}

// handleStart moves a lobby into the first question: host only, at least
// two members, state broadcast before the question payload.
func (r *Room) handleStart(ctx context.Context, c startCommand) error {
	if r.phase != types.PhaseLobby {
		return stateErr("room is not in lobby")
	}
	if c.UserID != r.hostUserID {
		return forbiddenErr("only the host can start the quiz")
	}
	if len(r.members) < 2 {
		return stateErr("at least 2 members are required to start")
	}
	if r.quiz == nil || len(r.quiz.Questions) == 0 {
		return stateErr("quiz has no questions")
	}

	r.startedAtMs = r.clock.NowMs()

	// The durable status flips to active so a restarted process refuses to
	// rehydrate this room into a fresh lobby (mid-quiz state is not
	// persisted). The quiz proceeds even if the write fails.
	if err := r.repo.UpdateRoomStatus(ctx, r.id, types.RoomStatusActive); err != nil {
		logging.Error(ctx, "failed to persist active status on start", zap.String("room_id", string(r.id)), zap.Error(err))
	}

	r.enterQuestion(ctx, 0)
	return nil
}

func (r *Room) enterQuestion(ctx context.Context, index int) {
	r.currentIndex = index
	r.setPhase(types.PhaseQuestion)
	now := r.clock.NowMs()
	r.questionStartedMs = now

	duration := r.questionDurationMs(index)
	r.deadlineMs = now + duration

	r.broadcastAll(ctx, protocol.TagState, r.statePayload())
	r.broadcastAll(ctx, protocol.TagQuestion, r.questionPayload(index, duration))

	r.armTimer(ctx, time.Duration(duration)*time.Millisecond)
}

func (r *Room) questionDurationMs(index int) int64 {
	q := r.quiz.Questions[index]
	if q.DurationMsOverride > 0 {
		return q.DurationMsOverride
	}
	return r.settings.QuestionDurationMs
}

// handleAnswer validates and grades a submission. Only the first answer per
// question counts; the reveal fires early once every eligible member has
// submitted.
func (r *Room) handleAnswer(ctx context.Context, c answerCommand) error {
	if r.phase != types.PhaseQuestion {
		return stateErr("no question is currently active")
	}
	if c.QuestionIndex != r.currentIndex {
		return stateErr("question index mismatch")
	}
	member, ok := r.members[c.UserID]
	if !ok {
		return stateErr("not a member of this room")
	}
	if _, answered := member.Answers[c.QuestionIndex]; answered {
		return stateErr("question already answered")
	}

	question := r.quiz.Questions[r.currentIndex]
	choiceIndex := resolveChoice(question, c.Choice)
	isCorrect := choiceIndex == question.CorrectIndex
	timeTakenMs := r.clock.NowMs() - r.questionStartedMs
	duration := r.questionDurationMs(r.currentIndex)

	rec := scoring.Grade(member, r.currentIndex, choiceIndex, isCorrect, timeTakenMs, duration)

	// The interim score push goes to the answering member for every graded
	// answer, correct or not, ahead of the reveal; other members do not
	// receive it.
	r.broadcast.SendToUser(ctx, member.UserID, r.mustEnvelope(protocol.TagScore, protocol.ScorePayload{
		UserID: member.UserID,
		Score:  member.Score,
		Delta:  rec.ScoreDelta,
	}))

	r.advanceIfAllAnswered(ctx)
	return nil
}

// resolveChoice accepts either the option text or its stringified index.
func resolveChoice(q types.Question, choice string) int {
	if idx, err := strconv.Atoi(strings.TrimSpace(choice)); err == nil {
		if idx >= 0 && idx < len(q.Options) {
			return idx
		}
	}
	for i, opt := range q.Options {
		if strings.EqualFold(opt, choice) {
			return i
		}
	}
	return -1
}

// handleKick implements the host-only `kick` message; the target is
// removed the same way as an explicit leave, with a `kicked` broadcast in
// place of `left`.
func (r *Room) handleKick(ctx context.Context, c kickCommand) error {
	if c.ByUserID != r.hostUserID {
		return forbiddenErr("only the host can kick members")
	}
	if c.TargetUserID == r.hostUserID {
		return forbiddenErr("host cannot kick itself")
	}
	if _, ok := r.members[c.TargetUserID]; !ok {
		return notFoundErr("user is not a member of this room")
	}

	delete(r.members, c.TargetUserID)
	r.removeFromJoinOrder(c.TargetUserID)
	if err := r.repo.RemoveMember(ctx, r.id, c.TargetUserID, c.Reason); err != nil {
		logging.Error(ctx, "kick: repository delete failed, proceeding anyway", zap.Error(err))
	}
	r.refreshSnapshot()

	reason := c.Reason
	if reason == "" {
		reason = "kicked"
	}
	r.broadcastAll(ctx, protocol.TagKicked, protocol.KickedPayload{UserID: c.TargetUserID, Reason: reason})

	if len(r.members) == 0 {
		r.closeRoom(ctx)
		return nil
	}
	r.advanceIfAllAnswered(ctx)
	return nil
}

func (r *Room) handleSetPresence(ctx context.Context, c setPresenceCommand) {
	member, ok := r.members[c.UserID]
	if !ok {
		return
	}
	if member.IsOnline == c.Online {
		return
	}
	member.IsOnline = c.Online

	if c.UserID == r.hostUserID {
		if !c.Online && r.settings.HostOfflineGraceMs > 0 {
			r.armHostOfflineTimer(c.UserID)
		} else if c.Online {
			r.cancelHostOfflineTimer()
		}
	}

	r.broadcastAll(ctx, protocol.TagState, r.statePayload())
}

// handleTick advances the phase after the armed timer fires. Stale ticks
// (from a timer that was already cancelled and rearmed) are ignored.
func (r *Room) handleTick(ctx context.Context, c tickCommand) {
	if c.gen != r.timerGen {
		return
	}
	switch r.phase {
	case types.PhaseQuestion:
		r.transitionToReveal(ctx)
	case types.PhaseReveal:
		r.leaveReveal(ctx)
	case types.PhaseIntermission:
		r.transitionFromReveal(ctx)
	case types.PhaseEnded:
		r.closeRoom(ctx)
	}
}

// handleHostOfflineTimeout fires when the host has stayed offline for the
// whole configured grace. Stale timers (host came back, host changed, or a
// newer grace was armed) are ignored via the generation check.
func (r *Room) handleHostOfflineTimeout(ctx context.Context, c hostOfflineTimeoutCommand) {
	if c.gen != r.hostTimerGen || c.UserID != r.hostUserID {
		return
	}
	host, ok := r.members[r.hostUserID]
	if !ok || host.IsOnline {
		return
	}
	if r.transferHostToNext(ctx) {
		r.broadcastAll(ctx, protocol.TagState, r.statePayload())
	}
}

func (r *Room) transitionToReveal(ctx context.Context) {
	r.setPhase(types.PhaseReveal)
	r.deadlineMs = r.clock.NowMs() + r.settings.RevealDurationMs
	r.broadcastAll(ctx, protocol.TagReveal, r.revealPayload())
	r.armTimer(ctx, time.Duration(r.settings.RevealDurationMs)*time.Millisecond)
}

// leaveReveal runs when the reveal window closes. A room whose settings ask
// for a between-question pause longer than the reveal window lingers in
// intermission for the remainder; otherwise the next question (or the end)
// follows immediately. The pause never applies after the final question.
func (r *Room) leaveReveal(ctx context.Context) {
	moreQuestions := r.currentIndex+1 < len(r.quiz.Questions)
	if moreQuestions && r.settings.IntermissionDurationMs > r.settings.RevealDurationMs {
		r.enterIntermission(ctx)
		return
	}
	r.transitionFromReveal(ctx)
}

// enterIntermission is a reveal without the reveal payload: only a state
// broadcast carrying the new phase and deadline goes out.
func (r *Room) enterIntermission(ctx context.Context) {
	r.setPhase(types.PhaseIntermission)
	pause := r.settings.IntermissionDurationMs - r.settings.RevealDurationMs
	r.deadlineMs = r.clock.NowMs() + pause
	r.broadcastAll(ctx, protocol.TagState, r.statePayload())
	r.armTimer(ctx, time.Duration(pause)*time.Millisecond)
}

func (r *Room) transitionFromReveal(ctx context.Context) {
	if r.currentIndex+1 < len(r.quiz.Questions) {
		r.enterQuestion(ctx, r.currentIndex+1)
		return
	}
	r.endQuiz(ctx)
}

func (r *Room) endQuiz(ctx context.Context) {
	r.setPhase(types.PhaseEnded)
	r.endedAtMs = r.clock.NowMs()

	members := r.membersSortedForScoring()
	leaderboard := scoring.Leaderboard(members)
	stats := scoring.AggregateStats(members, len(r.quiz.Questions), r.settings.HostPlays, r.startedAtMs, r.endedAtMs)

	r.broadcastAll(ctx, protocol.TagEnd, protocol.EndPayload{FinalLeaderboard: leaderboard, QuizStats: stats})

	results := make([]repository.SessionResult, 0, len(leaderboard))
	for _, entry := range leaderboard {
		totalAnswered := 0
		if m, ok := r.members[entry.UserID]; ok {
			totalAnswered = m.TotalAnswered
		}
		results = append(results, repository.SessionResult{
			RoomID:         r.id,
			UserID:         entry.UserID,
			Score:          entry.Score,
			CorrectAnswers: entry.CorrectAnswers,
			TotalAnswered:  totalAnswered,
			Rank:           entry.Rank,
		})
	}
	if err := r.repo.PersistFinalResults(ctx, r.id, results); err != nil {
		logging.Error(ctx, "failed to persist final results", zap.Error(err))
	}

	r.armTimer(ctx, inactivityGraceAfterEnded)
}

func (r *Room) closeRoom(ctx context.Context) {
	if r.phase == types.PhaseClosed {
		return
	}
	r.cancelTimer()
	r.cancelHostOfflineTimer()
	r.setPhase(types.PhaseClosed)
	r.refreshSnapshot()
	if err := r.repo.DeleteRoom(ctx, r.id); err != nil {
		logging.Error(ctx, "failed to delete room row on close", zap.Error(err))
	}
	r.broadcast.RoomClosed(ctx, r.id)
}

func (r *Room) armTimer(ctx context.Context, d time.Duration) {
	r.cancelTimer()
	r.timerGen++
	gen := r.timerGen
	r.timer = r.clock.AfterFunc(d, func() {
		select {
		case r.commands <- tickCommand{gen: gen}:
		case <-r.done:
		}
	})
}

func (r *Room) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Room) armHostOfflineTimer(userID types.UserIDType) {
	r.cancelHostOfflineTimer()
	r.hostTimerGen++
	gen := r.hostTimerGen
	d := time.Duration(r.settings.HostOfflineGraceMs) * time.Millisecond
	r.hostTimer = r.clock.AfterFunc(d, func() {
		select {
		case r.commands <- hostOfflineTimeoutCommand{UserID: userID, gen: gen}:
		case <-r.done:
		}
	})
}

func (r *Room) cancelHostOfflineTimer() {
	if r.hostTimer != nil {
		r.hostTimer.Stop()
		r.hostTimer = nil
	}
	r.hostTimerGen++
}

func (r *Room) sendStateTo(ctx context.Context, userID types.UserIDType) {
	r.broadcast.SendToUser(ctx, userID, r.mustEnvelope(protocol.TagState, r.statePayload()))
}

func (r *Room) broadcastAll(ctx context.Context, tag protocol.Tag, data any) {
	r.broadcast.BroadcastToRoom(ctx, r.id, r.mustEnvelope(tag, data))
}

func (r *Room) mustEnvelope(tag protocol.Tag, data any) *protocol.Envelope {
	env, err := protocol.NewEnvelope(r.newMsgID, tag, r.id, data)
	if err != nil {
		logging.Error(context.Background(), "failed to build outbound envelope", zap.String("tag", string(tag)), zap.Error(err))
		env, _ = protocol.NewEnvelope(r.newMsgID, protocol.TagError, r.id, protocol.ErrorPayload{Code: protocol.ErrState, Msg: "internal error"})
	}
	return env
}
