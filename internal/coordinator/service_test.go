package coordinator_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classquiz/gameshow/internal/buzz"
	"github.com/classquiz/gameshow/internal/coordinator"
	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/game"
	"github.com/classquiz/gameshow/internal/score"
	"github.com/classquiz/gameshow/internal/store"
	"github.com/classquiz/gameshow/internal/store/memory"
	"github.com/classquiz/gameshow/internal/wager"
)

const teacherID = "teacher-1"

type fixture struct {
	coord *coordinator.Service
	games *game.Service
	st    *memory.Store
	mr    *miniredis.Miniredis

	game *domain.Game
	blue string
	red  string
}

// newFixture wires the full session stack over in-memory backends and starts
// a two-team game with a final jeopardy question in place.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memory.New()
	return buildFixture(t, st, st, st)
}

// buildFixture lets a test swap in wrapped team or wager stores, to exercise
// how the stack behaves when the storage layer misbehaves.
func buildFixture(t *testing.T, st *memory.Store, tst store.TeamStore, wst store.WagerStore) *fixture {
	t.Helper()
	ctx := context.Background()

	eb := event.NewBus()

	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })

	games := game.NewService(game.Config{Games: st, Teams: tst, Wagers: wst, EventBus: eb})
	scores := score.NewService(score.Config{Teams: tst, Wagers: wst, EventBus: eb})
	buzzes := buzz.NewService(buzz.Config{Redis: rdb, Prefix: "coord_test", EventBus: eb})
	wagers := wager.NewService(wager.Config{Wagers: wst, Teams: tst})

	coord := coordinator.NewService(coordinator.Config{
		Games:    games,
		Scores:   scores,
		Buzzes:   buzzes,
		Wagers:   wagers,
		Teams:    tst,
		EventBus: eb,
	})

	g, err := games.CreateGame(ctx, game.CreateGameRequest{
		TeacherID: teacherID,
		BankID:    "bank-1",
		BankSize:  25,
		NumTeams:  2,
		TeamNames: []string{"Blue", "Red"},
	})
	require.NoError(t, err)

	_, err = games.SetFinalJeopardy(ctx, game.SetFinalJeopardyRequest{
		GameID:    g.GameID,
		TeacherID: teacherID,
		Category:  "Geography",
		Question:  "This is the longest river in the world.",
		Answer:    "What is the Nile?",
	})
	require.NoError(t, err)

	g, err = coord.StartGame(ctx, g.GameID, teacherID)
	require.NoError(t, err)

	teams, err := st.ListTeams(ctx, g.GameID)
	require.NoError(t, err)
	require.Len(t, teams, 2)

	return &fixture{
		coord: coord,
		games: games,
		st:    st,
		mr:    mr,
		game:  g,
		blue:  teams[0].TeamID,
		red:   teams[1].TeamID,
	}
}

// flakyWagers injects transient storage failures into the wager store.
type flakyWagers struct {
	store.WagerStore
	failGets    int
	failSettles int
}

func (f *flakyWagers) GetWager(ctx context.Context, gameID, teamID string, wt domain.WagerType) (*domain.Wager, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, stderrors.New("connection reset")
	}
	return f.WagerStore.GetWager(ctx, gameID, teamID, wt)
}

func (f *flakyWagers) SettleWager(ctx context.Context, gameID, teamID string, wt domain.WagerType, correct bool) (*domain.Wager, int64, error) {
	if f.failSettles > 0 {
		f.failSettles--
		return nil, 0, stderrors.New("connection reset")
	}
	return f.WagerStore.SettleWager(ctx, gameID, teamID, wt, correct)
}

// flakyTeams injects transient storage failures into team lookups.
type flakyTeams struct {
	store.TeamStore
	failGets int
}

func (f *flakyTeams) GetTeam(ctx context.Context, gameID, teamID string) (*domain.Team, error) {
	if f.failGets > 0 {
		f.failGets--
		return nil, stderrors.New("connection reset")
	}
	return f.TeamStore.GetTeam(ctx, gameID, teamID)
}

func (f *fixture) teamScore(t *testing.T, teamID string) int64 {
	t.Helper()

	team, err := f.st.GetTeam(context.Background(), f.game.GameID, teamID)
	require.NoError(t, err)
	return team.Score
}

func (f *fixture) advanceTo(t *testing.T, want domain.Phase) {
	t.Helper()
	ctx := context.Background()

	for {
		g, err := f.coord.AdvancePhase(ctx, f.game.GameID, teacherID)
		require.NoError(t, err)
		if g.CurrentPhase == want {
			return
		}
	}
}

func TestService_QuestionRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q1",
	}))

	// Blue buzzes first, Red queues behind
	res, err := f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)

	res, err = f.coord.Buzz(ctx, f.game.GameID, f.red)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)

	// Blue answers wrong: loses the points, floor passes to Red
	judged, err := f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.blue,
		Correct:    false,
		PointValue: 400,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-400), judged.NewScore)
	assert.Equal(t, f.red, judged.FloorTeamID)

	// Red answers right: gains the points, window closes
	judged, err = f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.red,
		Correct:    true,
		PointValue: 400,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(400), judged.NewScore)
	assert.Empty(t, judged.FloorTeamID)

	_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.Error(t, err)
	assert.Equal(t, errors.ReasonWindowClosed, errors.ReasonOf(err))

	// the question is recorded as used
	g, err := f.games.GetGame(ctx, f.game.GameID)
	require.NoError(t, err)
	assert.Contains(t, g.UsedQuestions, "q1")
}

func TestService_Buzz_Guards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q1",
	}))

	t.Run("unknown team", func(t *testing.T) {
		_, err := f.coord.Buzz(ctx, f.game.GameID, "nobody")
		require.Error(t, err)
		assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
	})

	t.Run("duplicate buzz", func(t *testing.T) {
		_, err := f.coord.Buzz(ctx, f.game.GameID, f.blue)
		require.NoError(t, err)

		_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
		require.Error(t, err)
		assert.Equal(t, errors.ReasonDuplicateBuzz, errors.ReasonOf(err))
	})

	t.Run("after manual close", func(t *testing.T) {
		require.NoError(t, f.coord.CloseQuestion(ctx, f.game.GameID, teacherID))

		_, err := f.coord.Buzz(ctx, f.game.GameID, f.red)
		require.Error(t, err)
		assert.Equal(t, errors.ReasonWindowClosed, errors.ReasonOf(err))
	})
}

func TestService_Buzz_TeamLookupFault(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ft := &flakyTeams{TeamStore: st}
	f := buildFixture(t, st, ft, st)
	ctx := context.Background()

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q1",
	}))

	// a transient lookup failure is not "team not found"
	ft.failGets = 1
	_, err := f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.Convert(err).Code)

	res, err := f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
}

func TestService_JudgeAnswer_DailyDoubleSubstitution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// bank Blue some points, then land on the daily double
	_, err := f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Delta:     600,
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q7",
	}))

	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID:     f.game.GameID,
		TeamID:     f.blue,
		QuestionID: "q7",
		Type:       domain.WagerDailyDouble,
		Amount:     1000,
	})
	require.NoError(t, err)

	_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)

	// the wagered amount replaces the board value
	judged, err := f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.blue,
		Correct:    true,
		PointValue: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1600), judged.NewScore)

	// a later question on the board value again: the spent wager no longer
	// substitutes
	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q8",
	}))
	_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)

	judged, err = f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.blue,
		Correct:    true,
		PointValue: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1800), judged.NewScore)
}

func TestService_JudgeAnswer_WagerLookupFault(t *testing.T) {
	t.Parallel()

	st := memory.New()
	fw := &flakyWagers{WagerStore: st}
	f := buildFixture(t, st, st, fw)
	ctx := context.Background()

	_, err := f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Delta:     600,
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q7",
	}))

	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID:     f.game.GameID,
		TeamID:     f.blue,
		QuestionID: "q7",
		Type:       domain.WagerDailyDouble,
		Amount:     1000,
	})
	require.NoError(t, err)

	_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)

	// a failed wager lookup must surface, never silently score the team
	// against the board value
	fw.failGets = 1
	_, err = f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.blue,
		Correct:    true,
		PointValue: 200,
	})
	require.Error(t, err)
	assert.Equal(t, int64(600), f.teamScore(t, f.blue))

	w, err := st.GetWager(ctx, f.game.GameID, f.blue, domain.WagerDailyDouble)
	require.NoError(t, err)
	assert.False(t, w.Revealed)

	// the retry settles the wager, not the board value
	judged, err := f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		TeamID:     f.blue,
		Correct:    true,
		PointValue: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1600), judged.NewScore)
}

func TestService_FinalJeopardyFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// regular play gives both teams a score to wager with
	for _, teamID := range []string{f.blue, f.red} {
		_, err := f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
			GameID:    f.game.GameID,
			TeacherID: teacherID,
			TeamID:    teamID,
			Delta:     1000,
		})
		require.NoError(t, err)
	}

	// wagers are rejected until the wager phase
	_, err := f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID: f.game.GameID,
		TeamID: f.blue,
		Type:   domain.WagerFinalJeopardy,
		Amount: 500,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ReasonWrongPhase, errors.ReasonOf(err))

	f.advanceTo(t, domain.PhaseFinalJeopardyWager)

	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID: f.game.GameID,
		TeamID: f.blue,
		Type:   domain.WagerFinalJeopardy,
		Amount: 800,
	})
	require.NoError(t, err)
	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID: f.game.GameID,
		TeamID: f.red,
		Type:   domain.WagerFinalJeopardy,
		Amount: 300,
	})
	require.NoError(t, err)

	f.advanceTo(t, domain.PhaseFinalJeopardyAnswer)

	// amounts are locked in the answer phase, only text is accepted
	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID: f.game.GameID,
		TeamID: f.blue,
		Type:   domain.WagerFinalJeopardy,
		Amount: 100,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ReasonWrongPhase, errors.ReasonOf(err))

	w, err := f.coord.SubmitFinalAnswer(ctx, f.game.GameID, f.blue, "What is the Nile?")
	require.NoError(t, err)
	assert.Equal(t, int64(800), w.Amount)

	_, err = f.coord.SubmitFinalAnswer(ctx, f.game.GameID, f.red, "What is the Amazon?")
	require.NoError(t, err)

	f.advanceTo(t, domain.PhaseFinalJeopardyReveal)

	// each reveal settles exactly one team
	rev, err := f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Correct:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1800), rev.NewScore)
	assert.Equal(t, int64(1000), f.teamScore(t, f.red))

	rev, err = f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.red,
		Correct:   false,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700), rev.NewScore)

	// revealing again must not double-apply the delta
	_, err = f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.red,
		Correct:   false,
	})
	require.Error(t, err)
	assert.Equal(t, int64(700), f.teamScore(t, f.red))

	// the closing advance completes the game
	g, err := f.coord.AdvancePhase(ctx, f.game.GameID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, g.Status)
	require.NotNil(t, g.CompletedAt)
}

func TestService_RevealFinalJeopardy_RetryAfterFault(t *testing.T) {
	t.Parallel()

	st := memory.New()
	fw := &flakyWagers{WagerStore: st}
	f := buildFixture(t, st, st, fw)
	ctx := context.Background()

	_, err := f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Delta:     1000,
	})
	require.NoError(t, err)

	f.advanceTo(t, domain.PhaseFinalJeopardyWager)

	_, err = f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
		GameID: f.game.GameID,
		TeamID: f.blue,
		Type:   domain.WagerFinalJeopardy,
		Amount: 500,
	})
	require.NoError(t, err)

	f.advanceTo(t, domain.PhaseFinalJeopardyReveal)

	// a failed settlement leaves the wager unrevealed, so nothing is lost
	fw.failSettles = 1
	_, err = f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Correct:   true,
	})
	require.Error(t, err)
	assert.Equal(t, int64(1000), f.teamScore(t, f.blue))

	w, err := st.GetWager(ctx, f.game.GameID, f.blue, domain.WagerFinalJeopardy)
	require.NoError(t, err)
	assert.False(t, w.Revealed)

	// the retry applies the full settlement
	rev, err := f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Correct:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), rev.NewScore)

	// and only once
	_, err = f.coord.RevealFinalJeopardy(ctx, coordinator.RevealWagerRequest{
		GameID:    f.game.GameID,
		TeacherID: teacherID,
		TeamID:    f.blue,
		Correct:   true,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
	assert.Equal(t, int64(1500), f.teamScore(t, f.blue))
}

func TestService_CompletedGameIsImmutable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.advanceTo(t, domain.PhaseFinalJeopardyReveal)
	g, err := f.coord.AdvancePhase(ctx, f.game.GameID, teacherID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, g.Status)

	assertCompleted := func(t *testing.T, err error) {
		t.Helper()
		require.Error(t, err)
		assert.Equal(t, errors.ReasonGameCompleted, errors.ReasonOf(err))
	}

	t.Run("buzz", func(t *testing.T) {
		_, err := f.coord.Buzz(ctx, f.game.GameID, f.blue)
		assertCompleted(t, err)
	})

	t.Run("judge", func(t *testing.T) {
		_, err := f.coord.JudgeAnswer(ctx, coordinator.JudgeAnswerRequest{
			GameID: f.game.GameID, TeacherID: teacherID, TeamID: f.blue, Correct: true, PointValue: 100,
		})
		assertCompleted(t, err)
	})

	t.Run("adjust score", func(t *testing.T) {
		_, err := f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
			GameID: f.game.GameID, TeacherID: teacherID, TeamID: f.blue, Delta: 100,
		})
		assertCompleted(t, err)
	})

	t.Run("advance", func(t *testing.T) {
		_, err := f.coord.AdvancePhase(ctx, f.game.GameID, teacherID)
		assertCompleted(t, err)
	})

	t.Run("submit wager", func(t *testing.T) {
		_, err := f.coord.SubmitWager(ctx, coordinator.SubmitWagerRequest{
			GameID: f.game.GameID, TeamID: f.blue, Type: domain.WagerFinalJeopardy, Amount: 0,
		})
		assertCompleted(t, err)
	})

	t.Run("open question", func(t *testing.T) {
		err := f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
			GameID: f.game.GameID, TeacherID: teacherID, QuestionID: "q1",
		})
		assertCompleted(t, err)
	})

	// final scores stay readable after completion
	snap, err := f.coord.Snapshot(ctx, f.game.GameID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.Game.Status)
	assert.Len(t, snap.Teams, 2)
}

func TestService_Snapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  teacherID,
		QuestionID: "q3",
	}))
	_, err := f.coord.Buzz(ctx, f.game.GameID, f.red)
	require.NoError(t, err)
	_, err = f.coord.Buzz(ctx, f.game.GameID, f.blue)
	require.NoError(t, err)

	snap, err := f.coord.Snapshot(ctx, f.game.GameID)
	require.NoError(t, err)

	assert.Equal(t, domain.PhaseRegular, snap.Game.CurrentPhase)
	assert.Len(t, snap.Teams, 2)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, f.red, snap.Queue[0].TeamID)
	assert.Equal(t, f.blue, snap.Queue[1].TeamID)
	assert.Equal(t, f.red, snap.Floor)
}

func TestService_NonOwnerRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.coord.OpenQuestion(ctx, coordinator.OpenQuestionRequest{
		GameID:     f.game.GameID,
		TeacherID:  "intruder",
		QuestionID: "q1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)

	_, err = f.coord.AdjustScore(ctx, coordinator.AdjustScoreRequest{
		GameID:    f.game.GameID,
		TeacherID: "intruder",
		TeamID:    f.blue,
		Delta:     100,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
}
