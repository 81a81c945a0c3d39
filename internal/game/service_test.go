package game_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/game"
	"github.com/classquiz/gameshow/internal/store"
	"github.com/classquiz/gameshow/internal/store/memory"
)

const teacherID = "teacher-1"

func newService(t *testing.T) (*game.Service, *memory.Store) {
	t.Helper()

	st := memory.New()
	s := game.NewService(game.Config{
		Games:    st,
		Teams:    st,
		Wagers:   st,
		EventBus: event.NewBus(),
	})
	return s, st
}

func createGame(t *testing.T, s *game.Service) *domain.Game {
	t.Helper()

	g, err := s.CreateGame(context.Background(), game.CreateGameRequest{
		TeacherID: teacherID,
		BankID:    "bank-1",
		BankSize:  25,
		NumTeams:  3,
		TeamNames: []string{"Blue", "Red"},
	})
	require.NoError(t, err)
	return g
}

func setFinal(t *testing.T, s *game.Service, gameID string) {
	t.Helper()

	_, err := s.SetFinalJeopardy(context.Background(), game.SetFinalJeopardyRequest{
		GameID:    gameID,
		TeacherID: teacherID,
		Category:  "Science",
		Question:  "This planet is known as the red planet.",
		Answer:    "What is Mars?",
	})
	require.NoError(t, err)
}

func startedGame(t *testing.T, s *game.Service) *domain.Game {
	t.Helper()

	g := createGame(t, s)
	setFinal(t, s, g.GameID)
	g, err := s.Start(context.Background(), g.GameID, teacherID)
	require.NoError(t, err)
	return g
}

func TestService_CreateGame(t *testing.T) {
	t.Parallel()

	s, st := newService(t)
	g := createGame(t, s)

	assert.Equal(t, domain.StatusSetup, g.Status)
	assert.Equal(t, domain.PhaseRegular, g.CurrentPhase)
	// missing names are filled with defaults
	assert.Equal(t, []string{"Blue", "Red", "Team 3"}, g.TeamNames)

	require.Len(t, g.DailyDoubles, 2)
	assert.NotEqual(t, g.DailyDoubles[0], g.DailyDoubles[1])
	for _, p := range g.DailyDoubles {
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, g.BankSize)
	}

	teams, err := st.ListTeams(context.Background(), g.GameID)
	require.NoError(t, err)
	require.Len(t, teams, 3)
	for i, team := range teams {
		assert.Equal(t, i+1, team.TeamNumber)
		assert.Equal(t, g.TeamNames[i], team.Name)
		assert.Zero(t, team.Score)
		assert.Equal(t, domain.ConnectionPending, team.Connection)
	}
}

func TestService_CreateGame_Invalid(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()

	tests := map[string]game.CreateGameRequest{
		"missing teacher":   {BankID: "b", BankSize: 10, NumTeams: 2},
		"missing bank":      {TeacherID: teacherID, NumTeams: 2},
		"bank too small":    {TeacherID: teacherID, BankID: "b", BankSize: 1, NumTeams: 2},
		"too many teams":    {TeacherID: teacherID, BankID: "b", BankSize: 10, NumTeams: 13},
		"names exceed size": {TeacherID: teacherID, BankID: "b", BankSize: 10, NumTeams: 2, TeamNames: []string{"a", "b", "c"}},
	}

	for name, req := range tests {
		req := req
		t.Run(name, func(t *testing.T) {
			_, err := s.CreateGame(ctx, req)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
		})
	}
}

func TestService_Start(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := createGame(t, s)

	t.Run("wrong teacher", func(t *testing.T) {
		_, err := s.Start(ctx, g.GameID, "intruder")
		require.Error(t, err)
		assert.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
	})

	t.Run("success", func(t *testing.T) {
		got, err := s.Start(ctx, g.GameID, teacherID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Equal(t, domain.PhaseRegular, got.CurrentPhase)
		require.NotNil(t, got.StartedAt)
	})

	t.Run("double start rejected", func(t *testing.T) {
		_, err := s.Start(ctx, g.GameID, teacherID)
		require.Error(t, err)
		assert.Equal(t, errors.ReasonInvalidTransition, errors.ReasonOf(err))
	})
}

func TestService_Start_TooFewTeams(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()

	g, err := s.CreateGame(ctx, game.CreateGameRequest{
		TeacherID: teacherID,
		BankID:    "bank-1",
		BankSize:  10,
		NumTeams:  1,
	})
	require.NoError(t, err)

	_, err = s.Start(ctx, g.GameID, teacherID)
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)
}

func TestService_AdvancePhase(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := startedGame(t, s)

	steps := []domain.Phase{
		domain.PhaseFinalJeopardyWager,
		domain.PhaseFinalJeopardyAnswer,
		domain.PhaseFinalJeopardyReveal,
	}
	for _, want := range steps {
		got, err := s.AdvancePhase(ctx, g.GameID, teacherID)
		require.NoError(t, err)
		assert.Equal(t, want, got.CurrentPhase)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Nil(t, got.CompletedAt)
	}

	// the final advance flips status and completed_at in the same write
	got, err := s.AdvancePhase(ctx, g.GameID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = s.AdvancePhase(ctx, g.GameID, teacherID)
	require.Error(t, err)
	assert.Equal(t, errors.ReasonGameCompleted, errors.ReasonOf(err))
}

func TestService_AdvancePhase_RequiresFinalJeopardy(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()

	g := createGame(t, s)
	_, err := s.Start(ctx, g.GameID, teacherID)
	require.NoError(t, err)

	_, err = s.AdvancePhase(ctx, g.GameID, teacherID)
	require.Error(t, err)
	assert.Equal(t, errors.ReasonInvalidTransition, errors.ReasonOf(err))
}

func TestService_AdvancePhase_BeforeStart(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	g := createGame(t, s)

	_, err := s.AdvancePhase(context.Background(), g.GameID, teacherID)
	require.Error(t, err)
	assert.Equal(t, errors.ReasonInvalidTransition, errors.ReasonOf(err))
}

func TestService_AdvancePhase_GuardedWrite(t *testing.T) {
	t.Parallel()

	s, st := newService(t)
	ctx := context.Background()
	g := startedGame(t, s)

	// concurrent writes guarded by the same expected phase: exactly one wins
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := st.AdvancePhase(ctx, g.GameID, domain.PhaseRegular, domain.PhaseFinalJeopardyWager)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			failed++
			assert.ErrorIs(t, err, store.ErrStale)
		}
	}
	assert.Equal(t, 1, failed)

	got, err := s.GetGame(ctx, g.GameID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFinalJeopardyWager, got.CurrentPhase)
}

func TestService_UpdateSettings(t *testing.T) {
	t.Parallel()

	s, st := newService(t)
	ctx := context.Background()
	g := createGame(t, s)

	t.Run("grow teams pads names and provisions slots", func(t *testing.T) {
		n := 5
		got, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:    g.GameID,
			TeacherID: teacherID,
			NumTeams:  &n,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Blue", "Red", "Team 3", "Team 4", "Team 5"}, got.TeamNames)

		teams, err := st.ListTeams(ctx, g.GameID)
		require.NoError(t, err)
		assert.Len(t, teams, 5)
	})

	t.Run("shrink teams drops extra slots", func(t *testing.T) {
		n := 2
		got, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:    g.GameID,
			TeacherID: teacherID,
			NumTeams:  &n,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Blue", "Red"}, got.TeamNames)

		teams, err := st.ListTeams(ctx, g.GameID)
		require.NoError(t, err)
		assert.Len(t, teams, 2)
	})

	t.Run("daily doubles must be distinct and in bounds", func(t *testing.T) {
		_, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:       g.GameID,
			TeacherID:    teacherID,
			DailyDoubles: []int{3, 3},
		})
		require.Error(t, err)

		_, err = s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:       g.GameID,
			TeacherID:    teacherID,
			DailyDoubles: []int{3, 99},
		})
		require.Error(t, err)

		_, err = s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:       g.GameID,
			TeacherID:    teacherID,
			DailyDoubles: []int{3, 7},
		})
		require.NoError(t, err)
	})

	t.Run("wrong teacher", func(t *testing.T) {
		n := 4
		_, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
			GameID:    g.GameID,
			TeacherID: "intruder",
			NumTeams:  &n,
		})
		require.Error(t, err)
		assert.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
	})
}

func TestService_UpdateSettings_FrozenAfterStart(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := startedGame(t, s)

	n := 5
	_, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
		GameID:    g.GameID,
		TeacherID: teacherID,
		NumTeams:  &n,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(err).Code)

	// the timer is still adjustable mid-game
	timer := domain.TimerConfig{Enabled: true, Seconds: 15}
	got, err := s.UpdateSettings(ctx, game.UpdateSettingsRequest{
		GameID:    g.GameID,
		TeacherID: teacherID,
		Timer:     &timer,
	})
	require.NoError(t, err)
	assert.Equal(t, timer, got.Timer)
}

func TestService_SetFinalJeopardy_Validation(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := createGame(t, s)

	base := game.SetFinalJeopardyRequest{
		GameID:    g.GameID,
		TeacherID: teacherID,
		Category:  "History",
		Question:  "Who?",
		Answer:    "Them.",
	}

	tests := map[string]func(r *game.SetFinalJeopardyRequest){
		"empty category":     func(r *game.SetFinalJeopardyRequest) { r.Category = "" },
		"category too long":  func(r *game.SetFinalJeopardyRequest) { r.Category = strings.Repeat("x", 101) },
		"question too long":  func(r *game.SetFinalJeopardyRequest) { r.Question = strings.Repeat("x", 501) },
		"control characters": func(r *game.SetFinalJeopardyRequest) { r.Answer = "bad\x00answer" },
	}

	for name, mutate := range tests {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := s.SetFinalJeopardy(ctx, req)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
		})
	}

	got, err := s.SetFinalJeopardy(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, got.Final)
	assert.Equal(t, "History", got.Final.Category)
}

func TestService_UseQuestion_Idempotent(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := startedGame(t, s)

	require.NoError(t, s.UseQuestion(ctx, g.GameID, "q1"))
	require.NoError(t, s.UseQuestion(ctx, g.GameID, "q1"))
	require.NoError(t, s.UseQuestion(ctx, g.GameID, "q2"))

	got, err := s.GetGame(ctx, g.GameID)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2"}, got.UsedQuestions)
}

func TestService_ClaimAndApproveTeam(t *testing.T) {
	t.Parallel()

	s, st := newService(t)
	ctx := context.Background()
	g := createGame(t, s)

	claimed, err := s.ClaimTeam(ctx, game.ClaimTeamRequest{
		GameID:     g.GameID,
		TeamNumber: 2,
		Name:       "The Pythons",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.TeamNumber)
	assert.Equal(t, domain.ConnectionPending, claimed.Connection)

	_, err = s.ClaimTeam(ctx, game.ClaimTeamRequest{GameID: g.GameID, TeamNumber: 9})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)

	require.NoError(t, s.ApproveTeam(ctx, g.GameID, teacherID, claimed.TeamID))

	team, err := st.GetTeam(ctx, g.GameID, claimed.TeamID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionConnected, team.Connection)
}

func TestService_Delete(t *testing.T) {
	t.Parallel()

	s, _ := newService(t)
	ctx := context.Background()
	g := createGame(t, s)

	require.Error(t, s.Delete(ctx, g.GameID, "intruder"))
	require.NoError(t, s.Delete(ctx, g.GameID, teacherID))

	_, err := s.GetGame(ctx, g.GameID)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}
