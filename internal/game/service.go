package game

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/store"
)

const (
	minTeams = 2
	maxTeams = 12

	maxCategoryLen = 100
	maxQuestionLen = 500
	maxAnswerLen   = 500
)

type Config struct {
	Games    store.GameStore
	Teams    store.TeamStore
	Wagers   store.WagerStore
	EventBus *event.Bus
}

// Service owns the game lifecycle: creation, settings, and the phase state
// machine. All transitions are enforced here against the store's guarded
// writes; the phase value from a client payload is never trusted.
type Service struct {
	games  store.GameStore
	teams  store.TeamStore
	wagers store.WagerStore
	eb     *event.Bus
}

func NewService(c Config) *Service {
	return &Service{
		games:  c.Games,
		teams:  c.Teams,
		wagers: c.Wagers,
		eb:     c.EventBus,
	}
}

type CreateGameRequest struct {
	TeacherID string
	BankID    string
	BankSize  int
	NumTeams  int
	TeamNames []string
	Timer     domain.TimerConfig
}

// CreateGame creates a game in setup and pre-provisions one team row per
// slot. Daily Double positions are drawn at random; the teacher can override
// them while the game is still in setup.
func (s *Service) CreateGame(ctx context.Context, req CreateGameRequest) (*domain.Game, error) {
	if req.TeacherID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("teacher id is required"))
	}
	if req.BankID == "" || req.BankSize < 2 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("a question bank with at least 2 questions is required"))
	}
	if req.NumTeams < 1 || req.NumTeams > maxTeams {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("num_teams must be between 1 and %d", maxTeams))
	}
	if len(req.TeamNames) > req.NumTeams {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("more team names than teams"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate game ID: %w", err)
	}

	g := &domain.Game{
		GameID:       id.String(),
		TeacherID:    req.TeacherID,
		BankID:       req.BankID,
		BankSize:     req.BankSize,
		Status:       domain.StatusSetup,
		CurrentPhase: domain.PhaseRegular,
		NumTeams:     req.NumTeams,
		TeamNames:    paddedNames(req.TeamNames, req.NumTeams),
		Timer:        req.Timer,
		DailyDoubles: pickDailyDoubles(req.BankSize),
	}

	if err := s.games.CreateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}

	for i := 0; i < g.NumTeams; i++ {
		if err := s.createTeamSlot(ctx, g, i+1); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (s *Service) createTeamSlot(ctx context.Context, g *domain.Game, number int) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate team ID: %w", err)
	}

	t := &domain.Team{
		TeamID:     id.String(),
		GameID:     g.GameID,
		TeamNumber: number,
		Name:       g.TeamNames[number-1],
		Connection: domain.ConnectionPending,
	}
	if err := s.teams.CreateTeam(ctx, t); err != nil {
		return fmt.Errorf("create team %d: %w", number, err)
	}
	return nil
}

func paddedNames(names []string, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if i < len(names) && names[i] != "" {
			out[i] = names[i]
		} else {
			out[i] = fmt.Sprintf("Team %d", i+1)
		}
	}
	return out
}

func pickDailyDoubles(bankSize int) []int {
	first := rand.Intn(bankSize)
	second := rand.Intn(bankSize - 1)
	if second >= first {
		second++
	}
	return []int{first, second}
}

func (s *Service) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := s.games.GetGame(ctx, gameID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("game not found: %s", gameID))
	}
	return g, err
}

type UpdateSettingsRequest struct {
	GameID    string
	TeacherID string
	// Nil fields are left unchanged.
	BankID       *string
	BankSize     *int
	NumTeams     *int
	TeamNames    []string
	Timer        *domain.TimerConfig
	DailyDoubles []int
}

// UpdateSettings applies teacher edits with an optimistic bounded-retry
// write. Bank and team-count changes are only legal while the game is still
// in setup; the team_names array is kept in sync with num_teams.
func (s *Service) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (*domain.Game, error) {
	var grew, shrank bool

	g, err := store.RetryVersioned(ctx, s.games, req.GameID, store.DefaultRetryAttempts, func(g *domain.Game) error {
		if g.TeacherID != req.TeacherID {
			return errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
		}
		if g.Completed() {
			return completedErr(g.GameID)
		}

		if req.BankID != nil || req.BankSize != nil || req.NumTeams != nil || req.DailyDoubles != nil {
			if g.Status != domain.StatusSetup {
				return errors.New(errors.CodeFailedPrecondition,
					errors.WithMessagef("bank and team settings are frozen once the game starts"))
			}
		}

		if req.BankID != nil {
			g.BankID = *req.BankID
		}
		if req.BankSize != nil {
			if *req.BankSize < 2 {
				return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("bank must hold at least 2 questions"))
			}
			g.BankSize = *req.BankSize
			g.DailyDoubles = pickDailyDoubles(g.BankSize)
		}
		if req.NumTeams != nil {
			n := *req.NumTeams
			if n < 1 || n > maxTeams {
				return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("num_teams must be between 1 and %d", maxTeams))
			}
			grew, shrank = n > g.NumTeams, n < g.NumTeams
			g.NumTeams = n
		}
		if req.TeamNames != nil {
			if len(req.TeamNames) > g.NumTeams {
				return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("more team names than teams"))
			}
			g.TeamNames = req.TeamNames
		}
		// Invariant: team_names length always matches num_teams.
		g.TeamNames = paddedNames(g.TeamNames, g.NumTeams)

		if req.Timer != nil {
			if req.Timer.Enabled && req.Timer.Seconds <= 0 {
				return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("timer duration must be positive"))
			}
			g.Timer = *req.Timer
		}
		if req.DailyDoubles != nil {
			if err := validateDailyDoubles(req.DailyDoubles, g.BankSize); err != nil {
				return err
			}
			g.DailyDoubles = append([]int(nil), req.DailyDoubles...)
		}

		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err, req.GameID, errors.ReasonScoreConflict)
	}

	if shrank {
		if err := s.teams.ShrinkTeams(ctx, g.GameID, g.NumTeams); err != nil {
			return nil, fmt.Errorf("shrink teams: %w", err)
		}
	}
	if grew {
		existing, err := s.teams.ListTeams(ctx, g.GameID)
		if err != nil {
			return nil, err
		}
		for n := len(existing) + 1; n <= g.NumTeams; n++ {
			if err := s.createTeamSlot(ctx, g, n); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func validateDailyDoubles(positions []int, bankSize int) error {
	if len(positions) != 2 || positions[0] == positions[1] {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("exactly 2 distinct daily double positions required"))
	}
	for _, p := range positions {
		if p < 0 || p >= bankSize {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("daily double position %d outside bank bounds", p))
		}
	}
	return nil
}

type SetFinalJeopardyRequest struct {
	GameID    string
	TeacherID string
	Category  string
	Question  string
	Answer    string
}

// SetFinalJeopardy attaches the terminal-round question. It must be in place
// before the game can leave the regular phase.
func (s *Service) SetFinalJeopardy(ctx context.Context, req SetFinalJeopardyRequest) (*domain.Game, error) {
	if err := validateFinalText("category", req.Category, maxCategoryLen); err != nil {
		return nil, err
	}
	if err := validateFinalText("question", req.Question, maxQuestionLen); err != nil {
		return nil, err
	}
	if err := validateFinalText("answer", req.Answer, maxAnswerLen); err != nil {
		return nil, err
	}

	g, err := store.RetryVersioned(ctx, s.games, req.GameID, store.DefaultRetryAttempts, func(g *domain.Game) error {
		if g.TeacherID != req.TeacherID {
			return errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
		}
		if g.Completed() {
			return completedErr(g.GameID)
		}
		if g.Status == domain.StatusActive && g.CurrentPhase != domain.PhaseRegular {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("final jeopardy is locked once wagering begins"))
		}

		g.Final = &domain.FinalJeopardy{
			Category: req.Category,
			Question: req.Question,
			Answer:   req.Answer,
		}
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err, req.GameID, errors.ReasonScoreConflict)
	}

	return g, nil
}

func validateFinalText(field, v string, maxLen int) error {
	if v == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("final jeopardy %s is required", field))
	}
	if utf8.RuneCountInString(v) > maxLen {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("final jeopardy %s exceeds %d characters", field, maxLen))
	}
	for _, r := range v {
		if unicode.IsControl(r) && r != '\n' {
			return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("final jeopardy %s contains control characters", field))
		}
	}
	return nil
}

// Start moves a setup game into regular play. The guard (owner, at least two
// teams, a bound bank, both daily double positions) is validated up front and
// the setup->active flip itself is a guarded write, so a double-submitted
// start cannot activate twice.
func (s *Service) Start(ctx context.Context, gameID, teacherID string) (*domain.Game, error) {
	g, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.TeacherID != teacherID {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
	}
	if g.Completed() {
		return nil, completedErr(gameID)
	}
	if g.NumTeams < minTeams {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("at least %d teams required to start", minTeams))
	}
	if g.BankID == "" || g.BankSize < 2 {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no question bank bound"))
	}
	if err := validateDailyDoubles(g.DailyDoubles, g.BankSize); err != nil {
		return nil, errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("daily double positions not set"))
	}

	g, err = s.games.Activate(ctx, gameID, time.Now())
	if err != nil {
		return nil, mapStoreErr(err, gameID, errors.ReasonInvalidTransition)
	}

	s.eb.Publish(ctx, domain.EventPhaseChanged{Game: *g})
	return g, nil
}

// AdvancePhase moves the game one step along
// regular -> final_jeopardy_wager -> final_jeopardy_answer ->
// final_jeopardy_reveal -> completed. Out-of-order requests are rejected, not
// clamped: the store write is guarded by the expected predecessor phase, so a
// double-submission advances exactly once.
func (s *Service) AdvancePhase(ctx context.Context, gameID, teacherID string) (*domain.Game, error) {
	g, err := s.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.TeacherID != teacherID {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
	}
	if g.Completed() {
		return nil, completedErr(gameID)
	}
	if g.Status == domain.StatusSetup {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonInvalidTransition),
			errors.WithMessagef("game has not started"))
	}

	if g.CurrentPhase == domain.PhaseFinalJeopardyReveal {
		return s.complete(ctx, gameID)
	}

	next, ok := domain.NextPhase(g.CurrentPhase)
	if !ok {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonInvalidTransition),
			errors.WithMessagef("no phase after %s", g.CurrentPhase))
	}

	if g.CurrentPhase == domain.PhaseRegular && g.Final == nil {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonInvalidTransition),
			errors.WithMessagef("final jeopardy question must be set before wagering"))
	}

	g, err = s.games.AdvancePhase(ctx, gameID, g.CurrentPhase, next)
	if err != nil {
		return nil, mapStoreErr(err, gameID, errors.ReasonInvalidTransition)
	}

	if next == domain.PhaseFinalJeopardyWager {
		// Reset every team's wager to the unanswered baseline.
		if err := s.wagers.ResetWagers(ctx, gameID, domain.WagerFinalJeopardy); err != nil {
			return nil, fmt.Errorf("reset final wagers: %w", err)
		}
	}

	s.eb.Publish(ctx, domain.EventPhaseChanged{Game: *g})
	return g, nil
}

func (s *Service) complete(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := s.games.Complete(ctx, gameID, time.Now())
	if err != nil {
		return nil, mapStoreErr(err, gameID, errors.ReasonInvalidTransition)
	}

	s.eb.Publish(ctx, domain.EventPhaseChanged{Game: *g})
	s.eb.Publish(ctx, domain.EventGameCompleted{Game: *g})
	return g, nil
}

// UseQuestion records a board position as played.
func (s *Service) UseQuestion(ctx context.Context, gameID, questionID string) error {
	_, err := store.RetryVersioned(ctx, s.games, gameID, store.DefaultRetryAttempts, func(g *domain.Game) error {
		for _, q := range g.UsedQuestions {
			if q == questionID {
				return nil
			}
		}
		g.UsedQuestions = append(g.UsedQuestions, questionID)
		return nil
	})
	if err != nil {
		return mapStoreErr(err, gameID, errors.ReasonScoreConflict)
	}
	return nil
}

type ClaimTeamRequest struct {
	GameID     string
	TeamNumber int
	Name       string
}

// ClaimTeam lets a student device take a pre-provisioned team slot. The slot
// stays pending until the teacher approves it.
func (s *Service) ClaimTeam(ctx context.Context, req ClaimTeamRequest) (*domain.Team, error) {
	g, err := s.GetGame(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if g.Completed() {
		return nil, completedErr(req.GameID)
	}
	if req.TeamNumber < 1 || req.TeamNumber > g.NumTeams {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no team slot %d", req.TeamNumber))
	}

	teams, err := s.teams.ListTeams(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	for i := range teams {
		if teams[i].TeamNumber == req.TeamNumber {
			t := &teams[i]
			if req.Name != "" {
				t.Name = req.Name
			}
			now := time.Now()
			if err := s.teams.SetConnection(ctx, req.GameID, t.TeamID, domain.ConnectionPending, now); err != nil {
				return nil, err
			}
			t.Connection = domain.ConnectionPending
			t.LastSeen = &now
			return t, nil
		}
	}

	return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no team slot %d", req.TeamNumber))
}

// ApproveTeam flips a claimed team to connected.
func (s *Service) ApproveTeam(ctx context.Context, gameID, teacherID, teamID string) error {
	g, err := s.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.TeacherID != teacherID {
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
	}

	if err := s.teams.SetConnection(ctx, gameID, teamID, domain.ConnectionConnected, time.Now()); err != nil {
		return mapStoreErr(err, gameID, errors.ReasonNone)
	}

	s.eb.Publish(ctx, domain.EventConnectionChanged{
		GameID:     gameID,
		TeamID:     teamID,
		Connection: domain.ConnectionConnected,
	})
	return nil
}

// Delete removes a game; team and wager rows cascade.
func (s *Service) Delete(ctx context.Context, gameID, teacherID string) error {
	g, err := s.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.TeacherID != teacherID {
		return errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
	}

	if err := s.games.DeleteGame(ctx, gameID); err != nil {
		return mapStoreErr(err, gameID, errors.ReasonNone)
	}
	return nil
}

func completedErr(gameID string) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonGameCompleted),
		errors.WithMessagef("game %s is completed", gameID))
}

// mapStoreErr converts the store's sentinel errors into the API taxonomy.
// staleReason selects how a guard failure surfaces: an exhausted optimistic
// retry is a conflict the teacher should retry, a failed phase guard is an
// invalid transition.
func mapStoreErr(err error, gameID string, staleReason errors.Reason) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, store.ErrNotFound):
		return errors.New(errors.CodeNotFound, errors.WithMessagef("game not found: %s", gameID))
	case stderrors.Is(err, store.ErrStale):
		if staleReason == errors.ReasonScoreConflict {
			return errors.New(errors.CodeAborted,
				errors.WithReason(staleReason),
				errors.WithMessagef("concurrent update, try again"))
		}
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonInvalidTransition),
			errors.WithMessagef("state changed underneath the request"))
	default:
		return err
	}
}
