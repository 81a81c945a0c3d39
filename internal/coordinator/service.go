package coordinator

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/classquiz/gameshow/internal/buzz"
	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/game"
	"github.com/classquiz/gameshow/internal/score"
	"github.com/classquiz/gameshow/internal/store"
	"github.com/classquiz/gameshow/internal/wager"
)

type Config struct {
	Games    *game.Service
	Scores   *score.Service
	Buzzes   *buzz.Service
	Wagers   *wager.Service
	Teams    store.TeamStore
	EventBus *event.Bus
}

// Service coordinates every externally triggered game action against the
// phase state machine, the score ledger, the buzz arbiter and the wager
// book. All mutations for an active session funnel through here; once a game
// is completed every further action is rejected.
type Service struct {
	games  *game.Service
	scores *score.Service
	buzzes *buzz.Service
	wagers *wager.Service
	teams  store.TeamStore
	eb     *event.Bus
}

func NewService(c Config) *Service {
	return &Service{
		games:  c.Games,
		scores: c.Scores,
		buzzes: c.Buzzes,
		wagers: c.Wagers,
		teams:  c.Teams,
		eb:     c.EventBus,
	}
}

// StartGame validates the setup guard and moves the game into regular play.
func (s *Service) StartGame(ctx context.Context, gameID, teacherID string) (*domain.Game, error) {
	return s.games.Start(ctx, gameID, teacherID)
}

type OpenQuestionRequest struct {
	GameID     string
	TeacherID  string
	QuestionID string
}

// OpenQuestion makes a board question live and opens its buzzer window. The
// game's timer configuration arms the server-side window expiry.
func (s *Service) OpenQuestion(ctx context.Context, req OpenQuestionRequest) error {
	g, err := s.requirePhase(ctx, req.GameID, domain.PhaseRegular)
	if err != nil {
		return err
	}
	if g.TeacherID != req.TeacherID {
		return notOwner()
	}

	var ttl time.Duration
	if g.Timer.Enabled {
		ttl = time.Duration(g.Timer.Seconds) * time.Second
	}

	if err := s.buzzes.OpenWindow(ctx, req.GameID, req.QuestionID, ttl); err != nil {
		return err
	}

	return s.games.UseQuestion(ctx, req.GameID, req.QuestionID)
}

// CloseQuestion shuts the buzzer window without judging anyone.
func (s *Service) CloseQuestion(ctx context.Context, gameID, teacherID string) error {
	g, err := s.loadPlayable(ctx, gameID)
	if err != nil {
		return err
	}
	if g.TeacherID != teacherID {
		return notOwner()
	}

	return s.buzzes.CloseWindow(ctx, gameID)
}

// Buzz records a student team's buzz for the live question. Rejections
// (window closed, duplicate) are expected high-frequency outcomes, not
// faults; the API layer renders them as no-ops for the student.
func (s *Service) Buzz(ctx context.Context, gameID, teamID string) (*buzz.BuzzResult, error) {
	g, err := s.requirePhase(ctx, gameID, domain.PhaseRegular)
	if err != nil {
		return nil, err
	}
	if _, err := s.teams.GetTeam(ctx, g.GameID, teamID); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.New(errors.CodeNotFound,
				errors.WithMessagef("team not found: game=%s team=%s", gameID, teamID))
		}
		return nil, err
	}

	return s.buzzes.RecordBuzz(ctx, gameID, teamID)
}

type JudgeAnswerRequest struct {
	GameID     string
	TeacherID  string
	TeamID     string
	Correct    bool
	PointValue int64
}

type JudgeAnswerResponse struct {
	NewScore    int64
	FloorTeamID string
}

// JudgeAnswer applies the point delta for a judged answer and, when the
// answer was wrong, advances the floor to the next queued team. If the team
// holds an unrevealed Daily Double wager for the live question, the wagered
// amount replaces the board value.
func (s *Service) JudgeAnswer(ctx context.Context, req JudgeAnswerRequest) (*JudgeAnswerResponse, error) {
	g, err := s.requirePhase(ctx, req.GameID, domain.PhaseRegular)
	if err != nil {
		return nil, err
	}
	if g.TeacherID != req.TeacherID {
		return nil, notOwner()
	}
	if req.PointValue < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("point value must not be negative"))
	}

	var newScore int64
	settled, err := s.settleDailyDouble(ctx, req)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		newScore = settled.NewScore
	} else {
		delta := req.PointValue
		if !req.Correct {
			delta = -delta
		}
		sc, err := s.scores.ApplyScoreDelta(ctx, score.ApplyScoreDeltaRequest{
			GameID: req.GameID,
			TeamID: req.TeamID,
			Delta:  delta,
		})
		if err != nil {
			return nil, err
		}
		newScore = sc.NewScore
	}

	resp := &JudgeAnswerResponse{NewScore: newScore}
	if req.Correct {
		// Question resolved: nobody else answers it.
		if err := s.buzzes.CloseWindow(ctx, req.GameID); err != nil {
			return nil, err
		}
	} else {
		floor, err := s.buzzes.MarkWrong(ctx, req.GameID, req.TeamID)
		if err != nil {
			return nil, err
		}
		resp.FloorTeamID = floor
	}

	return resp, nil
}

// settleDailyDouble checks whether the judged team holds an unrevealed Daily
// Double wager for the live question and, if so, settles it through the
// ledger so the reveal and the score delta land together. Returns nil when
// the board value applies. Any storage fault is returned to the caller; a
// judged answer must never score silently against the wrong amount.
func (s *Service) settleDailyDouble(ctx context.Context, req JudgeAnswerRequest) (*score.SettleWagerResponse, error) {
	qid, err := s.buzzes.LiveQuestion(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if qid == "" {
		return nil, nil
	}

	w, err := s.wagers.Find(ctx, req.GameID, req.TeamID, domain.WagerDailyDouble)
	if err != nil {
		if errors.Convert(err).Code == errors.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if w.Revealed || w.QuestionID != qid {
		return nil, nil
	}

	return s.scores.SettleWager(ctx, score.SettleWagerRequest{
		GameID:  req.GameID,
		TeamID:  req.TeamID,
		Type:    domain.WagerDailyDouble,
		Correct: req.Correct,
	})
}

type AdjustScoreRequest struct {
	GameID    string
	TeacherID string
	TeamID    string
	Delta     int64
}

// AdjustScore is a direct teacher correction, still routed through the
// ledger's atomic delta so rapid double-clicks cannot lose updates.
func (s *Service) AdjustScore(ctx context.Context, req AdjustScoreRequest) (*score.ApplyScoreDeltaResponse, error) {
	g, err := s.loadPlayable(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if g.TeacherID != req.TeacherID {
		return nil, notOwner()
	}

	return s.scores.ApplyScoreDelta(ctx, score.ApplyScoreDeltaRequest{
		GameID: req.GameID,
		TeamID: req.TeamID,
		Delta:  req.Delta,
	})
}

// AdvancePhase moves the game one phase forward. Reaching the terminal state
// also drops the game's buzz state; from then on every action fails with a
// completed-game error.
func (s *Service) AdvancePhase(ctx context.Context, gameID, teacherID string) (*domain.Game, error) {
	g, err := s.games.AdvancePhase(ctx, gameID, teacherID)
	if err != nil {
		return nil, err
	}

	if g.Completed() {
		if err := s.buzzes.Clear(ctx, gameID); err != nil {
			return nil, err
		}
	} else if g.CurrentPhase == domain.PhaseFinalJeopardyWager {
		// Board play is over; close any open buzzer window.
		if err := s.buzzes.CloseWindow(ctx, gameID); err != nil {
			return nil, err
		}
	}

	return g, nil
}

type SubmitWagerRequest struct {
	GameID     string
	TeamID     string
	QuestionID string
	Type       domain.WagerType
	Amount     int64
	AnswerText string
}

// SubmitWager accepts a team's point commitment. Final Jeopardy wagers are
// only legal during the wager phase; Daily Double wagers only during regular
// play.
func (s *Service) SubmitWager(ctx context.Context, req SubmitWagerRequest) (*domain.Wager, error) {
	want := domain.PhaseFinalJeopardyWager
	if req.Type == domain.WagerDailyDouble {
		want = domain.PhaseRegular
	}
	if _, err := s.requirePhase(ctx, req.GameID, want); err != nil {
		return nil, err
	}

	return s.wagers.SubmitWager(ctx, wager.SubmitWagerRequest{
		GameID:     req.GameID,
		TeamID:     req.TeamID,
		QuestionID: req.QuestionID,
		Type:       req.Type,
		Amount:     req.Amount,
		AnswerText: req.AnswerText,
	})
}

// SubmitFinalAnswer attaches a team's answer text to its Final Jeopardy
// wager during the answer phase. The wager amount is locked; only the text
// changes.
func (s *Service) SubmitFinalAnswer(ctx context.Context, gameID, teamID, answerText string) (*domain.Wager, error) {
	if _, err := s.requirePhase(ctx, gameID, domain.PhaseFinalJeopardyAnswer); err != nil {
		return nil, err
	}

	w, err := s.wagers.SubmitAnswerText(ctx, gameID, teamID, answerText)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type RevealWagerRequest struct {
	GameID    string
	TeacherID string
	TeamID    string
	Correct   bool
}

type RevealWagerResponse struct {
	Wager    *domain.Wager
	NewScore int64
}

// RevealFinalJeopardy reveals one team's wager and settles it against the
// ledger: plus the wager if correct, minus if not. The reveal and the score
// delta commit as one storage step, so a failed settlement leaves the wager
// unrevealed and the teacher retries. Each team is revealed individually; the
// others stay untouched.
func (s *Service) RevealFinalJeopardy(ctx context.Context, req RevealWagerRequest) (*RevealWagerResponse, error) {
	g, err := s.requirePhase(ctx, req.GameID, domain.PhaseFinalJeopardyReveal)
	if err != nil {
		return nil, err
	}
	if g.TeacherID != req.TeacherID {
		return nil, notOwner()
	}

	res, err := s.scores.SettleWager(ctx, score.SettleWagerRequest{
		GameID:  req.GameID,
		TeamID:  req.TeamID,
		Type:    domain.WagerFinalJeopardy,
		Correct: req.Correct,
	})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventWagerRevealed{
		GameID:   req.GameID,
		TeamID:   req.TeamID,
		Amount:   res.Wager.Amount,
		Correct:  req.Correct,
		NewScore: res.NewScore,
	})

	return &RevealWagerResponse{Wager: res.Wager, NewScore: res.NewScore}, nil
}

// Snapshot is the authoritative full state a client refetches after a
// reconnect, instead of trusting events buffered while it was away.
type Snapshot struct {
	Game  *domain.Game
	Teams []domain.Team
	Queue []domain.BuzzEntry
	Floor string
}

func (s *Service) Snapshot(ctx context.Context, gameID string) (*Snapshot, error) {
	g, err := s.games.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}

	teams, err := s.teams.ListTeams(ctx, gameID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Game: g, Teams: teams}
	if g.Status == domain.StatusActive {
		if snap.Queue, err = s.buzzes.Queue(ctx, gameID); err != nil {
			return nil, err
		}
		if snap.Floor, err = s.buzzes.Floor(ctx, gameID); err != nil {
			return nil, err
		}
	}

	return snap, nil
}

// loadPlayable fetches the game and rejects any action on a completed one.
func (s *Service) loadPlayable(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := s.games.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Completed() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonGameCompleted),
			errors.WithMessagef("game %s is completed", gameID))
	}
	return g, nil
}

func (s *Service) requirePhase(ctx context.Context, gameID string, p domain.Phase) (*domain.Game, error) {
	g, err := s.loadPlayable(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status != domain.StatusActive || g.CurrentPhase != p {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonWrongPhase),
			errors.WithMessagef("action requires phase %s, game is %s/%s", p, g.Status, g.CurrentPhase))
	}
	return g, nil
}

func notOwner() error {
	return errors.New(errors.CodePermissionDenied, errors.WithMessagef("not the owning teacher"))
}
