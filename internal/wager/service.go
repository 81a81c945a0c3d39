package wager

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/store"
)

// Daily Double bounds: the classic rules allow wagering up to the team's
// score, with a floor of 1000 available to teams below that ("true Daily
// Double"), and a 5 point minimum.
const (
	dailyDoubleMin     = 5
	dailyDoubleCeiling = 1000
)

type Config struct {
	Wagers store.WagerStore
	Teams  store.TeamStore
}

type Service struct {
	wagers store.WagerStore
	teams  store.TeamStore
}

func NewService(c Config) *Service {
	return &Service{
		wagers: c.Wagers,
		teams:  c.Teams,
	}
}

type SubmitWagerRequest struct {
	GameID     string
	TeamID     string
	QuestionID string
	Type       domain.WagerType
	Amount     int64
	AnswerText string
}

// SubmitWager records a team's point commitment. Bounds policy:
// Final Jeopardy wagers satisfy 0 <= amount <= max(score, 0), so a team at or
// below zero may only wager zero. Daily Double wagers satisfy
// 5 <= amount <= max(score, 1000). Resubmitting before reveal overwrites the
// previous wager.
func (s *Service) SubmitWager(ctx context.Context, req SubmitWagerRequest) (*domain.Wager, error) {
	t, err := s.teams.GetTeam(ctx, req.GameID, req.TeamID)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("team not found: game=%s team=%s", req.GameID, req.TeamID))
	}
	if err != nil {
		return nil, err
	}

	if err := validateAmount(req.Type, req.Amount, t.Score); err != nil {
		return nil, err
	}

	if w, err := s.wagers.GetWager(ctx, req.GameID, req.TeamID, req.Type); err == nil && w.Revealed {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("wager already revealed"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate wager ID: %w", err)
	}

	w := &domain.Wager{
		WagerID:    id.String(),
		GameID:     req.GameID,
		TeamID:     req.TeamID,
		QuestionID: req.QuestionID,
		Type:       req.Type,
		Amount:     req.Amount,
		AnswerText: req.AnswerText,
	}
	if err := s.wagers.UpsertWager(ctx, w); err != nil {
		return nil, fmt.Errorf("save wager: %w", err)
	}

	return w, nil
}

func validateAmount(wt domain.WagerType, amount, score int64) error {
	var lo, hi int64
	switch wt {
	case domain.WagerFinalJeopardy:
		lo, hi = 0, max64(score, 0)
	case domain.WagerDailyDouble:
		lo, hi = dailyDoubleMin, max64(score, dailyDoubleCeiling)
	default:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown wager type %q", wt))
	}

	if amount < lo || amount > hi {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithReason(errors.ReasonWagerBounds),
			errors.WithMessagef("wager %d outside allowed range [%d, %d]", amount, lo, hi))
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Find returns a team's wager of the given type, or NotFound.
func (s *Service) Find(ctx context.Context, gameID, teamID string, wt domain.WagerType) (*domain.Wager, error) {
	w, err := s.wagers.GetWager(ctx, gameID, teamID, wt)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no wager for team %s", teamID))
	}
	return w, err
}

// SubmitAnswerText updates only the answer text on a team's unrevealed Final
// Jeopardy wager. The committed amount cannot change after the wager phase.
func (s *Service) SubmitAnswerText(ctx context.Context, gameID, teamID, answerText string) (*domain.Wager, error) {
	w, err := s.wagers.GetWager(ctx, gameID, teamID, domain.WagerFinalJeopardy)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("team %s has no wager to answer", teamID))
	}
	if err != nil {
		return nil, err
	}
	if w.Revealed {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("wager already revealed"))
	}

	w.AnswerText = answerText
	if err := s.wagers.UpsertWager(ctx, w); err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}
	return w, nil
}

// List returns all wagers of a type for a game, for the teacher's reveal
// board.
func (s *Service) List(ctx context.Context, gameID string, wt domain.WagerType) ([]domain.Wager, error) {
	return s.wagers.ListWagers(ctx, gameID, wt)
}

// Reset clears all wagers of a type back to the unanswered baseline.
func (s *Service) Reset(ctx context.Context, gameID string, wt domain.WagerType) error {
	return s.wagers.ResetWagers(ctx, gameID, wt)
}
