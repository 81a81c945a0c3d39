package score

import (
	"context"
	stderrors "errors"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/errors"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/store"
)

type Config struct {
	Teams    store.TeamStore
	Wagers   store.WagerStore
	EventBus *event.Bus
}

// Service is the score ledger. Every score change goes through it: board
// deltas and teacher corrections via ApplyScoreDelta, wager settlements via
// SettleWager. Nothing else in the codebase writes a team's score.
type Service struct {
	teams  store.TeamStore
	wagers store.WagerStore
	eb     *event.Bus
}

func NewService(c Config) *Service {
	return &Service{
		teams:  c.Teams,
		wagers: c.Wagers,
		eb:     c.EventBus,
	}
}

type ApplyScoreDeltaRequest struct {
	GameID string
	TeamID string
	Delta  int64
}

type ApplyScoreDeltaResponse struct {
	NewScore int64
}

// ApplyScoreDelta applies a point delta as a single atomic read-modify-write
// at the storage layer, so concurrent corrections cannot lose updates. The
// score change is published to the event bus before the call returns, which
// keeps persisted state and broadcast state from diverging.
func (s *Service) ApplyScoreDelta(ctx context.Context, req ApplyScoreDeltaRequest) (*ApplyScoreDeltaResponse, error) {
	newScore, err := s.teams.AddScore(ctx, req.GameID, req.TeamID, req.Delta)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("team not found: game=%s team=%s", req.GameID, req.TeamID))
	}
	if stderrors.Is(err, store.ErrStale) {
		// Only reachable on a compare-and-swap backend that exhausted its
		// retry budget. Surfaced to the teacher as "try again", never
		// swallowed: a dropped correction is a game-integrity bug.
		return nil, errors.New(errors.CodeAborted,
			errors.WithReason(errors.ReasonScoreConflict),
			errors.WithMessagef("score update conflicted, try again"))
	}
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventScoreUpdated{
		GameID:   req.GameID,
		TeamID:   req.TeamID,
		Delta:    req.Delta,
		NewScore: newScore,
	})

	return &ApplyScoreDeltaResponse{NewScore: newScore}, nil
}

type SettleWagerRequest struct {
	GameID  string
	TeamID  string
	Type    domain.WagerType
	Correct bool
}

type SettleWagerResponse struct {
	Wager    *domain.Wager
	NewScore int64
}

// SettleWager reveals a wager and applies its score delta (plus the amount if
// correct, minus if not) in one atomic storage step. A failed settlement
// leaves the wager unrevealed so the teacher can retry it; a wager revealed
// through this path always has its delta on the ledger. The score change is
// published before the call returns.
func (s *Service) SettleWager(ctx context.Context, req SettleWagerRequest) (*SettleWagerResponse, error) {
	w, newScore, err := s.wagers.SettleWager(ctx, req.GameID, req.TeamID, req.Type, req.Correct)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no wager to settle: game=%s team=%s type=%s", req.GameID, req.TeamID, req.Type))
	}
	if stderrors.Is(err, store.ErrStale) {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("wager already revealed for team %s", req.TeamID))
	}
	if err != nil {
		return nil, err
	}

	delta := w.Amount
	if !req.Correct {
		delta = -w.Amount
	}
	s.eb.Publish(ctx, domain.EventScoreUpdated{
		GameID:   req.GameID,
		TeamID:   req.TeamID,
		Delta:    delta,
		NewScore: newScore,
	})

	return &SettleWagerResponse{Wager: w, NewScore: newScore}, nil
}
