package store

import (
	"context"
	"errors"
	"time"

	"github.com/classquiz/gameshow/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced game or team does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStale is returned when a guarded write finds the row in a different
	// state than expected (version mismatch or phase/status guard failure).
	ErrStale = errors.New("store: stale state")
)

// GameStore persists games. Every state-changing method is a single guarded
// write: the guard condition is evaluated at the storage layer, in the same
// statement as the mutation.
type GameStore interface {
	CreateGame(ctx context.Context, g *domain.Game) error
	GetGame(ctx context.Context, gameID string) (*domain.Game, error)
	// UpdateGame persists settings fields guarded by g.Version. On success
	// the stored version is incremented and g.Version is updated to match.
	// Returns ErrStale on a version mismatch.
	UpdateGame(ctx context.Context, g *domain.Game) error
	// Activate moves a setup game to active/regular and stamps started_at.
	// Returns ErrStale unless the game is still in setup.
	Activate(ctx context.Context, gameID string, at time.Time) (*domain.Game, error)
	// AdvancePhase moves current_phase from from to to while the game is
	// active. Returns ErrStale if the stored phase is not from.
	AdvancePhase(ctx context.Context, gameID string, from, to domain.Phase) (*domain.Game, error)
	// Complete terminates a game in the reveal phase: status and
	// completed_at change together in one write.
	Complete(ctx context.Context, gameID string, at time.Time) (*domain.Game, error)
	DeleteGame(ctx context.Context, gameID string) error
}

// TeamStore persists teams. AddScore is the only score mutation: a single
// atomic read-modify-write at the storage layer, never a blind overwrite.
type TeamStore interface {
	CreateTeam(ctx context.Context, t *domain.Team) error
	GetTeam(ctx context.Context, gameID, teamID string) (*domain.Team, error)
	ListTeams(ctx context.Context, gameID string) ([]domain.Team, error)
	// AddScore applies delta atomically and returns the new score.
	AddScore(ctx context.Context, gameID, teamID string, delta int64) (int64, error)
	SetConnection(ctx context.Context, gameID, teamID string, cs domain.ConnectionStatus, at time.Time) error
	// ShrinkTeams removes teams numbered above keep, used when the teacher
	// lowers num_teams during setup.
	ShrinkTeams(ctx context.Context, gameID string, keep int) error
}

// WagerStore persists Final Jeopardy and Daily Double wagers.
type WagerStore interface {
	UpsertWager(ctx context.Context, w *domain.Wager) error
	GetWager(ctx context.Context, gameID, teamID string, wt domain.WagerType) (*domain.Wager, error)
	ListWagers(ctx context.Context, gameID string, wt domain.WagerType) ([]domain.Wager, error)
	// SettleWager reveals the wager and applies its score delta (plus the
	// amount if correct, minus if not) to the team in one atomic step, so a
	// failed settlement leaves the wager unrevealed and the call retryable.
	// Returns the revealed wager and the team's new score. Returns ErrStale
	// if the wager was already revealed.
	SettleWager(ctx context.Context, gameID, teamID string, wt domain.WagerType, correct bool) (*domain.Wager, int64, error)
	ResetWagers(ctx context.Context, gameID string, wt domain.WagerType) error
}

// DefaultRetryAttempts bounds optimistic-concurrency retries.
const DefaultRetryAttempts = 3

// RetryVersioned is the one shared optimistic-update loop: load the game,
// apply fn, write back guarded by the loaded version, and retry on ErrStale
// up to attempts times. Callers translate the final ErrStale into a
// user-facing conflict.
func RetryVersioned(ctx context.Context, gs GameStore, gameID string, attempts int, fn func(g *domain.Game) error) (*domain.Game, error) {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		g, err := gs.GetGame(ctx, gameID)
		if err != nil {
			return nil, err
		}

		if err := fn(g); err != nil {
			return nil, err
		}

		err = gs.UpdateGame(ctx, g)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrStale) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}
