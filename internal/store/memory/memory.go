// Package memory is an in-memory implementation of the store interfaces,
// used by tests and local development. It preserves the same guard semantics
// as the postgres implementation: guarded writes are evaluated under a single
// lock so concurrent callers observe atomic transitions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/store"
)

type Store struct {
	mu     sync.Mutex
	games  map[string]*domain.Game
	teams  map[string]map[string]*domain.Team // gameID -> teamID -> team
	wagers map[string]*domain.Wager           // gameID/teamID/type -> wager
}

func New() *Store {
	return &Store{
		games:  make(map[string]*domain.Game),
		teams:  make(map[string]map[string]*domain.Team),
		wagers: make(map[string]*domain.Wager),
	}
}

var (
	_ store.GameStore  = (*Store)(nil)
	_ store.TeamStore  = (*Store)(nil)
	_ store.WagerStore = (*Store)(nil)
)

func copyGame(g *domain.Game) *domain.Game {
	c := *g
	c.TeamNames = append([]string(nil), g.TeamNames...)
	c.UsedQuestions = append([]string(nil), g.UsedQuestions...)
	c.DailyDoubles = append([]int(nil), g.DailyDoubles...)
	if g.Final != nil {
		f := *g.Final
		c.Final = &f
	}
	if g.StartedAt != nil {
		t := *g.StartedAt
		c.StartedAt = &t
	}
	if g.CompletedAt != nil {
		t := *g.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copyTeam(t *domain.Team) *domain.Team {
	c := *t
	if t.LastSeen != nil {
		ts := *t.LastSeen
		c.LastSeen = &ts
	}
	return &c
}

func copyWager(w *domain.Wager) *domain.Wager {
	c := *w
	if w.IsCorrect != nil {
		b := *w.IsCorrect
		c.IsCorrect = &b
	}
	return &c
}

func (s *Store) CreateGame(_ context.Context, g *domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	g.CreateTime, g.UpdateTime = now, now
	s.games[g.GameID] = copyGame(g)
	return nil
}

func (s *Store) GetGame(_ context.Context, gameID string) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGame(g), nil
}

func (s *Store) UpdateGame(_ context.Context, g *domain.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.games[g.GameID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != g.Version {
		return store.ErrStale
	}

	g.Version++
	g.UpdateTime = time.Now()
	s.games[g.GameID] = copyGame(g)
	return nil
}

func (s *Store) Activate(_ context.Context, gameID string, at time.Time) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if g.Status != domain.StatusSetup {
		return nil, store.ErrStale
	}

	g.Status = domain.StatusActive
	g.CurrentPhase = domain.PhaseRegular
	g.StartedAt = &at
	g.UpdateTime = at
	return copyGame(g), nil
}

func (s *Store) AdvancePhase(_ context.Context, gameID string, from, to domain.Phase) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if g.Status != domain.StatusActive || g.CurrentPhase != from {
		return nil, store.ErrStale
	}

	g.CurrentPhase = to
	g.UpdateTime = time.Now()
	return copyGame(g), nil
}

func (s *Store) Complete(_ context.Context, gameID string, at time.Time) (*domain.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if g.Status != domain.StatusActive || g.CurrentPhase != domain.PhaseFinalJeopardyReveal {
		return nil, store.ErrStale
	}

	g.Status = domain.StatusCompleted
	g.CompletedAt = &at
	g.UpdateTime = at
	return copyGame(g), nil
}

func (s *Store) DeleteGame(_ context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[gameID]; !ok {
		return store.ErrNotFound
	}
	delete(s.games, gameID)
	delete(s.teams, gameID)
	for k, w := range s.wagers {
		if w.GameID == gameID {
			delete(s.wagers, k)
		}
	}
	return nil
}

func (s *Store) CreateTeam(_ context.Context, t *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.teams[t.GameID] == nil {
		s.teams[t.GameID] = make(map[string]*domain.Team)
	}
	s.teams[t.GameID][t.TeamID] = copyTeam(t)
	return nil
}

func (s *Store) GetTeam(_ context.Context, gameID, teamID string) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[gameID][teamID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTeam(t), nil
}

func (s *Store) ListTeams(_ context.Context, gameID string) ([]domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	teams := make([]domain.Team, 0, len(s.teams[gameID]))
	for _, t := range s.teams[gameID] {
		teams = append(teams, *copyTeam(t))
	}
	// Stable order by team number.
	for i := 0; i < len(teams); i++ {
		for j := i + 1; j < len(teams); j++ {
			if teams[j].TeamNumber < teams[i].TeamNumber {
				teams[i], teams[j] = teams[j], teams[i]
			}
		}
	}
	return teams, nil
}

func (s *Store) AddScore(_ context.Context, gameID, teamID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[gameID][teamID]
	if !ok {
		return 0, store.ErrNotFound
	}
	t.Score += delta
	return t.Score, nil
}

func (s *Store) SetConnection(_ context.Context, gameID, teamID string, cs domain.ConnectionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[gameID][teamID]
	if !ok {
		return store.ErrNotFound
	}
	t.Connection = cs
	t.LastSeen = &at
	return nil
}

func (s *Store) ShrinkTeams(_ context.Context, gameID string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.teams[gameID] {
		if t.TeamNumber > keep {
			delete(s.teams[gameID], id)
		}
	}
	return nil
}

func wagerKey(gameID, teamID string, wt domain.WagerType) string {
	return gameID + "/" + teamID + "/" + string(wt)
}

func (s *Store) UpsertWager(_ context.Context, w *domain.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := wagerKey(w.GameID, w.TeamID, w.Type)
	if cur, ok := s.wagers[k]; ok {
		w.WagerID = cur.WagerID
		w.CreateTime = cur.CreateTime
	} else {
		w.CreateTime = time.Now()
	}
	s.wagers[k] = copyWager(w)
	return nil
}

func (s *Store) GetWager(_ context.Context, gameID, teamID string, wt domain.WagerType) (*domain.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wagers[wagerKey(gameID, teamID, wt)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyWager(w), nil
}

func (s *Store) ListWagers(_ context.Context, gameID string, wt domain.WagerType) ([]domain.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var wagers []domain.Wager
	for _, w := range s.wagers {
		if w.GameID == gameID && w.Type == wt {
			wagers = append(wagers, *copyWager(w))
		}
	}
	return wagers, nil
}

func (s *Store) SettleWager(_ context.Context, gameID, teamID string, wt domain.WagerType, correct bool) (*domain.Wager, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wagers[wagerKey(gameID, teamID, wt)]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	if w.Revealed {
		return nil, 0, store.ErrStale
	}
	t, ok := s.teams[gameID][teamID]
	if !ok {
		return nil, 0, store.ErrNotFound
	}

	w.Revealed = true
	w.IsCorrect = &correct
	delta := w.Amount
	if !correct {
		delta = -w.Amount
	}
	t.Score += delta
	return copyWager(w), t.Score, nil
}

func (s *Store) ResetWagers(_ context.Context, gameID string, wt domain.WagerType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, w := range s.wagers {
		if w.GameID == gameID && w.Type == wt {
			delete(s.wagers, k)
		}
	}
	return nil
}
