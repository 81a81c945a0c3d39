// Package postgres implements the store interfaces on pgx. Guarded writes
// are single UPDATE statements whose WHERE clause carries the guard, so the
// check and the mutation commit together.
package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/store"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var (
	_ store.GameStore  = (*Store)(nil)
	_ store.TeamStore  = (*Store)(nil)
	_ store.WagerStore = (*Store)(nil)
)

const gameColumns = `
game_id, teacher_id, bank_id, bank_size, status, current_phase, num_teams,
team_names, timer_enabled, timer_seconds, used_questions, daily_doubles,
final_category, final_question, final_answer, started_at, completed_at,
version, create_time, update_time`

func scanGame(row pgx.Row) (*domain.Game, error) {
	var (
		g           domain.Game
		doubles     []int32
		cat, q, ans *string
	)

	err := row.Scan(
		&g.GameID, &g.TeacherID, &g.BankID, &g.BankSize, &g.Status,
		&g.CurrentPhase, &g.NumTeams, &g.TeamNames, &g.Timer.Enabled,
		&g.Timer.Seconds, &g.UsedQuestions, &doubles,
		&cat, &q, &ans, &g.StartedAt, &g.CompletedAt,
		&g.Version, &g.CreateTime, &g.UpdateTime,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g.DailyDoubles = make([]int, 0, len(doubles))
	for _, d := range doubles {
		g.DailyDoubles = append(g.DailyDoubles, int(d))
	}
	if cat != nil {
		g.Final = &domain.FinalJeopardy{Category: *cat, Question: *q, Answer: *ans}
	}

	return &g, nil
}

func finalFields(g *domain.Game) (cat, q, ans *string) {
	if g.Final == nil {
		return nil, nil, nil
	}
	return &g.Final.Category, &g.Final.Question, &g.Final.Answer
}

func doubles32(g *domain.Game) []int32 {
	out := make([]int32, 0, len(g.DailyDoubles))
	for _, d := range g.DailyDoubles {
		out = append(out, int32(d))
	}
	return out
}

func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	const stmt = `
INSERT INTO games (
	game_id, teacher_id, bank_id, bank_size, status, current_phase, num_teams,
	team_names, timer_enabled, timer_seconds, used_questions, daily_doubles,
	final_category, final_question, final_answer, version, create_time, update_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, now(), now());`

	cat, q, ans := finalFields(g)
	_, err := s.db.Exec(ctx, stmt,
		g.GameID, g.TeacherID, g.BankID, g.BankSize, g.Status, g.CurrentPhase,
		g.NumTeams, g.TeamNames, g.Timer.Enabled, g.Timer.Seconds,
		g.UsedQuestions, doubles32(g), cat, q, ans,
	)
	return err
}

func (s *Store) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	return scanGame(s.db.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE game_id = $1;`, gameID))
}

func (s *Store) UpdateGame(ctx context.Context, g *domain.Game) error {
	const stmt = `
UPDATE games SET
	bank_id = $3, bank_size = $4, num_teams = $5, team_names = $6,
	timer_enabled = $7, timer_seconds = $8, used_questions = $9,
	daily_doubles = $10, final_category = $11, final_question = $12,
	final_answer = $13, version = version + 1, update_time = now()
WHERE game_id = $1 AND version = $2;`

	cat, q, ans := finalFields(g)
	tag, err := s.db.Exec(ctx, stmt,
		g.GameID, g.Version, g.BankID, g.BankSize, g.NumTeams, g.TeamNames,
		g.Timer.Enabled, g.Timer.Seconds, g.UsedQuestions, doubles32(g),
		cat, q, ans,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, g.GameID)
	}

	g.Version++
	return nil
}

func (s *Store) staleOrMissing(ctx context.Context, gameID string) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE game_id = $1);`, gameID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStale
}

func (s *Store) Activate(ctx context.Context, gameID string, at time.Time) (*domain.Game, error) {
	const stmt = `
UPDATE games SET status = 'active', current_phase = 'regular',
	started_at = $2, update_time = now()
WHERE game_id = $1 AND status = 'setup'
RETURNING ` + gameColumns + `;`

	g, err := scanGame(s.db.QueryRow(ctx, stmt, gameID, at))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, s.staleOrMissing(ctx, gameID)
	}
	return g, err
}

func (s *Store) AdvancePhase(ctx context.Context, gameID string, from, to domain.Phase) (*domain.Game, error) {
	const stmt = `
UPDATE games SET current_phase = $3, update_time = now()
WHERE game_id = $1 AND status = 'active' AND current_phase = $2
RETURNING ` + gameColumns + `;`

	g, err := scanGame(s.db.QueryRow(ctx, stmt, gameID, from, to))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, s.staleOrMissing(ctx, gameID)
	}
	return g, err
}

func (s *Store) Complete(ctx context.Context, gameID string, at time.Time) (*domain.Game, error) {
	// status and completed_at change together, in one statement.
	const stmt = `
UPDATE games SET status = 'completed', completed_at = $2, update_time = now()
WHERE game_id = $1 AND status = 'active' AND current_phase = 'final_jeopardy_reveal'
RETURNING ` + gameColumns + `;`

	g, err := scanGame(s.db.QueryRow(ctx, stmt, gameID, at))
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, s.staleOrMissing(ctx, gameID)
	}
	return g, err
}

func (s *Store) DeleteGame(ctx context.Context, gameID string) error {
	// Teams and wagers cascade via foreign keys.
	tag, err := s.db.Exec(ctx, `DELETE FROM games WHERE game_id = $1;`, gameID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTeam(ctx context.Context, t *domain.Team) error {
	const stmt = `
INSERT INTO teams (team_id, game_id, team_number, name, score, connection_status, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := s.db.Exec(ctx, stmt,
		t.TeamID, t.GameID, t.TeamNumber, t.Name, t.Score, t.Connection, t.LastSeen)
	return err
}

const teamColumns = `team_id, game_id, team_number, name, score, connection_status, last_seen`

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var t domain.Team
	err := row.Scan(&t.TeamID, &t.GameID, &t.TeamNumber, &t.Name, &t.Score, &t.Connection, &t.LastSeen)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTeam(ctx context.Context, gameID, teamID string) (*domain.Team, error) {
	return scanTeam(s.db.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE game_id = $1 AND team_id = $2;`,
		gameID, teamID))
}

func (s *Store) ListTeams(ctx context.Context, gameID string) ([]domain.Team, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE game_id = $1 ORDER BY team_number;`,
		gameID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Team, error) {
		var t domain.Team
		err := r.Scan(&t.TeamID, &t.GameID, &t.TeamNumber, &t.Name, &t.Score, &t.Connection, &t.LastSeen)
		return t, err
	})
}

// AddScore is the ledger's atomic read-modify-write: the increment happens
// inside the database, so concurrent deltas cannot lose updates.
func (s *Store) AddScore(ctx context.Context, gameID, teamID string, delta int64) (int64, error) {
	const stmt = `
UPDATE teams SET score = score + $3
WHERE game_id = $1 AND team_id = $2
RETURNING score;`

	var score int64
	err := s.db.QueryRow(ctx, stmt, gameID, teamID, delta).Scan(&score)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

func (s *Store) SetConnection(ctx context.Context, gameID, teamID string, cs domain.ConnectionStatus, at time.Time) error {
	const stmt = `
UPDATE teams SET connection_status = $3, last_seen = $4
WHERE game_id = $1 AND team_id = $2;`

	tag, err := s.db.Exec(ctx, stmt, gameID, teamID, cs, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ShrinkTeams(ctx context.Context, gameID string, keep int) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM teams WHERE game_id = $1 AND team_number > $2;`, gameID, keep)
	return err
}

func (s *Store) UpsertWager(ctx context.Context, w *domain.Wager) error {
	const stmt = `
INSERT INTO wagers (wager_id, game_id, team_id, question_id, wager_type, amount, answer_text, revealed, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, false, now())
ON CONFLICT (game_id, team_id, wager_type) WHERE NOT revealed
DO UPDATE SET question_id = $4, amount = $6, answer_text = $7;`

	_, err := s.db.Exec(ctx, stmt,
		w.WagerID, w.GameID, w.TeamID, w.QuestionID, w.Type, w.Amount, w.AnswerText)
	return err
}

const wagerColumns = `wager_id, game_id, team_id, question_id, wager_type, amount, answer_text, is_correct, revealed, create_time`

func scanWager(row pgx.Row) (*domain.Wager, error) {
	var w domain.Wager
	err := row.Scan(&w.WagerID, &w.GameID, &w.TeamID, &w.QuestionID, &w.Type,
		&w.Amount, &w.AnswerText, &w.IsCorrect, &w.Revealed, &w.CreateTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetWager(ctx context.Context, gameID, teamID string, wt domain.WagerType) (*domain.Wager, error) {
	return scanWager(s.db.QueryRow(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE game_id = $1 AND team_id = $2 AND wager_type = $3;`,
		gameID, teamID, wt))
}

func (s *Store) ListWagers(ctx context.Context, gameID string, wt domain.WagerType) ([]domain.Wager, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE game_id = $1 AND wager_type = $2 ORDER BY create_time;`,
		gameID, wt)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Wager, error) {
		var w domain.Wager
		err := r.Scan(&w.WagerID, &w.GameID, &w.TeamID, &w.QuestionID, &w.Type,
			&w.Amount, &w.AnswerText, &w.IsCorrect, &w.Revealed, &w.CreateTime)
		return w, err
	})
}

func (s *Store) SettleWager(ctx context.Context, gameID, teamID string, wt domain.WagerType, correct bool) (*domain.Wager, int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	const reveal = `
UPDATE wagers SET revealed = true, is_correct = $4
WHERE game_id = $1 AND team_id = $2 AND wager_type = $3 AND NOT revealed
RETURNING ` + wagerColumns + `;`

	w, err := scanWager(tx.QueryRow(ctx, reveal, gameID, teamID, wt, correct))
	if stderrors.Is(err, store.ErrNotFound) {
		// Distinguish "already revealed" from "never wagered".
		if _, gerr := s.GetWager(ctx, gameID, teamID, wt); gerr == nil {
			return nil, 0, store.ErrStale
		}
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	delta := w.Amount
	if !correct {
		delta = -w.Amount
	}

	var newScore int64
	err = tx.QueryRow(ctx, `
UPDATE teams SET score = score + $3
WHERE game_id = $1 AND team_id = $2
RETURNING score;`, gameID, teamID, delta).Scan(&newScore)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, 0, store.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return w, newScore, nil
}

func (s *Store) ResetWagers(ctx context.Context, gameID string, wt domain.WagerType) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM wagers WHERE game_id = $1 AND wager_type = $2;`, gameID, wt)
	return err
}
