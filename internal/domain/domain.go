package domain

import (
	"time"
)

// GameStatus is the coarse lifecycle of a game.
type GameStatus string

const (
	StatusSetup     GameStatus = "setup"
	StatusActive    GameStatus = "active"
	StatusCompleted GameStatus = "completed"
)

// Phase is the game's position in the top-level round state machine.
// It only advances forward, one step at a time, and only by the teacher.
type Phase string

const (
	PhaseRegular             Phase = "regular"
	PhaseFinalJeopardyWager  Phase = "final_jeopardy_wager"
	PhaseFinalJeopardyAnswer Phase = "final_jeopardy_answer"
	PhaseFinalJeopardyReveal Phase = "final_jeopardy_reveal"
)

// NextPhase returns the phase following p, or false when p is terminal.
func NextPhase(p Phase) (Phase, bool) {
	switch p {
	case PhaseRegular:
		return PhaseFinalJeopardyWager, true
	case PhaseFinalJeopardyWager:
		return PhaseFinalJeopardyAnswer, true
	case PhaseFinalJeopardyAnswer:
		return PhaseFinalJeopardyReveal, true
	default:
		return "", false
	}
}

// FinalJeopardy is the single terminal-round question attached to a game.
type FinalJeopardy struct {
	Category string
	Question string
	Answer   string
}

// TimerConfig controls the optional server-enforced buzzer window timer.
type TimerConfig struct {
	Enabled bool
	Seconds int
}

// Game represents one quiz session owned by a teacher.
type Game struct {
	GameID       string
	TeacherID    string
	BankID       string
	BankSize     int
	Status       GameStatus
	CurrentPhase Phase
	NumTeams     int
	TeamNames    []string
	Timer        TimerConfig
	// UsedQuestions tracks board positions already played this session.
	UsedQuestions []string
	// DailyDoubles holds exactly two distinct board positions within the bank.
	DailyDoubles []int
	Final        *FinalJeopardy
	StartedAt    *time.Time
	CompletedAt  *time.Time
	// Version guards optimistic settings updates. Phase transitions are
	// guarded by the phase value itself, not the version.
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
}

// Completed reports whether the game reached its terminal state. Once true,
// every mutating action must be rejected.
func (g *Game) Completed() bool {
	return g.Status == StatusCompleted
}

// ConnectionStatus is a student device's connection health, surfaced
// separately from data state.
type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "pending"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Team is one student group within a game. Scores are mutated only through
// atomic deltas, never overwritten.
type Team struct {
	TeamID     string
	GameID     string
	TeamNumber int
	Name       string
	Score      int64
	Connection ConnectionStatus
	LastSeen   *time.Time
}

// BuzzEntry is one accepted buzz in a question's queue. Position is a strict
// gap-free ordering assigned by the server at acceptance time.
type BuzzEntry struct {
	GameID     string
	TeamID     string
	QuestionID string
	Position   int
	Wrong      bool
}

// WagerType distinguishes the two wagering rounds.
type WagerType string

const (
	WagerFinalJeopardy WagerType = "final_jeopardy"
	WagerDailyDouble   WagerType = "daily_double"
)

// Wager is a team's point commitment placed before answering.
type Wager struct {
	WagerID    string
	GameID     string
	TeamID     string
	QuestionID string
	Type       WagerType
	Amount     int64
	AnswerText string
	IsCorrect  *bool
	Revealed   bool
	CreateTime time.Time
}
