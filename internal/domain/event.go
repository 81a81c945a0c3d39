package domain

const (
	EventNamePhaseChanged      = "game.phase_changed"
	EventNameGameCompleted     = "game.completed"
	EventNameScoreUpdated      = "team.score_updated"
	EventNameConnectionChanged = "team.connection_changed"
	EventNameBuzzRecorded      = "buzz.recorded"
	EventNameFloorChanged      = "buzz.floor_changed"
	EventNameWindowOpened      = "buzz.window_opened"
	EventNameWindowClosed      = "buzz.window_closed"
	EventNameWagerRevealed     = "wager.revealed"
)

type EventPhaseChanged struct {
	Game Game
}

func (EventPhaseChanged) Name() string { return EventNamePhaseChanged }

type EventGameCompleted struct {
	Game Game
}

func (EventGameCompleted) Name() string { return EventNameGameCompleted }

type EventScoreUpdated struct {
	GameID   string
	TeamID   string
	Delta    int64
	NewScore int64
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventConnectionChanged struct {
	GameID     string
	TeamID     string
	Connection ConnectionStatus
}

func (EventConnectionChanged) Name() string { return EventNameConnectionChanged }

type EventBuzzRecorded struct {
	GameID     string
	TeamID     string
	QuestionID string
	Position   int
}

func (EventBuzzRecorded) Name() string { return EventNameBuzzRecorded }

// EventFloorChanged reports the team now entitled to answer. FloorTeamID is
// empty when the queue is exhausted.
type EventFloorChanged struct {
	GameID      string
	QuestionID  string
	FloorTeamID string
}

func (EventFloorChanged) Name() string { return EventNameFloorChanged }

type EventWindowOpened struct {
	GameID     string
	QuestionID string
}

func (EventWindowOpened) Name() string { return EventNameWindowOpened }

type EventWindowClosed struct {
	GameID     string
	QuestionID string
}

func (EventWindowClosed) Name() string { return EventNameWindowClosed }

type EventWagerRevealed struct {
	GameID   string
	TeamID   string
	Amount   int64
	Correct  bool
	NewScore int64
}

func (EventWagerRevealed) Name() string { return EventNameWagerRevealed }
