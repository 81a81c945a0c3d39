// Package broadcast propagates authoritative state changes to connected
// clients. It is a thin adapter from the in-process event bus to redis
// pub/sub: one channel per game, JSON envelopes, at-least-once delivery with
// no cross-entity ordering guarantee. Consumers treat each message as the
// entity's latest snapshot, and refetch full state after a reconnect.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/event"
)

const (
	publishAttempts = 3
	backoffStep     = 50 * time.Millisecond
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gameshow_broadcast_published_total",
		Help: "Notifications published per event name.",
	}, []string{"event"})
	retries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameshow_broadcast_retries_total",
		Help: "Publish attempts that had to be retried.",
	})
	failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameshow_broadcast_failures_total",
		Help: "Notifications dropped after exhausting retries.",
	})
)

// Notification is the wire envelope every client receives.
type Notification struct {
	Event  string `json:"event"`
	GameID string `json:"game_id"`
	Data   any    `json:"data"`
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	EventBus *event.Bus
	Redis    Redis
	Prefix   string
}

type Broadcaster struct {
	redis  Redis
	prefix string
}

// New wires the broadcaster into the event bus for every state-change event.
func New(c Config) *Broadcaster {
	b := &Broadcaster{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.SubscribeAll([]string{
		domain.EventNamePhaseChanged,
		domain.EventNameGameCompleted,
		domain.EventNameScoreUpdated,
		domain.EventNameConnectionChanged,
		domain.EventNameBuzzRecorded,
		domain.EventNameFloorChanged,
		domain.EventNameWindowOpened,
		domain.EventNameWindowClosed,
		domain.EventNameWagerRevealed,
	}, b.handle)

	return b
}

// Channel is the pub/sub channel carrying all notifications for a game.
func (b *Broadcaster) Channel(gameID string) string {
	return fmt.Sprintf("%s:game:%s", b.prefix, gameID)
}

func (b *Broadcaster) handle(ctx context.Context, e event.Event) error {
	gameID, data := payload(e)
	if gameID == "" {
		return fmt.Errorf("broadcast: event %s without game id", e.Name())
	}

	body, err := json.Marshal(Notification{
		Event:  e.Name(),
		GameID: gameID,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("broadcast: marshal %s: %v", e.Name(), err)
	}

	// Transient pub/sub hiccups are retried here with bounded backoff and
	// never surfaced to the acting user; clients see degraded connection
	// state instead of a hard error.
	var lastErr error
	for i := 0; i < publishAttempts; i++ {
		if i > 0 {
			retries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * backoffStep):
			}
		}

		if lastErr = b.redis.Publish(ctx, b.Channel(gameID), body).Err(); lastErr == nil {
			published.WithLabelValues(e.Name()).Inc()
			return nil
		}

		slog.WarnContext(ctx, "broadcast: publish failed",
			"event", e.Name(),
			"game", gameID,
			"attempt", i+1,
			"error", lastErr,
		)
	}

	failures.Inc()
	return fmt.Errorf("broadcast: publish %s after %d attempts: %w", e.Name(), publishAttempts, lastErr)
}

func payload(e event.Event) (gameID string, data any) {
	switch ev := e.(type) {
	case domain.EventPhaseChanged:
		return ev.Game.GameID, gameData(ev.Game)
	case domain.EventGameCompleted:
		return ev.Game.GameID, gameData(ev.Game)
	case domain.EventScoreUpdated:
		return ev.GameID, ev
	case domain.EventConnectionChanged:
		return ev.GameID, ev
	case domain.EventBuzzRecorded:
		return ev.GameID, ev
	case domain.EventFloorChanged:
		return ev.GameID, ev
	case domain.EventWindowOpened:
		return ev.GameID, ev
	case domain.EventWindowClosed:
		return ev.GameID, ev
	case domain.EventWagerRevealed:
		return ev.GameID, ev
	default:
		return "", nil
	}
}

type gamePayload struct {
	GameID       string            `json:"game_id"`
	Status       domain.GameStatus `json:"status"`
	CurrentPhase domain.Phase      `json:"current_phase"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func gameData(g domain.Game) gamePayload {
	return gamePayload{
		GameID:       g.GameID,
		Status:       g.Status,
		CurrentPhase: g.CurrentPhase,
		CompletedAt:  g.CompletedAt,
	}
}
