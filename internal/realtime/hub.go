// Package realtime delivers broadcast notifications to connected teacher and
// student devices over websockets. The hub holds one redis pub/sub
// subscription per game with connected clients and fans incoming
// notifications out to them. Connection health is surfaced to clients as its
// own message type, separate from data, so a teacher console can warn that
// scores and buzzes may be stale.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/classquiz/gameshow/internal/domain"
	"github.com/classquiz/gameshow/internal/event"
	"github.com/classquiz/gameshow/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Message types pushed to clients.
const (
	TypeEvent = "event"
	// TypeConnection carries hub-side connection health:
	// connecting | connected | disconnected.
	TypeConnection = "connection"
	// TypeSyncRequired tells a freshly (re)connected client to refetch the
	// authoritative snapshot instead of trusting buffered events.
	TypeSyncRequired = "sync_required"
)

type Message struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Config struct {
	Redis    redis.UniversalClient
	Prefix   string
	Teams    store.TeamStore
	EventBus *event.Bus
}

type Hub struct {
	redis  redis.UniversalClient
	prefix string
	teams  store.TeamStore
	eb     *event.Bus

	mu    sync.Mutex
	games map[string]*gameRoom

	upgrader websocket.Upgrader
}

// gameRoom is the set of clients watching one game plus the pub/sub
// subscription feeding them.
type gameRoom struct {
	clients map[*Client]bool
	cancel  context.CancelFunc
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	gameID string
	teamID string // empty for the teacher console
}

func NewHub(c Config) *Hub {
	return &Hub{
		redis:  c.Redis,
		prefix: c.Prefix,
		teams:  c.Teams,
		eb:     c.EventBus,
		games:  make(map[string]*gameRoom),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Hub) channel(gameID string) string {
	return fmt.Sprintf("%s:game:%s", h.prefix, gameID)
}

// HandleConn upgrades the request and attaches the client to its game's
// room. teamID is empty for the teacher console.
func (h *Hub) HandleConn(w http.ResponseWriter, r *http.Request, gameID, teamID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		gameID: gameID,
		teamID: teamID,
	}

	h.register(c)

	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	room, ok := h.games[c.gameID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		room = &gameRoom{
			clients: make(map[*Client]bool),
			cancel:  cancel,
		}
		h.games[c.gameID] = room
		go h.pump(ctx, c.gameID)
	}
	room.clients[c] = true
	h.mu.Unlock()

	// The client must not trust any local cache from before this connect.
	c.push(Message{Type: TypeConnection, Status: "connecting"})
	c.push(Message{Type: TypeSyncRequired})

	if c.teamID != "" {
		now := time.Now()
		if err := h.teams.SetConnection(context.Background(), c.gameID, c.teamID, domain.ConnectionConnected, now); err != nil {
			slog.Warn("realtime: mark team connected failed", "game", c.gameID, "team", c.teamID, "error", err)
		} else {
			h.eb.Publish(context.Background(), domain.EventConnectionChanged{
				GameID:     c.gameID,
				TeamID:     c.teamID,
				Connection: domain.ConnectionConnected,
			})
		}
	}

	slog.Info("realtime: client registered", "game", c.gameID, "team", c.teamID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	room, ok := h.games[c.gameID]
	if ok {
		if _, present := room.clients[c]; present {
			delete(room.clients, c)
			close(c.send)
		}
		if len(room.clients) == 0 {
			room.cancel()
			delete(h.games, c.gameID)
		}
	}
	h.mu.Unlock()

	if c.teamID != "" {
		now := time.Now()
		if err := h.teams.SetConnection(context.Background(), c.gameID, c.teamID, domain.ConnectionDisconnected, now); err == nil {
			h.eb.Publish(context.Background(), domain.EventConnectionChanged{
				GameID:     c.gameID,
				TeamID:     c.teamID,
				Connection: domain.ConnectionDisconnected,
			})
		}
	}

	slog.Info("realtime: client unregistered", "game", c.gameID, "team", c.teamID)
}

// pump moves notifications from the game's pub/sub channel to every client of
// the room, translating subscription lifecycle into connection-health
// messages.
func (h *Hub) pump(ctx context.Context, gameID string) {
	sub := h.redis.Subscribe(ctx, h.channel(gameID))
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting healthy.
	if _, err := sub.Receive(ctx); err != nil {
		slog.ErrorContext(ctx, "realtime: subscribe failed", "game", gameID, "error", err)
		h.broadcast(gameID, Message{Type: TypeConnection, Status: "disconnected"})
		return
	}

	h.broadcast(gameID, Message{Type: TypeConnection, Status: "connected"})

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				h.broadcast(gameID, Message{Type: TypeConnection, Status: "disconnected"})
				return
			}
			h.broadcast(gameID, Message{
				Type:    TypeEvent,
				Payload: json.RawMessage(msg.Payload),
			})
		}
	}
}

func (h *Hub) broadcast(gameID string, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Error("realtime: marshal message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.games[gameID]
	if !ok {
		return
	}
	for c := range room.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer, drop it; the client will reconnect and resync.
			delete(room.clients, c)
			close(c.send)
		}
	}
	if len(room.clients) == 0 {
		room.cancel()
		delete(h.games, gameID)
	}
}

func (c *Client) push(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for disconnects and pongs; all client actions arrive
// over the HTTP API, never the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
