// Package ws pushes live session views to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Encoding selects the frame format of a client.
type Encoding int

const (
	// EncodingJSON sends text frames holding the JSON envelope.
	EncodingJSON Encoding = iota
	// EncodingProto sends binary frames holding the envelope as a
	// google.protobuf.Struct.
	EncodingProto
)

// Config configures a Hub.
type Config struct {
	// Channel is the bus channel carrying serialized session views.
	Channel string
	// SnapshotKey returns the cache key of the current view, sent to new
	// clients before live updates. Nil disables the initial snapshot.
	SnapshotKey func() (string, bool)
	Mode        string
	// CheckOrigin reports whether a browser origin may connect.
	CheckOrigin func(origin string) bool
}

// Hub bridges the session channel of a SignalBus to websocket clients.
type Hub struct {
	cfg        Config
	bus        domain.SignalBus
	snapshots  domain.SnapshotCache
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	startedAt  time.Time
	logger     *slog.Logger
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	encoding Encoding
}

// envelope is the frame body: {"type":"session","payload":{...}}.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewHub creates a Hub. snapshots may be nil.
func NewHub(bus domain.SignalBus, snapshots domain.SnapshotCache, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		bus:        bus,
		snapshots:  snapshots,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || cfg.CheckOrigin == nil {
				return true
			}
			return cfg.CheckOrigin(origin)
		},
	}
	return h
}

// Run subscribes to the session channel and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	updates, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "subscribed", slog.String("channel", h.cfg.Channel))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.ClientCount()))

		case payload, ok := <-updates:
			if !ok {
				h.logger.Warn("session channel closed", slog.String("channel", h.cfg.Channel))
				updates = nil
				continue
			}
			h.fanOut(frame("session", payload))
		}
	}
}

// fanOut queues msg for every client. A slow client only loses the views it
// cannot keep up with; each view is complete, so the next one catches it up.
func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping view for slow client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client. Clients pass
// ?encoding=proto for binary protobuf frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	if r.URL.Query().Get("encoding") == "proto" {
		c.encoding = EncodingProto
	}

	c.queue(h.hello())
	if snap := h.snapshot(r.Context()); snap != nil {
		c.queue(snap)
	}

	select {
	case h.register <- c:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) hello() []byte {
	payload, _ := json.Marshal(map[string]any{
		"mode":           h.cfg.Mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
	return frame("hello", payload)
}

func (h *Hub) snapshot(ctx context.Context) []byte {
	if h.snapshots == nil || h.cfg.SnapshotKey == nil {
		return nil
	}
	key, ok := h.cfg.SnapshotKey()
	if !ok {
		return nil
	}
	payload, _, err := h.snapshots.GetSnapshot(ctx, key)
	if err != nil {
		return nil
	}
	return frame("session", payload)
}

func frame(kind string, payload []byte) []byte {
	b, err := json.Marshal(envelope{Type: kind, Payload: payload})
	if err != nil {
		return nil
	}
	return b
}

// encodeProto re-encodes a JSON envelope as a protobuf Struct.
func encodeProto(msg []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (c *client) queue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// readPump only services control frames; clients send nothing meaningful.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, data := websocket.TextMessage, msg
			if c.encoding == EncodingProto {
				var err error
				if data, err = encodeProto(msg); err != nil {
					c.hub.logger.Warn("proto encode failed", slog.String("error", err.Error()))
					continue
				}
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
