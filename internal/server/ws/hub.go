package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/txnbridge/internal/domain"
	"github.com/alanyoungcy/txnbridge/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// DefaultMaxPerUser caps concurrent sockets in one user's room.
	DefaultMaxPerUser = 10

	// tokenLeeway absorbs clock skew when checking exp and nbf.
	tokenLeeway = 30 * time.Second
)

// ChannelPrefix prefixes the per-user bus channel. Every instance subscribes
// to ChannelPrefix+"*" and delivers to the sockets it holds.
const ChannelPrefix = "fanout:user:"

var errUnauthorized = errors.New("ws: unauthorized")

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Config tunes the hub.
type Config struct {
	// Secret verifies HS256 session tokens. Without it every connection is
	// refused.
	Secret     string
	MaxPerUser int
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// Hub holds one room of sockets per user and delivers each realtime event to
// the room named by its user id only.
type Hub struct {
	rooms      map[string]map[*client]struct{}
	broadcast  chan domain.RealtimeEvent
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	secret     []byte
	maxPerUser int
	upgrader   websocket.Upgrader
	now        func() time.Time
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub. With a bus, events published on any instance reach
// sockets held by every instance; without one delivery is local.
func NewHub(bus domain.SignalBus, cfg Config, logger *slog.Logger) *Hub {
	maxPerUser := cfg.MaxPerUser
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	h := &Hub{
		rooms:      make(map[string]map[*client]struct{}),
		broadcast:  make(chan domain.RealtimeEvent, 256),
		unregister: make(chan *client, 64),
		done:       make(chan struct{}),
		bus:        bus,
		secret:     []byte(cfg.Secret),
		maxPerUser: maxPerUser,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run starts the hub's main event loop. It handles unregistration and
// message delivery and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	var busCh <-chan []byte
	if h.bus != nil {
		ch, err := h.bus.Subscribe(ctx, ChannelPrefix+"*")
		if err != nil {
			return fmt.Errorf("ws: subscribe %s*: %w", ChannelPrefix, err)
		}
		busCh = ch
		h.logger.Info("ws: subscribed to fanout channel", slog.String("pattern", ChannelPrefix+"*"))
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for userID, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
				delete(h.rooms, userID)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.unregister:
			h.leave(c)

		case ev := <-h.broadcast:
			h.deliver(ev)

		case data, ok := <-busCh:
			if !ok {
				h.logger.Warn("ws: fanout subscription closed")
				busCh = nil
				continue
			}
			var ev domain.RealtimeEvent
			if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
				h.logger.Warn("ws: dropping malformed fanout message")
				continue
			}
			h.deliver(ev)
		}
	}
}

// Publish sends ev to every session of ev.UserID.
func (h *Hub) Publish(ctx context.Context, ev domain.RealtimeEvent) error {
	if ev.UserID == "" {
		return domain.NewError(domain.KindInvalidData, "ws.Publish", "event has no user id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	if h.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("ws: marshal event: %w", err)
		}
		return h.bus.Publish(ctx, ChannelPrefix+ev.UserID, payload)
	}
	select {
	case h.broadcast <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports room and connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Rooms: len(h.rooms)}
	for _, room := range h.rooms {
		s.Connections += len(room)
	}
	return s
}

func (h *Hub) deliver(ev domain.RealtimeEvent) {
	h.mu.RLock()
	room := h.rooms[ev.UserID]
	if len(room) == 0 {
		h.mu.RUnlock()
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.mu.RUnlock()
		h.logger.Error("ws: marshal event", slog.String("error", err.Error()))
		return
	}
	for c := range room {
		select {
		case c.send <- data:
		default:
			// Client's send buffer is full; drop the message.
			h.logger.Warn("ws: dropping message for slow client", slog.String("user_id", ev.UserID))
		}
	}
	h.mu.RUnlock()
}

// join admits c to its user's room unless the room is full.
func (h *Hub) join(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.userID]
	if len(room) >= h.maxPerUser {
		return false
	}
	if room == nil {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	return true
}

// leave removes c and deletes the room once empty.
func (h *Hub) leave(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if ok {
		if _, member := room[c]; member {
			delete(room, c)
			close(c.send)
		}
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	h.logger.Info("ws: client disconnected",
		slog.String("user_id", c.userID),
		slog.Int("total_clients", h.Stats().Connections),
	)
}

// HandleWS authenticates the session, reserves a slot in the user's room and
// upgrades the connection.
// GET /ws?user_id=<id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if err := h.authenticate(r, userID); err != nil {
		h.logger.Warn("ws: authentication failed",
			slog.String("ip", middleware.ClientIP(r)),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, http.StatusUnauthorized, string(domain.KindUnauthorized), "authentication failed")
		return
	}

	c := &client{hub: h, userID: userID, send: make(chan []byte, sendBufferSize)}
	if !h.join(c) {
		middleware.WriteError(w, http.StatusTooManyRequests, string(domain.KindRateLimitExceeded), "too many sessions for this user")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		h.leave(c)
		return
	}
	c.conn = conn

	h.logger.Info("ws: client connected",
		slog.String("user_id", userID),
		slog.Int("total_clients", h.Stats().Connections),
	)

	// Start read and write pumps in separate goroutines.
	go c.writePump()
	go c.readPump()
}

type sessionClaims struct {
	UserID string `json:"userId"`
}

// authenticate checks the session token against the requested user id.
func (h *Hub) authenticate(r *http.Request, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user_id", errUnauthorized)
	}
	if len(h.secret) == 0 {
		return fmt.Errorf("%w: no session secret configured", errUnauthorized)
	}
	raw := bearer(r)
	if raw == "" {
		return fmt.Errorf("%w: missing token", errUnauthorized)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	var std jwt.Claims
	var custom sessionClaims
	if err := tok.Claims(h.secret, &std, &custom); err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	if std.Expiry == nil {
		return fmt.Errorf("%w: token has no expiry", errUnauthorized)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Time: h.now()}, tokenLeeway); err != nil {
		return fmt.Errorf("%w: %w", errUnauthorized, err)
	}

	subject := std.Subject
	if subject == "" {
		subject = custom.UserID
	}
	if subject != userID {
		return fmt.Errorf("%w: token subject does not match user_id", errUnauthorized)
	}
	return nil
}

func bearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// readPump drains the connection so control frames are processed. Clients
// do not send application messages.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
