package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/citegraph/internal/engine"
	"github.com/scrypster/citegraph/internal/metrics"
)

// Message types sent on the progress stream.
const (
	MessageBuildProgress = "build_progress"
	MessageBuildDone     = "build_done"
)

// BuildMessage wraps a build event for websocket clients.
type BuildMessage struct {
	Type  string            `json:"type"`
	Event engine.BuildEvent `json:"event"`
}

// outbound is a queued message. Messages with an owner only reach that
// user's connections.
type outbound struct {
	owner   string
	message interface{}
}

// WebSocketHub manages WebSocket connections and broadcasts build progress.
// Progress of a build run for a user (see engine.WithOwner) is delivered only
// to that user's connections; anonymous builds reach every connection.
type WebSocketHub struct {
	clients        map[clientInterface]bool
	broadcast      chan outbound
	register       chan clientInterface
	unregister     chan clientInterface
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	allowedOrigins map[string]bool
	originPatterns []string
	logger         *zap.Logger
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	userID() string
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
	user string
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) userID() string {
	return c.user
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a new WebSocket hub accepting browser connections
// from the given origins (scheme://host[:port]).
func NewWebSocketHub(origins []string, logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	allowed := make(map[string]bool, len(origins))
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		allowed[o] = true
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}

	return &WebSocketHub{
		clients:        make(map[clientInterface]bool),
		broadcast:      make(chan outbound, 256),
		register:       make(chan clientInterface),
		unregister:     make(chan clientInterface),
		ctx:            ctx,
		cancel:         cancel,
		allowedOrigins: allowed,
		originPatterns: patterns,
		logger:         logger,
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			h.logger.Debug("websocket client connected", zap.Int("total", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(count))
			h.logger.Debug("websocket client disconnected", zap.Int("total", count))

		case out := <-h.broadcast:
			// Full Lock: slow clients are removed from the map below.
			h.mu.Lock()
			data, err := json.Marshal(out.message)
			if err != nil {
				h.logger.Error("failed to marshal websocket message", zap.Error(err))
				h.mu.Unlock()
				continue
			}

			for client := range h.clients {
				if out.owner != "" && client.userID() != out.owner {
					continue
				}
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					// Send buffer full; drop the client.
					close(sendChan)
					delete(h.clients, client)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.logger.Debug("websocket hub stopping")
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

// Broadcast sends a message to all connected clients without blocking.
func (h *WebSocketHub) Broadcast(message interface{}) {
	h.enqueue(outbound{message: message})
}

// SendToUser sends a message to the connections of one user without blocking.
func (h *WebSocketHub) SendToUser(userID string, message interface{}) {
	if userID == "" {
		return
	}
	h.enqueue(outbound{owner: userID, message: message})
}

func (h *WebSocketHub) enqueue(out outbound) {
	select {
	case h.broadcast <- out:
	default:
		h.logger.Warn("websocket broadcast channel full, dropping message")
	}
}

// BuildObserver returns an engine observer that streams build progress.
func (h *WebSocketHub) BuildObserver() engine.BuildObserver {
	return func(ev engine.BuildEvent) {
		msgType := MessageBuildProgress
		if ev.Done {
			msgType = MessageBuildDone
		}
		msg := BuildMessage{Type: msgType, Event: ev}
		if ev.Owner != "" {
			h.SendToUser(ev.Owner, msg)
			return
		}
		h.Broadcast(msg)
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests. The connection belongs to the
// identity RequireUser placed on the context, if any; connections without
// one only receive anonymous broadcasts.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !h.allowedOrigins[origin] {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	user, _ := UserIDFromContext(r.Context())
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		user: user,
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			c.hub.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

// readPump drains client messages to detect disconnections.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
	UserID   string
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) userID() string {
	return m.UserID
}

func (m *MockClient) close() {}
