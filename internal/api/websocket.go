package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/logging"
	"github.com/nerrad567/stsupervisor/internal/supervisor"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels a client can subscribe to.
const (
	ChannelOutput = "daemon.output"
	ChannelState  = "daemon.state"
	ChannelRuns   = "daemon.run"
)

// allChannels are subscribed on connect unless the client names its own.
var allChannels = []string{ChannelOutput, ChannelState, ChannelRuns}

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// OutputEvent carries one daemon output line. Replay marks lines from the
// backlog sent when the client connected.
type OutputEvent struct {
	Line   string `json:"line"`
	Replay bool   `json:"replay,omitempty"`
}

// StateEvent carries one supervisor transition.
type StateEvent struct {
	From  supervisor.State `json:"from"`
	To    supervisor.State `json:"to"`
	RunID string           `json:"run_id,omitempty"`
	Error string           `json:"error,omitempty"`
}

// Hub fans daemon output, transitions and finished runs out to WebSocket
// clients. It is a process.LineSink and a supervisor.Observer.
//
// The last cfg.Backlog output lines are kept and replayed to clients that
// subscribe to ChannelOutput on connect, so a late viewer sees how the
// daemon got to its current state.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	// backlog is a ring of output lines; next is the oldest once full.
	backlog []string
	next    int
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The API binds to loopback by default; access is gated by tickets.
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Line records a daemon output line in the backlog and broadcasts it.
// Both happen under the hub lock so a client registering concurrently sees
// the line exactly once, either replayed or live.
func (h *Hub) Line(line string) {
	data, ok := h.encode(ChannelOutput, OutputEvent{Line: line})
	if !ok {
		return
	}

	h.mu.Lock()
	h.remember(line)
	clients := h.snapshot()
	h.mu.Unlock()

	deliver(clients, ChannelOutput, data)
}

// remember appends line to the backlog ring. Callers hold h.mu.
func (h *Hub) remember(line string) {
	if h.cfg.Backlog <= 0 {
		return
	}
	if len(h.backlog) < h.cfg.Backlog {
		h.backlog = append(h.backlog, line)
		return
	}
	h.backlog[h.next] = line
	h.next = (h.next + 1) % len(h.backlog)
}

// Backlog returns the retained output lines, oldest first.
func (h *Hub) Backlog() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backlogLocked()
}

func (h *Hub) backlogLocked() []string {
	out := make([]string, 0, len(h.backlog))
	out = append(out, h.backlog[h.next:]...)
	return append(out, h.backlog[:h.next]...)
}

// OnTransition broadcasts a supervisor state change.
func (h *Hub) OnTransition(t supervisor.Transition) {
	ev := StateEvent{From: t.From, To: t.To, RunID: t.RunID}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	h.Broadcast(ChannelState, ev)
}

// OnRunFinished broadcasts a run summary without its output.
func (h *Hub) OnRunFinished(r supervisor.RunRecord) {
	h.Broadcast(ChannelRuns, history.FromRecord(r, 0))
}

// Register adds a client to the hub. A client subscribed to ChannelOutput
// first receives the backlog as replayed output events.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	replayed := 0
	if client.isSubscribed(ChannelOutput) {
		for _, line := range h.backlogLocked() {
			if data, ok := h.encode(ChannelOutput, OutputEvent{Line: line, Replay: true}); ok {
				client.trySend(data)
				replayed++
			}
		}
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", count, "replayed", replayed)
}

// Unregister removes a client from the hub. Only the call that removes the
// client closes its send channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to channel.
// The client list is snapshotted under the hub lock, which is released
// before any client lock is taken.
func (h *Hub) Broadcast(channel string, payload any) {
	data, ok := h.encode(channel, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	clients := h.snapshot()
	h.mu.RUnlock()
	deliver(clients, channel, data)
}

func (h *Hub) encode(channel string, payload any) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "channel", channel, "error", err)
		return nil, false
	}
	return data, true
}

// snapshot copies the client set. Callers hold h.mu.
func (h *Hub) snapshot() []*WSClient {
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func deliver(clients []*WSClient, channel string, data []byte) {
	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the connection. With auth enabled a ticket from
// POST /auth/ws-ticket is required. The optional channels query parameter
// is a comma-separated initial subscription; it defaults to every channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		if !s.tickets.consume(ticket) {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	channels := allChannels
	if q := r.URL.Query().Get("channels"); q != "" {
		channels = strings.Split(q, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		client.subscriptions[strings.TrimSpace(ch)] = struct{}{}
	}

	s.hub.Register(client)

	go client.writePump(s.hub.cfg)
	go client.readPump(s.hub.cfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.handleSubscription(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscription adds or removes channels.
func (c *WSClient) handleSubscription(msg WSMessage) {
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}

	var sub WSSubscribePayload
	if err := json.Unmarshal(payloadBytes, &sub); err != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if msg.Type == WSTypeSubscribe {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if msg.Type == WSTypeUnsubscribe {
		key = "unsubscribed"
	}
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

// trySend queues data for the client. A closed channel (client gone during
// broadcast) and a full buffer (slow client) both drop the message.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
