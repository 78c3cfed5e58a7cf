package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 512

	sendBufferSize      = 64
	broadcastBufferSize = 64
)

// EventTypeProgress carries a dispatcher.Snapshot. Forwarded dispatch events
// use their routing key as event type.
const EventTypeProgress = "progress.snapshot"

// WSMessage is the frame sent to clients.
type WSMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// SubscriptionMessage is sent by clients to narrow the event types they get.
//
//	{"action": "subscribe", "event_types": ["experiment.failed"]}
type SubscriptionMessage struct {
	Action     string   `json:"action"`
	EventTypes []string `json:"event_types"`
}

// eventFilter is a client's set of wanted event types. Empty wants all.
type eventFilter struct {
	mu    sync.RWMutex
	types map[string]struct{}
}

func (f *eventFilter) allows(eventType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.types) == 0 {
		return true
	}
	_, ok := f.types[eventType]
	return ok
}

func (f *eventFilter) add(eventTypes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.types == nil {
		f.types = make(map[string]struct{}, len(eventTypes))
	}
	for _, t := range eventTypes {
		f.types[t] = struct{}{}
	}
}

func (f *eventFilter) remove(eventTypes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range eventTypes {
		delete(f.types, t)
	}
}

// Client is one websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter eventFilter
	logger *zap.Logger
}

// outbound is an encoded frame and its event type.
type outbound struct {
	eventType string
	frame     []byte
}

// Hub fans frames out to connected clients. The latest progress frame is
// replayed to every client on registration.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  []byte

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	done chan struct{}
	once sync.Once

	logger *zap.Logger
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "Client unregistered")
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.send <- h.latest // the buffer is empty on registration
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client registered", zap.Int("total_clients", n))
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Info(reason, zap.Int("total_clients", n))
	}
}

func (h *Hub) fanOut(msg outbound) {
	h.mu.Lock()
	if msg.eventType == EventTypeProgress {
		h.latest = msg.frame
	}
	var slow []*Client
	for c := range h.clients {
		if !c.filter.allows(msg.eventType) {
			continue
		}
		select {
		case c.send <- msg.frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.remove(c, "Dropped slow client")
	}
}

// Broadcast queues data for every client whose filter allows eventType.
// The frame is dropped when the queue is full.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	frame, err := json.Marshal(WSMessage{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.String("event_type", eventType), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, frame: frame}:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame", zap.String("event_type", eventType))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops Run and closes every client. It may be called more than once.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
	clear(h.clients)
}

// handle applies one client frame. Anything but a subscription message is
// ignored.
func (c *Client) handle(frame []byte) {
	var msg SubscriptionMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Debug("Ignoring non-JSON frame")
		return
	}

	switch msg.Action {
	case "subscribe":
		c.filter.add(msg.EventTypes)
	case "unsubscribe":
		c.filter.remove(msg.EventTypes)
	default:
		c.logger.Debug("Unknown subscription action", zap.String("action", msg.Action))
		return
	}
	c.logger.Debug("Subscription changed",
		zap.String("action", msg.Action),
		zap.Strings("event_types", msg.EventTypes),
	)
}

// readPump reads client frames until the connection fails, then
// unregisters the client.
func (c *Client) readPump() {
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
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handle(frame)
	}
}

// writePump drains send and keeps the connection alive with pings. A closed
// send channel ends the connection with a close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind    int
			payload []byte
		)
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, payload = websocket.TextMessage, frame
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

// Status pages are served to operators on the same host or a trusted network.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
