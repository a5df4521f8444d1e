package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wa-gateway/backend/internal/buffer"
	"github.com/wa-gateway/backend/internal/model"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypePing MessageType = "ping"

	// Server -> Client message types
	MessageTypeEvent   MessageType = "event"
	MessageTypeHistory MessageType = "history"
	MessageTypePong    MessageType = "pong"
	MessageTypeError   MessageType = "error"
)

// Message represents a WebSocket message.
type Message struct {
	Type    MessageType       `json:"type"`
	Kind    model.EventKind   `json:"kind,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Frames  []json.RawMessage `json:"frames,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Client represents a WebSocket client connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client. A client whose queue is
// full is closed.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans a session's event frames out to its clients and keeps the
// most recent frames for replay.
type Hub struct {
	sessionID string
	clients   map[*Client]bool
	history   *buffer.RingBuffer
	mu        sync.RWMutex
}

// NewHub creates a new Hub for the given session.
func NewHub(sessionID string, historySize int) *Hub {
	return &Hub{
		sessionID: sessionID,
		clients:   make(map[*Client]bool),
		history:   buffer.NewRingBuffer(historySize),
	}
}

// SessionID returns the session ID for this hub.
func (h *Hub) SessionID() string {
	return h.sessionID
}

// Attach registers client and queues the history snapshot for it under the
// same lock as Publish, so no frame is both replayed and missed.
func (h *Hub) Attach(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if frames := h.history.Snapshot(); len(frames) > 0 {
		msg := Message{Type: MessageTypeHistory, Frames: make([]json.RawMessage, len(frames))}
		for i, f := range frames {
			msg.Frames[i] = f
		}
		if data, err := json.Marshal(msg); err == nil {
			client.Send(data)
		}
	}
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// Publish records frame in history and sends it to every client.
func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history.Push(frame)
	for client := range h.clients {
		client.Send(frame)
	}
}

// History returns the buffered frames oldest first.
func (h *Hub) History() [][]byte {
	return h.history.Snapshot()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes all client connections and drops history.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.history.Clear()
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

// HubManager manages one hub per session.
type HubManager struct {
	hubs        map[string]*Hub
	historySize int
	mu          sync.RWMutex
}

// NewHubManager creates a new HubManager whose hubs replay up to
// historySize frames.
func NewHubManager(historySize int) *HubManager {
	return &HubManager{
		hubs:        make(map[string]*Hub),
		historySize: historySize,
	}
}

// GetOrCreate returns an existing hub or creates a new one for the session.
func (m *HubManager) GetOrCreate(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		return hub
	}

	hub := NewHub(sessionID, m.historySize)
	m.hubs[sessionID] = hub
	return hub
}

// Get returns the hub for the session, or nil if not found.
func (m *HubManager) Get(sessionID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[sessionID]
}

// Remove closes and forgets the hub for the session.
func (m *HubManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hub, ok := m.hubs[sessionID]; ok {
		hub.Close()
		delete(m.hubs, sessionID)
	}
}

// Close closes all hubs.
func (m *HubManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hub := range m.hubs {
		hub.Close()
	}
	m.hubs = make(map[string]*Hub)
}
