package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// Handler upgrades HTTP requests into live event stream clients.
type Handler struct {
	hubManager *HubManager
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hubManager *HubManager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		hubManager: hubManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "ws"),
	}
}

// SetCheckOrigin sets a custom origin checker for the upgrader.
func (h *Handler) SetCheckOrigin(fn func(r *http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

// HandleConnection upgrades the request and streams sessionID's events,
// starting with the buffered history. The caller checks that the session
// exists.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	hub := h.hubManager.GetOrCreate(sessionID)
	client := NewClient(hub, conn, sessionID)
	hub.Attach(client)

	go h.writePump(client)
	go h.readPump(client, hub)

	return nil
}

func (h *Handler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypePing:
		data, err := json.Marshal(&Message{Type: MessageTypePong})
		if err != nil {
			return
		}
		client.Send(data)
	default:
		data, err := json.Marshal(&Message{Type: MessageTypeError, Error: "unsupported message type"})
		if err != nil {
			return
		}
		client.Send(data)
	}
}

// readPump reads client messages until the connection drops.
func (h *Handler) readPump(client *Client, hub *Hub) {
	defer func() {
		hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read failed", "session", client.SessionID(), "error", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Debug("dropping malformed client message", "session", client.SessionID(), "error", err)
			continue
		}

		h.handleMessage(client, &msg)
	}
}

// writePump sends queued frames, one per websocket message, and pings.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
