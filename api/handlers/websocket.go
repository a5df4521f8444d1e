package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
	"github.com/wa-gateway/backend/internal/ws"
)

// WebSocketHandler streams session events over WebSocket.
type WebSocketHandler struct {
	sessionManager *session.Manager
	wsHandler      *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(sessionManager *session.Manager, wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		wsHandler:      wsHandler,
	}
}

// Events handles WS /api/sessions/:id/events. Recent events are replayed
// before live ones.
func (h *WebSocketHandler) Events(c *gin.Context) {
	sessionID := c.Param("id")
	if err := model.ValidateSessionID(sessionID); err != nil {
		sendErr(c, err)
		return
	}
	if _, err := h.sessionManager.Get(sessionID); err != nil {
		sendErr(c, err)
		return
	}

	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		// the upgrader already wrote the error response
		return
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/events", h.Events)
}
