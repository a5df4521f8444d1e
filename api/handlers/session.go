package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wa-gateway/backend/internal/journal"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
)

// SessionHandler handles HTTP requests for session management.
type SessionHandler struct {
	sessionManager *session.Manager
	journal        *journal.Recorder
}

// NewSessionHandler creates a new SessionHandler. rec may be nil when the
// event journal is disabled.
func NewSessionHandler(sessionManager *session.Manager, rec *journal.Recorder) *SessionHandler {
	return &SessionHandler{
		sessionManager: sessionManager,
		journal:        rec,
	}
}

// InitSessionRequest is the body of POST /api/sessions/init.
type InitSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	SessionID         string          `json:"sessionId"`
	State             string          `json:"state"`
	Connected         bool            `json:"connected"`
	PhoneNumber       *string         `json:"phoneNumber"`
	User              *model.Identity `json:"user,omitempty"`
	LastError         *model.Failure  `json:"lastError,omitempty"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session) *SessionResponse {
	resp := &SessionResponse{
		SessionID:         s.ID,
		State:             string(s.State),
		Connected:         s.Connected(),
		User:              s.Identity,
		LastError:         s.LastError,
		ReconnectAttempts: s.ReconnectAttempts,
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
	}
	if phone := s.Phone(); phone != "" {
		resp.PhoneNumber = &phone
	}
	return resp
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.sessionManager.List()

	summaries := make([]model.Summary, len(sessions))
	for i, s := range sessions {
		summaries[i] = s.Summarize()
	}
	respond(c, http.StatusOK, "", gin.H{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

// Init handles POST /api/sessions/init.
func (h *SessionHandler) Init(c *gin.Context) {
	var req InitSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.sessionManager.Create(c.Request.Context(), req.SessionID)
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusCreated, "Session "+sess.ID+" initialized successfully", toSessionResponse(sess))
}

// Status handles GET /api/sessions/:id/status.
func (h *SessionHandler) Status(c *gin.Context) {
	id := c.Param("id")
	if err := model.ValidateSessionID(id); err != nil {
		sendErr(c, err)
		return
	}

	sess, err := h.sessionManager.Get(id)
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "", toSessionResponse(sess))
}

// QR handles GET /api/sessions/:id/qr.
func (h *SessionHandler) QR(c *gin.Context) {
	id := c.Param("id")
	if err := model.ValidateSessionID(id); err != nil {
		sendErr(c, err)
		return
	}

	art, err := h.sessionManager.PairingArtifact(id)
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{
		"sessionId": art.SessionID,
		"qrCode":    art.Payload,
		"expiresAt": art.ExpiresAt.Format(time.RFC3339),
	})
}

// Reconnect handles POST /api/sessions/:id/reconnect.
func (h *SessionHandler) Reconnect(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.sessionManager.Reconnect(c.Request.Context(), id)
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "Session "+id+" reconnecting", toSessionResponse(sess))
}

// Disconnect handles POST /api/sessions/:id/disconnect.
func (h *SessionHandler) Disconnect(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessionManager.Close(c.Request.Context(), id); err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "Session "+id+" disconnected", nil)
}

// Delete handles DELETE /api/sessions/:id.
func (h *SessionHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessionManager.Delete(c.Request.Context(), id); err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "Session "+id+" deleted", nil)
}

// GetLogs handles GET /api/sessions/:id/logs and streams the session's
// event journal as a download.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	id := c.Param("id")
	if err := model.ValidateSessionID(id); err != nil {
		sendErr(c, err)
		return
	}
	if h.journal == nil {
		sendError(c, http.StatusNotFound, "event journal is disabled")
		return
	}

	f, err := h.journal.Open(id)
	if err != nil {
		sendErr(c, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		sendErr(c, err)
		return
	}
	c.DataFromReader(http.StatusOK, info.Size(), "application/x-ndjson", f, map[string]string{
		"Content-Disposition": "attachment; filename=" + id + ".jsonl",
	})
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.POST("/init", h.Init)
		sessions.GET("/:id/status", h.Status)
		sessions.GET("/:id/qr", h.QR)
		sessions.POST("/:id/reconnect", h.Reconnect)
		sessions.POST("/:id/disconnect", h.Disconnect)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}
