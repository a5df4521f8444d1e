package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/session"
	"github.com/wa-gateway/backend/internal/transport"
)

// MessageHandler handles outbound sends and number checks.
type MessageHandler struct {
	sessionManager *session.Manager
	media          *MediaFetcher
}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler(sessionManager *session.Manager, media *MediaFetcher) *MessageHandler {
	if media == nil {
		media = NewMediaFetcher(0, 0)
	}
	return &MessageHandler{sessionManager: sessionManager, media: media}
}

// SendMessageRequest is the body of send-message.
type SendMessageRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	Message     string `json:"message" binding:"required"`
}

// SendImageRequest is the body of send-image. One of ImageURL or Image
// (base64) is required.
type SendImageRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	ImageURL    string `json:"imageUrl"`
	Image       string `json:"image"`
	Caption     string `json:"caption"`
}

// SendFileRequest is the body of send-file. One of FileURL or File
// (base64) is required.
type SendFileRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	FileURL     string `json:"fileUrl"`
	File        string `json:"file"`
	FileName    string `json:"fileName"`
	Mimetype    string `json:"mimetype"`
	Caption     string `json:"caption"`
}

// SendMessage handles POST /api/sessions/:id/send-message.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	receipt, err := h.sessionManager.SendText(c.Request.Context(), c.Param("id"), req.PhoneNumber, req.Message)
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "Message queued successfully", receipt)
}

// SendImage handles POST /api/sessions/:id/send-image.
func (h *MessageHandler) SendImage(c *gin.Context) {
	var req SendImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	media, err := h.media.Resolve(c.Request.Context(), "imageUrl", req.ImageURL, req.Image)
	if err != nil {
		sendErr(c, err)
		return
	}
	if !strings.HasPrefix(media.Mimetype, "image/") {
		sendErr(c, &model.ValidationError{Field: "imageUrl", Reason: "content is " + media.Mimetype + ", not an image"})
		return
	}

	receipt, err := h.sessionManager.SendImage(c.Request.Context(), c.Param("id"), req.PhoneNumber, transport.OutgoingMedia{
		Data:     media.Data,
		Mimetype: media.Mimetype,
		Caption:  req.Caption,
	})
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "Image queued successfully", receipt)
}

// SendFile handles POST /api/sessions/:id/send-file.
func (h *MessageHandler) SendFile(c *gin.Context) {
	var req SendFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	media, err := h.media.Resolve(c.Request.Context(), "fileUrl", req.FileURL, req.File)
	if err != nil {
		sendErr(c, err)
		return
	}

	name := req.FileName
	if name == "" {
		name = media.FileName
	}
	if name == "" {
		name = "file" + media.Extension
	}
	mime := media.Mimetype
	if req.Mimetype != "" {
		mime = req.Mimetype
	}

	receipt, err := h.sessionManager.SendFile(c.Request.Context(), c.Param("id"), req.PhoneNumber, transport.OutgoingMedia{
		Data:     media.Data,
		Mimetype: mime,
		FileName: name,
		Caption:  req.Caption,
	})
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "File queued successfully", gin.H{
		"to":       receipt.To,
		"status":   receipt.Status,
		"fileName": name,
	})
}

// CheckNumber handles GET /api/sessions/:id/check-number/:phone.
func (h *MessageHandler) CheckNumber(c *gin.Context) {
	res, err := h.sessionManager.CheckNumber(c.Request.Context(), c.Param("id"), c.Param("phone"))
	if err != nil {
		sendErr(c, err)
		return
	}
	respond(c, http.StatusOK, "", gin.H{
		"phoneNumber":     c.Param("phone"),
		"exists":          res.Registered,
		"formattedNumber": res.Phone,
	})
}

// RegisterRoutes registers the message routes on a Gin router group.
func (h *MessageHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("/:id/check-number/:phone", h.CheckNumber)
		sessions.POST("/:id/send-message", h.SendMessage)
		sessions.POST("/:id/send-image", h.SendImage)
		sessions.POST("/:id/send-file", h.SendFile)
	}
}
