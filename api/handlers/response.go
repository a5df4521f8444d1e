// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wa-gateway/backend/internal/journal"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/qr"
	"github.com/wa-gateway/backend/internal/transport"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)

func respond(c *gin.Context, code int, message string, data any) {
	c.JSON(code, Response{Status: statusSuccess, Message: message, Data: data})
}

// sendError writes an error envelope with the given status code.
func sendError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, Response{Status: statusError, Message: message})
}

// sendErr maps err onto a status code and writes it.
func sendErr(c *gin.Context, err error) {
	sendError(c, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var terr *transport.Error
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotRegistered):
		return http.StatusBadRequest
	case errors.Is(err, errMediaTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errMediaFetch):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrSessionNotFound),
		errors.Is(err, qr.ErrUnavailable),
		errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound
	case model.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &terr):
		if terr.Code == transport.CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
