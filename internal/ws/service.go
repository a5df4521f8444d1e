package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/wa-gateway/backend/internal/model"
)

// DefaultHistorySize is the number of frames replayed to a new client.
const DefaultHistorySize = 100

// Service is the live event stream: a dispatcher tap that frames every
// session event and publishes it to that session's hub.
type Service struct {
	hubManager *HubManager
	handler    *Handler
	log        *slog.Logger
}

// NewService creates a new WebSocket service.
func NewService(historySize int, log *slog.Logger) *Service {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if log == nil {
		log = slog.Default()
	}
	hubManager := NewHubManager(historySize)
	return &Service{
		hubManager: hubManager,
		handler:    NewHandler(hubManager, log),
		log:        log.With("component", "ws"),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// Observe frames ev and publishes it to the session's hub.
func (s *Service) Observe(ev model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to encode stream event", "session", ev.Session(), "kind", ev.Kind(), "error", err)
		return
	}
	frame, err := json.Marshal(&Message{Type: MessageTypeEvent, Kind: ev.Kind(), Payload: payload})
	if err != nil {
		return
	}
	s.hubManager.GetOrCreate(ev.Session()).Publish(frame)
}

// Forget disconnects a session's clients and drops its history.
func (s *Service) Forget(sessionID string) {
	s.hubManager.Remove(sessionID)
}

// ClientCount returns the number of clients attached to a session.
func (s *Service) ClientCount(sessionID string) int {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// Close closes all WebSocket connections and cleans up resources.
func (s *Service) Close() {
	s.hubManager.Close()
}
