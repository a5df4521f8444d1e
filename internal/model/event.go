package model

// EventKind names the webhook event families.
type EventKind string

const (
	EventConnection EventKind = "connection"
	EventMessage    EventKind = "message"
	EventSendFailed EventKind = "send_failed"
	EventQR         EventKind = "qr"
)

// Event is anything the dispatcher can forward to a sink.
type Event interface {
	Kind() EventKind
	Session() string
}

// ConnectionError is the error block of a connection status event.
type ConnectionError struct {
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// ConnectionStatus is emitted on every open/close transition.
type ConnectionStatus struct {
	SessionID string           `json:"sessionId"`
	Timestamp int64            `json:"timestamp"`
	Status    string           `json:"status"`
	Error     *ConnectionError `json:"error"`
	User      *Identity        `json:"user,omitempty"`
}

func (e *ConnectionStatus) Kind() EventKind { return EventConnection }
func (e *ConnectionStatus) Session() string { return e.SessionID }

// MessageKind classifies inbound content.
type MessageKind string

const (
	KindText     MessageKind = "conversation"
	KindExtended MessageKind = "extendedTextMessage"
	KindImage    MessageKind = "imageMessage"
	KindDocument MessageKind = "documentMessage"
	KindAudio    MessageKind = "audioMessage"
	KindVideo    MessageKind = "videoMessage"
	KindLocation MessageKind = "locationMessage"
)

// InboundMessage is the normalized envelope for a received message.
type InboundMessage struct {
	SessionID string      `json:"sessionId"`
	MessageID string      `json:"messageId"`
	Timestamp int64       `json:"timestamp"`
	From      string      `json:"from"`
	FromJID   string      `json:"fromJid"`
	Type      MessageKind `json:"type"`
	Content   string      `json:"content"`
	Text      *string     `json:"text,omitempty"`
	Caption   *string     `json:"caption"`
}

func (e *InboundMessage) Kind() EventKind { return EventMessage }
func (e *InboundMessage) Session() string { return e.SessionID }

// SendFailure reports an accepted outbound send that failed later.
type SendFailure struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	To        string `json:"to"`
	Error     string `json:"error"`
}

func (e *SendFailure) Kind() EventKind { return EventSendFailed }
func (e *SendFailure) Session() string { return e.SessionID }

// QRIssued is published to live stream subscribers when a new pairing
// artifact is available. Webhook sinks ignore it.
type QRIssued struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	QRCode    string `json:"qrCode"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (e *QRIssued) Kind() EventKind { return EventQR }
func (e *QRIssued) Session() string { return e.SessionID }
