package transport

import "github.com/wa-gateway/backend/internal/model"

// Event is one of PairingChallenge, Opened, Closed, CredsChanged or
// MessagesReceived.
type Event interface {
	isEvent()
}

// PairingChallenge carries a fresh QR challenge string.
type PairingChallenge struct {
	Code string
}

// Opened is emitted once the connection is authenticated.
type Opened struct {
	User *model.Identity
}

// Closed is emitted when the connection ends for any reason.
type Closed struct {
	Cause      Cause
	StatusCode int
	Message    string
	Err        error
}

// CredsChanged signals that the working credential state was mutated and
// should be flushed.
type CredsChanged struct{}

// UpsertType distinguishes live deliveries from history sync.
type UpsertType string

const (
	UpsertNotify UpsertType = "notify"
	UpsertAppend UpsertType = "append"
)

// MessagesReceived carries a batch of inbound messages.
type MessagesReceived struct {
	Type     UpsertType
	Messages []Message
}

func (PairingChallenge) isEvent() {}
func (Opened) isEvent()           {}
func (Closed) isEvent()           {}
func (CredsChanged) isEvent()     {}
func (MessagesReceived) isEvent() {}

// Message is a received protocol message.
type Message struct {
	Key       MessageKey      `json:"key"`
	Timestamp int64           `json:"messageTimestamp"`
	PushName  string          `json:"pushName,omitempty"`
	Content   *MessageContent `json:"message,omitempty"`
}

// MessageContent mirrors the protocol's content union. At most one field is
// set; Unknown names any content type not modelled here.
type MessageContent struct {
	Conversation string        `json:"conversation,omitempty"`
	ExtendedText *ExtendedText `json:"extendedTextMessage,omitempty"`
	Image        *Media        `json:"imageMessage,omitempty"`
	Document     *Media        `json:"documentMessage,omitempty"`
	Audio        *Media        `json:"audioMessage,omitempty"`
	Video        *Media        `json:"videoMessage,omitempty"`
	Location     *Location     `json:"locationMessage,omitempty"`
	Unknown      string        `json:"unknownType,omitempty"`
}

// ExtendedText is a text message with link preview or quote metadata.
type ExtendedText struct {
	Text string `json:"text"`
}

// Media describes a received attachment.
type Media struct {
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Seconds  int    `json:"seconds,omitempty"`
}

// Location is a shared map position.
type Location struct {
	Latitude  float64 `json:"degreesLatitude"`
	Longitude float64 `json:"degreesLongitude"`
}
