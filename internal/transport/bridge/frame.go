package bridge

import (
	"encoding/json"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/transport"
)

// Frame types exchanged with the protocol sidecar.
const (
	frameHello   = "hello"
	frameRequest = "request"
	frameResult  = "result"
	frameEvent   = "event"
)

// Request ops sent to the sidecar.
const (
	opSend     = "send"
	opPresence = "presence"
	opCheck    = "onWhatsApp"
	opRead     = "read"
	opPing     = "ping"
	opLogout   = "logout"
)

// Request ops the sidecar sends back to us.
const opKeysGet = "keys.get"

// Event names pushed by the sidecar.
const (
	eventQR       = "qr"
	eventOpen     = "open"
	eventClose    = "close"
	eventCreds    = "creds"
	eventKeys     = "keys"
	eventMessages = "messages"
)

// frame is the single JSON envelope used in both directions.
type frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Op    string          `json:"op,omitempty"`
	Event string          `json:"event,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type helloData struct {
	SessionID  string           `json:"sessionId"`
	Creds      *authstate.Creds `json:"creds"`
	MarkOnline bool             `json:"markOnline"`
	Browser    [3]string        `json:"browser"`
}

type sendData struct {
	JID     string             `json:"jid"`
	Message transport.Outgoing `json:"message"`
}

type sendResult struct {
	ID string `json:"id"`
}

type presenceData struct {
	Presence transport.Presence `json:"presence"`
	JID      string             `json:"jid,omitempty"`
}

type checkData struct {
	JID string `json:"jid"`
}

type checkResult struct {
	Exists bool `json:"exists"`
}

type readData struct {
	Keys []transport.MessageKey `json:"keys"`
}

type qrData struct {
	Code string `json:"code"`
}

type openData struct {
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

type closeData struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type credsData struct {
	Creds *authstate.Creds `json:"creds"`
}

type messagesData struct {
	Type     transport.UpsertType `json:"type"`
	Messages []transport.Message  `json:"messages"`
}

type keysGetData struct {
	Category string   `json:"category"`
	IDs      []string `json:"ids"`
}

type keysGetResult struct {
	Values map[string]json.RawMessage `json:"values"`
}
