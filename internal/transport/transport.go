// Package transport defines the boundary between the session manager and
// the messaging protocol implementation. The manager only sees a Conn and
// the tagged events it emits; everything protocol-specific lives behind it.
package transport

import (
	"context"
	"time"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/model"
)

// Presence is a chat-state or availability signal.
type Presence string

const (
	PresenceAvailable   Presence = "available"
	PresenceUnavailable Presence = "unavailable"
	PresenceComposing   Presence = "composing"
	PresencePaused      Presence = "paused"
)

// Options tune a single connection attempt.
type Options struct {
	// ConnectTimeout bounds the initial handshake.
	ConnectTimeout time.Duration
	// MarkOnline announces availability as soon as the connection opens.
	MarkOnline bool
	// Browser is the client description shown on the paired device.
	Browser [3]string
}

// Connector opens protocol connections.
type Connector interface {
	Connect(ctx context.Context, sessionID string, state *authstate.State, opts Options) (Conn, error)
}

// Conn is one live protocol connection. Events may be closed once the
// connection is released; consumers treat that as end of stream.
type Conn interface {
	Events() <-chan Event
	// User returns the paired account, or nil before pairing completes.
	User() *model.Identity

	Send(ctx context.Context, jid string, msg Outgoing) (string, error)
	SendPresence(ctx context.Context, p Presence, jid string) error
	CheckRegistered(ctx context.Context, jid string) (bool, error)
	ReadMessages(ctx context.Context, keys []MessageKey) error
	// Ping performs a liveness probe round trip.
	Ping(ctx context.Context) error
	// Logout unpairs the device. The connection closes afterwards.
	Logout(ctx context.Context) error
	// Close releases the connection without unpairing.
	Close() error
}

// Outgoing is the content of an outbound message. Exactly one of Text,
// Image or Document is set.
type Outgoing struct {
	Text     string         `json:"text,omitempty"`
	Image    *OutgoingMedia `json:"image,omitempty"`
	Document *OutgoingMedia `json:"document,omitempty"`
}

// OutgoingMedia is an attachment with its metadata.
type OutgoingMedia struct {
	Data     []byte `json:"data"`
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// MessageKey identifies a received message for read receipts.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
	FromMe      bool   `json:"fromMe"`
}
