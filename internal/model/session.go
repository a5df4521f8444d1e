package model

import (
	"time"
)

// SessionState is a node of the per-session connection state machine.
type SessionState string

const (
	StateInitializing    SessionState = "initializing"
	StateAwaitingPairing SessionState = "awaiting_pairing"
	StateConnected       SessionState = "connected"
	StateReconnecting    SessionState = "reconnecting"
	StateClosed          SessionState = "closed"
)

// HasConnection reports whether a session in this state owns a live
// transport connection handle.
func (s SessionState) HasConnection() bool {
	switch s {
	case StateAwaitingPairing, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Identity is the resolved account behind a connected session.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Failure records the most recent error seen by a session.
type Failure struct {
	Cause  string    `json:"cause"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Session is an immutable snapshot of a managed session. The manager
// replaces snapshots wholesale; callers never observe a half-applied
// transition.
type Session struct {
	ID                string       `json:"id"`
	State             SessionState `json:"state"`
	Identity          *Identity    `json:"identity,omitempty"`
	LastError         *Failure     `json:"lastError,omitempty"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Connected reports whether the session is currently open.
func (s *Session) Connected() bool {
	return s.State == StateConnected
}

// Phone returns the identity's phone number, or "" before pairing.
func (s *Session) Phone() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Phone
}

// Clone returns a deep copy suitable for mutation before republishing.
func (s *Session) Clone() *Session {
	c := *s
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	if s.LastError != nil {
		f := *s.LastError
		c.LastError = &f
	}
	return &c
}

// Summary is the {connected, identity} projection used by list views.
type Summary struct {
	ID          string       `json:"id"`
	State       SessionState `json:"state"`
	Connected   bool         `json:"connected"`
	PhoneNumber string       `json:"phoneNumber"`
}

// Summarize projects a snapshot for listing.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:          s.ID,
		State:       s.State,
		Connected:   s.Connected(),
		PhoneNumber: s.Phone(),
	}
}

// PairingArtifact is the current QR payload for a session awaiting pairing.
type PairingArtifact struct {
	SessionID string    `json:"sessionId"`
	Code      string    `json:"-"`
	Payload   string    `json:"qrCode"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the artifact is past its expiry at now.
func (a *PairingArtifact) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
