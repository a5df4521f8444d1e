package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Cause classifies why a connection closed.
type Cause string

const (
	CauseLoggedOut           Cause = "logged_out"
	CauseConnectionReplaced  Cause = "connection_replaced"
	CauseConnectionLost      Cause = "connection_lost"
	CauseConnectionClosed    Cause = "connection_closed"
	CauseTimedOut            Cause = "timed_out"
	CauseRestartRequired     Cause = "restart_required"
	CauseBadSession          Cause = "bad_session"
	CauseMultideviceMismatch Cause = "multidevice_mismatch"
	CauseUnknown             Cause = "unknown"
)

// Protocol disconnect status codes.
const (
	StatusLoggedOut           = 401
	StatusTimedOut            = 408
	StatusMultideviceMismatch = 411
	StatusConnectionClosed    = 428
	StatusConnectionReplaced  = 440
	StatusBadSession          = 500
	StatusRestartRequired     = 515
)

// CauseFromStatus maps a protocol disconnect status onto a Cause. The
// protocol reuses 408 for both timeouts and lost connections; message
// disambiguates.
func CauseFromStatus(status int, message string) Cause {
	switch status {
	case StatusLoggedOut:
		return CauseLoggedOut
	case StatusTimedOut:
		if strings.Contains(message, "Connection was lost") {
			return CauseConnectionLost
		}
		return CauseTimedOut
	case StatusMultideviceMismatch:
		return CauseMultideviceMismatch
	case StatusConnectionClosed:
		return CauseConnectionClosed
	case StatusConnectionReplaced:
		return CauseConnectionReplaced
	case StatusBadSession:
		return CauseBadSession
	case StatusRestartRequired:
		return CauseRestartRequired
	}
	return CauseUnknown
}

// Code is a structured transport error code.
type Code string

const (
	CodeTimeout          Code = "timeout"
	CodeConnectionLost   Code = "connection_lost"
	CodeConnectionClosed Code = "connection_closed"
	CodeLoggedOut        Code = "logged_out"
	CodeRejected         Code = "rejected"
	CodeInternal         Code = "internal"
)

// Error is returned by Conn operations.
type Error struct {
	Op        string
	Code      Code
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error, deriving Retryable from the code.
func NewError(op string, code Code, err error) *Error {
	return &Error{
		Op:        op,
		Code:      code,
		Retryable: code == CodeTimeout || code == CodeConnectionLost || code == CodeConnectionClosed,
		Err:       err,
	}
}

// ErrClosed is returned by operations on a released connection.
var ErrClosed = NewError("call", CodeConnectionClosed, errors.New("connection closed"))

// FatalCause reports whether err means the connection is dead, and the
// close cause to record. Structured codes are checked first; untyped errors
// fall back to the protocol's message text.
func FatalCause(err error) (Cause, bool) {
	if err == nil {
		return "", false
	}

	var te *Error
	if errors.As(err, &te) {
		switch te.Code {
		case CodeTimeout:
			return CauseTimedOut, true
		case CodeConnectionLost:
			return CauseConnectionLost, true
		case CodeConnectionClosed:
			return CauseConnectionClosed, true
		}
		return "", false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimedOut, true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "Connection was lost"):
		return CauseConnectionLost, true
	case strings.Contains(msg, "Timed Out"):
		return CauseTimedOut, true
	}
	return "", false
}
