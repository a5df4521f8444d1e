// Package reconnect decides what happens after a connection closes.
package reconnect

import (
	"time"

	"github.com/wa-gateway/backend/internal/transport"
)

// Action is the outcome of a close.
type Action int

const (
	// Stop marks the session closed.
	Stop Action = iota
	// Reconnect schedules a fresh connection attempt.
	Reconnect
)

func (a Action) String() string {
	if a == Reconnect {
		return "reconnect"
	}
	return "stop"
}

// Policy maps close causes to actions and computes backoff. It holds no
// per-session state.
type Policy struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
}

// Decide returns the action for a close with the given cause.
func (p Policy) Decide(cause transport.Cause) Action {
	if !p.Enabled {
		return Stop
	}
	switch cause {
	case transport.CauseLoggedOut, transport.CauseConnectionReplaced:
		return Stop
	}
	return Reconnect
}

// Next returns the action and delay for the given 1-based attempt number.
// The delay doubles per attempt from BaseDelay, capped at MaxDelay.
func (p Policy) Next(cause transport.Cause, attempt int) (Action, time.Duration) {
	if p.Decide(cause) == Stop {
		return Stop, 0
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return Stop, 0
	}
	return Reconnect, p.Delay(attempt)
}

// Delay returns the backoff before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
