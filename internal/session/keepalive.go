package session

import (
	"github.com/wa-gateway/backend/internal/keepalive"
	"github.com/wa-gateway/backend/internal/transport"
)

// KeepAliveTargets lists the connected sessions for the keep-alive monitor.
func (m *Manager) KeepAliveTargets() []keepalive.Target {
	var out []keepalive.Target
	for _, e := range m.reg.all() {
		l := e.link.Load()
		if l == nil || !e.snapshot().Connected() {
			continue
		}
		out = append(out, keepalive.Target{
			SessionID: e.id,
			Conn:      l.conn,
			Fail:      m.failFunc(e, l),
		})
	}
	return out
}

// failFunc injects a synthetic close into l's event loop so recovery runs
// through the normal close path.
func (m *Manager) failFunc(e *entry, l *link) func(transport.Cause, error) {
	return func(cause transport.Cause, err error) {
		ev := transport.Closed{Cause: cause, Message: err.Error(), Err: err}
		select {
		case l.inject <- ev:
		default:
			m.log.Debug("synthetic close already pending", "session", e.id)
		}
	}
}

var _ keepalive.Source = (*Manager)(nil)
