package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/qr"
	"github.com/wa-gateway/backend/internal/reconnect"
	"github.com/wa-gateway/backend/internal/transport"
)

// signalTimeout bounds best-effort presence and read receipt calls.
const signalTimeout = 10 * time.Second

// run consumes one connection generation's events until it closes or the
// session is torn down.
func (m *Manager) run(e *entry, l *link) {
	events := l.conn.Events()
	for {
		var ev transport.Event
		select {
		case <-e.ctx.Done():
			return
		case ev = <-l.inject:
		case got, ok := <-events:
			if !ok {
				ev = transport.Closed{Cause: transport.CauseConnectionClosed, Message: "event stream ended"}
			} else {
				ev = got
			}
		}
		if done := m.handle(e, l, ev); done {
			return
		}
	}
}

// handle applies one event. It reports whether the generation is over.
// Events from a superseded generation are dropped.
func (m *Manager) handle(e *entry, l *link, ev transport.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn || e.gen != l.gen {
		m.log.Debug("dropping event from stale connection", "session", e.id, "gen", l.gen, "event", fmt.Sprintf("%T", ev))
		return true
	}

	switch ev := ev.(type) {
	case transport.PairingChallenge:
		m.onPairingChallenge(e, ev)
	case transport.Opened:
		m.onOpened(e, l, ev)
	case transport.Closed:
		m.onClosed(e, l, ev)
		return true
	case transport.CredsChanged:
		m.flushCreds(e)
	case transport.MessagesReceived:
		m.onMessages(e, ev)
	default:
		m.log.Warn("unknown transport event", "session", e.id, "event", fmt.Sprintf("%T", ev))
	}
	return false
}

func (m *Manager) onPairingChallenge(e *entry, ev transport.PairingChallenge) {
	payload, err := qr.RenderDataURL(ev.Code)
	if err != nil {
		m.log.Warn("failed to render pairing challenge", "session", e.id, "error", err)
		return
	}
	art := m.qr.Issue(e.id, ev.Code, payload, m.cfg.QRTimeout)

	snap := e.update(m.clock.Now(), func(s *model.Session) {
		if s.State != model.StateConnected {
			s.State = model.StateAwaitingPairing
		}
	})
	m.persist(snap)

	m.log.Info("pairing challenge issued", "session", e.id, "expires_at", art.ExpiresAt)
	m.notifier.Notify(&model.QRIssued{
		SessionID: e.id,
		Timestamp: art.IssuedAt.UnixMilli(),
		QRCode:    art.Payload,
		ExpiresAt: art.ExpiresAt.UnixMilli(),
	})
}

func (m *Manager) onOpened(e *entry, l *link, ev transport.Opened) {
	user := ev.User
	if user == nil {
		user = l.conn.User()
	}
	var identity *model.Identity
	if user != nil {
		id := *user
		if id.Phone == "" {
			id.Phone = model.PhoneFromJID(id.ID)
		}
		identity = &id
	}

	m.qr.Clear(e.id)
	snap := e.update(m.clock.Now(), func(s *model.Session) {
		s.State = model.StateConnected
		s.Identity = identity
		s.ReconnectAttempts = 0
	})
	m.persist(snap)

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, signalTimeout)
		defer cancel()
		if err := l.conn.SendPresence(ctx, transport.PresenceAvailable, ""); err != nil {
			m.log.Warn("connected but could not mark available", "session", e.id, "error", err)
		}
	}()

	m.log.Info("session connected", "session", e.id, "phone", snap.Phone())
	m.notifier.Notify(&model.ConnectionStatus{
		SessionID: e.id,
		Timestamp: m.clock.Now().UnixMilli(),
		Status:    "open",
		User:      identity,
	})
}

func (m *Manager) onClosed(e *entry, l *link, ev transport.Closed) {
	e.link.CompareAndSwap(l, nil)
	l.conn.Close()
	m.qr.Clear(e.id)

	cause := ev.Cause
	if cause == "" {
		cause = transport.CauseUnknown
	}
	reason := ev.Message
	if reason == "" && ev.Err != nil {
		reason = ev.Err.Error()
	}
	if reason == "" {
		reason = string(cause)
	}

	now := m.clock.Now()
	attempt := e.snapshot().ReconnectAttempts + 1
	action, delay := m.cfg.Reconnect.Next(cause, attempt)

	snap := e.update(now, func(s *model.Session) {
		s.LastError = &model.Failure{Cause: string(cause), Reason: reason, At: now}
		if action == reconnect.Reconnect {
			s.State = model.StateReconnecting
			s.ReconnectAttempts = attempt
		} else {
			s.State = model.StateClosed
		}
	})
	m.persist(snap)

	m.log.Info("session disconnected",
		"session", e.id,
		"cause", cause,
		"reason", reason,
		"action", action,
		"attempt", attempt,
		"delay", delay,
	)
	m.notifier.Notify(&model.ConnectionStatus{
		SessionID: e.id,
		Timestamp: now.UnixMilli(),
		Status:    "close",
		Error: &model.ConnectionError{
			Message:    reason,
			Reason:     string(cause),
			StatusCode: ev.StatusCode,
		},
	})

	if action == reconnect.Reconnect {
		m.scheduleRedial(e, delay)
		return
	}
	if cause == transport.CauseLoggedOut {
		// The device was unpaired; its credentials can never authenticate again.
		go m.dropCredentials(e.id)
	}
}

// scheduleRedial arms the entry's reconnect timer. Callers hold e.mu.
func (m *Manager) scheduleRedial(e *entry, delay time.Duration) {
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = m.clock.AfterFunc(delay, func() {
		go m.redial(e)
	})
}

// redial opens a fresh connection for a reconnecting session.
func (m *Manager) redial(e *entry) {
	unlock := m.locks.Lock(e.id)
	defer unlock()

	if m.reg.get(e.id) != e || e.ctx.Err() != nil {
		return
	}
	if e.snapshot().State != model.StateReconnecting {
		return
	}

	e.mu.Lock()
	st := e.state
	e.reconnectTimer = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, m.cfg.ConnectTimeout)
	conn, err := m.connector.Connect(ctx, e.id, st, m.transportOptions())
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.torn {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("reconnect attempt failed", "session", e.id, "error", err)
		cause := transport.CauseConnectionLost
		var terr *transport.Error
		if errors.As(err, &terr) && terr.Code == transport.CodeLoggedOut {
			cause = transport.CauseLoggedOut
		}
		// Route the failure through the normal close path of a placeholder
		// generation so backoff and the attempt cap apply.
		l := m.install(e, failedConn{})
		m.onClosed(e, l, transport.Closed{Cause: cause, Err: err})
		return
	}

	l := m.install(e, conn)
	go m.run(e, l)
	m.log.Info("reconnect attempt connected", "session", e.id, "gen", l.gen)
}

// flushCreds writes the working credential copy. Callers hold e.mu.
func (m *Manager) flushCreds(e *entry) {
	if e.state == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, m.cfg.CredsSaveTimeout)
	defer cancel()
	if err := e.state.Flush(ctx); err != nil {
		var perr *authstate.PersistenceError
		if errors.As(err, &perr) {
			m.log.Error("failed to save credentials", "session", e.id, "key", perr.Key.String(), "error", perr.Err)
			return
		}
		m.log.Error("failed to save credentials", "session", e.id, "error", err)
		return
	}
	m.log.Debug("credentials saved", "session", e.id)
}

func (m *Manager) dropCredentials(id string) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if e := m.reg.get(id); e != nil && e.snapshot().State != model.StateClosed {
		// A newer session took the id over.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CredsSaveTimeout)
	defer cancel()
	if err := m.store.RemoveAll(ctx, id); err != nil {
		m.log.Warn("failed to remove credentials of logged out session", "session", id, "error", err)
	}
}

// failedConn stands in for a connection that never opened.
type failedConn struct{}

func (failedConn) Events() <-chan transport.Event { return nil }
func (failedConn) User() *model.Identity           { return nil }

func (failedConn) Send(context.Context, string, transport.Outgoing) (string, error) {
	return "", transport.ErrClosed
}

func (failedConn) SendPresence(context.Context, transport.Presence, string) error {
	return transport.ErrClosed
}

func (failedConn) CheckRegistered(context.Context, string) (bool, error) {
	return false, transport.ErrClosed
}

func (failedConn) ReadMessages(context.Context, []transport.MessageKey) error {
	return transport.ErrClosed
}

func (failedConn) Ping(context.Context) error   { return transport.ErrClosed }
func (failedConn) Logout(context.Context) error { return transport.ErrClosed }
func (failedConn) Close() error                 { return nil }
