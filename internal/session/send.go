package session

import (
	"context"
	"errors"

	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

// SendStatusQueued is reported for sends accepted for background delivery.
const SendStatusQueued = "queued"

// SendReceipt acknowledges an accepted send.
type SendReceipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
}

// NumberCheck is the result of CheckNumber.
type NumberCheck struct {
	Phone      string `json:"phoneNumber"`
	JID        string `json:"jid"`
	Registered bool   `json:"registered"`
}

// SendText queues a text message to phone.
func (m *Manager) SendText(ctx context.Context, id, phone, text string) (*SendReceipt, error) {
	if text == "" {
		return nil, &model.ValidationError{Field: "message", Reason: "must not be empty"}
	}
	return m.send(ctx, id, phone, transport.Outgoing{Text: text})
}

// SendImage queues an image with an optional caption.
func (m *Manager) SendImage(ctx context.Context, id, phone string, img transport.OutgoingMedia) (*SendReceipt, error) {
	if len(img.Data) == 0 {
		return nil, &model.ValidationError{Field: "image", Reason: "must not be empty"}
	}
	return m.send(ctx, id, phone, transport.Outgoing{Image: &img})
}

// SendFile queues a document attachment.
func (m *Manager) SendFile(ctx context.Context, id, phone string, doc transport.OutgoingMedia) (*SendReceipt, error) {
	if len(doc.Data) == 0 {
		return nil, &model.ValidationError{Field: "file", Reason: "must not be empty"}
	}
	return m.send(ctx, id, phone, transport.Outgoing{Document: &doc})
}

// CheckNumber asks the network whether phone has an account.
func (m *Manager) CheckNumber(ctx context.Context, id, phone string) (*NumberCheck, error) {
	e, jid, err := m.resolveTarget(id, phone)
	if err != nil {
		return nil, err
	}
	l, err := m.liveLink(e)
	if err != nil {
		return nil, err
	}
	ok, err := l.conn.CheckRegistered(ctx, jid)
	if err != nil {
		return nil, err
	}
	return &NumberCheck{Phone: m.phones.Normalize(phone), JID: jid, Registered: ok}, nil
}

// send validates synchronously, then runs the presence simulation and the
// actual send in the background under the session's context.
func (m *Manager) send(ctx context.Context, id, phone string, msg transport.Outgoing) (*SendReceipt, error) {
	e, jid, err := m.resolveTarget(id, phone)
	if err != nil {
		return nil, err
	}
	l, err := m.liveLink(e)
	if err != nil {
		return nil, err
	}
	registered, err := l.conn.CheckRegistered(ctx, jid)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, model.ErrNotRegistered
	}

	go m.deliver(e, jid, msg)
	return &SendReceipt{To: jid, Status: SendStatusQueued}, nil
}

func (m *Manager) resolveTarget(id, phone string) (*entry, string, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return nil, "", err
	}
	if err := m.phones.Validate(phone); err != nil {
		return nil, "", err
	}
	e := m.reg.get(id)
	if e == nil {
		return nil, "", model.ErrSessionNotFound
	}
	return e, m.phones.JID(phone), nil
}

func (m *Manager) liveLink(e *entry) (*link, error) {
	l := e.link.Load()
	if l == nil || !e.snapshot().Connected() {
		return nil, model.ErrNotConnected
	}
	return l, nil
}

func (m *Manager) deliver(e *entry, jid string, msg transport.Outgoing) {
	log := m.log.With("session", e.id, "to", jid)

	l := e.link.Load()
	if l == nil {
		m.sendFailed(e, jid, model.ErrNotConnected)
		return
	}
	if err := m.presence.Run(e.ctx, l.conn, jid); err != nil {
		if e.ctx.Err() != nil {
			log.Debug("send cancelled with session")
			return
		}
		log.Warn("presence simulation failed, sending anyway", "error", err)
	}

	// The connection may have been replaced while typing.
	l = e.link.Load()
	if l == nil {
		m.sendFailed(e, jid, model.ErrNotConnected)
		return
	}
	msgID, err := l.conn.Send(e.ctx, jid, msg)
	if err != nil {
		if errors.Is(err, context.Canceled) && e.ctx.Err() != nil {
			log.Debug("send cancelled with session")
			return
		}
		m.sendFailed(e, jid, err)
		return
	}
	log.Info("message sent", "message", msgID)
}

func (m *Manager) sendFailed(e *entry, jid string, err error) {
	m.log.Error("failed to send message", "session", e.id, "to", jid, "error", err)
	m.notifier.Notify(&model.SendFailure{
		SessionID: e.id,
		Timestamp: m.clock.Now().UnixMilli(),
		Status:    "send_failed",
		To:        jid,
		Error:     err.Error(),
	})
}
