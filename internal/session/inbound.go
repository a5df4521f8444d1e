package session

import (
	"context"
	"fmt"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

// onMessages forwards live inbound messages and schedules their read
// receipts. Callers hold e.mu.
func (m *Manager) onMessages(e *entry, ev transport.MessagesReceived) {
	if ev.Type != transport.UpsertNotify {
		return
	}

	for _, msg := range ev.Messages {
		if msg.Key.FromMe || model.IsBroadcastJID(msg.Key.RemoteJID) {
			continue
		}
		in, ok := classify(e.id, msg)
		if !ok {
			continue
		}

		m.log.Info("message received", "session", e.id, "from", in.From, "type", in.Type)
		m.notifier.Notify(in)

		if m.cfg.ReadMessages {
			m.scheduleReadReceipt(e, msg.Key)
		}
	}
}

// classify builds the webhook envelope for msg. Messages without content
// are skipped.
func classify(sessionID string, msg transport.Message) (*model.InboundMessage, bool) {
	c := msg.Content
	if c == nil {
		return nil, false
	}

	in := &model.InboundMessage{
		SessionID: sessionID,
		MessageID: msg.Key.ID,
		Timestamp: msg.Timestamp * 1000,
		From:      model.PhoneFromJID(msg.Key.RemoteJID),
		FromJID:   msg.Key.RemoteJID,
	}
	caption := func(m *transport.Media) *string {
		if m.Caption == "" {
			return nil
		}
		s := m.Caption
		return &s
	}

	switch {
	case c.Conversation != "":
		in.Type = model.KindText
		in.Content = c.Conversation
		in.Text = &in.Content
	case c.ExtendedText != nil:
		in.Type = model.KindExtended
		in.Content = c.ExtendedText.Text
		in.Text = &in.Content
	case c.Image != nil:
		in.Type = model.KindImage
		in.Content = "[Image]"
		in.Caption = caption(c.Image)
	case c.Document != nil:
		in.Type = model.KindDocument
		in.Content = "[Document]"
		in.Caption = caption(c.Document)
	case c.Audio != nil:
		in.Type = model.KindAudio
		in.Content = "[Audio]"
	case c.Video != nil:
		in.Type = model.KindVideo
		in.Content = "[Video]"
		in.Caption = caption(c.Video)
	case c.Location != nil:
		in.Type = model.KindLocation
		in.Content = fmt.Sprintf("[Location: %v,%v]", c.Location.Latitude, c.Location.Longitude)
	case c.Unknown != "":
		in.Type = model.MessageKind(c.Unknown)
		in.Content = "[" + c.Unknown + "]"
	default:
		return nil, false
	}
	return in, true
}

// scheduleReadReceipt acknowledges key after the read delay on whatever
// connection the session holds at that point.
func (m *Manager) scheduleReadReceipt(e *entry, key transport.MessageKey) {
	if m.cfg.ReadDelay <= 0 {
		go m.sendReadReceipt(e, key)
		return
	}
	e.timers.add(func(done func()) *clock.Timer {
		return m.clock.AfterFunc(m.cfg.ReadDelay, func() {
			done()
			go m.sendReadReceipt(e, key)
		})
	})
}

func (m *Manager) sendReadReceipt(e *entry, key transport.MessageKey) {
	if e.ctx.Err() != nil {
		return
	}
	l := e.link.Load()
	if l == nil {
		m.log.Debug("skipping read receipt, no live connection", "session", e.id, "message", key.ID)
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, signalTimeout)
	defer cancel()
	if err := l.conn.ReadMessages(ctx, []transport.MessageKey{key}); err != nil {
		m.log.Warn("failed to send read receipt", "session", e.id, "message", key.ID, "error", err)
		return
	}
	m.log.Debug("read receipt sent", "session", e.id, "message", key.ID)
}
