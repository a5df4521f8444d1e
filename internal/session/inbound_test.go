package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

func textMessage(id, from, text string) transport.Message {
	return transport.Message{
		Key:       transport.MessageKey{RemoteJID: from, ID: id},
		Timestamp: 1767225600,
		Content:   &transport.MessageContent{Conversation: text},
	}
}

func strptr(s string) *string { return &s }

func TestClassify(t *testing.T) {
	const from = "6282222222222:3@s.whatsapp.net"

	tests := []struct {
		name    string
		content *transport.MessageContent
		kind    model.MessageKind
		text    string
		caption *string
		textSet bool
	}{
		{"conversation", &transport.MessageContent{Conversation: "halo"}, model.KindText, "halo", nil, true},
		{"extended", &transport.MessageContent{ExtendedText: &transport.ExtendedText{Text: "see https://x.y"}}, model.KindExtended, "see https://x.y", nil, true},
		{"image with caption", &transport.MessageContent{Image: &transport.Media{Caption: "menu"}}, model.KindImage, "[Image]", strptr("menu"), false},
		{"image", &transport.MessageContent{Image: &transport.Media{}}, model.KindImage, "[Image]", nil, false},
		{"document", &transport.MessageContent{Document: &transport.Media{Caption: "invoice"}}, model.KindDocument, "[Document]", strptr("invoice"), false},
		{"audio", &transport.MessageContent{Audio: &transport.Media{Seconds: 4}}, model.KindAudio, "[Audio]", nil, false},
		{"video", &transport.MessageContent{Video: &transport.Media{Caption: "clip"}}, model.KindVideo, "[Video]", strptr("clip"), false},
		{"location", &transport.MessageContent{Location: &transport.Location{Latitude: -6.2, Longitude: 106.8}}, model.KindLocation, "[Location: -6.2,106.8]", nil, false},
		{"unknown", &transport.MessageContent{Unknown: "stickerMessage"}, model.MessageKind("stickerMessage"), "[stickerMessage]", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := transport.Message{
				Key:       transport.MessageKey{RemoteJID: from, ID: "m1"},
				Timestamp: 1767225600,
				Content:   tt.content,
			}
			in, ok := classify("shop1", msg)
			require.True(t, ok)
			assert.Equal(t, "shop1", in.SessionID)
			assert.Equal(t, "m1", in.MessageID)
			assert.Equal(t, int64(1767225600000), in.Timestamp)
			assert.Equal(t, "6282222222222", in.From)
			assert.Equal(t, from, in.FromJID)
			assert.Equal(t, tt.kind, in.Type)
			assert.Equal(t, tt.text, in.Content)
			assert.Equal(t, tt.caption, in.Caption)
			if tt.textSet {
				require.NotNil(t, in.Text)
				assert.Equal(t, tt.text, *in.Text)
			} else {
				assert.Nil(t, in.Text)
			}
		})
	}

	_, ok := classify("shop1", transport.Message{Key: transport.MessageKey{RemoteJID: from}})
	assert.False(t, ok, "nil content")
	_, ok = classify("shop1", transport.Message{Key: transport.MessageKey{RemoteJID: from}, Content: &transport.MessageContent{}})
	assert.False(t, ok, "empty content")
}

func TestInbound_FiltersAndDispatches(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	conn := h.connect("shop1", "6281111111111")

	own := textMessage("own", "6282222222222@s.whatsapp.net", "mine")
	own.Key.FromMe = true
	status := textMessage("status", "status@broadcast", "story")
	empty := transport.Message{Key: transport.MessageKey{RemoteJID: "6282222222222@s.whatsapp.net", ID: "empty"}}

	conn.Emit(transport.MessagesReceived{
		Type:     transport.UpsertAppend,
		Messages: []transport.Message{textMessage("history", "6282222222222@s.whatsapp.net", "old")},
	})
	conn.Receive(own, status, empty, textMessage("live", "6282222222222@s.whatsapp.net", "halo"))

	require.Eventually(t, func() bool { return len(h.events.messages()) == 1 }, waitFor, tick)
	// let the loop drain anything that would come after
	conn.Receive(textMessage("live2", "6283333333333@s.whatsapp.net", "lagi"))
	require.Eventually(t, func() bool { return len(h.events.messages()) == 2 }, waitFor, tick)

	msgs := h.events.messages()
	assert.Equal(t, "live", msgs[0].MessageID)
	assert.Equal(t, "6282222222222", msgs[0].From)
	assert.Equal(t, "live2", msgs[1].MessageID)
}

func TestInbound_ReadReceiptAfterDelay(t *testing.T) {
	h := newHarness(t, Config{ReadMessages: true, ReadDelay: 2 * time.Second}, nil)

	conn := h.connect("shop1", "6281111111111")
	conn.Receive(textMessage("m1", "6282222222222@s.whatsapp.net", "halo"))

	e := h.m.reg.get("shop1")
	require.Eventually(t, func() bool { return e.timers.len() == 1 }, waitFor, tick)

	h.clock.Advance(time.Second)
	assert.Empty(t, conn.Reads())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(conn.Reads()) == 1 }, waitFor, tick)
	assert.Equal(t, []transport.MessageKey{{RemoteJID: "6282222222222@s.whatsapp.net", ID: "m1"}}, conn.Reads()[0])
	assert.Equal(t, 0, e.timers.len())
}

func TestInbound_ReadReceiptCancelledByClose(t *testing.T) {
	h := newHarness(t, Config{ReadMessages: true, ReadDelay: 2 * time.Second}, nil)

	conn := h.connect("shop1", "6281111111111")
	conn.Receive(textMessage("m1", "6282222222222@s.whatsapp.net", "halo"))
	e := h.m.reg.get("shop1")
	require.Eventually(t, func() bool { return e.timers.len() == 1 }, waitFor, tick)

	require.NoError(t, h.m.Close(t.Context(), "shop1"))
	assert.Equal(t, 0, e.timers.len())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(5 * time.Second)
	assert.Empty(t, conn.Reads())
}

func TestInbound_ReadReceiptsDisabled(t *testing.T) {
	h := newHarness(t, Config{ReadMessages: false, ReadDelay: time.Second}, nil)

	conn := h.connect("shop1", "6281111111111")
	conn.Receive(textMessage("m1", "6282222222222@s.whatsapp.net", "halo"))
	require.Eventually(t, func() bool { return len(h.events.messages()) == 1 }, waitFor, tick)

	assert.Equal(t, 0, h.m.reg.get("shop1").timers.len())
	h.clock.Advance(time.Second)
	assert.Empty(t, conn.Reads())
}
