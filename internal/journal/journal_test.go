package journal

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/logging"
	"github.com/wa-gateway/backend/internal/model"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestEntry_ArrayEncoding(t *testing.T) {
	e := Entry{TimeOffset: 1.5, Kind: model.EventConnection, Data: json.RawMessage(`{"status":"open"}`)}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `[1.5,"connection",{"status":"open"}]`, string(data))

	var back Entry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.Kind, back.Kind)
	assert.JSONEq(t, string(e.Data), string(back.Data))

	assert.Error(t, json.Unmarshal([]byte(`[1,"x"]`), &back))
	assert.Error(t, json.Unmarshal([]byte(`["a","x",{}]`), &back))
}

func TestLog_WritesHeaderAndOffsets(t *testing.T) {
	c := clock.NewFake(epoch)
	var buf bytes.Buffer

	l, err := NewLogWithWriter(&buf, "shop1", c)
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	require.NoError(t, l.Append(&model.ConnectionStatus{SessionID: "shop1", Status: "open"}))
	c.Advance(500 * time.Millisecond)
	require.NoError(t, l.Append(&model.InboundMessage{SessionID: "shop1", MessageID: "m1"}))

	h, entries, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, Header{Version: Version, SessionID: "shop1", Timestamp: epoch.UnixMilli()}, h)
	require.Len(t, entries, 2)
	assert.InDelta(t, 2.0, entries[0].TimeOffset, 1e-9)
	assert.InDelta(t, 2.5, entries[1].TimeOffset, 1e-9)
	assert.Equal(t, model.EventMessage, entries[1].Kind)
}

func TestRecorder_ObserveOpenRemove(t *testing.T) {
	c := clock.NewFake(epoch)
	r, err := NewRecorder(t.TempDir(), c, logging.Discard())
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Open("shop1")
	assert.ErrorIs(t, err, ErrNotFound)

	r.Observe(&model.QRIssued{SessionID: "shop1", QRCode: "qr"})
	r.Observe(&model.ConnectionStatus{SessionID: "shop2", Status: "close"})
	c.Advance(time.Second)
	r.Observe(&model.ConnectionStatus{SessionID: "shop1", Status: "open"})

	f, err := r.Open("shop1")
	require.NoError(t, err)
	h, entries, err := Parse(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, "shop1", h.SessionID)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EventQR, entries[0].Kind)
	assert.Equal(t, model.EventConnection, entries[1].Kind)

	require.NoError(t, r.Remove("shop1"))
	_, err = os.Stat(r.Path("shop1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(r.Path("shop2"))
	assert.NoError(t, err)
	assert.NoError(t, r.Remove("missing"))
}

// Reopening an existing journal appends after the old entries and keeps
// offsets relative to the original start.
func TestRecorder_ReopenKeepsStartTime(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFake(epoch)

	r1, err := NewRecorder(dir, c, logging.Discard())
	require.NoError(t, err)
	r1.Observe(&model.ConnectionStatus{SessionID: "shop1", Status: "open"})
	require.NoError(t, r1.Close())

	c.Advance(10 * time.Second)
	r2, err := NewRecorder(dir, c, logging.Discard())
	require.NoError(t, err)
	r2.Observe(&model.ConnectionStatus{SessionID: "shop1", Status: "close"})
	require.NoError(t, r2.Close())

	f, err := os.Open(r2.Path("shop1"))
	require.NoError(t, err)
	defer f.Close()
	_, entries, err := Parse(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.InDelta(t, 10.0, entries[1].TimeOffset, 1e-9)
}
