package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/keepalive"
	"github.com/wa-gateway/backend/internal/logging"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

func TestConnection_DropReconnects(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 0)}, nil)

	first := h.connect("shop1", "6281111111111")
	first.Drop(transport.CauseConnectionLost, "Connection was lost")

	h.waitState("shop1", model.StateReconnecting)
	h.waitRedialArmed("shop1")
	s, _ := h.m.Get("shop1")
	assert.Equal(t, 1, s.ReconnectAttempts)
	require.NotNil(t, s.LastError)
	assert.Equal(t, string(transport.CauseConnectionLost), s.LastError.Cause)
	assert.Equal(t, "Connection was lost", s.LastError.Reason)
	assert.True(t, first.IsClosed())

	statuses := h.events.statuses("shop1")
	require.Len(t, statuses, 2)
	assert.Equal(t, "close", statuses[1].Status)
	assert.Equal(t, string(transport.CauseConnectionLost), statuses[1].Error.Reason)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.connector.Count("shop1") == 2 }, waitFor, tick)

	second := h.connector.Last("shop1")
	second.Open(&model.Identity{ID: "6281111111111@s.whatsapp.net"})
	h.waitState("shop1", model.StateConnected)

	s, _ = h.m.Get("shop1")
	assert.Equal(t, 0, s.ReconnectAttempts)
	require.NotNil(t, s.LastError, "last error is kept across reconnects")
	assert.Equal(t, 1, h.connector.Live("shop1"))
}

func TestConnection_BackoffAndAttemptCap(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 2)}, nil)

	conn := h.connect("shop1", "6281111111111")
	h.connector.FailNext(errors.New("dial refused"), errors.New("dial refused"))
	conn.Drop(transport.CauseConnectionLost, "lost")

	h.waitState("shop1", model.StateReconnecting)
	h.waitRedialArmed("shop1")

	// attempt 1 fires after the base delay and fails
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		s, _ := h.m.Get("shop1")
		return s.ReconnectAttempts == 2 && h.redialArmed("shop1")
	}, waitFor, tick)

	// attempt 2 waits twice as long
	h.clock.Advance(time.Second)
	assert.True(t, h.redialArmed("shop1"))
	assert.Equal(t, model.StateReconnecting, h.state("shop1"))
	h.clock.Advance(time.Second)

	h.waitState("shop1", model.StateClosed)
	assert.Equal(t, 1, h.connector.Count("shop1"))
	assert.Equal(t, 0, h.connector.Live("shop1"))

	closes := 0
	for _, st := range h.events.statuses("shop1") {
		if st.Status == "close" {
			closes++
		}
	}
	assert.Equal(t, 3, closes)

	// the closed entry stays visible until replaced
	s, err := h.m.Get("shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, s.State)
	require.NotNil(t, s.LastError)
}

func TestConnection_NoReconnectWhenDisabled(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	conn := h.connect("shop1", "6281111111111")
	conn.Drop(transport.CauseConnectionLost, "lost")
	h.waitState("shop1", model.StateClosed)
	assert.False(t, h.redialArmed("shop1"))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestConnection_ReplacedStops(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 0)}, nil)

	conn := h.connect("shop1", "6281111111111")
	conn.Drop(transport.CauseConnectionReplaced, "replaced")
	h.waitState("shop1", model.StateClosed)
	assert.False(t, h.redialArmed("shop1"))

	exists, err := h.store.Exists(context.Background(), "shop1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestConnection_LoggedOutDropsCredentials(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 0)}, nil)
	ctx := context.Background()

	conn := h.connect("shop1", "6281111111111")
	conn.Drop(transport.CauseLoggedOut, "Stream Errored (conflict)")

	h.waitState("shop1", model.StateClosed)
	require.Eventually(t, func() bool {
		exists, err := h.store.Exists(ctx, "shop1")
		return err == nil && !exists
	}, waitFor, tick)
	assert.False(t, h.redialArmed("shop1"))

	_, err := h.m.Reconnect(ctx, "shop1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestConnection_StaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 0)}, nil)

	first := h.connect("shop1", "6281111111111")
	e := h.m.reg.get("shop1")
	stale := e.link.Load()
	require.NotNil(t, stale)

	first.Drop(transport.CauseConnectionLost, "lost")
	h.waitRedialArmed("shop1")
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.connector.Count("shop1") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		l := e.link.Load()
		return l != nil && l.gen != stale.gen
	}, waitFor, tick)

	done := h.m.handle(e, stale, transport.Opened{User: &model.Identity{ID: "6289999999999@s.whatsapp.net"}})
	assert.True(t, done)
	assert.Equal(t, model.StateReconnecting, h.state("shop1"))

	done = h.m.handle(e, stale, transport.Closed{Cause: transport.CauseLoggedOut})
	assert.True(t, done)
	assert.Equal(t, model.StateReconnecting, h.state("shop1"))
	assert.Equal(t, 1, h.connector.Live("shop1"))
}

func TestConnection_PairingChallengeReplacesArtifact(t *testing.T) {
	h := newHarness(t, Config{QRTimeout: 20 * time.Second}, nil)

	conn := h.create("shop1")
	conn.Challenge("2@first")
	require.Eventually(t, func() bool { return h.qr.Len() == 1 }, waitFor, tick)
	h.clock.Advance(10 * time.Second)

	conn.Challenge("2@second")
	require.Eventually(t, func() bool {
		art, err := h.m.PairingArtifact("shop1")
		return err == nil && art.Code == "2@second"
	}, waitFor, tick)

	// the first challenge's timer no longer applies
	h.clock.Advance(15 * time.Second)
	_, err := h.m.PairingArtifact("shop1")
	assert.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	_, err = h.m.PairingArtifact("shop1")
	assert.Error(t, err)
	assert.Equal(t, model.StateAwaitingPairing, h.state("shop1"))
}

func TestConnection_CredsChangedFlushes(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	conn := h.create("shop1")
	conn.State.UpdateCreds(func(c *authstate.Creds) { c.AccountSyncCounter = 42 })
	conn.Emit(transport.CredsChanged{})

	require.Eventually(t, func() bool { return !conn.State.Dirty() }, waitFor, tick)

	reloaded, err := authstate.LoadState(ctx, h.store, "shop1")
	require.NoError(t, err)
	assert.Equal(t, 42, reloaded.Creds().AccountSyncCounter)
}

func TestConnection_KeepAliveFailureInjectsClose(t *testing.T) {
	h := newHarness(t, Config{
		Reconnect:    reconnecting(time.Second, 0),
		ReadMessages: true,
		ReadDelay:    2 * time.Second,
	}, nil)

	first := h.connect("shop1", "6281111111111")
	first.Receive(textMessage("m1", "6282222222222@s.whatsapp.net", "halo"))
	e := h.m.reg.get("shop1")
	require.Eventually(t, func() bool { return e.timers.len() == 1 }, waitFor, tick)

	first.SetPingFunc(func(context.Context) error {
		return transport.NewError("ping", transport.CodeConnectionLost, errors.New("Connection was lost"))
	})
	mon := keepalive.New(h.m, keepalive.Config{Interval: time.Minute, Timeout: time.Hour}, h.clock, logging.Discard())
	require.Len(t, h.m.KeepAliveTargets(), 1)
	mon.RunOnce(context.Background())

	h.waitState("shop1", model.StateReconnecting)
	s, err := h.m.Get("shop1")
	require.NoError(t, err, "keep-alive never removes the session")
	assert.False(t, s.Connected())
	assert.Equal(t, string(transport.CauseConnectionLost), s.LastError.Cause)
	assert.Empty(t, h.m.KeepAliveTargets())
	assert.Equal(t, 1, e.timers.len(), "read receipt survives the drop")

	h.waitRedialArmed("shop1")
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.connector.Count("shop1") == 2 }, waitFor, tick)
	second := h.connector.Last("shop1")
	second.Open(&model.Identity{ID: "6281111111111@s.whatsapp.net"})
	h.waitState("shop1", model.StateConnected)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(second.Reads()) == 1 }, waitFor, tick)
	assert.Empty(t, first.Reads())
	assert.Equal(t, "m1", second.Reads()[0][0].ID)
}

func TestConnection_KeepAliveFailIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.connect("shop1", "6281111111111")
	targets := h.m.KeepAliveTargets()
	require.Len(t, targets, 1)

	err := errors.New("Timed Out")
	targets[0].Fail(transport.CauseTimedOut, err)
	targets[0].Fail(transport.CauseTimedOut, err)

	h.waitState("shop1", model.StateClosed)
	closes := 0
	for _, st := range h.events.statuses("shop1") {
		if st.Status == "close" {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}
