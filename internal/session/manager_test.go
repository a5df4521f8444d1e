package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/db"
	"github.com/wa-gateway/backend/internal/logging"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/qr"
	"github.com/wa-gateway/backend/internal/reconnect"
	"github.com/wa-gateway/backend/internal/repository"
	"github.com/wa-gateway/backend/internal/transport"
	"github.com/wa-gateway/backend/internal/transport/transporttest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Notify(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses(id string) []*model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ConnectionStatus
	for _, ev := range r.events {
		if cs, ok := ev.(*model.ConnectionStatus); ok && cs.SessionID == id {
			out = append(out, cs)
		}
	}
	return out
}

func (r *recorder) messages() []*model.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.InboundMessage
	for _, ev := range r.events {
		if m, ok := ev.(*model.InboundMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) failures() []*model.SendFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SendFailure
	for _, ev := range r.events {
		if f, ok := ev.(*model.SendFailure); ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) count(kind model.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	t         *testing.T
	m         *Manager
	clock     *clock.FakeClock
	connector *transporttest.Connector
	store     *authstate.FileStore
	repo      *repository.SessionRepository
	qr        *qr.Broker
	events    *recorder

	hookMu  sync.Mutex
	closed  []string
	deleted []string
}

func newHarness(t *testing.T, cfg Config, wrap func(transport.Connector) transport.Connector) *harness {
	t.Helper()

	database, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := authstate.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	h := &harness{
		t:         t,
		clock:     clock.NewFake(epoch),
		connector: transporttest.NewConnector(),
		store:     store,
		repo:      repository.NewSessionRepository(database),
		events:    &recorder{},
	}
	h.qr = qr.NewBroker(h.clock)

	var connector transport.Connector = h.connector
	if wrap != nil {
		connector = wrap(h.connector)
	}
	h.m = NewManager(Deps{
		Store:     store,
		Connector: connector,
		Repo:      h.repo,
		Notifier:  h.events,
		QR:        h.qr,
		Clock:     h.clock,
		Logger:    logging.Discard(),
		Hooks: Hooks{
			OnClose: func(id string) {
				h.hookMu.Lock()
				defer h.hookMu.Unlock()
				h.closed = append(h.closed, id)
			},
			OnDelete: func(id string) {
				h.hookMu.Lock()
				defer h.hookMu.Unlock()
				h.deleted = append(h.deleted, id)
			},
		},
	}, cfg)
	t.Cleanup(func() { h.m.Shutdown(context.Background()) })
	return h
}

func reconnecting(base time.Duration, maxAttempts int) reconnect.Policy {
	return reconnect.Policy{Enabled: true, BaseDelay: base, MaxDelay: 8 * base, MaxAttempts: maxAttempts}
}

func (h *harness) create(id string) *transporttest.Conn {
	h.t.Helper()
	_, err := h.m.Create(context.Background(), id)
	require.NoError(h.t, err)
	conn := h.connector.Last(id)
	require.NotNil(h.t, conn)
	return conn
}

func (h *harness) state(id string) model.SessionState {
	s, err := h.m.Get(id)
	if err != nil {
		return ""
	}
	return s.State
}

func (h *harness) waitState(id string, want model.SessionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.state(id) == want }, waitFor, tick,
		"session %s never reached %s (now %s)", id, want, h.state(id))
}

// connect creates id and completes pairing as phone.
func (h *harness) connect(id, phone string) *transporttest.Conn {
	h.t.Helper()
	conn := h.create(id)
	conn.Open(&model.Identity{ID: phone + ":7@s.whatsapp.net", Name: "Shop"})
	h.waitState(id, model.StateConnected)
	return conn
}

// redialArmed reports whether a reconnect timer is pending for id.
func (h *harness) redialArmed(id string) bool {
	e := h.m.reg.get(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnectTimer != nil
}

func (h *harness) waitRedialArmed(id string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.redialArmed(id) }, waitFor, tick)
}

func TestManager_CreatePairConnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	snap, err := h.m.Create(ctx, "shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPairing, snap.State)
	assert.False(t, snap.Connected())

	conn := h.connector.Last("shop1")
	require.NotNil(t, conn)
	assert.Equal(t, [3]string{"WhatsApp API", "Chrome", "103.0.5060.114"}, conn.Options.Browser)

	_, err = h.m.PairingArtifact("shop1")
	assert.ErrorIs(t, err, qr.ErrUnavailable)

	conn.Challenge("2@challenge,abc")
	require.Eventually(t, func() bool {
		_, err := h.m.PairingArtifact("shop1")
		return err == nil
	}, waitFor, tick)

	art, err := h.m.PairingArtifact("shop1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(art.Payload, "data:image/png;base64,"))
	assert.Equal(t, epoch.Add(time.Minute), art.ExpiresAt)
	require.Eventually(t, func() bool { return h.events.count(model.EventQR) == 1 }, waitFor, tick)

	conn.Open(&model.Identity{ID: "6281111111111:12@s.whatsapp.net", Name: "Shop"})
	h.waitState("shop1", model.StateConnected)

	s, err := h.m.Get("shop1")
	require.NoError(t, err)
	assert.Equal(t, "6281111111111", s.Phone())
	assert.Equal(t, 0, s.ReconnectAttempts)

	_, err = h.m.PairingArtifact("shop1")
	assert.ErrorIs(t, err, model.ErrAlreadyConnected)
	_, err = h.qr.Get("shop1")
	assert.ErrorIs(t, err, qr.ErrUnavailable)

	statuses := h.events.statuses("shop1")
	require.Len(t, statuses, 1)
	assert.Equal(t, "open", statuses[0].Status)
	require.NotNil(t, statuses[0].User)
	assert.Equal(t, "6281111111111", statuses[0].User.Phone)

	require.Eventually(t, func() bool { return len(conn.Presences()) > 0 }, waitFor, tick)
	assert.Equal(t, transport.PresenceAvailable, conn.Presences()[0].Presence)

	row, err := h.repo.GetByID(ctx, "shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateConnected, row.State)
}

func TestManager_CreateValidatesID(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	for _, id := range []string{"", "ab", "has space", "semi;colon", strings.Repeat("x", 51)} {
		_, err := h.m.Create(context.Background(), id)
		assert.True(t, model.IsValidation(err), "id %q", id)
	}
	assert.Empty(t, h.m.List())
	assert.Equal(t, 0, h.connector.Count(""))
}

func TestManager_DuplicateCreateSingleConnection(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.m.Create(ctx, "shop1")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, model.ErrAlreadyExists)
		assert.True(t, model.IsConflict(err))
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.connector.Count("shop1"))

	snap, err := h.m.Create(ctx, "shop1")
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
	require.NotNil(t, snap)
	assert.Equal(t, "shop1", snap.ID)
}

func TestManager_GetAndList(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.m.Get("missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	h.connect("shop2", "6282222222222")
	h.create("shop1")

	list := h.m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "shop1", list[0].ID)
	assert.Equal(t, model.Summary{ID: "shop2", State: model.StateConnected, Connected: true, PhoneNumber: "6282222222222"}, list[1].Summarize())
	assert.Equal(t, model.Summary{ID: "shop1", State: model.StateAwaitingPairing}, list[0].Summarize())
}

func TestManager_CloseRemovesEvenWhenLogoutFails(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	conn := h.connect("shop1", "6281111111111")
	conn.SetLogoutErr(errors.New("logout rejected"))

	require.NoError(t, h.m.Close(ctx, "shop1"))

	_, err := h.m.Get("shop1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.True(t, conn.LoggedOut())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, h.connector.Live("shop1"))
	assert.Equal(t, []string{"shop1"}, h.closed)

	statuses := h.events.statuses("shop1")
	require.Len(t, statuses, 2)
	last := statuses[1]
	assert.Equal(t, "close", last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, "session closed by request", last.Error.Message)

	row, err := h.repo.GetByID(ctx, "shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, row.State)

	// credentials survive a disconnect
	exists, err := h.store.Exists(ctx, "shop1")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.ErrorIs(t, h.m.Close(ctx, "shop1"), model.ErrSessionNotFound)
}

func TestManager_CloseClearsPairingArtifact(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	conn := h.create("shop1")
	conn.Challenge("2@abc")
	require.Eventually(t, func() bool { return h.qr.Len() == 1 }, waitFor, tick)

	require.NoError(t, h.m.Close(context.Background(), "shop1"))
	assert.Equal(t, 0, h.qr.Len())
	assert.Equal(t, 0, h.clock.Pending())
}

// blockingConnector parks Connect until its context ends.
type blockingConnector struct {
	inner   transport.Connector
	entered chan struct{}
}

func (b *blockingConnector) Connect(ctx context.Context, id string, st *authstate.State, opts transport.Options) (transport.Conn, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestManager_CloseDuringCreate(t *testing.T) {
	bc := &blockingConnector{entered: make(chan struct{})}
	h := newHarness(t, Config{}, func(inner transport.Connector) transport.Connector {
		bc.inner = inner
		return bc
	})
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, err := h.m.Create(ctx, "shop1")
		created <- err
	}()
	<-bc.entered
	assert.Equal(t, model.StateInitializing, h.state("shop1"))

	require.NoError(t, h.m.Close(ctx, "shop1"))

	err := <-created
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = h.m.Get("shop1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.Equal(t, 0, h.connector.Count("shop1"))
}

func TestManager_CreateAfterFailedConnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.connector.FailNext(transport.NewError("connect", transport.CodeRejected, errors.New("refused")))
	snap, err := h.m.Create(ctx, "shop1")
	require.Error(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.StateClosed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, string(transport.CodeRejected), snap.LastError.Cause)

	// a closed entry does not block a fresh create
	snap, err = h.m.Create(ctx, "shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPairing, snap.State)
	assert.Equal(t, 1, h.connector.Count("shop1"))
}

func TestManager_TransientConnectFailureRedials(t *testing.T) {
	h := newHarness(t, Config{Reconnect: reconnecting(time.Second, 0)}, nil)
	ctx := context.Background()

	st, err := authstate.LoadState(ctx, h.store, "shop1")
	require.NoError(t, err)
	require.NoError(t, st.Flush(ctx))

	h.connector.FailNext(transport.NewError("connect", transport.CodeConnectionLost, errors.New("bridge down")))
	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := h.m.Get("shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateReconnecting, s.State)
	assert.Equal(t, 1, s.ReconnectAttempts)
	require.NotNil(t, s.LastError)
	assert.Equal(t, string(transport.CauseConnectionLost), s.LastError.Cause)
	assert.True(t, h.redialArmed("shop1"))
	assert.Equal(t, 0, h.connector.Count("shop1"))

	statuses := h.events.statuses("shop1")
	require.Len(t, statuses, 1)
	assert.Equal(t, "close", statuses[0].Status)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.connector.Count("shop1") == 1 }, waitFor, tick)
	h.connector.Last("shop1").Open(&model.Identity{ID: "6281111111111:7@s.whatsapp.net"})
	h.waitState("shop1", model.StateConnected)
}

func TestManager_TransientConnectFailureWithoutReconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	h.connector.FailNext(transport.NewError("connect", transport.CodeTimeout, context.DeadlineExceeded))
	snap, err := h.m.Create(context.Background(), "shop1")
	require.Error(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.StateClosed, snap.State)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, string(transport.CauseTimedOut), snap.LastError.Cause)
	assert.False(t, h.redialArmed("shop1"))
}

func TestManager_CreateReleasesStoppedEntry(t *testing.T) {
	h := newHarness(t, Config{ReadMessages: true, ReadDelay: 2 * time.Second}, nil)
	ctx := context.Background()

	conn := h.connect("shop1", "6281111111111")
	conn.Receive(textMessage("m1", "6282222222222@s.whatsapp.net", "halo"))
	old := h.m.reg.get("shop1")
	require.Eventually(t, func() bool { return old.timers.len() == 1 }, waitFor, tick)

	conn.Drop(transport.CauseConnectionReplaced, "replaced")
	h.waitState("shop1", model.StateClosed)
	require.Equal(t, 1, old.timers.len())

	_, err := h.m.Create(ctx, "shop1")
	require.NoError(t, err)
	assert.NotSame(t, old, h.m.reg.get("shop1"))
	assert.Error(t, old.ctx.Err())
	assert.Equal(t, 0, old.timers.len())
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	conn := h.connect("shop1", "6281111111111")
	exists, err := h.store.Exists(ctx, "shop1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, h.m.Delete(ctx, "shop1"))

	assert.True(t, conn.LoggedOut())
	exists, err = h.store.Exists(ctx, "shop1")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = h.repo.GetByID(ctx, "shop1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.Equal(t, []string{"shop1"}, h.closed)
	assert.Equal(t, []string{"shop1"}, h.deleted)

	assert.ErrorIs(t, h.m.Delete(ctx, "shop1"), model.ErrSessionNotFound)
}

func TestManager_DeleteStoredOnly(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	h.create("shop1")
	h.m.Shutdown(ctx)
	_, err := h.m.Get("shop1")
	require.ErrorIs(t, err, model.ErrSessionNotFound)

	require.NoError(t, h.m.Delete(ctx, "shop1"))
	exists, err := h.store.Exists(ctx, "shop1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"shop1"}, h.deleted)
}

func TestManager_Reconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.m.Reconnect(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	_, err = h.m.Reconnect(ctx, "no")
	assert.True(t, model.IsValidation(err))

	first := h.connect("shop1", "6281111111111")

	snap, err := h.m.Reconnect(ctx, "shop1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPairing, snap.State)

	assert.True(t, first.IsClosed())
	assert.False(t, first.LoggedOut())
	assert.Equal(t, 2, h.connector.Count("shop1"))
	assert.Equal(t, 1, h.connector.Live("shop1"))

	// the fresh connection is fed the stored credentials
	second := h.connector.Last("shop1")
	require.NotNil(t, second.State)
	assert.Equal(t, first.State.Creds().RegistrationID, second.State.Creds().RegistrationID)

	// events of the replaced connection are ignored
	first.Drop(transport.CauseConnectionLost, "late")
	second.Open(&model.Identity{ID: "6281111111111@s.whatsapp.net"})
	h.waitState("shop1", model.StateConnected)
}

func TestManager_Restore(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	for _, id := range []string{"shop1", "shop2"} {
		st, err := authstate.LoadState(ctx, h.store, id)
		require.NoError(t, err)
		require.NoError(t, st.Flush(ctx))
	}
	h.create("shop2")

	n, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.connector.Count("shop1"))
	assert.Equal(t, 1, h.connector.Count("shop2"))
	assert.Len(t, h.m.List(), 2)
}

func TestManager_ShutdownKeepsCredentials(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	conn := h.connect("shop1", "6281111111111")
	h.m.Shutdown(ctx)

	assert.True(t, conn.IsClosed())
	assert.False(t, conn.LoggedOut())
	assert.Empty(t, h.m.List())
	exists, err := h.store.Exists(ctx, "shop1")
	require.NoError(t, err)
	assert.True(t, exists)
}
