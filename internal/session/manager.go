// Package session owns the lifecycle of every messaging session: creating
// connections, driving each through its state machine, reconnecting after
// drops and tearing down on close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/presence"
	"github.com/wa-gateway/backend/internal/qr"
	"github.com/wa-gateway/backend/internal/reconnect"
	"github.com/wa-gateway/backend/internal/transport"
)

// Notifier receives every session event. It must not block.
type Notifier interface {
	Notify(ev model.Event)
}

// Repository persists session rows. *repository.SessionRepository
// satisfies it.
type Repository interface {
	Upsert(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, id string) error
}

// Hooks are called after lifecycle operations complete.
type Hooks struct {
	// OnClose runs after Close and Delete removed a session.
	OnClose func(id string)
	// OnDelete runs after Delete removed the credential record.
	OnDelete func(id string)
}

// Config holds the manager's timing and behaviour settings.
type Config struct {
	ConnectTimeout   time.Duration
	QRTimeout        time.Duration
	CredsSaveTimeout time.Duration
	LogoutTimeout    time.Duration
	ReadMessages     bool
	ReadDelay        time.Duration
	Reconnect        reconnect.Policy
	Presence         presence.Config
	CountryCode      string
	Browser          [3]string
}

// Deps are the collaborators the manager drives.
type Deps struct {
	Store     authstate.Store
	Connector transport.Connector
	Repo      Repository
	Notifier  Notifier
	QR        *qr.Broker
	Clock     clock.Clock
	Logger    *slog.Logger
	Hooks     Hooks
}

// Manager is the session registry plus the operations on it.
type Manager struct {
	cfg       Config
	store     authstate.Store
	connector transport.Connector
	repo      Repository
	notifier  Notifier
	qr        *qr.Broker
	clock     clock.Clock
	log       *slog.Logger
	hooks     Hooks
	presence  *presence.Simulator
	phones    *model.PhoneFormatter

	locks *keyedMutex
	reg   *registry
}

type nopNotifier struct{}

func (nopNotifier) Notify(model.Event) {}

// NewManager creates a new session manager.
func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.QR == nil {
		deps.QR = qr.NewBroker(deps.Clock)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Minute
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = time.Minute
	}
	if cfg.CredsSaveTimeout <= 0 {
		cfg.CredsSaveTimeout = 10 * time.Second
	}
	if cfg.LogoutTimeout <= 0 {
		cfg.LogoutTimeout = 10 * time.Second
	}
	if cfg.Browser == ([3]string{}) {
		cfg.Browser = [3]string{"WhatsApp API", "Chrome", "103.0.5060.114"}
	}

	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		connector: deps.Connector,
		repo:      deps.Repo,
		notifier:  deps.Notifier,
		qr:        deps.QR,
		clock:     deps.Clock,
		log:       deps.Logger.With("component", "session"),
		hooks:     deps.Hooks,
		presence:  presence.New(cfg.Presence, deps.Clock),
		phones:    model.NewPhoneFormatter(cfg.CountryCode),
		locks:     newKeyedMutex(),
		reg:       newRegistry(),
	}
}

// Create registers id and opens its first connection. When a non-closed
// session already holds id, its snapshot is returned with ErrAlreadyExists
// and no second connection is opened.
func (m *Manager) Create(ctx context.Context, id string) (*model.Session, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if e := m.reg.get(id); e != nil {
		if snap := e.snapshot(); snap.State != model.StateClosed {
			return snap, model.ErrAlreadyExists
		}
	}
	return m.createLocked(ctx, id)
}

// createLocked runs with the id's lifecycle lock held.
func (m *Manager) createLocked(ctx context.Context, id string) (*model.Session, error) {
	log := m.log.With("session", id)

	if old := m.reg.get(id); old != nil {
		if conn := m.teardown(old); conn != nil {
			conn.Close()
		}
	}
	e := newEntry(id, m.clock.Now())
	m.reg.put(e)
	m.persist(e.snapshot())

	// Close cancels e.ctx without the lifecycle lock, aborting the connect.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	st, err := authstate.LoadState(ctx, m.store, id)
	if err != nil {
		err = fmt.Errorf("failed to load credentials for %s: %w", id, err)
		m.failCreate(e, err)
		return e.snapshot(), err
	}
	if st.Dirty() {
		flushCtx, cancelFlush := context.WithTimeout(ctx, m.cfg.CredsSaveTimeout)
		if err := st.Flush(flushCtx); err != nil {
			log.Warn("failed to persist initial credentials", "error", err)
		}
		cancelFlush()
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.connector.Connect(connectCtx, id, st, m.transportOptions())
	cancelConnect()
	if err != nil {
		err = fmt.Errorf("failed to connect session %s: %w", id, err)
		if cause, ok := connectRetryCause(err); ok && e.ctx.Err() == nil {
			return m.retryCreate(e, st, cause, err)
		}
		m.failCreate(e, err)
		return e.snapshot(), err
	}

	e.mu.Lock()
	if e.torn || e.ctx.Err() != nil {
		e.mu.Unlock()
		conn.Close()
		return e.snapshot(), fmt.Errorf("session %s closed during create: %w", id, context.Canceled)
	}
	e.state = st
	l := m.install(e, conn)
	snap := e.update(m.clock.Now(), func(s *model.Session) {
		if s.State == model.StateInitializing {
			s.State = model.StateAwaitingPairing
		}
	})
	e.mu.Unlock()

	m.persist(snap)
	go m.run(e, l)

	log.Info("session created", "state", snap.State)
	return snap, nil
}

// failCreate marks a session whose create failed as closed.
func (m *Manager) failCreate(e *entry, err error) {
	m.log.Warn("session create failed", "session", e.id, "error", err)

	e.mu.Lock()
	snap := e.update(m.clock.Now(), func(s *model.Session) {
		s.State = model.StateClosed
		s.LastError = &model.Failure{Cause: causeOf(err), Reason: err.Error(), At: m.clock.Now()}
	})
	e.mu.Unlock()
	m.persist(snap)
}

// retryCreate hands a retryable first connect failure to the close path,
// so the reconnect policy decides between a redial and closed. The
// snapshot is returned without an error when a redial is armed.
func (m *Manager) retryCreate(e *entry, st *authstate.State, cause transport.Cause, err error) (*model.Session, error) {
	e.mu.Lock()
	if !e.torn {
		e.state = st
		l := m.install(e, failedConn{})
		m.onClosed(e, l, transport.Closed{Cause: cause, Err: err})
	}
	snap := e.snapshot()
	e.mu.Unlock()

	if snap.State == model.StateReconnecting {
		m.log.Warn("initial connect failed, retrying", "session", e.id, "error", err)
		return snap, nil
	}
	return snap, err
}

// connectRetryCause reports whether a connect error is transient and the
// close cause it maps to.
func connectRetryCause(err error) (transport.Cause, bool) {
	var terr *transport.Error
	if errors.As(err, &terr) {
		if !terr.Retryable {
			return "", false
		}
		if terr.Code == transport.CodeTimeout {
			return transport.CauseTimedOut, true
		}
		return transport.CauseConnectionLost, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.CauseTimedOut, true
	}
	return "", false
}

func causeOf(err error) string {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return string(terr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(transport.CauseTimedOut)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return string(transport.CauseUnknown)
}

func (m *Manager) transportOptions() transport.Options {
	return transport.Options{
		ConnectTimeout: m.cfg.ConnectTimeout,
		MarkOnline:     true,
		Browser:        m.cfg.Browser,
	}
}

// install makes conn the entry's current generation. Callers hold e.mu.
func (m *Manager) install(e *entry, conn transport.Conn) *link {
	e.gen++
	l := &link{conn: conn, gen: e.gen, inject: make(chan transport.Event, 1)}
	e.link.Store(l)
	return l
}

// Get returns the current snapshot of id.
func (m *Manager) Get(id string) (*model.Session, error) {
	e := m.reg.get(id)
	if e == nil {
		return nil, model.ErrSessionNotFound
	}
	return e.snapshot(), nil
}

// List returns point-in-time snapshots of every registered session.
func (m *Manager) List() []*model.Session {
	entries := m.reg.all()
	out := make([]*model.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// PairingArtifact returns the live QR artifact of id.
func (m *Manager) PairingArtifact(id string) (*model.PairingArtifact, error) {
	e := m.reg.get(id)
	if e == nil {
		return nil, model.ErrSessionNotFound
	}
	if e.snapshot().Connected() {
		return nil, model.ErrAlreadyConnected
	}
	return m.qr.Get(id)
}

// Close logs the session out (best effort), removes it from the registry
// and releases everything it owns. The entry is removed even when logout
// fails.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := model.ValidateSessionID(id); err != nil {
		return err
	}

	// Abort an in-flight create or redial before waiting for the lock.
	if e := m.reg.get(id); e != nil {
		e.cancel()
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	e := m.reg.get(id)
	if e == nil {
		return model.ErrSessionNotFound
	}
	m.reg.remove(e)

	conn := m.teardown(e)
	if conn != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
		if err := conn.Logout(logoutCtx); err != nil {
			m.log.Warn("logout failed, closing anyway", "session", id, "error", err)
		}
		cancel()
		conn.Close()

		m.notifier.Notify(&model.ConnectionStatus{
			SessionID: id,
			Timestamp: m.clock.Now().UnixMilli(),
			Status:    "close",
			Error: &model.ConnectionError{
				Message: "session closed by request",
				Reason:  string(transport.CauseLoggedOut),
			},
		})
	}

	snap := e.snapshot().Clone()
	snap.State = model.StateClosed
	snap.UpdatedAt = m.clock.Now()
	m.persist(snap)

	if m.hooks.OnClose != nil {
		m.hooks.OnClose(id)
	}
	m.log.Info("session closed", "session", id)
	return nil
}

// teardown cancels everything the entry owns and returns its live
// connection, if any, for the caller to release.
func (m *Manager) teardown(e *entry) transport.Conn {
	e.cancel()
	e.timers.stopAll()

	e.mu.Lock()
	e.torn = true
	e.gen++
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	l := e.link.Swap(nil)
	e.mu.Unlock()

	m.qr.Clear(e.id)
	if l == nil {
		return nil
	}
	return l.conn
}

// Delete closes the session and removes its credential record and
// persisted row.
func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.Close(ctx, id)
	if err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		return err
	}
	if errors.Is(err, model.ErrSessionNotFound) {
		exists, existsErr := m.store.Exists(ctx, id)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return model.ErrSessionNotFound
		}
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.store.RemoveAll(ctx, id); err != nil {
		return fmt.Errorf("failed to remove credentials for %s: %w", id, err)
	}
	if m.repo != nil {
		if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			m.log.Warn("failed to delete session row", "session", id, "error", err)
		}
	}
	if m.hooks.OnDelete != nil {
		m.hooks.OnDelete(id)
	}
	m.log.Info("session deleted", "session", id)
	return nil
}

// Reconnect drops any live connection of id without logging out and
// creates it again from its stored credentials.
func (m *Manager) Reconnect(ctx context.Context, id string) (*model.Session, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return nil, err
	}
	exists, err := m.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrSessionNotFound
	}

	if e := m.reg.get(id); e != nil {
		e.cancel()
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if e := m.reg.get(id); e != nil {
		m.reg.remove(e)
		if conn := m.teardown(e); conn != nil {
			conn.Close()
		}
	}
	return m.createLocked(ctx, id)
}

// Restore creates every session that has stored credentials. It returns
// the number of sessions created.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored sessions: %w", err)
	}
	m.log.Info("restoring sessions", "count", len(ids))

	restored := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return restored, ctx.Err()
		}
		if _, err := m.Create(ctx, id); err != nil {
			if !errors.Is(err, model.ErrAlreadyExists) {
				m.log.Warn("failed to restore session", "session", id, "error", err)
			}
			continue
		}
		restored++
	}
	return restored, nil
}

// Shutdown releases every connection without logging out so sessions can
// be restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, e := range m.reg.all() {
		m.reg.remove(e)
		if conn := m.teardown(e); conn != nil {
			conn.Close()
		}
	}
	m.log.Info("session manager stopped")
}

// persist writes the session row, logging failures.
func (m *Manager) persist(s *model.Session) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.Upsert(ctx, s); err != nil {
		m.log.Warn("failed to persist session", "session", s.ID, "error", err)
	}
}
