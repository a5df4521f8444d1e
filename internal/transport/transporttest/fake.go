// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

// Connector hands out fake connections and records every attempt.
type Connector struct {
	mu        sync.Mutex
	conns     map[string][]*Conn
	errs      []error
	connected chan *Conn

	// OnConnect, when set, runs for every new connection before Connect
	// returns. Tests use it to preload behaviour.
	OnConnect func(*Conn)
}

// NewConnector returns an empty fake connector.
func NewConnector() *Connector {
	return &Connector{
		conns:     make(map[string][]*Conn),
		connected: make(chan *Conn, 64),
	}
}

// FailNext makes the next Connect calls fail with the given errors, in order.
func (c *Connector) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// Connect implements transport.Connector.
func (c *Connector) Connect(ctx context.Context, sessionID string, state *authstate.State, opts transport.Options) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	conn := newConn(sessionID, state, opts)
	c.conns[sessionID] = append(c.conns[sessionID], conn)
	hook := c.OnConnect
	c.mu.Unlock()

	if hook != nil {
		hook(conn)
	}
	select {
	case c.connected <- conn:
	default:
	}
	return conn, nil
}

// Connected delivers each connection as it is opened.
func (c *Connector) Connected() <-chan *Conn { return c.connected }

// Count returns the number of connections opened for sessionID.
func (c *Connector) Count(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns[sessionID])
}

// Last returns the newest connection for sessionID, or nil.
func (c *Connector) Last(sessionID string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.conns[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Live returns how many connections for sessionID are not yet closed.
func (c *Connector) Live(sessionID string) int {
	c.mu.Lock()
	list := append([]*Conn(nil), c.conns[sessionID]...)
	c.mu.Unlock()

	n := 0
	for _, conn := range list {
		if !conn.IsClosed() {
			n++
		}
	}
	return n
}

// SentMessage records one Send call.
type SentMessage struct {
	JID string
	Msg transport.Outgoing
}

// PresenceCall records one SendPresence call.
type PresenceCall struct {
	Presence transport.Presence
	JID      string
}

// Conn is a fake transport.Conn. Every call succeeds unless a failure is
// injected through one of the Set methods.
type Conn struct {
	SessionID string
	State     *authstate.State
	Options   transport.Options

	events chan transport.Event
	done   chan struct{}

	mu         sync.Mutex
	user       *model.Identity
	closed     bool
	loggedOut  bool
	sent       []SentMessage
	presences  []PresenceCall
	reads      [][]transport.MessageKey
	pings      int
	unregister map[string]bool

	sendErr     error
	presenceErr error
	logoutErr   error
	checkErr    error
	pingFunc    func(ctx context.Context) error
}

func newConn(sessionID string, state *authstate.State, opts transport.Options) *Conn {
	return &Conn{
		SessionID:  sessionID,
		State:      state,
		Options:    opts,
		events:     make(chan transport.Event, 64),
		done:       make(chan struct{}),
		unregister: make(map[string]bool),
	}
}

// Emit delivers ev to the consumer. It is dropped once the conn is closed.
func (c *Conn) Emit(ev transport.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case <-c.done:
	case c.events <- ev:
	}
}

// Challenge emits a pairing challenge.
func (c *Conn) Challenge(code string) {
	c.Emit(transport.PairingChallenge{Code: code})
}

// Open marks the connection authenticated as user and emits Opened.
func (c *Conn) Open(user *model.Identity) {
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	c.Emit(transport.Opened{User: user})
}

// Drop emits a server-side close with the given cause.
func (c *Conn) Drop(cause transport.Cause, message string) {
	c.Emit(transport.Closed{Cause: cause, Message: message})
}

// Receive emits a notify batch.
func (c *Conn) Receive(msgs ...transport.Message) {
	c.Emit(transport.MessagesReceived{Type: transport.UpsertNotify, Messages: msgs})
}

// SetUnregistered marks jid as not present on the network.
func (c *Conn) SetUnregistered(jid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregister[jid] = true
}

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) User() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Conn) Send(ctx context.Context, jid string, msg transport.Outgoing) (string, error) {
	if err := c.precheck(ctx, "send"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, SentMessage{JID: jid, Msg: msg})
	return uuid.NewString(), nil
}

func (c *Conn) SendPresence(ctx context.Context, p transport.Presence, jid string) error {
	if err := c.precheck(ctx, "presence"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presenceErr != nil {
		return c.presenceErr
	}
	c.presences = append(c.presences, PresenceCall{Presence: p, JID: jid})
	return nil
}

func (c *Conn) CheckRegistered(ctx context.Context, jid string) (bool, error) {
	if err := c.precheck(ctx, "check"); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkErr != nil {
		return false, c.checkErr
	}
	return !c.unregister[jid], nil
}

func (c *Conn) ReadMessages(ctx context.Context, keys []transport.MessageKey) error {
	if err := c.precheck(ctx, "read"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, keys)
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.precheck(ctx, "ping"); err != nil {
		return err
	}
	c.mu.Lock()
	c.pings++
	fn := c.pingFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	err := c.logoutErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Close()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *Conn) precheck(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return transport.NewError(op, transport.CodeConnectionClosed, errors.New("connection closed"))
	}
	return nil
}

// IsClosed reports whether Close or Logout released the connection.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout was called.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Sent returns a copy of every successful Send.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Presences returns a copy of every successful SendPresence.
func (c *Conn) Presences() []PresenceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PresenceCall(nil), c.presences...)
}

// Reads returns a copy of every ReadMessages batch.
func (c *Conn) Reads() [][]transport.MessageKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]transport.MessageKey(nil), c.reads...)
}

// Pings returns the number of Ping calls.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// SetPingFunc replaces the probe behaviour.
func (c *Conn) SetPingFunc(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingFunc = fn
}

// SetSendErr makes subsequent sends fail.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetPresenceErr makes subsequent presence updates fail.
func (c *Conn) SetPresenceErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceErr = err
}

// SetCheckErr makes CheckRegistered fail.
func (c *Conn) SetCheckErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkErr = err
}

// SetLogoutErr makes Logout fail without closing.
func (c *Conn) SetLogoutErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutErr = err
}

var _ transport.Conn = (*Conn)(nil)
var _ transport.Connector = (*Connector)(nil)
