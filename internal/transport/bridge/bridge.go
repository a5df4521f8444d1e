// Package bridge implements transport.Connector over a websocket to a
// protocol sidecar. Each session gets its own socket; credentials travel
// in the hello frame and every mutation comes back as a creds or keys
// event so the gateway stays the owner of durable auth state.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wa-gateway/backend/internal/authstate"
	"github.com/wa-gateway/backend/internal/model"
	"github.com/wa-gateway/backend/internal/transport"
)

const (
	// Time allowed to write a frame to the sidecar.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the sidecar.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the sidecar.
	maxFrameSize = 64 << 20
)

// Config configures the sidecar connection.
type Config struct {
	URL    string
	Header http.Header
	Logger *slog.Logger
}

// Connector dials one websocket per session.
type Connector struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

// NewConnector returns a Connector for the sidecar at cfg.URL.
func NewConnector(cfg Config) *Connector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		log:    log.With("component", "bridge"),
	}
}

// Connect dials the sidecar and sends the hello frame.
func (c *Connector) Connect(ctx context.Context, sessionID string, state *authstate.State, opts transport.Options) (transport.Conn, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	ws, _, err := c.dialer.DialContext(ctx, u.String(), c.cfg.Header)
	if err != nil {
		code := transport.CodeConnectionLost
		if errors.Is(err, context.DeadlineExceeded) {
			code = transport.CodeTimeout
		}
		return nil, transport.NewError("connect", code, err)
	}

	hello, err := json.Marshal(helloData{
		SessionID:  sessionID,
		Creds:      state.Creds(),
		MarkOnline: opts.MarkOnline,
		Browser:    opts.Browser,
	})
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to encode hello: %w", err)
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(frame{Type: frameHello, Data: hello}); err != nil {
		ws.Close()
		return nil, transport.NewError("connect", transport.CodeConnectionLost, err)
	}

	conn := &conn{
		sessionID: sessionID,
		state:     state,
		ws:        ws,
		log:       c.log.With("session", sessionID),
		events:    make(chan transport.Event, 128),
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		pending:   make(map[string]chan frame),
	}
	go conn.writePump()
	go conn.readPump()

	return conn, nil
}

// conn is one session's socket to the sidecar.
type conn struct {
	sessionID string
	state     *authstate.State
	ws        *websocket.Conn
	log       *slog.Logger

	events chan transport.Event
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending map[string]chan frame
	user    *model.Identity
	// closeSeen is set once a close event was emitted, so a socket error
	// afterwards does not produce a second one.
	closeSeen bool
}

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) User() *model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

func (c *conn) Send(ctx context.Context, jid string, msg transport.Outgoing) (string, error) {
	var res sendResult
	if err := c.call(ctx, opSend, sendData{JID: jid, Message: msg}, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *conn) SendPresence(ctx context.Context, p transport.Presence, jid string) error {
	return c.call(ctx, opPresence, presenceData{Presence: p, JID: jid}, nil)
}

func (c *conn) CheckRegistered(ctx context.Context, jid string) (bool, error) {
	var res checkResult
	if err := c.call(ctx, opCheck, checkData{JID: jid}, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (c *conn) ReadMessages(ctx context.Context, keys []transport.MessageKey) error {
	return c.call(ctx, opRead, readData{Keys: keys}, nil)
}

func (c *conn) Ping(ctx context.Context) error {
	return c.call(ctx, opPing, struct{}{}, nil)
}

func (c *conn) Logout(ctx context.Context) error {
	err := c.call(ctx, opLogout, struct{}{}, nil)
	c.shutdown()
	return err
}

func (c *conn) Close() error {
	c.shutdown()
	return nil
}

// call performs one request/result round trip.
func (c *conn) call(ctx context.Context, op string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return transport.NewError(op, transport.CodeInternal, err)
	}
	id := uuid.NewString()
	b, err := json.Marshal(frame{Type: frameRequest, ID: id, Op: op, Data: data})
	if err != nil {
		return transport.NewError(op, transport.CodeInternal, err)
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- b:
	case <-c.done:
		return transport.NewError(op, transport.CodeConnectionClosed, errors.New("connection closed"))
	case <-ctx.Done():
		return contextError(op, ctx.Err())
	}

	select {
	case res := <-ch:
		if !res.OK {
			return remoteError(op, res.Error)
		}
		if out != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, out); err != nil {
				return transport.NewError(op, transport.CodeInternal, fmt.Errorf("decode result: %w", err))
			}
		}
		return nil
	case <-c.done:
		return transport.NewError(op, transport.CodeConnectionLost, errors.New("Connection was lost"))
	case <-ctx.Done():
		return contextError(op, ctx.Err())
	}
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transport.NewError(op, transport.CodeTimeout, err)
	}
	return err
}

func remoteError(op string, fe *frameError) error {
	if fe == nil {
		return transport.NewError(op, transport.CodeRejected, errors.New("request failed"))
	}
	code := transport.Code(fe.Code)
	switch code {
	case transport.CodeTimeout, transport.CodeConnectionLost, transport.CodeConnectionClosed,
		transport.CodeLoggedOut, transport.CodeRejected, transport.CodeInternal:
	default:
		code = transport.CodeRejected
	}
	return transport.NewError(op, code, errors.New(fe.Message))
}

// shutdown releases the socket exactly once and fails in-flight calls.
func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump owns the events channel; it is the only sender and closes it
// on exit.
func (c *conn) readPump() {
	defer func() {
		c.shutdown()
		close(c.events)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				// closed by us
			default:
				c.emitClose(transport.Closed{
					Cause:      transport.CauseConnectionLost,
					StatusCode: transport.StatusTimedOut,
					Message:    "Connection was lost",
					Err:        err,
				})
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case frameResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case frameRequest:
			go c.serve(f)
		case frameEvent:
			if stop := c.handleEvent(f); stop {
				return
			}
		default:
			c.log.Warn("unknown frame from bridge", "type", f.Type)
		}
	}
}

// handleEvent translates a sidecar event. It reports true after a close.
func (c *conn) handleEvent(f frame) bool {
	switch f.Event {
	case eventQR:
		var d qrData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("bad qr event", "error", err)
			return false
		}
		c.emit(transport.PairingChallenge{Code: d.Code})

	case eventOpen:
		var d openData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("bad open event", "error", err)
			return false
		}
		user := &model.Identity{ID: d.User.ID, Name: d.User.Name, Phone: model.PhoneFromJID(d.User.ID)}
		c.mu.Lock()
		c.user = user
		c.mu.Unlock()
		c.emit(transport.Opened{User: user})

	case eventClose:
		var d closeData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("bad close event, closing with unknown cause", "error", err)
		}
		c.emitClose(transport.Closed{
			Cause:      transport.CauseFromStatus(d.StatusCode, d.Message),
			StatusCode: d.StatusCode,
			Message:    d.Message,
		})
		return true

	case eventCreds:
		var d credsData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.Creds == nil {
			c.log.Warn("bad creds event", "error", err)
			return false
		}
		c.state.SetCreds(d.Creds)
		c.emit(transport.CredsChanged{})

	case eventKeys:
		var d map[string]map[string]json.RawMessage
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("bad keys event", "error", err)
			return false
		}
		c.state.SetKeys(d)
		c.emit(transport.CredsChanged{})

	case eventMessages:
		var d messagesData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn("bad messages event", "error", err)
			return false
		}
		c.emit(transport.MessagesReceived{Type: d.Type, Messages: d.Messages})

	default:
		c.log.Debug("ignoring bridge event", "event", f.Event)
	}
	return false
}

func (c *conn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) emitClose(ev transport.Closed) {
	c.mu.Lock()
	seen := c.closeSeen
	c.closeSeen = true
	c.mu.Unlock()
	if !seen {
		c.emit(ev)
	}
}

// serve answers a request initiated by the sidecar.
func (c *conn) serve(f frame) {
	res := frame{Type: frameResult, ID: f.ID}

	switch f.Op {
	case opKeysGet:
		var d keysGetData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			res.Error = &frameError{Code: string(transport.CodeRejected), Message: err.Error()}
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		values, err := c.state.GetKeys(ctx, d.Category, d.IDs)
		cancel()
		if err != nil {
			res.Error = &frameError{Code: string(transport.CodeInternal), Message: err.Error()}
			break
		}
		data, err := json.Marshal(keysGetResult{Values: values})
		if err != nil {
			res.Error = &frameError{Code: string(transport.CodeInternal), Message: err.Error()}
			break
		}
		res.OK = true
		res.Data = data
	default:
		res.Error = &frameError{Code: string(transport.CodeRejected), Message: "unknown op " + f.Op}
	}

	b, err := json.Marshal(res)
	if err != nil {
		c.log.Error("failed to encode bridge result", "error", err)
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

// writePump serializes writes to the socket and keeps it alive.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("bridge write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
