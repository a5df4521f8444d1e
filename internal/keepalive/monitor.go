// Package keepalive periodically probes every connected session and
// reports dead connections back to their owner.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/transport"
)

// Target is one connected session to probe.
type Target struct {
	SessionID string
	Conn      transport.Conn
	// Fail is called once when the probe finds the connection dead.
	Fail func(cause transport.Cause, err error)
}

// Source lists the sessions that are currently connected.
type Source interface {
	KeepAliveTargets() []Target
}

// Config controls probe cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor runs the probe loop.
type Monitor struct {
	source Source
	cfg    Config
	clock  clock.Clock
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Monitor.
func New(source Source, cfg Config, c clock.Clock, log *slog.Logger) *Monitor {
	if c == nil {
		c = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Monitor{source: source, cfg: cfg, clock: c, log: log.With("component", "keepalive")}
}

// Start launches the ticker loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	ticker := m.clock.NewTicker(m.cfg.Interval)
	go func() {
		defer close(m.done)
		defer ticker.Stop()
		m.log.Info("keep-alive started", "interval", m.cfg.Interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info("keep-alive stopped")
}

// RunOnce probes every current target concurrently and returns when all
// probes have finished.
func (m *Monitor) RunOnce(ctx context.Context) {
	targets := m.source.KeepAliveTargets()
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			m.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, t Target) {
	log := m.log.With("session", t.SessionID)

	err := m.withTimeout(ctx, func(ctx context.Context) error {
		if err := t.Conn.SendPresence(ctx, transport.PresenceAvailable, ""); err != nil {
			return err
		}
		return t.Conn.Ping(ctx)
	})
	if err == nil {
		log.Debug("keep-alive ok")
		return
	}
	if ctx.Err() != nil {
		return
	}

	cause, fatal := transport.FatalCause(err)
	if !fatal {
		log.Warn("keep-alive probe failed", "error", err)
		return
	}
	log.Warn("keep-alive detected dead connection", "cause", cause, "error", err)
	if t.Fail != nil {
		t.Fail(cause, err)
	}
}

// withTimeout runs fn and turns an overrun of cfg.Timeout on the monitor's
// clock into a timeout error.
func (m *Monitor) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn(ctx) }()

	select {
	case err := <-result:
		return err
	case <-m.clock.After(m.cfg.Timeout):
		cancel()
		return transport.NewError("keepalive", transport.CodeTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}
