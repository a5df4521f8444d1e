// Package webhook fans session events out to configured sinks without
// blocking the caller.
package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wa-gateway/backend/internal/model"
)

// Sink receives events. Deliver must honour ctx.
type Sink interface {
	Name() string
	Accepts(kind model.EventKind) bool
	Deliver(ctx context.Context, ev model.Event) error
}

// Tap observes every event synchronously, in Notify order. Observe must
// not block.
type Tap interface {
	Observe(ev model.Event)
}

// Dispatcher delivers each event to every accepting sink in its own
// goroutine, bounded by a per-delivery timeout. Failures are logged and
// dropped.
type Dispatcher struct {
	sinks   []Sink
	taps    []Tap
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher returns a Dispatcher over sinks.
func NewDispatcher(timeout time.Duration, log *slog.Logger, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sinks: sinks, timeout: timeout, log: log.With("component", "webhook")}
}

// AddSink registers another sink. It must be called before events flow.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// AddTap registers a synchronous observer.
func (d *Dispatcher) AddTap(t Tap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taps = append(d.taps, t)
}

// Notify feeds the taps and schedules sink delivery, then returns.
func (d *Dispatcher) Notify(ev model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	for _, t := range d.taps {
		t.Observe(ev)
	}

	for _, s := range d.sinks {
		if !s.Accepts(ev.Kind()) {
			continue
		}
		d.wg.Add(1)
		go d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s Sink, ev model.Event) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := s.Deliver(ctx, ev); err != nil {
		d.log.Warn("event delivery failed",
			"sink", s.Name(),
			"kind", ev.Kind(),
			"session", ev.Session(),
			"error", err,
		)
	}
}

// Close stops accepting events and waits for in-flight deliveries or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
