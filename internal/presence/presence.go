// Package presence simulates a human typing before an outbound message.
package presence

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/transport"
)

// Sender is the part of a connection the simulator needs.
type Sender interface {
	SendPresence(ctx context.Context, p transport.Presence, jid string) error
}

// Step is one presence signal held for Duration.
type Step struct {
	Presence transport.Presence
	Duration time.Duration
}

// Plan splits total into composing bursts separated by paused intervals.
// Durations sum to total and the last step is always paused.
func Plan(total, burst, interval time.Duration) []Step {
	if total <= 0 {
		return []Step{{Presence: transport.PresencePaused}}
	}
	if burst <= 0 {
		return []Step{{Presence: transport.PresenceComposing, Duration: total}, {Presence: transport.PresencePaused}}
	}

	var steps []Step
	cycle := burst + interval
	n := int(total / cycle)
	for i := 0; i < n; i++ {
		steps = append(steps,
			Step{Presence: transport.PresenceComposing, Duration: burst},
			Step{Presence: transport.PresencePaused, Duration: interval},
		)
	}

	remainder := total - time.Duration(n)*cycle
	if remainder > 0 {
		steps = append(steps, Step{Presence: transport.PresenceComposing, Duration: min(remainder, burst)})
		if remainder > burst {
			steps = append(steps, Step{Presence: transport.PresencePaused, Duration: remainder - burst})
		}
	}

	if steps[len(steps)-1].Presence != transport.PresencePaused {
		steps = append(steps, Step{Presence: transport.PresencePaused})
	}
	return steps
}

// Config controls the simulated delay.
type Config struct {
	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
	Burst    time.Duration
	Interval time.Duration
}

// Simulator runs presence plans against a connection.
type Simulator struct {
	cfg   Config
	clock clock.Clock
	intn  func(n int64) int64
}

// New returns a Simulator. A nil clock uses real time.
func New(cfg Config, c clock.Clock) *Simulator {
	if c == nil {
		c = clock.Real()
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Simulator{cfg: cfg, clock: c, intn: rand.Int64N}
}

// Delay picks a whole-second delay in [MinDelay, MaxDelay].
func (s *Simulator) Delay() time.Duration {
	lo := int64(s.cfg.MinDelay / time.Second)
	hi := int64(s.cfg.MaxDelay / time.Second)
	if hi <= lo {
		return s.cfg.MinDelay
	}
	return time.Duration(lo+s.intn(hi-lo+1)) * time.Second
}

// Run waits a random delay before a send to jid, signalling composing
// and paused along the way. It returns at once when disabled. A failed signal ends the run
// early with that error; the caller decides whether to still send. A
// cancelled ctx returns ctx.Err().
func (s *Simulator) Run(ctx context.Context, to Sender, jid string) error {
	if !s.cfg.Enabled {
		return nil
	}

	for _, step := range Plan(s.Delay(), s.cfg.Burst, s.cfg.Interval) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := to.SendPresence(ctx, step.Presence, jid); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.sleep(ctx, step.Duration); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}
