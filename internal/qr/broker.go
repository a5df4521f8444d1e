// Package qr holds the current pairing challenge of each session until it
// is superseded, consumed by a successful pairing, or expires.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
)

// ErrUnavailable is returned when no live artifact exists for a session.
var ErrUnavailable = errors.New("qr code not available")

// Broker stores pairing artifacts with per-session expiry timers.
type Broker struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	artifact *model.PairingArtifact
	timer    *clock.Timer
	gen      uint64
}

// NewBroker returns an empty Broker.
func NewBroker(c clock.Clock) *Broker {
	if c == nil {
		c = clock.Real()
	}
	return &Broker{clock: c, entries: make(map[string]*entry)}
}

// Issue stores the artifact for sessionID, replacing any previous one and
// restarting the expiry clock at ttl.
func (b *Broker) Issue(sessionID, code, payload string, ttl time.Duration) *model.PairingArtifact {
	now := b.clock.Now()
	artifact := &model.PairingArtifact{
		SessionID: sessionID,
		Code:      code,
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	b.mu.Lock()
	if old, ok := b.entries[sessionID]; ok {
		old.timer.Stop()
	}
	b.seq++
	gen := b.seq
	e := &entry{artifact: artifact, gen: gen}
	b.entries[sessionID] = e
	b.mu.Unlock()

	// scheduled outside the lock: a fake clock may run the callback inline
	t := b.clock.AfterFunc(ttl, func() { b.expire(sessionID, gen) })

	b.mu.Lock()
	if cur, ok := b.entries[sessionID]; ok && cur.gen == gen {
		cur.timer = t
	} else {
		t.Stop()
	}
	b.mu.Unlock()

	return artifact
}

func (b *Broker) expire(sessionID string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[sessionID]; ok && e.gen == gen {
		delete(b.entries, sessionID)
	}
}

// Get returns the live artifact for sessionID.
func (b *Broker) Get(sessionID string) (*model.PairingArtifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[sessionID]
	if !ok || e.artifact.Expired(b.clock.Now()) {
		return nil, ErrUnavailable
	}
	a := *e.artifact
	return &a, nil
}

// Clear removes the artifact and cancels its timer.
func (b *Broker) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[sessionID]; ok {
		e.timer.Stop()
		delete(b.entries, sessionID)
	}
}

// Len returns the number of live artifacts.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// RenderDataURL encodes a challenge string as a PNG data URL.
func RenderDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
