package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
)

// ErrNotFound is returned when a session has no journal.
var ErrNotFound = errors.New("journal not found")

// Recorder keeps one open Log per session under dir and records every
// dispatched event.
type Recorder struct {
	dir   string
	clock clock.Clock
	log   *slog.Logger

	mu   sync.Mutex
	logs map[string]*Log
}

// NewRecorder creates dir if needed.
func NewRecorder(dir string, c clock.Clock, log *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		dir:   dir,
		clock: c,
		log:   log.With("component", "journal"),
		logs:  make(map[string]*Log),
	}, nil
}

// Path returns the journal file for a session.
func (r *Recorder) Path(sessionID string) string {
	return filepath.Join(r.dir, sessionID+".jsonl")
}

// Observe appends ev to its session's journal. Failures are logged.
func (r *Recorder) Observe(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.logs[ev.Session()]
	if !ok {
		var err error
		l, err = OpenLog(r.Path(ev.Session()), ev.Session(), r.clock)
		if err != nil {
			r.log.Warn("failed to open journal", "session", ev.Session(), "error", err)
			return
		}
		r.logs[ev.Session()] = l
	}
	if err := l.Append(ev); err != nil {
		r.log.Warn("failed to append journal entry", "session", ev.Session(), "error", err)
	}
}

// Open returns the session's journal for reading.
func (r *Recorder) Open(sessionID string) (*os.File, error) {
	f, err := os.Open(r.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Remove closes and deletes a session's journal.
func (r *Recorder) Remove(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.logs[sessionID]; ok {
		l.Close()
		delete(r.logs, sessionID)
	}
	if err := os.Remove(r.Path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

// Close closes every open journal.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, l := range r.logs {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.logs, id)
	}
	return errors.Join(errs...)
}
