// Package journal records every event of a session as JSON lines so the
// history can be downloaded later.
//
// A journal file starts with a header line followed by one entry per event,
// each encoded as [time_offset_seconds, kind, payload].
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wa-gateway/backend/internal/clock"
	"github.com/wa-gateway/backend/internal/model"
)

// Version is written into every header.
const Version = 1

// Header is the first line of a journal file.
type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// Entry is a single recorded event.
type Entry struct {
	TimeOffset float64
	Kind       model.EventKind
	Data       json.RawMessage
}

// MarshalJSON encodes the entry as a three element array.
func (e Entry) MarshalJSON() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal([]any{e.TimeOffset, e.Kind, data})
}

// UnmarshalJSON decodes the three element array form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid entry format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.TimeOffset); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	var kind string
	if err := json.Unmarshal(arr[1], &kind); err != nil {
		return fmt.Errorf("invalid entry kind: %w", err)
	}
	e.Kind = model.EventKind(kind)
	e.Data = append(json.RawMessage(nil), arr[2]...)
	return nil
}

// Log appends entries for one session.
type Log struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	clock     clock.Clock
	startTime time.Time
	mu        sync.Mutex
}

// OpenLog opens or creates the journal at path. A new file gets a header;
// an existing one keeps its original start time.
func OpenLog(path, sessionID string, c clock.Clock) (*Log, error) {
	if c == nil {
		c = clock.Real()
	}

	start, err := readStart(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	l := &Log{writer: file, file: file, clock: c, startTime: start}
	if start.IsZero() {
		l.startTime = c.Now()
		if err := l.writeHeader(sessionID); err != nil {
			file.Close()
			return nil, err
		}
	}
	return l, nil
}

// NewLogWithWriter returns a Log writing to w. It writes the header
// immediately.
func NewLogWithWriter(w io.Writer, sessionID string, c clock.Clock) (*Log, error) {
	if c == nil {
		c = clock.Real()
	}
	l := &Log{writer: w, clock: c, startTime: c.Now()}
	if err := l.writeHeader(sessionID); err != nil {
		return nil, err
	}
	return l, nil
}

func readStart(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		// Empty file: treat as new.
		return time.Time{}, nil
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return time.Time{}, fmt.Errorf("invalid journal header in %s: %w", path, err)
	}
	return time.UnixMilli(h.Timestamp), nil
}

func (l *Log) writeHeader(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(Header{
		Version:   Version,
		SessionID: sessionID,
		Timestamp: l.startTime.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Append records ev.
func (l *Log) Append(ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		TimeOffset: l.clock.Now().Sub(l.startTime).Seconds(),
		Kind:       ev.Kind(),
		Data:       payload,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// Close closes the file if the Log owns it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// StartTime returns the time the journal was started.
func (l *Log) StartTime() time.Time {
	return l.startTime
}

// Parse reads a whole journal.
func Parse(r io.Reader) (Header, []Entry, error) {
	var h Header
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return h, nil, err
		}
		return h, nil, io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return h, nil, fmt.Errorf("invalid journal header: %w", err)
	}

	var entries []Entry
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return h, entries, fmt.Errorf("invalid journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return h, entries, scanner.Err()
}
