// Package authstate persists per-session protocol credentials and the
// keyed signal material that goes with them.
//
// A Store is the durable layer; State is the working copy a live
// connection mutates and periodically flushes back to its Store.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CategoryCreds addresses the single credentials document of a session.
const CategoryCreds = "creds"

// ErrNotFound is returned by Read when no usable record exists. Empty and
// corrupt records are reported the same way.
var ErrNotFound = errors.New("auth record not found")

// Key addresses one record of a session's credential set.
type Key struct {
	SessionID string
	Category  string
	ID        string
}

// CredsKey returns the key of the credentials document for sessionID.
func CredsKey(sessionID string) Key {
	return Key{SessionID: sessionID, Category: CategoryCreds}
}

func (k Key) String() string {
	if k.Category == CategoryCreds {
		return k.SessionID + "/creds"
	}
	return k.SessionID + "/" + k.Category + "-" + k.ID
}

// Store is the durable credential storage used by the session manager.
type Store interface {
	Read(ctx context.Context, key Key) ([]byte, error)
	Write(ctx context.Context, key Key, data []byte) error
	Remove(ctx context.Context, key Key) error

	// Exists reports whether a credentials document is stored for sessionID.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// List returns every session id with a stored credentials document.
	List(ctx context.Context) ([]string, error)
	// RemoveAll drops every record belonging to sessionID.
	RemoveAll(ctx context.Context, sessionID string) error
}

// PersistenceError wraps a failed durable write or removal.
type PersistenceError struct {
	Op  string
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("authstate %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// fixFileName makes a record id safe to use as a path component.
func fixFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "__")
	return strings.ReplaceAll(name, ":", "-")
}
