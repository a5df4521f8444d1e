package authstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one directory per session under root and one JSON file
// per record: creds.json for credentials and <category>-<id>.json for keys.
type FileStore struct {
	root   string
	sealer *Sealer
}

// NewFileStore returns a FileStore rooted at dir. sealer may be nil.
func NewFileStore(dir string, sealer *Sealer) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &FileStore{root: dir, sealer: sealer}, nil
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, fixFileName(sessionID))
}

func (s *FileStore) path(key Key) string {
	name := "creds.json"
	if key.Category != CategoryCreds {
		name = fixFileName(key.Category + "-" + key.ID + ".json")
	}
	return filepath.Join(s.sessionDir(key.SessionID), name)
}

// Read returns the record at key. Missing, empty and corrupt files all
// yield ErrNotFound.
func (s *FileStore) Read(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := readFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if b == nil {
		return nil, ErrNotFound
	}
	return decode(s.sealer, b)
}

// Write stores data at key, replacing the file atomically.
func (s *FileStore) Write(ctx context.Context, key Key, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.sessionDir(key.SessionID), 0o700); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	b, err := encode(s.sealer, data)
	if err != nil {
		return &PersistenceError{Op: "seal", Key: key, Err: err}
	}
	if err := writeFile(s.path(key), b, 0o600); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Remove deletes the record at key. Removing a missing record is not an error.
func (s *FileStore) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether the session has a usable credentials document.
func (s *FileStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.Read(ctx, CredsKey(sessionID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the ids of sessions that have a credentials file.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ok, err := s.Exists(ctx, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveAll deletes the session directory.
func (s *FileStore) RemoveAll(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return &PersistenceError{Op: "remove_all", Key: CredsKey(sessionID), Err: err}
	}
	return nil
}

// readFile reads the file at path; a missing file is not an error.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
