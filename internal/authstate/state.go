package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State is the in-memory working copy of one session's credential set.
// Reads go through to the Store on a cache miss; writes are buffered and
// only reach the Store on Flush.
type State struct {
	sessionID string
	store     Store

	mu         sync.Mutex
	creds      *Creds
	credsDirty bool
	keys       map[Key]json.RawMessage
	dirty      map[Key]bool // true = write, false = remove
}

// LoadState reads the session's credentials from store, generating fresh
// ones when none are stored. Freshly generated creds are dirty until the
// first Flush.
func LoadState(ctx context.Context, store Store, sessionID string) (*State, error) {
	st := &State{
		sessionID: sessionID,
		store:     store,
		keys:      make(map[Key]json.RawMessage),
		dirty:     make(map[Key]bool),
	}

	data, err := store.Read(ctx, CredsKey(sessionID))
	switch {
	case errors.Is(err, ErrNotFound):
		creds, err := NewCreds()
		if err != nil {
			return nil, fmt.Errorf("failed to generate credentials: %w", err)
		}
		st.creds = creds
		st.credsDirty = true
	case err != nil:
		return nil, err
	default:
		var creds Creds
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("failed to decode credentials: %w", err)
		}
		st.creds = &creds
	}
	return st, nil
}

// SessionID returns the owning session.
func (s *State) SessionID() string { return s.sessionID }

// Creds returns a copy of the current credentials.
func (s *State) Creds() *Creds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Clone()
}

// SetCreds replaces the credentials document and marks it dirty.
func (s *State) SetCreds(c *Creds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c.Clone()
	s.credsDirty = true
}

// UpdateCreds applies fn to the credentials under the state lock.
func (s *State) UpdateCreds(fn func(*Creds)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.creds)
	s.credsDirty = true
}

// GetKeys returns the stored values for ids in category. Missing ids are
// omitted from the result.
func (s *State) GetKeys(ctx context.Context, category string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	var misses []string

	s.mu.Lock()
	for _, id := range ids {
		k := Key{SessionID: s.sessionID, Category: category, ID: id}
		if v, ok := s.keys[k]; ok {
			if v != nil {
				out[id] = v
			}
			continue
		}
		misses = append(misses, id)
	}
	s.mu.Unlock()

	for _, id := range misses {
		k := Key{SessionID: s.sessionID, Category: category, ID: id}
		data, err := s.store.Read(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		// a concurrent SetKeys wins over what we just read
		if _, ok := s.keys[k]; !ok {
			s.keys[k] = data
		}
		if v := s.keys[k]; v != nil {
			out[id] = v
		}
		s.mu.Unlock()
	}
	return out, nil
}

// SetKeys buffers key updates. A nil value removes the key.
func (s *State) SetKeys(updates map[string]map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for category, values := range updates {
		for id, v := range values {
			k := Key{SessionID: s.sessionID, Category: category, ID: id}
			if len(v) == 0 || string(v) == "null" {
				s.keys[k] = nil
				s.dirty[k] = false
				continue
			}
			s.keys[k] = v
			s.dirty[k] = true
		}
	}
}

// Dirty reports whether there are unflushed changes.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credsDirty || len(s.dirty) > 0
}

// Flush writes buffered changes to the store. Entries that fail stay
// dirty for the next attempt; the first failure is returned.
func (s *State) Flush(ctx context.Context) error {
	s.mu.Lock()
	var creds []byte
	if s.credsDirty {
		b, err := json.Marshal(s.creds)
		if err != nil {
			s.mu.Unlock()
			return &PersistenceError{Op: "encode", Key: CredsKey(s.sessionID), Err: err}
		}
		creds = b
		s.credsDirty = false
	}
	pending := make(map[Key]json.RawMessage, len(s.dirty))
	for k, write := range s.dirty {
		if write {
			pending[k] = s.keys[k]
		} else {
			pending[k] = nil
		}
	}
	s.dirty = make(map[Key]bool)
	s.mu.Unlock()

	var firstErr error
	fail := func(k Key, write bool, err error) {
		if firstErr == nil {
			firstErr = err
		}
		s.mu.Lock()
		if k.Category == CategoryCreds {
			s.credsDirty = true
		} else if _, newer := s.dirty[k]; !newer {
			s.dirty[k] = write
		}
		s.mu.Unlock()
	}

	if creds != nil {
		if err := s.store.Write(ctx, CredsKey(s.sessionID), creds); err != nil {
			fail(CredsKey(s.sessionID), true, err)
		}
	}

	keys := make([]Key, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		v := pending[k]
		var err error
		if v == nil {
			err = s.store.Remove(ctx, k)
		} else {
			err = s.store.Write(ctx, k, v)
		}
		if err != nil {
			fail(k, v != nil, err)
		}
	}
	return firstErr
}
