package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Keys inside the shared storage document. All contexts read and write the
// same document; coordination is last-write-wins under the file lock.
const (
	keyAuth       = "auth.ms"
	keyAccount    = "ms_account"
	keyTodos      = "todos"
	keyCategories = "categories"
)

// userScopedKeys are the identity-scoped caches that must be purged when the
// signed-in account changes or on sign-out.
var userScopedKeys = []string{keyTodos, keyCategories}

// AuthState is the persisted authentication record. The zero value means
// signed out. If AccessToken is set, ExpiresAt must be set too; a token
// without a known expiry is treated as already expired.
type AuthState struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // epoch millis
}

// IsZero reports whether the record represents the signed-out state.
func (a AuthState) IsZero() bool {
	return a.AccessToken == "" && a.RefreshToken == "" && a.ExpiresAt == 0
}

// Store is the durable key-value store shared by all contexts. It is a
// single JSON document on disk, written atomically under a cross-process
// lock, with a change feed driven by filesystem notifications so writes
// made by other processes surface here too.
type Store struct {
	path string

	mu       sync.Mutex
	subs     map[int]func(AuthState)
	nextSub  int
	lastAuth []byte // last auth JSON delivered to subscribers
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewStore creates a store backed by the document at path. The file is
// created on first write; the change feed starts with the first Subscribe.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		subs: make(map[int]func(AuthState)),
	}
}

// document reads the full storage document. A missing file is an empty
// document, matching the "defaults to empty record" contract.
func (s *Store) document() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		// A torn or corrupted document is treated as empty rather than
		// wedging every context; the next write replaces it wholesale.
		return map[string]json.RawMessage{}, nil
	}
	return doc, nil
}

// update applies mutate to the document under the cross-process lock and
// writes the result back atomically (temp file + rename).
func (s *Store) update(mutate func(doc map[string]json.RawMessage)) error {
	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	doc, err := s.document()
	if err != nil {
		return err
	}

	mutate(doc)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err, removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// Deliver to this context's own subscribers immediately. The fsnotify
	// feed covers foreign writers; notifyAuth dedupes the overlap.
	s.notifyAuth()
	return nil
}

// getKey unmarshals the value stored under key into out. Returns false when
// the key is absent.
func (s *Store) getKey(key string, out any) (bool, error) {
	doc, err := s.document()
	if err != nil {
		return false, err
	}
	raw, ok := doc[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to parse stored %s: %w", key, err)
	}
	return true, nil
}

// setKey stores value under key, or deletes the key when value is nil.
func (s *Store) setKey(key string, value any) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		raw = data
	}
	return s.update(func(doc map[string]json.RawMessage) {
		if raw == nil {
			delete(doc, key)
		} else {
			doc[key] = raw
		}
	})
}

// GetAuth returns the persisted AuthState, or the zero record when absent.
func (s *Store) GetAuth() (AuthState, error) {
	var auth AuthState
	if _, err := s.getKey(keyAuth, &auth); err != nil {
		return AuthState{}, err
	}
	return auth, nil
}

// SetAuth persists the AuthState. Setting the zero record is equivalent to
// deletion.
func (s *Store) SetAuth(auth AuthState) error {
	if auth.IsZero() {
		return s.setKey(keyAuth, nil)
	}
	return s.setKey(keyAuth, auth)
}

// ClearAuth removes the persisted AuthState.
func (s *Store) ClearAuth() error {
	return s.setKey(keyAuth, nil)
}

// GetAccount returns the cached account, or nil when none is stored.
func (s *Store) GetAccount() (*Account, error) {
	var acc Account
	ok, err := s.getKey(keyAccount, &acc)
	if err != nil || !ok {
		return nil, err
	}
	return &acc, nil
}

// SetAccount persists the resolved account.
func (s *Store) SetAccount(acc *Account) error {
	if acc == nil {
		return s.setKey(keyAccount, nil)
	}
	return s.setKey(keyAccount, acc)
}

// ClearAccount removes the cached account.
func (s *Store) ClearAccount() error {
	return s.setKey(keyAccount, nil)
}

// SetCache stores an identity-scoped cache value under key.
func (s *Store) SetCache(key string, value any) error {
	return s.setKey(key, value)
}

// GetCache loads an identity-scoped cache value. Returns false when absent.
func (s *Store) GetCache(key string, out any) (bool, error) {
	return s.getKey(key, out)
}

// ClearUserScopedData removes every identity-scoped cache key in one write.
func (s *Store) ClearUserScopedData() error {
	return s.update(func(doc map[string]json.RawMessage) {
		for _, key := range userScopedKeys {
			delete(doc, key)
		}
	})
}

// Subscribe registers a callback invoked with the new AuthState whenever the
// stored value changes, including changes made by other processes. It
// returns an unsubscribe function. The first subscription starts the
// filesystem watcher.
func (s *Store) Subscribe(fn func(AuthState)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		if err := s.startWatcherLocked(); err != nil {
			return nil, err
		}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}, nil
}

// startWatcherLocked watches the document's parent directory. Watching the
// directory instead of the file survives the atomic rename on every write.
func (s *Store) startWatcherLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create storage watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		base := filepath.Base(s.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				s.notifyAuth()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// notifyAuth re-reads the AuthState and delivers it to subscribers when it
// differs from the last delivered value. Rename-based writes generate
// several filesystem events per change; comparing the serialized record
// collapses them into one notification.
func (s *Store) notifyAuth() {
	auth, err := s.GetAuth()
	if err != nil {
		return
	}
	encoded, err := json.Marshal(auth)
	if err != nil {
		return
	}

	s.mu.Lock()
	if bytes.Equal(encoded, s.lastAuth) {
		s.mu.Unlock()
		return
	}
	s.lastAuth = encoded
	subs := make([]func(AuthState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(auth)
	}
}

// Close stops the change feed. Pending writes are unaffected.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
