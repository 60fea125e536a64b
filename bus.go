package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// EventAction identifies a broadcast message. The set is closed: every
// cross-context message is one of these, with its payload fields below.
type EventAction string

const (
	// ActionAuthChanged carries the new AuthState after a login or refresh.
	ActionAuthChanged EventAction = "auth_changed"

	// ActionAccountChanged carries the newly resolved account, or a nil
	// account to signal sign-out. Receivers drop identity-scoped caches.
	ActionAccountChanged EventAction = "account_changed"

	// ActionLogoutCompleted signals that sign-out has fully completed.
	ActionLogoutCompleted EventAction = "logout_completed"

	// ActionLoginCompletedWithToken asks the coordinating context to
	// resolve the identity behind the token and decide on a cache purge.
	ActionLoginCompletedWithToken EventAction = "login_completed_with_token"
)

// Event is one broadcast message. Only the fields matching the action are
// populated; Origin identifies the publishing context so it can skip its
// own events.
type Event struct {
	Origin      string      `json:"origin"`
	Action      EventAction `json:"action"`
	Auth        *AuthState  `json:"auth,omitempty"`
	Account     *Account    `json:"account,omitempty"`
	AccessToken string      `json:"access_token,omitempty"`
}

// maxJournalSize caps the event journal. Messages are ephemeral
// notifications, so the journal is truncated once it grows past this;
// readers that observe a shrunken file restart from the beginning.
const maxJournalSize = 256 * 1024

// Bus propagates events between independently running contexts. Events are
// appended as JSON lines to a journal file next to the storage document;
// live contexts watch the journal and dispatch foreign events to their
// handlers. Delivery is best-effort: publishing succeeds with no listener
// present, and a context that starts later never sees earlier events.
type Bus struct {
	path   string
	origin string

	mu       sync.Mutex
	handlers map[int]func(Event)
	nextID   int
	offset   int64
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewBus creates a bus over the journal at path. Each bus instance gets a
// unique origin ID so its own publications are not dispatched back to it.
func NewBus(path string) *Bus {
	return &Bus{
		path:     path,
		origin:   uuid.NewString(),
		handlers: make(map[int]func(Event)),
	}
}

// Publish appends the event to the journal. Fire-and-forget: an error means
// the event could not be written at all; there is no delivery confirmation.
func (b *Bus) Publish(event Event) error {
	event.Origin = b.origin

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	lock, err := acquireFileLock(b.path)
	if err != nil {
		return fmt.Errorf("failed to acquire journal lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release journal lock: %v\n", releaseErr)
		}
	}()

	// Truncate an oversized journal before appending. Readers detect the
	// shrink and restart from offset zero.
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if info, statErr := os.Stat(b.path); statErr == nil && info.Size() > maxJournalSize {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(b.path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for events published by other contexts and
// returns an unsubscribe function. The first subscription starts the
// journal watcher; only events appended after that point are delivered.
func (b *Bus) Subscribe(fn func(Event)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watcher == nil {
		if err := b.startWatcherLocked(); err != nil {
			return nil, err
		}
	}

	id := b.nextID
	b.nextID++
	b.handlers[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

func (b *Bus) startWatcherLocked() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Skip everything already in the journal.
	if info, err := os.Stat(b.path); err == nil {
		b.offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create journal watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	b.watcher = watcher
	b.done = make(chan struct{})

	go func() {
		base := filepath.Base(b.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				b.drain()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-b.done:
				return
			}
		}
	}()

	return nil
}

// drain reads newly appended journal lines and dispatches foreign events.
func (b *Bus) drain() {
	f, err := os.Open(b.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}

	b.mu.Lock()
	if info.Size() < b.offset {
		// Journal was truncated by a publisher; start over.
		b.offset = 0
	}
	offset := b.offset
	b.mu.Unlock()

	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	consumed := offset
	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Half-written line; re-read it on the next event.
			consumed -= int64(len(line)) + 1
			break
		}
		events = append(events, event)
	}

	b.mu.Lock()
	b.offset = consumed
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, event := range events {
		if event.Origin == b.origin {
			continue
		}
		for _, fn := range handlers {
			fn(event)
		}
	}
}

// Close stops the journal watcher.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher == nil {
		return nil
	}
	close(b.done)
	err := b.watcher.Close()
	b.watcher = nil
	return err
}
