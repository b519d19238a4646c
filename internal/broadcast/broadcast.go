// Package broadcast propagates authoritative session events across
// independent execution contexts of the same client.
//
// Contexts share a bus file in the state directory: publishing appends a
// tagged JSON line, and every other context picks it up through an
// fsnotify watch on the file. The bus is best effort: a message is a
// signal, not a state snapshot, and receivers re-derive full state
// themselves (typically by re-running session recovery).
//
// When the runtime cannot provide a file watcher the bus degrades to a
// no-op: single-context behavior never depends on it.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// MessageType tags a bus message.
type MessageType string

const (
	// TypeLogout signals an explicit user sign-out in some context.
	TypeLogout MessageType = "logout"

	// TypeSessionExpired signals that a context detected silent expiry.
	TypeSessionExpired MessageType = "session_expired"
)

// Message is the tagged union carried on the bus.
type Message struct {
	Type    MessageType     `json:"type"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Bus publishes and receives inter-context messages.
type Bus interface {
	// Publish emits a message to every other context. Best effort:
	// failures are reported but carry no correctness weight.
	Publish(msgType MessageType, payload json.RawMessage) error

	// Listen registers a handler for messages from other contexts.
	// Handlers run on the watcher goroutine, in arrival order.
	Listen(fn func(Message))

	// Close stops the watcher. Teardown failures are swallowed (logged)
	// since they cannot affect already-delivered messages.
	Close() error
}

// New opens a file bus rooted at path. If the watcher cannot be created
// the returned Bus is a no-op and the cause is logged; cross-context
// sync is an enhancement, not a correctness dependency.
func New(path string, logger *log.Logger) Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}

	bus, err := newFileBus(path, logger)
	if err != nil {
		logger.Printf("Broadcast unavailable (%v); continuing without cross-context sync", err)
		return NopBus{}
	}
	return bus
}

// NopBus is the degraded no-op bus.
type NopBus struct{}

func (NopBus) Publish(MessageType, json.RawMessage) error { return nil }
func (NopBus) Listen(func(Message))                       {}
func (NopBus) Close() error                               { return nil }

// fileBus is the fsnotify-backed implementation.
type fileBus struct {
	path   string
	origin string
	logger *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	offset    int64
	listeners []func(Message)
	closed    bool
}

func newFileBus(path string, logger *log.Logger) (*fileBus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	// Ensure the file exists so it can be watched; start past existing
	// content so only new messages are delivered.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open bus file: %w", err)
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to stat bus file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch bus file: %w", err)
	}

	b := &fileBus{
		path:    path,
		origin:  uuid.NewString(),
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
		offset:  info.Size(),
	}

	b.wg.Add(1)
	go b.watchLoop()
	return b, nil
}

// Publish implements Bus.
func (b *fileBus) Publish(msgType MessageType, payload json.RawMessage) error {
	msg := Message{
		Type:    msgType,
		Origin:  b.origin,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open bus file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Listen implements Bus.
func (b *fileBus) Listen(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Close implements Bus.
func (b *fileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	if err := b.watcher.Close(); err != nil {
		b.logger.Printf("Warning: failed to close bus watcher: %v", err)
	}
	b.wg.Wait()
	return nil
}

// watchLoop delivers appended messages as the file grows.
func (b *fileBus) watchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			b.drain()

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Printf("Bus watcher error: %v", err)
		}
	}
}

// drain reads complete lines appended since the last offset and
// dispatches them. A trailing partial line (writer mid-append) is left
// for the next event.
func (b *fileBus) drain() {
	b.mu.Lock()
	offset := b.offset
	listeners := make([]func(Message), len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		b.logger.Printf("Warning: failed to open bus file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		b.logger.Printf("Warning: failed to seek bus file: %v", err)
		return
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(f); err != nil {
		b.logger.Printf("Warning: failed to read bus file: %v", err)
		return
	}

	data := buf.Bytes()
	consumed := 0
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		consumed += idx + 1

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			b.logger.Printf("Warning: skipping malformed bus message: %v", err)
			continue
		}
		if msg.Origin == b.origin {
			continue // own message
		}
		for _, fn := range listeners {
			fn(msg)
		}
	}

	b.mu.Lock()
	b.offset = offset + int64(consumed)
	b.mu.Unlock()
}
