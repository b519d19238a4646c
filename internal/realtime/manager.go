// Package realtime maintains live change-feed subscriptions.
//
// The manager owns zero or more subscriptions keyed by a caller-supplied
// (resource, filter) config, delivers normalized change events to a
// callback, and self-heals on transport failure with bounded exponential
// backoff. It never mutates application data; side effects are confined
// to the transport boundary.
//
// Callers must not subscribe without a ready session; the manager does
// not check this itself.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/linkden/linkden/internal/model"
	"github.com/linkden/linkden/internal/retry"
)

// SubscriptionState is the lifecycle position of one subscription.
type SubscriptionState int

const (
	// StateActive means the feed is connected and delivering.
	StateActive SubscriptionState = iota
	// StatePaused means delivery is stopped but the transport
	// connection is kept, so Resume needs no re-handshake.
	StatePaused
	// StateRetrying means the transport dropped and reconnect attempts
	// are in progress.
	StateRetrying
	// StateFailed means reconnect attempts exceeded the bound; the
	// subscription will not self-heal further.
	StateFailed
	// StateInert means a conditional subscription whose config computed
	// to nil; no transport connection exists.
	StateInert
	// StateClosed means the subscription was torn down.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s SubscriptionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateInert:
		return "inert"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ErrUnknownSubscription is returned for operations on an id the manager
// does not hold.
var ErrUnknownSubscription = errors.New("unknown subscription")

// SubscriptionConfig identifies one change feed.
type SubscriptionConfig struct {
	// Resource is the remote table/stream name.
	Resource string
	// Filter is the backend event filter expression, may be empty.
	Filter string
	// Debounce, when set, coalesces raw events before delivery.
	Debounce *DebounceSpec
}

// Callback receives normalized change events for a subscription.
type Callback func(model.ChangeEvent)

// Config holds manager configuration.
type Config struct {
	// Reconnect bounds the per-subscription reconnect backoff.
	Reconnect retry.Policy

	// Logger for subscription activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults: 5 reconnect attempts starting
// at 500ms, doubling, capped at 30s.
func DefaultConfig() *Config {
	return &Config{
		Reconnect: retry.DefaultPolicy(),
		Logger:    log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// subscription is the manager's private per-feed state. Never exposed
// outside the package.
type subscription struct {
	id      string
	batchID string
	cfg     SubscriptionConfig
	cb      Callback
	compute func() *SubscriptionConfig // non-nil for conditional subs

	state SubscriptionState
	// paused is the caller's intent, tracked separately from state so
	// a transport drop and reconnect cannot un-pause the subscription.
	paused bool
	conn   Conn
	deb    *debouncer
}

// Manager owns the subscription registry for one execution context.
type Manager struct {
	transport Transport
	config    *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewManager creates a subscription manager over the given transport.
func NewManager(transport Transport, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscription),
	}
}

// Subscribe registers a new feed and returns its subscription id.
func (m *Manager) Subscribe(cfg SubscriptionConfig, cb Callback) (string, error) {
	sub := &subscription{
		id:    uuid.NewString(),
		cfg:   cfg,
		cb:    cb,
		state: StateActive,
	}
	if cfg.Debounce != nil {
		sub.deb = newDebouncer(*cfg.Debounce, func(ev model.ChangeEvent) {
			m.deliverDebounced(sub.id, ev)
		})
	}

	conn, err := m.open(sub)
	if err != nil {
		return "", fmt.Errorf("failed to open subscription to %s: %w", cfg.Resource, err)
	}
	sub.conn = conn

	m.mu.Lock()
	m.subs[sub.id] = sub
	m.mu.Unlock()

	m.config.Logger.Printf("Subscribed %s to %s", sub.id, cfg.Resource)
	return sub.id, nil
}

// SubscribeMany registers a batch of feeds sharing one callback and
// returns the batch id. Opening is atomic: if any member fails, the
// members already opened are torn down and the error returned.
func (m *Manager) SubscribeMany(cfgs []SubscriptionConfig, cb Callback) (string, error) {
	batchID := uuid.NewString()
	var opened []string

	for _, cfg := range cfgs {
		id, err := m.Subscribe(cfg, cb)
		if err != nil {
			for _, prev := range opened {
				m.Unsubscribe(prev)
			}
			return "", fmt.Errorf("batch subscribe failed on %s: %w", cfg.Resource, err)
		}
		opened = append(opened, id)

		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			sub.batchID = batchID
		}
		m.mu.Unlock()
	}
	return batchID, nil
}

// UnsubscribeMany tears down every member of a batch. No partial leaks:
// members that survive an error are still attempted.
func (m *Manager) UnsubscribeMany(batchID string) {
	m.mu.Lock()
	var ids []string
	for id, sub := range m.subs {
		if sub.batchID == batchID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

// SubscribeWhen registers a conditional feed whose config is computed
// lazily. A nil computed config leaves the slot inert (no transport
// connection); Resume re-evaluates it.
func (m *Manager) SubscribeWhen(compute func() *SubscriptionConfig, cb Callback) (string, error) {
	cfg := compute()
	if cfg == nil {
		sub := &subscription{
			id:      uuid.NewString(),
			cb:      cb,
			compute: compute,
			state:   StateInert,
		}
		m.mu.Lock()
		m.subs[sub.id] = sub
		m.mu.Unlock()
		return sub.id, nil
	}

	id, err := m.Subscribe(*cfg, cb)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	if sub, ok := m.subs[id]; ok {
		sub.compute = compute
	}
	m.mu.Unlock()
	return id, nil
}

// Pause stops callback delivery without tearing down the transport
// connection. Used when a consuming view is temporarily hidden.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return ErrUnknownSubscription
	}
	sub.paused = true
	if sub.state == StateActive {
		sub.state = StatePaused
	}
	return nil
}

// Resume restarts delivery on a paused subscription, or re-evaluates the
// config of an inert conditional one.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSubscription
	}

	sub.paused = false

	switch sub.state {
	case StatePaused:
		sub.state = StateActive
		m.mu.Unlock()
		return nil

	case StateInert:
		compute := sub.compute
		m.mu.Unlock()

		cfg := compute()
		if cfg == nil {
			return nil // still inert
		}

		m.mu.Lock()
		sub.cfg = *cfg
		if cfg.Debounce != nil {
			sub.deb = newDebouncer(*cfg.Debounce, func(ev model.ChangeEvent) {
				m.deliverDebounced(sub.id, ev)
			})
		}
		m.mu.Unlock()

		conn, err := m.open(sub)
		if err != nil {
			return fmt.Errorf("failed to open subscription to %s: %w", cfg.Resource, err)
		}

		m.mu.Lock()
		sub.conn = conn
		sub.state = StateActive
		m.mu.Unlock()
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// Unsubscribe releases the transport connection and all timers.
// Terminal and idempotent: repeated calls are no-ops.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, id)
	sub.state = StateClosed
	conn := sub.conn
	sub.conn = nil
	deb := sub.deb
	m.mu.Unlock()

	if deb != nil {
		deb.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.config.Logger.Printf("Warning: failed to close subscription %s: %v", id, err)
		}
	}
	m.config.Logger.Printf("Unsubscribed %s", id)
}

// StateOf returns the state of a subscription. Unknown ids report
// StateClosed, since an unsubscribed feed is indistinguishable from one
// that never existed.
func (m *Manager) StateOf(id string) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return StateClosed
	}
	return sub.state
}

// Close tears down every subscription and stops all reconnect loops.
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	var ids []string
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
	m.wg.Wait()
}

// open dials the transport for a subscription, wiring its event and
// close handlers.
func (m *Manager) open(sub *subscription) (Conn, error) {
	return m.transport.Open(m.ctx, sub.cfg.Resource, sub.cfg.Filter,
		func(ev model.ChangeEvent) { m.onEvent(sub.id, ev) },
		func(err error) { m.onClose(sub.id, err) },
	)
}

// onEvent routes a raw transport event through the subscription's
// debouncer (if any) or straight to the callback. Delivery order per
// subscription follows arrival order; there is no cross-subscription
// ordering guarantee.
func (m *Manager) onEvent(id string, ev model.ChangeEvent) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok || sub.state == StateClosed || sub.paused {
		m.mu.Unlock()
		return
	}
	deb := sub.deb
	cb := sub.cb
	m.mu.Unlock()

	if deb != nil {
		deb.Add(ev)
		return
	}
	cb(ev)
}

// deliverDebounced is the debouncer's delivery hook; paused between the
// coalescing window and its expiry still suppresses delivery.
func (m *Manager) deliverDebounced(id string, ev model.ChangeEvent) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok || sub.state == StateClosed || sub.paused {
		m.mu.Unlock()
		return
	}
	cb := sub.cb
	m.mu.Unlock()

	cb(ev)
}

// onClose reacts to a transport-reported drop by starting the bounded
// reconnect loop. Deliberate teardown never reaches here because
// Unsubscribe removes the registry entry first.
func (m *Manager) onClose(id string, cause error) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok || sub.state == StateClosed || sub.state == StateRetrying {
		m.mu.Unlock()
		return
	}
	sub.state = StateRetrying
	sub.conn = nil
	m.mu.Unlock()

	m.config.Logger.Printf("Subscription %s dropped: %v; reconnecting", id, cause)

	m.wg.Add(1)
	go m.reconnect(sub)
}

// reconnect retries the transport handshake with exponential backoff.
// A successful reconnect resets the retry budget (the next drop starts
// from attempt zero). Exhausting the budget parks the subscription in
// StateFailed with no further automatic attempts.
func (m *Manager) reconnect(sub *subscription) {
	defer m.wg.Done()

	policy := m.config.Reconnect
	err := retry.Do(m.ctx, policy, func(ctx context.Context) error {
		m.mu.Lock()
		if sub.state != StateRetrying {
			m.mu.Unlock()
			return nil // unsubscribed while waiting
		}
		m.mu.Unlock()

		conn, err := m.open(sub)
		if err != nil {
			return err
		}

		m.mu.Lock()
		if sub.state != StateRetrying {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		sub.conn = conn
		// A reconnect restores the caller's intent: a subscription
		// paused before or during the drop lands paused.
		if sub.paused {
			sub.state = StatePaused
		} else {
			sub.state = StateActive
		}
		m.mu.Unlock()
		return nil
	})

	if err != nil {
		m.mu.Lock()
		if sub.state == StateRetrying {
			sub.state = StateFailed
		}
		m.mu.Unlock()
		m.config.Logger.Printf("Subscription %s failed after bounded reconnects: %v", sub.id, err)
	}
}
