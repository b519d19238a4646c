// Package session resolves and tracks the authenticated session.
//
// The manager is a state machine owned by the composition root and
// injected into consumers; it is not a package-level singleton.
//
// Transition table:
//
//	Unknown    --RecoverSession()-->  Recovering
//	Recovering --session found----->  ReadyUser
//	Recovering --no session-------->  ReadyNone
//	Recovering --timeout/failure--->  ReadyNone   (error surfaced, non-fatal)
//	ReadyUser  --SignOut()--------->  ReadyNone
//	ReadyUser  --expiry detected--->  ReadyNone   (via caller of ValidateSession)
//	any        --RecoverSession()-->  Recovering  (single-flight; concurrent
//	                                               callers share one run)
//
// Recovery never ends in an indeterminate state: the terminal state is
// always ReadyUser or ReadyNone, and IsReady() flips to true in the same
// transition that records the resolved user (or its explicit absence).
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkden/linkden/internal/model"
	"github.com/linkden/linkden/internal/retry"
)

// State is the recovery state machine's position.
type State int

const (
	// StateUnknown is the initial state before any recovery attempt.
	StateUnknown State = iota
	// StateRecovering means a recovery run is in flight.
	StateRecovering
	// StateReadyUser means recovery resolved to an authenticated user.
	StateReadyUser
	// StateReadyNone means recovery resolved to no session (guest).
	StateReadyNone
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRecovering:
		return "recovering"
	case StateReadyUser:
		return "ready(user)"
	case StateReadyNone:
		return "ready(none)"
	default:
		return "invalid"
	}
}

var (
	// ErrNoSession is returned by an AuthBackend when no credential set
	// exists. It is a resolution, not a failure.
	ErrNoSession = errors.New("no session")

	// ErrAuthRequired signals the caller that credentials are expired or
	// invalid and an explicit sign-in is needed.
	ErrAuthRequired = errors.New("authentication required")

	// ErrRecoveryTimeout is surfaced (non-fatally) when the hard ceiling
	// forces resolution to ReadyNone.
	ErrRecoveryTimeout = errors.New("session recovery timed out")
)

// AuthBackend is the credential/session backend boundary. Every call is
// fallible and possibly slow; the manager never assumes otherwise.
type AuthBackend interface {
	// GetSession returns the current session, or ErrNoSession.
	GetSession(ctx context.Context) (model.Session, error)

	// GetUser returns the user id behind the stored credentials, or
	// ErrNoSession. This is the fallback query shape: some backends can
	// answer it from credentials that GetSession cannot rehydrate.
	GetUser(ctx context.Context) (string, error)

	// RefreshSession exchanges stored credentials for a fresh session.
	RefreshSession(ctx context.Context) (model.Session, error)

	// SignIn authenticates with explicit credentials.
	SignIn(ctx context.Context, email, password string) (model.Session, error)

	// SignUp registers and authenticates a new account.
	SignUp(ctx context.Context, email, password string) (model.Session, error)

	// SignOut invalidates the stored credentials.
	SignOut(ctx context.Context) error
}

// MarkerStore persists the logout marker across process restarts.
// *store.Store satisfies it.
type MarkerStore interface {
	PutKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, error)
	DeleteKV(ctx context.Context, key string) error
}

// markerKey is the kv key holding the last explicit-logout timestamp.
const markerKey = "logout_marker"

// Config holds manager configuration.
type Config struct {
	// Cooldown suppresses background recovery for this long after an
	// explicit logout, closing the race between "just logged out" and a
	// probe that started before the logout completed.
	Cooldown time.Duration

	// RecoverTimeout is the hard ceiling on one recovery run. On expiry
	// the run resolves to ReadyNone with ErrRecoveryTimeout surfaced.
	RecoverTimeout time.Duration

	// Retry bounds the primary strategy's attempts.
	Retry retry.Policy

	// Logger for session activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cooldown:       5 * time.Second,
		RecoverTimeout: 8 * time.Second,
		Retry: retry.Policy{
			MaxRetries: 2,
			BaseDelay:  500 * time.Millisecond,
			Multiplier: 1, // fixed delay between attempts
		},
		Logger: log.New(os.Stderr, "[session] ", log.LstdFlags),
	}
}

// flight is one in-progress recovery run shared by concurrent callers.
type flight struct {
	done  chan struct{}
	state State
	err   error
}

// Manager is the session recovery state machine.
type Manager struct {
	backend AuthBackend
	markers MarkerStore // may be nil; marker is then process-local only
	config  *Config

	mu        sync.Mutex
	state     State
	current   model.Session
	loggedOut time.Time // zero = no marker
	inflight  *flight
	listeners []func(State, model.Session)
}

// NewManager creates a session manager. If markers is non-nil, a logout
// marker persisted by a previous process is honored on construction.
func NewManager(backend AuthBackend, markers MarkerStore, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}

	m := &Manager{
		backend: backend,
		markers: markers,
		config:  config,
		state:   StateUnknown,
	}

	m.refreshMarker(context.Background())
	return m
}

// State returns the current machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether recovery has resolved. It only becomes true in
// the same transition that records the resolved user or its absence.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReadyUser || m.state == StateReadyNone
}

// Current returns the resolved session, if any.
func (m *Manager) Current() (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.state == StateReadyUser
}

// OnChange registers a listener invoked after every state transition.
// Listeners run outside the manager's lock, in registration order.
func (m *Manager) OnChange(fn func(State, model.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RecoverSession resolves whether a valid authenticated session exists.
//
// Calls are single-flight: a call made while another is in flight awaits
// the in-flight run and observes the same outcome, so only one network
// round of attempts ever happens.
//
// The returned error is non-fatal context for a ReadyNone resolution
// (timeout, transport failure); the state is always terminal.
func (m *Manager) RecoverSession(ctx context.Context) (State, error) {
	// Pick up a marker persisted by another process (CLI logout against
	// a running daemon) before deciding whether to go to the network.
	m.refreshMarker(ctx)

	m.mu.Lock()
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.state, f.err
		case <-ctx.Done():
			return StateRecovering, ctx.Err()
		}
	}

	// Cooldown check happens inside the lock so a concurrent
	// MarkLoggedOut is observed.
	if m.underCooldownLocked() {
		m.state = StateReadyNone
		m.current = model.Session{}
		m.mu.Unlock()
		m.config.Logger.Printf("Recovery short-circuited by logout cooldown")
		m.notify()
		return StateReadyNone, nil
	}

	f := &flight{done: make(chan struct{})}
	m.inflight = f
	m.state = StateRecovering
	m.mu.Unlock()

	state, sess, err := m.recover(ctx)

	m.mu.Lock()
	// An explicit transition (sign-in, sign-out, invalidate) that
	// completed while this run was in flight is authoritative; the
	// stale result must not stomp it.
	stale := m.state != StateRecovering
	if stale {
		state = m.state
		err = nil
	} else {
		m.state = state
		m.current = sess
	}
	m.inflight = nil
	f.state = state
	f.err = err
	m.mu.Unlock()
	close(f.done)
	if !stale {
		m.notify()
	}

	return state, err
}

// recover runs the bounded recovery strategies. It always returns a
// terminal state.
func (m *Manager) recover(ctx context.Context) (State, model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.RecoverTimeout)
	defer cancel()

	// Primary strategy: ask the backend for an existing session, with
	// bounded fixed-delay retries. ErrNoSession is a resolution, so it
	// is marked permanent to stop the retry loop.
	var sess model.Session
	err := retry.Do(ctx, m.config.Retry, func(ctx context.Context) error {
		s, err := m.backend.GetSession(ctx)
		if errors.Is(err, ErrNoSession) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err == nil && sess.UserID != "" && !sess.Expired() {
		m.config.Logger.Printf("Recovered session for user %s", sess.UserID)
		return StateReadyUser, sess, nil
	}

	if ctx.Err() != nil {
		m.config.Logger.Printf("Recovery hit hard timeout; resolving to no session")
		return StateReadyNone, model.Session{}, ErrRecoveryTimeout
	}

	// Fallback strategy, tried exactly once: a different query shape
	// that some backends can answer when GetSession cannot.
	if userID, uerr := m.backend.GetUser(ctx); uerr == nil && userID != "" {
		if refreshed, rerr := m.backend.RefreshSession(ctx); rerr == nil && refreshed.UserID != "" {
			m.config.Logger.Printf("Recovered session via fallback for user %s", refreshed.UserID)
			return StateReadyUser, refreshed, nil
		}
	}

	if ctx.Err() != nil {
		return StateReadyNone, model.Session{}, ErrRecoveryTimeout
	}
	if err != nil && !errors.Is(err, ErrNoSession) {
		m.config.Logger.Printf("Recovery failed: %v", err)
		return StateReadyNone, model.Session{}, fmt.Errorf("session recovery: %w", err)
	}
	return StateReadyNone, model.Session{}, nil
}

// ValidateSession is a lightweight idempotent probe, usable on a timer
// to detect silent expiry. It does not transition the machine; on an
// invalid result the caller is responsible for clearing user state.
func (m *Manager) ValidateSession(ctx context.Context) (bool, error) {
	sess, err := m.backend.GetSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session validation: %w", err)
	}
	if sess.UserID == "" || sess.Expired() {
		return false, nil
	}
	return true, nil
}

// SignIn authenticates and transitions to ReadyUser on success.
func (m *Manager) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	sess, err := m.backend.SignIn(ctx, email, password)
	if err != nil {
		return model.Session{}, fmt.Errorf("sign in: %w", err)
	}

	m.ClearLogoutMarker()
	m.mu.Lock()
	m.state = StateReadyUser
	m.current = sess
	m.mu.Unlock()
	m.notify()
	return sess, nil
}

// SignOut marks the logout first, then invalidates backend credentials.
// The marker goes down before the network call so a concurrent recovery
// attempt sees it even if sign-out is still in flight.
func (m *Manager) SignOut(ctx context.Context) error {
	m.MarkLoggedOut()

	err := m.backend.SignOut(ctx)

	m.mu.Lock()
	m.state = StateReadyNone
	m.current = model.Session{}
	m.mu.Unlock()
	m.notify()

	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// MarkLoggedOut records an explicit logout immediately, starting the
// cooldown window.
func (m *Manager) MarkLoggedOut() {
	now := time.Now()
	m.mu.Lock()
	m.loggedOut = now
	m.mu.Unlock()

	if m.markers != nil {
		if err := m.markers.PutKV(context.Background(), markerKey, now.Format(time.RFC3339Nano)); err != nil {
			m.config.Logger.Printf("Warning: failed to persist logout marker: %v", err)
		}
	}
}

// ClearLogoutMarker removes the cooldown suppression.
func (m *Manager) ClearLogoutMarker() {
	m.mu.Lock()
	m.loggedOut = time.Time{}
	m.mu.Unlock()

	if m.markers != nil {
		if err := m.markers.DeleteKV(context.Background(), markerKey); err != nil {
			m.config.Logger.Printf("Warning: failed to clear logout marker: %v", err)
		}
	}
}

// Invalidate clears the resolved user after a detected expiry, moving
// the machine to ReadyNone. Used by callers of ValidateSession and by
// cross-context session-expired signals.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.state = StateReadyNone
	m.current = model.Session{}
	m.mu.Unlock()
	m.notify()
}

// refreshMarker reloads the persisted logout marker so cooldowns
// started in other processes are honored. The in-memory marker only
// ever moves forward; SignIn still clears both.
func (m *Manager) refreshMarker(ctx context.Context) {
	if m.markers == nil {
		return
	}
	raw, err := m.markers.GetKV(ctx, markerKey)
	if err != nil || raw == "" {
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		m.config.Logger.Printf("Warning: ignoring malformed logout marker: %v", err)
		return
	}

	m.mu.Lock()
	if ts.After(m.loggedOut) {
		m.loggedOut = ts
	}
	m.mu.Unlock()
}

func (m *Manager) underCooldownLocked() bool {
	if m.loggedOut.IsZero() {
		return false
	}
	return time.Since(m.loggedOut) < m.config.Cooldown
}

// notify invokes listeners with the state captured at call time.
func (m *Manager) notify() {
	m.mu.Lock()
	state := m.state
	sess := m.current
	listeners := make([]func(State, model.Session), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state, sess)
	}
}
