package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkden/linkden/internal/model"
	"github.com/linkden/linkden/internal/retry"
)

// fakeBackend is a scriptable AuthBackend.
type fakeBackend struct {
	mu sync.Mutex

	session    model.Session
	sessionErr error
	userID     string
	userErr    error
	refreshErr error
	signOutErr error

	getSessionCalls atomic.Int32
	getUserCalls    atomic.Int32
	refreshCalls    atomic.Int32

	// blockGetSession holds GetSession until released, for overlap tests.
	blockGetSession chan struct{}
}

func (f *fakeBackend) GetSession(ctx context.Context) (model.Session, error) {
	f.getSessionCalls.Add(1)
	if f.blockGetSession != nil {
		select {
		case <-f.blockGetSession:
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

func (f *fakeBackend) GetUser(ctx context.Context) (string, error) {
	f.getUserCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID, f.userErr
}

func (f *fakeBackend) RefreshSession(ctx context.Context) (model.Session, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.refreshErr
}

func (f *fakeBackend) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

func (f *fakeBackend) SignUp(ctx context.Context, email, password string) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

func (f *fakeBackend) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOutErr
}

// memMarkers is an in-memory MarkerStore.
type memMarkers struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemMarkers() *memMarkers { return &memMarkers{data: map[string]string{}} }

func (m *memMarkers) PutKV(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memMarkers) GetKV(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memMarkers) DeleteKV(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Retry = retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 1}
	cfg.RecoverTimeout = time.Second
	return cfg
}

func validSession() model.Session {
	return model.Session{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}
}

func TestRecoverSessionFindsUser(t *testing.T) {
	backend := &fakeBackend{session: validSession()}
	m := NewManager(backend, nil, quietConfig())

	if m.IsReady() {
		t.Fatal("manager should not be ready before recovery")
	}

	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyUser {
		t.Errorf("state = %v, want ReadyUser", state)
	}
	if !m.IsReady() {
		t.Error("manager should be ready after recovery")
	}
	sess, ok := m.Current()
	if !ok || sess.UserID != "user-1" {
		t.Errorf("Current() = %+v, %v", sess, ok)
	}
}

func TestRecoverSessionNoSession(t *testing.T) {
	backend := &fakeBackend{sessionErr: ErrNoSession, userErr: ErrNoSession}
	m := NewManager(backend, nil, quietConfig())

	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() surfaced error for clean no-session: %v", err)
	}
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone", state)
	}
	// ErrNoSession is a resolution: no retries of the primary strategy.
	if got := backend.getSessionCalls.Load(); got != 1 {
		t.Errorf("GetSession called %d times, want 1", got)
	}
}

func TestRecoverSessionRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{sessionErr: errors.New("network blip"), userErr: ErrNoSession}
	m := NewManager(backend, nil, quietConfig())

	state, err := m.RecoverSession(context.Background())
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone", state)
	}
	if err == nil {
		t.Error("transient exhaustion should surface a non-fatal error")
	}
	// 1 initial + 1 retry (quietConfig MaxRetries=1).
	if got := backend.getSessionCalls.Load(); got != 2 {
		t.Errorf("GetSession called %d times, want 2", got)
	}
	// Fallback tried exactly once.
	if got := backend.getUserCalls.Load(); got != 1 {
		t.Errorf("GetUser called %d times, want 1", got)
	}
}

func TestRecoverSessionFallback(t *testing.T) {
	backend := &fakeBackend{
		sessionErr: ErrNoSession,
		userID:     "user-1",
	}
	backend.session = validSession() // RefreshSession returns this
	m := NewManager(backend, nil, quietConfig())

	// GetSession must fail while RefreshSession succeeds; flip the error
	// only for GetSession by keeping sessionErr set. RefreshSession uses
	// refreshErr, which is nil.
	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyUser {
		t.Errorf("state = %v, want ReadyUser (via fallback)", state)
	}
	if got := backend.refreshCalls.Load(); got != 1 {
		t.Errorf("RefreshSession called %d times, want 1", got)
	}
}

// TestRecoverSessionSingleFlight verifies that two concurrent calls
// yield exactly one network round and both observe the same outcome.
func TestRecoverSessionSingleFlight(t *testing.T) {
	backend := &fakeBackend{
		session:         validSession(),
		blockGetSession: make(chan struct{}),
	}
	m := NewManager(backend, nil, quietConfig())

	type result struct {
		state State
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			state, err := m.RecoverSession(context.Background())
			results <- result{state, err}
		}()
	}

	// Let both callers reach the manager before the backend answers.
	time.Sleep(50 * time.Millisecond)
	close(backend.blockGetSession)

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("RecoverSession() failed: %v", r.err)
			}
			if r.state != StateReadyUser {
				t.Errorf("state = %v, want ReadyUser", r.state)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("RecoverSession() did not return")
		}
	}

	if got := backend.getSessionCalls.Load(); got != 1 {
		t.Errorf("GetSession called %d times, want exactly 1", got)
	}
}

// TestCooldownSuppressesRecovery verifies that recovery started within
// the cooldown window resolves to ReadyNone without any network call.
func TestCooldownSuppressesRecovery(t *testing.T) {
	backend := &fakeBackend{session: validSession()}
	m := NewManager(backend, nil, quietConfig())

	m.MarkLoggedOut()

	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone", state)
	}
	if got := backend.getSessionCalls.Load(); got != 0 {
		t.Errorf("GetSession called %d times during cooldown, want 0", got)
	}

	// After clearing the marker, recovery goes to the network again.
	m.ClearLogoutMarker()
	state, err = m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() after clear failed: %v", err)
	}
	if state != StateReadyUser {
		t.Errorf("state = %v, want ReadyUser", state)
	}
	if got := backend.getSessionCalls.Load(); got == 0 {
		t.Error("GetSession should be called after marker is cleared")
	}
}

func TestLogoutMarkerPersists(t *testing.T) {
	markers := newMemMarkers()
	backend := &fakeBackend{session: validSession()}

	m1 := NewManager(backend, markers, quietConfig())
	m1.MarkLoggedOut()

	// A second manager (fresh process) sees the marker.
	m2 := NewManager(backend, markers, quietConfig())
	state, err := m2.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone from persisted marker", state)
	}
	if got := backend.getSessionCalls.Load(); got != 0 {
		t.Errorf("GetSession called %d times, want 0", got)
	}
}

func TestRecoverSessionTimeout(t *testing.T) {
	backend := &fakeBackend{
		session:         validSession(),
		blockGetSession: make(chan struct{}), // never released
	}
	cfg := quietConfig()
	cfg.RecoverTimeout = 50 * time.Millisecond
	m := NewManager(backend, nil, cfg)

	state, err := m.RecoverSession(context.Background())
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone on timeout", state)
	}
	if !errors.Is(err, ErrRecoveryTimeout) {
		t.Errorf("err = %v, want ErrRecoveryTimeout", err)
	}
	if !m.IsReady() {
		t.Error("manager must still resolve to a ready state on timeout")
	}
}

func TestValidateSession(t *testing.T) {
	backend := &fakeBackend{session: validSession()}
	m := NewManager(backend, nil, quietConfig())

	ok, err := m.ValidateSession(context.Background())
	if err != nil || !ok {
		t.Errorf("ValidateSession() = %v, %v; want true, nil", ok, err)
	}

	backend.mu.Lock()
	backend.session = model.Session{UserID: "user-1", ExpiresAt: time.Now().Add(-time.Minute)}
	backend.mu.Unlock()

	ok, err = m.ValidateSession(context.Background())
	if err != nil || ok {
		t.Errorf("ValidateSession() on expired = %v, %v; want false, nil", ok, err)
	}

	backend.mu.Lock()
	backend.sessionErr = ErrNoSession
	backend.mu.Unlock()

	ok, err = m.ValidateSession(context.Background())
	if err != nil || ok {
		t.Errorf("ValidateSession() with no session = %v, %v; want false, nil", ok, err)
	}
}

func TestSignOutMarksBeforeBackendCall(t *testing.T) {
	backend := &fakeBackend{signOutErr: errors.New("network down")}
	m := NewManager(backend, nil, quietConfig())

	// Even when the backend sign-out fails, the marker is already down
	// and the state is resolved to ReadyNone.
	if err := m.SignOut(context.Background()); err == nil {
		t.Error("SignOut() should surface the backend error")
	}
	if m.State() != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone", m.State())
	}

	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyNone {
		t.Errorf("recovery during cooldown = %v, want ReadyNone", state)
	}
	if got := backend.getSessionCalls.Load(); got != 0 {
		t.Errorf("GetSession called %d times, want 0", got)
	}
}

func TestOnChangeNotifications(t *testing.T) {
	backend := &fakeBackend{session: validSession()}
	m := NewManager(backend, nil, quietConfig())

	var mu sync.Mutex
	var states []State
	m.OnChange(func(s State, _ model.Session) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if _, err := m.RecoverSession(context.Background()); err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	m.Invalidate()

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateReadyUser || states[1] != StateReadyNone {
		t.Errorf("unexpected notification sequence: %v", states)
	}
}

// TestMarkerWrittenByAnotherProcessSuppressesRecovery covers the case
// where a second process signs out after this manager was constructed.
// The persisted marker must be re-read on every recovery attempt, not
// just once at startup.
func TestMarkerWrittenByAnotherProcessSuppressesRecovery(t *testing.T) {
	markers := newMemMarkers()
	backend := &fakeBackend{session: validSession()}
	m := NewManager(backend, markers, quietConfig())

	// Another process logs out: the marker lands in the shared store
	// without this manager hearing about it.
	now := time.Now().Format(time.RFC3339Nano)
	if err := markers.PutKV(context.Background(), markerKey, now); err != nil {
		t.Fatalf("PutKV() failed: %v", err)
	}

	state, err := m.RecoverSession(context.Background())
	if err != nil {
		t.Fatalf("RecoverSession() failed: %v", err)
	}
	if state != StateReadyNone {
		t.Errorf("state = %v, want ReadyNone from foreign marker", state)
	}
	if got := backend.getSessionCalls.Load(); got != 0 {
		t.Errorf("GetSession called %d times, want 0", got)
	}
}

// TestSignInDuringRecoveryWins pins the ordering between an in-flight
// recovery and an explicit sign-in that completes first: the recovery
// result is stale and must not overwrite the sign-in's state.
func TestSignInDuringRecoveryWins(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{
		session:         validSession(),
		blockGetSession: release,
	}
	cfg := quietConfig()
	cfg.RecoverTimeout = 5 * time.Second
	m := NewManager(backend, nil, cfg)

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := m.RecoverSession(context.Background())
		done <- result{st, err}
	}()

	// Wait until recovery is parked inside the backend call.
	deadline := time.Now().Add(time.Second)
	for backend.getSessionCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recovery never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := m.SignIn(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}

	// Script the blocked recovery to come back empty-handed, then let
	// it finish. Its stale no-session result must not demote the
	// signed-in state.
	backend.mu.Lock()
	backend.sessionErr = ErrNoSession
	backend.mu.Unlock()
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("RecoverSession() failed: %v", res.err)
	}
	if res.state != StateReadyUser {
		t.Errorf("recovery returned %v, want ReadyUser after sign-in", res.state)
	}
	if m.State() != StateReadyUser {
		t.Errorf("manager state = %v, want ReadyUser preserved", m.State())
	}
}
