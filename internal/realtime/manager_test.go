package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkden/linkden/internal/model"
	"github.com/linkden/linkden/internal/retry"
)

// fakeConn records closes.
type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeTransport hands out controllable connections.
type fakeTransport struct {
	mu       sync.Mutex
	opens    int
	failNext int // fail this many upcoming Open calls
	failAt   int // fail the Nth Open call (1-based), 0 = disabled
	handles  []*fakeHandle
}

type fakeHandle struct {
	conn    *fakeConn
	onEvent func(model.ChangeEvent)
	onClose func(error)
}

func (t *fakeTransport) Open(ctx context.Context, resource, filter string,
	onEvent func(model.ChangeEvent), onClose func(error)) (Conn, error) {

	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failNext > 0 {
		t.failNext--
		return nil, errors.New("transport unavailable")
	}
	if t.failAt > 0 && t.opens == t.failAt {
		return nil, errors.New("transport unavailable")
	}
	h := &fakeHandle{conn: &fakeConn{}, onEvent: onEvent, onClose: onClose}
	t.handles = append(t.handles, h)
	return h.conn, nil
}

func (t *fakeTransport) lastHandle() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.handles) == 0 {
		return nil
	}
	return t.handles[len(t.handles)-1]
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func testConfig() *Config {
	return &Config{
		Reconnect: retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1},
		Logger:    log.New(io.Discard, "", 0),
	}
}

func insertEvent(table, id string) model.ChangeEvent {
	return model.ChangeEvent{
		Type:  model.ChangeInsert,
		Table: table,
		After: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

// collector gathers delivered events.
type collector struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (c *collector) cb(ev model.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() (model.ChangeEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return model.ChangeEvent{}, false
	}
	return c.events[len(c.events)-1], true
}

func TestSubscribeDeliversEvents(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if m.StateOf(id) != StateActive {
		t.Errorf("state = %v, want active", m.StateOf(id))
	}

	h := transport.lastHandle()
	h.onEvent(insertEvent(model.ResourceLinks, "l1"))
	h.onEvent(insertEvent(model.ResourceLinks, "l2"))

	if got.count() != 2 {
		t.Errorf("delivered %d events, want 2", got.count())
	}
}

func TestPauseResume(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	h := transport.lastHandle()
	h.onEvent(insertEvent(model.ResourceLinks, "dropped"))

	if got.count() != 0 {
		t.Error("paused subscription must not deliver")
	}
	if h.conn.closed.Load() {
		t.Error("pausing must keep the transport connection")
	}

	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	h.onEvent(insertEvent(model.ResourceLinks, "after-resume"))

	if got.count() != 1 {
		t.Errorf("delivered %d events after resume, want 1", got.count())
	}
	// No re-handshake happened.
	if transport.openCount() != 1 {
		t.Errorf("transport opened %d times, want 1", transport.openCount())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	h := transport.lastHandle()
	m.Unsubscribe(id)
	m.Unsubscribe(id) // second call is a no-op

	if !h.conn.closed.Load() {
		t.Error("unsubscribe must close the transport connection")
	}
	if m.StateOf(id) != StateClosed {
		t.Errorf("state = %v, want closed", m.StateOf(id))
	}

	h.onEvent(insertEvent(model.ResourceLinks, "late"))
	if got.count() != 0 {
		t.Error("events after unsubscribe must not be delivered")
	}
}

// TestDebounceCoalesces: 5 events 10ms apart
// under delay=100ms deliver exactly one callback carrying the last event.
func TestDebounceCoalesces(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	_, err := m.Subscribe(SubscriptionConfig{
		Resource: model.ResourceLinks,
		Debounce: &DebounceSpec{Delay: 100 * time.Millisecond},
	}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	h := transport.lastHandle()
	for i := 0; i < 5; i++ {
		h.onEvent(insertEvent(model.ResourceLinks, fmt.Sprintf("l%d", i)))
		time.Sleep(10 * time.Millisecond)
	}

	// Inside the quiet period nothing is delivered yet.
	if got.count() != 0 {
		t.Errorf("delivered %d events before quiet period elapsed, want 0", got.count())
	}

	deadline := time.After(time.Second)
	for got.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("debounced event never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got.count() != 1 {
		t.Errorf("delivered %d events, want exactly 1", got.count())
	}
	last, _ := got.last()
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(last.After, &row); err != nil || row.ID != "l4" {
		t.Errorf("delivered event = %s, want the last raw event l4", last.After)
	}
}

func TestDebounceMaxWaitForcesDelivery(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	_, err := m.Subscribe(SubscriptionConfig{
		Resource: model.ResourceLinks,
		Debounce: &DebounceSpec{Delay: 50 * time.Millisecond, MaxWait: 120 * time.Millisecond},
	}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	// Continuous pressure: events every 20ms keep resetting the trailing
	// timer, but MaxWait forces delivery anyway.
	h := transport.lastHandle()
	stop := time.After(300 * time.Millisecond)
	i := 0
pressure:
	for {
		select {
		case <-stop:
			break pressure
		case <-time.After(20 * time.Millisecond):
			h.onEvent(insertEvent(model.ResourceLinks, fmt.Sprintf("l%d", i)))
			i++
		}
	}

	if got.count() == 0 {
		t.Error("MaxWait should have forced at least one delivery under pressure")
	}
}

func TestReconnectRecoversAfterDrop(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	transport.lastHandle().onClose(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool { return m.StateOf(id) == StateActive })
	if transport.openCount() != 2 {
		t.Errorf("transport opened %d times, want 2", transport.openCount())
	}

	// The reconnected handle delivers again.
	transport.lastHandle().onEvent(insertEvent(model.ResourceLinks, "after-reconnect"))
	if got.count() != 1 {
		t.Errorf("delivered %d events after reconnect, want 1", got.count())
	}
}

// TestPauseSurvivesReconnect: a transport drop on a paused subscription
// reconnects into the paused state, and no callback fires until Resume.
func TestPauseSurvivesReconnect(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, got.cb)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	if err := m.Pause(id); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}

	transport.lastHandle().onClose(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool { return transport.openCount() == 2 })
	waitFor(t, time.Second, func() bool { return m.StateOf(id) == StatePaused })

	transport.lastHandle().onEvent(insertEvent(model.ResourceLinks, "while-paused"))
	if got.count() != 0 {
		t.Errorf("paused subscription delivered %d events after reconnect, want 0", got.count())
	}

	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if m.StateOf(id) != StateActive {
		t.Errorf("state after Resume = %s, want %s", m.StateOf(id), StateActive)
	}
	transport.lastHandle().onEvent(insertEvent(model.ResourceLinks, "after-resume"))
	if got.count() != 1 {
		t.Errorf("delivered %d events after resume, want 1", got.count())
	}
}

// TestReconnectExceedingBoundFails verifies the terminal failed state:
// once maxRetries is exceeded, no further automatic attempts happen.
func TestReconnectExceedingBoundFails(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	id, err := m.Subscribe(SubscriptionConfig{Resource: model.ResourceLinks}, func(model.ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	transport.mu.Lock()
	transport.failNext = 100 // every reconnect attempt fails
	transport.mu.Unlock()
	transport.lastHandle().onClose(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool { return m.StateOf(id) == StateFailed })

	// 1 initial open + (1 + MaxRetries) failed reconnect attempts.
	wantOpens := 1 + 1 + testConfig().Reconnect.MaxRetries
	if transport.openCount() != wantOpens {
		t.Errorf("transport opened %d times, want %d", transport.openCount(), wantOpens)
	}

	// No further attempts after settling into failed.
	time.Sleep(50 * time.Millisecond)
	if transport.openCount() != wantOpens {
		t.Error("failed subscription must not keep reconnecting")
	}
}

func TestSubscribeManyAtomicTeardown(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var got collector
	batchID, err := m.SubscribeMany([]SubscriptionConfig{
		{Resource: model.ResourceFolders},
		{Resource: model.ResourceLinks},
	}, got.cb)
	if err != nil {
		t.Fatalf("SubscribeMany() failed: %v", err)
	}

	transport.mu.Lock()
	handles := append([]*fakeHandle(nil), transport.handles...)
	transport.mu.Unlock()
	if len(handles) != 2 {
		t.Fatalf("expected 2 transport connections, got %d", len(handles))
	}

	m.UnsubscribeMany(batchID)
	for i, h := range handles {
		if !h.conn.closed.Load() {
			t.Errorf("batch member %d not torn down", i)
		}
	}
}

func TestSubscribeManyRollsBackOnFailure(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	// Second member fails to open; the first must be rolled back.
	transport.mu.Lock()
	transport.failAt = 2
	transport.mu.Unlock()

	_, err := m.SubscribeMany([]SubscriptionConfig{
		{Resource: model.ResourceFolders},
		{Resource: model.ResourceLinks},
	}, func(model.ChangeEvent) {})
	if err == nil {
		t.Fatal("SubscribeMany() should fail when a member cannot open")
	}

	h := transport.lastHandle()
	if h == nil {
		t.Fatal("first member never opened")
	}
	if !h.conn.closed.Load() {
		t.Error("already-opened member must be rolled back")
	}
}

func TestSubscribeWhenInert(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, testConfig())
	defer m.Close()

	var allowed atomic.Bool
	compute := func() *SubscriptionConfig {
		if !allowed.Load() {
			return nil
		}
		return &SubscriptionConfig{Resource: model.ResourceLinks}
	}

	var got collector
	id, err := m.SubscribeWhen(compute, got.cb)
	if err != nil {
		t.Fatalf("SubscribeWhen() failed: %v", err)
	}
	if m.StateOf(id) != StateInert {
		t.Errorf("state = %v, want inert", m.StateOf(id))
	}
	if transport.openCount() != 0 {
		t.Error("inert subscription must not touch the transport")
	}

	// Once the condition holds, Resume activates the feed.
	allowed.Store(true)
	if err := m.Resume(id); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if m.StateOf(id) != StateActive {
		t.Errorf("state = %v, want active after resume", m.StateOf(id))
	}
	if transport.openCount() != 1 {
		t.Errorf("transport opened %d times, want 1", transport.openCount())
	}
}

func TestPauseUnknownSubscription(t *testing.T) {
	m := NewManager(&fakeTransport{}, testConfig())
	defer m.Close()

	if err := m.Pause("nope"); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Pause(unknown) = %v, want ErrUnknownSubscription", err)
	}
	if err := m.Resume("nope"); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("Resume(unknown) = %v, want ErrUnknownSubscription", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never held")
		case <-time.After(2 * time.Millisecond):
		}
	}
}
