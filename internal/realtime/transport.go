package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/linkden/linkden/internal/model"
)

// Conn is a live feed handle.
type Conn interface {
	// Close releases the underlying connection. Idempotent.
	Close() error
}

// Transport opens live change feeds. Connection loss is reported through
// onClose with a non-nil cause; a deliberate Close never invokes it.
type Transport interface {
	Open(ctx context.Context, resource, filter string,
		onEvent func(model.ChangeEvent), onClose func(error)) (Conn, error)
}

// WebsocketTransport dials a change-feed endpoint over WebSocket.
//
// The endpoint receives the resource and filter as query parameters and
// streams one JSON-encoded model.ChangeEvent per text message.
type WebsocketTransport struct {
	// BaseURL is the feed endpoint, e.g. "ws://host/v1/feed".
	BaseURL string

	// Token, when set, is sent as a Bearer authorization header.
	Token string

	// TokenFunc, when set, supplies the token per dial instead of
	// Token, so reconnects pick up refreshed credentials.
	TokenFunc func() string

	// HTTPClient overrides the dialer's HTTP client. Optional.
	HTTPClient *http.Client

	// Logger for skipped records and feed activity. Defaults to stderr.
	Logger *log.Logger
}

// Open implements Transport.
func (t *WebsocketTransport) Open(ctx context.Context, resource, filter string,
	onEvent func(model.ChangeEvent), onClose func(error)) (Conn, error) {

	q := url.Values{}
	q.Set("resource", resource)
	if filter != "" {
		q.Set("filter", filter)
	}
	feedURL := fmt.Sprintf("%s?%s", t.BaseURL, q.Encode())

	token := t.Token
	if t.TokenFunc != nil {
		token = t.TokenFunc()
	}
	opts := &websocket.DialOptions{HTTPClient: t.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}

	ws, _, err := websocket.Dial(ctx, feedURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial feed %s: %w", resource, err)
	}

	logger := t.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{ws: ws, cancel: cancel, resource: resource, logger: logger}

	go c.readLoop(connCtx, onEvent, onClose)
	return c, nil
}

// wsConn wraps one websocket connection.
type wsConn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	resource string
	logger   *log.Logger

	mu     sync.Mutex
	closed bool
}

// Close implements Conn. Safe to call multiple times.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// isClosed reports whether Close was called locally.
func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readLoop decodes incoming messages into change events until the
// connection drops. Malformed records are logged and skipped rather
// than killing the feed.
func (c *wsConn) readLoop(ctx context.Context, onEvent func(model.ChangeEvent), onClose func(error)) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if !c.isClosed() && ctx.Err() == nil {
				onClose(err)
			}
			return
		}

		var ev model.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Printf("Warning: skipping malformed %s record: %v", c.resource, err)
			continue
		}
		if err := ev.Validate(); err != nil {
			c.logger.Printf("Warning: skipping invalid %s record: %v", c.resource, err)
			continue
		}
		onEvent(ev)
	}
}
