package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-negotiation/internal/errs"
	"github.com/example/freight-negotiation/internal/logging"
	"github.com/example/freight-negotiation/internal/models"
)

var ErrNotConnected = errors.New("realtime: not connected")

type ClientConfig struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failed reconnects; zero retries forever.
	MaxAttempts int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Handle identifies one logical connection. It stays valid across transport
// reconnects until Disconnect or replacement.
type Handle struct {
	credential string
	cancel     context.CancelFunc
	done       chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// Done is closed once the handle will no longer reconnect.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) write(v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return ErrNotConnected
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(v)
}

func (h *Handle) swap(c *websocket.Conn) *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.conn
	h.conn = c
	return old
}

// Client keeps at most one live push connection per process, re-establishes
// it after transport loss, and restores trip subscriptions on every
// reconnect. Events missed while disconnected are not replayed: OnReconnect
// is the hook for refetching state.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu          sync.Mutex
	handle      *Handle
	watched     map[string]struct{}
	onEvent     func(models.Event)
	onReconnect func()
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg.withDefaults(),
		dialer:  websocket.DefaultDialer,
		logger:  logging.Component(logger, "realtime-client"),
		watched: make(map[string]struct{}),
	}
}

// OnEvent registers the callback for every inbound event. It runs on the
// read goroutine.
func (c *Client) OnEvent(fn func(models.Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// OnReconnect registers a callback fired after each successful reconnect
// and resubscribe.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Connect dials the server and starts the read loop. Any handle from an
// earlier Connect is disconnected first.
func (c *Client) Connect(ctx context.Context, credential string) (*Handle, error) {
	conn, err := c.dial(ctx, credential)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{credential: credential, cancel: cancel, done: make(chan struct{}), conn: conn}

	c.mu.Lock()
	prev := c.handle
	c.handle = h
	c.mu.Unlock()
	if prev != nil {
		c.Disconnect(prev)
	}

	if err := c.resubscribe(h); err != nil {
		c.logger.Warn("initial resubscribe failed", "error", err)
	}
	go c.run(runCtx, h)
	return h, nil
}

// Disconnect closes h and stops its reconnect loop. It is a no-op for a
// handle that is already closed.
func (c *Client) Disconnect(h *Handle) {
	if h == nil {
		return
	}
	h.cancel()
	if conn := h.swap(nil); conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

// Watch subscribes to a trip's events. The subscription is remembered and
// restored on every reconnect, so it is safe to call while disconnected.
func (c *Client) Watch(tripID string) error {
	c.mu.Lock()
	c.watched[tripID] = struct{}{}
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return c.send(h, Frame{Type: FrameSubscribe, TripID: tripID})
}

func (c *Client) Unwatch(tripID string) error {
	c.mu.Lock()
	delete(c.watched, tripID)
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return nil
	}
	return c.send(h, Frame{Type: FrameUnsubscribe, TripID: tripID})
}

func (c *Client) Watched() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.watched)
}

// SaveLocation reports the caller's current position over the push channel.
func (c *Client) SaveLocation(lat, lng float64) error {
	h := c.current()
	if h == nil {
		return errs.Channel("saveLocation", ErrNotConnected)
	}
	return c.send(h, Frame{Type: FrameSaveLocation, Latitude: lat, Longitude: lng})
}

// GetUserLocation asks for another party's last position. The answer arrives
// as a receiveUserLocation event.
func (c *Client) GetUserLocation(userID string) error {
	h := c.current()
	if h == nil {
		return errs.Channel("getUserLocation", ErrNotConnected)
	}
	return c.send(h, Frame{Type: FrameGetUserLocation, UserID: userID})
}

func (c *Client) current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Client) send(h *Handle, f Frame) error {
	if err := h.write(f); err != nil {
		return errs.Channel(f.Type, err)
	}
	return nil
}

func (c *Client) resubscribe(h *Handle) error {
	var failed []error
	for _, id := range c.Watched() {
		if err := h.write(Frame{Type: FrameSubscribe, TripID: id}); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (c *Client) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthenticated
		}
		return nil, errs.Channel("dial", err)
	}
	return conn, nil
}

func (c *Client) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}
		err := c.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, CloseReplaced) {
			c.logger.Info("connection replaced by another session")
			c.Disconnect(h)
			return
		}
		c.logger.Warn("connection lost", "error", err)
		if !c.reconnect(ctx, h) {
			c.Disconnect(h)
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		c.mu.Lock()
		fn := c.onEvent
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	}
}

func (c *Client) reconnect(ctx context.Context, h *Handle) bool {
	backoff := c.cfg.InitialBackoff
	for attempt := 1; c.cfg.MaxAttempts == 0 || attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		conn, err := c.dial(ctx, h.credential)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				c.logger.Error("reconnect rejected", "error", err)
				return false
			}
			c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}
		if old := h.swap(conn); old != nil {
			_ = old.Close()
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return false
		}
		if err := c.resubscribe(h); err != nil {
			c.logger.Warn("resubscribe failed", "error", err)
		}
		c.logger.Info("reconnected", "attempt", attempt)
		c.mu.Lock()
		fn := c.onReconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
		return true
	}
	return false
}
