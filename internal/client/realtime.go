package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"litchat/internal/bus"
	"litchat/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait           = 5 * time.Second
	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

var (
	// ErrNotConnected is returned when a signal is published while the
	// socket is down. Typing signals are best effort and never queued.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: closed")
)

// RealtimeConfig configures a Realtime client.
type RealtimeConfig struct {
	BaseURL string // http(s) URL of the server; /ws is appended
	User    string // presence key announced on the handshake

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// OnReconnect runs after a dropped connection is restored, before
	// frames are read again. Typically Room.Reload.
	OnReconnect func(ctx context.Context) error

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Realtime is the client end of the server WebSocket. It fans incoming
// frames out through a local hub and implements domain.EventSource and
// domain.PresenceChannel.
type Realtime struct {
	cfg    RealtimeConfig
	wsURL  *url.URL
	hub    *bus.Hub
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	since  time.Time // server time of the newest event frame
	closed bool

	writeMu sync.Mutex
}

// NewRealtime builds the client. Call Dial and then Run.
func NewRealtime(cfg RealtimeConfig) (*Realtime, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws")

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Realtime{
		cfg:    cfg,
		wsURL:  u,
		hub:    bus.NewHub(cfg.Logger, 1),
		logger: cfg.Logger,
	}, nil
}

// Subscribe registers a handler for message change events.
func (c *Realtime) Subscribe(fn func(domain.Event)) (domain.Subscription, error) {
	return c.hub.Subscribe(fn)
}

// SubscribeSignals registers a handler for typing signals from peers.
func (c *Realtime) SubscribeSignals(fn func(domain.Signal)) (domain.Subscription, error) {
	return c.hub.SubscribeSignals(fn)
}

// PublishSignal sends a typing signal to the server.
func (c *Realtime) PublishSignal(ctx context.Context, sig domain.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(domain.Frame{Type: domain.FrameTyping, Signal: &sig}); err != nil {
		return fmt.Errorf("write typing frame: %w", err)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Realtime) Connected() bool {
	return c.current() != nil
}

// Dial opens the socket. After a previous connection it asks the server to
// replay the events published since the last one seen.
func (c *Realtime) Dial(ctx context.Context) error {
	u := *c.wsURL
	q := u.Query()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.since.IsZero() {
		q.Set("since", c.since.Format(time.RFC3339Nano))
	}
	c.mu.Unlock()
	if c.cfg.User != "" {
		q.Set("user", c.cfg.User)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.User != "" {
		header.Set(UserHeader, c.cfg.User)
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL.Redacted(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ctx.Err() != nil || c.conn != nil {
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		if c.conn != nil {
			return nil
		}
		return ctx.Err()
	}
	c.conn = conn
	c.logger.Debug("realtime connected", "url", c.wsURL.Redacted())
	return nil
}

// Run reads frames until ctx is done or Close is called, reconnecting with
// exponential backoff whenever the socket drops.
func (c *Realtime) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.dropConn)
	defer stop()

	backoff := c.cfg.ReconnectMin
	connected := c.current() != nil
	everConnected := connected
	for {
		if !connected {
			if err := c.Dial(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("realtime dial failed", "err", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, c.cfg.ReconnectMax)
				continue
			}
			backoff = c.cfg.ReconnectMin
			if everConnected && c.cfg.OnReconnect != nil {
				if err := c.cfg.OnReconnect(ctx); err != nil {
					c.logger.Warn("reconnect hook failed", "err", err)
				}
			}
			everConnected = true
		}

		conn := c.current()
		if conn == nil {
			connected = false
			continue
		}
		err := c.readLoop(ctx, conn)
		c.clearConn(conn)
		connected = false

		if c.isClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("realtime connection lost", "err", err)
	}
}

// Close shuts the socket down and stops Run. It is safe to call more than once.
func (c *Realtime) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f domain.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid realtime frame", "err", err)
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Realtime) dispatch(ctx context.Context, f domain.Frame) {
	switch f.Type {
	case domain.FrameEvent:
		if f.Event == nil {
			c.logger.Warn("event frame without event")
			return
		}
		if !f.At.IsZero() {
			c.mu.Lock()
			if f.At.After(c.since) {
				c.since = f.At
			}
			c.mu.Unlock()
		}
		c.hub.Publish(*f.Event)
	case domain.FrameTyping:
		if f.Signal == nil {
			return
		}
		c.hub.PublishSignal(ctx, *f.Signal)
	case domain.FrameStatus:
		c.logger.Debug("realtime status", "status", f.Status)
	default:
		c.logger.Debug("unknown realtime frame", "type", f.Type)
	}
}

func (c *Realtime) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Realtime) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// dropConn closes the socket so a blocked read returns.
func (c *Realtime) dropConn() {
	if conn := c.current(); conn != nil {
		conn.Close()
	}
}

func (c *Realtime) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
