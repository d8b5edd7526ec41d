package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	// URL is the websocket base address; the user id is appended as the last path segment.
	URL   string
	Token string

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Factor       float64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	// HTTPClient is used for the handshake. It must not set Timeout; the dial
	// timeout bounds the handshake instead.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

const (
	DefaultReconnectBaseDelay = 800 * time.Millisecond
	DefaultReconnectMaxDelay  = 8000 * time.Millisecond
	DefaultReconnectFactor    = 1.6
)

func (c *ChannelConfig) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Factor == 0 {
		c.Factor = DefaultReconnectFactor
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// ============================================================================
// Backoff
// ============================================================================

// backoff yields min(base * factor^k, max) for the k-th consecutive failure.
type backoff struct {
	base    time.Duration
	max     time.Duration
	factor  float64
	attempt int
}

func (b *backoff) delay(k int) time.Duration {
	d := float64(b.base) * math.Pow(b.factor, float64(k))
	if d >= float64(b.max) {
		return b.max
	}
	return time.Duration(math.Round(d))
}

func (b *backoff) next() time.Duration {
	d := b.delay(b.attempt)
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}

// ============================================================================
// Channel
// ============================================================================

// RealtimeChannel is the persistent event connection used by Session.
type RealtimeChannel interface {
	Connect(ctx context.Context, userID string) error
	Send(ctx context.Context, v any) error
	OnEvent(h EventHandler)
	OnOpen(h func())
	Connected() bool
	Close() error
}

// Channel is a websocket RealtimeChannel with automatic reconnection.
// Each Connect starts a new generation; timers and read loops of an older
// generation never act on the channel.
type Channel struct {
	cfg ChannelConfig
	log *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	cancelRead  context.CancelFunc
	state       ChannelState
	userID      string
	manualClose bool
	gen         uint64
	timer       *time.Timer
	recon       backoff

	hmu            sync.RWMutex
	onEvent        []EventHandler
	onOpen         []func()
	onReconnecting []func(attempt int, delay time.Duration)
}

var _ RealtimeChannel = (*Channel)(nil)

// NewChannel creates a channel. Call Connect to open it.
func NewChannel(cfg ChannelConfig) *Channel {
	cfg.defaults()
	return &Channel{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "realtime"),
		state: StateDisconnected,
		recon: backoff{base: cfg.BaseDelay, max: cfg.MaxDelay, factor: cfg.Factor},
	}
}

// OnEvent registers a handler for accepted inbound events. Handlers run on the
// read loop in registration order.
func (c *Channel) OnEvent(h EventHandler) {
	c.hmu.Lock()
	c.onEvent = append(c.onEvent, h)
	c.hmu.Unlock()
}

// OnOpen registers a handler fired after every successful (re)connect.
func (c *Channel) OnOpen(h func()) {
	c.hmu.Lock()
	c.onOpen = append(c.onOpen, h)
	c.hmu.Unlock()
}

// OnReconnecting registers a handler fired when a reconnect is scheduled.
func (c *Channel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.hmu.Lock()
	c.onReconnecting = append(c.onReconnecting, h)
	c.hmu.Unlock()
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// Connect opens the connection for userID, closing any existing one first.
// A failed dial is returned and also schedules a reconnect.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("connect: user id is required")
	}

	c.mu.Lock()
	conn, cancel := c.detachLocked()
	c.gen++
	gen := c.gen
	c.userID = userID
	c.manualClose = false
	c.state = StateConnecting
	c.recon.reset()
	c.mu.Unlock()

	c.closeConn(conn, cancel, "reconnect")
	return c.dial(ctx, gen)
}

// Close shuts the channel down and cancels any pending reconnect. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.manualClose = true
	c.gen++
	conn, cancel := c.detachLocked()
	c.state = StateClosed
	c.mu.Unlock()

	c.closeConn(conn, cancel, "client closed")
	return nil
}

// Send writes v as a JSON text frame.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(ctx, conn, v)
}

func (c *Channel) address() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/" + url.PathEscape(c.userID)
}

func (c *Channel) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if gen != c.gen || c.manualClose {
		c.mu.Unlock()
		return ErrClosed
	}
	addr := c.address()
	c.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient}
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, addr, opts)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen && !c.manualClose {
			c.scheduleReconnectLocked(gen)
		}
		c.mu.Unlock()
		c.log.Warn("realtime dial failed", "error", err)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if gen != c.gen || c.manualClose {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrClosed
	}
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn = conn
	c.cancelRead = cancelRead
	c.state = StateConnected
	c.recon.reset()
	c.mu.Unlock()

	c.log.Info("realtime channel connected", "address", addr)
	go c.readLoop(readCtx, conn, gen)
	c.emitOpen()
	return nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.log.Debug("dropping realtime frame", "error", err, "bytes", len(data))
			continue
		}
		if ev.Kind == EventPing {
			if err := c.writeJSON(ctx, conn, Envelope{Type: EventPong}); err != nil {
				c.log.Warn("pong failed", "error", err)
			}
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) handleDrop(conn *websocket.Conn, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.manualClose || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.scheduleReconnectLocked(gen)
	c.mu.Unlock()

	conn.CloseNow()
	c.log.Info("realtime connection lost", "error", cause)
}

func (c *Channel) scheduleReconnectLocked(gen uint64) {
	if c.timer != nil {
		c.timer.Stop()
	}
	delay := c.recon.next()
	attempt := c.recon.attempt
	c.state = StateReconnecting
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })

	c.log.Info("realtime reconnect scheduled", "attempt", attempt, "delay", delay)
	c.hmu.RLock()
	handlers := append([]func(int, time.Duration){}, c.onReconnecting...)
	c.hmu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manualClose {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateConnecting
	c.mu.Unlock()

	_ = c.dial(context.Background(), gen)
}

// detachLocked releases the current connection and timer without closing the socket.
func (c *Channel) detachLocked() (*websocket.Conn, context.CancelFunc) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn, cancel := c.conn, c.cancelRead
	c.conn, c.cancelRead = nil, nil
	return conn, cancel
}

func (c *Channel) closeConn(conn *websocket.Conn, cancel context.CancelFunc, reason string) {
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.log.Debug("close realtime connection", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Channel) dispatch(ev Event) {
	c.hmu.RLock()
	handlers := append([]EventHandler{}, c.onEvent...)
	c.hmu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) emitOpen() {
	c.hmu.RLock()
	handlers := append([]func(){}, c.onOpen...)
	c.hmu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}
