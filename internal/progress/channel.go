package progress

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/wsproto"
)

const (
	DefaultPath = "/api/v1/events"

	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = 1 * time.Second
	defaultMaxReconnectDelay = 8 * time.Second
	defaultSubscriptionSize  = 32
	maxMessageSize           = 1 * 1024 * 1024
)

// Config configures a Channel
type Config struct {
	// ServerURL is the http(s) base url of the server
	ServerURL string

	// Path of the events endpoint. Defaults to /api/v1/events.
	Path string

	// Header returns the headers sent with every handshake, including the bearer credential.
	// It is called per attempt so refreshed tokens are picked up on reconnect.
	Header func() http.Header

	// Encoding is the preferred frame encoding
	Encoding wsproto.Encoding

	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// SubscriptionSize is the buffer of each subscription. Events are dropped when it is full.
	SubscriptionSize int

	HTTPClient *http.Client
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if cfg.SubscriptionSize <= 0 {
		cfg.SubscriptionSize = defaultSubscriptionSize
	}
	if cfg.Header == nil {
		cfg.Header = func() http.Header { return http.Header{} }
	}
	return cfg
}

// Channel is the receive-only push channel for processing events.
//
// It moves Disconnected -> Connecting -> Connected, and on an unexpected drop
// Connected -> Reconnecting -> Connected. Stop returns to Disconnected from any state.
// Delivery is at most once; events missed while disconnected are not replayed.
type Channel struct {
	cfg   Config
	stats *channelStats

	mu               sync.Mutex
	state            State
	socket           *socket
	encoding         wsproto.Encoding
	runCtx           context.Context
	runCancel        context.CancelFunc
	reconnectAttempt int
	wg               sync.WaitGroup

	subMu    sync.RWMutex
	subs     map[*Subscription]struct{}
	watchers map[*StateWatch]struct{}
}

func NewChannel(cfg *Config) (*Channel, error) {
	if cfg == nil || cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}
	if !utils.IsValidURL(cfg.ServerURL) {
		return nil, fmt.Errorf("progress: invalid server url %q", cfg.ServerURL)
	}

	return &Channel{
		cfg:      cfg.withDefaults(),
		stats:    newChannelStats(),
		state:    Disconnected,
		subs:     make(map[*Subscription]struct{}),
		watchers: make(map[*StateWatch]struct{}),
	}, nil
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a live connection is established
func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

// Start opens the channel. It is a no-op when the channel is already
// connecting, connected or reconnecting. A failed handshake leaves the channel
// Disconnected and returns a *ChannelConnectError.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	c.runCtx, c.runCancel = runCtx, runCancel
	c.reconnectAttempt = 0
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	sock, err := c.dial(dialCtx)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Stop ran while we were dialing
	if runCtx.Err() != nil {
		if sock != nil {
			go sock.Close()
		}
		return ErrChannelStopped
	}

	if err != nil {
		runCancel()
		c.runCtx, c.runCancel = nil, nil
		c.stats.setLastError(err)
		c.setStateLocked(Disconnected)
		slog.Warn("progress channel connect", "error", err)
		return err
	}

	c.attachLocked(sock)
	c.wg.Add(1)
	go c.manageConnection(runCtx, sock)
	return nil
}

// Stop closes the channel and all event subscriptions. It is safe to call in any state, any number of times.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
		c.runCtx, c.runCancel = nil, nil
	}
	sock := c.socket
	c.socket = nil
	wasActive := c.state != Disconnected
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.wg.Wait()
	c.closeSubscriptions()

	if wasActive {
		c.stats.onDisconnected()
		slog.Info("progress channel stopped")
	}
}

// Stats returns a snapshot of channel telemetry
func (c *Channel) Stats() StatsSnapshot {
	c.mu.Lock()
	state := c.state
	enc := ""
	if c.socket != nil {
		enc = c.encoding.String()
	}
	attempt := c.reconnectAttempt
	c.mu.Unlock()

	c.subMu.RLock()
	subs := len(c.subs)
	c.subMu.RUnlock()

	return StatsSnapshot{
		State:            state.String(),
		Encoding:         enc,
		ReconnectAttempt: attempt,
		Reconnects:       c.stats.reconnects.Load(),
		Subscribers:      subs,
		BytesRecvTotal:   c.stats.bytesRecv.Load(),
		FramesRecvTotal:  c.stats.framesRecv.Load(),
		FramesDropped:    c.stats.framesDropped.Load(),
		ConnectedAtNs:    c.stats.connectedAtNs.Load(),
		DisconnectedAtNs: c.stats.disconnAtNs.Load(),
		LastRecvAtNs:     c.stats.lastRecvNs.Load(),
		LastPingAtNs:     c.stats.lastPingNs.Load(),
		LastError:        c.stats.lastErrorValue.Load().(string),
	}
}

func (c *Channel) dial(ctx context.Context) (*socket, error) {
	u, err := c.fullURL()
	if err != nil {
		return nil, &ChannelConnectError{URL: c.cfg.ServerURL, Err: err}
	}

	header := c.cfg.Header().Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(wsproto.HeaderEncodings, c.cfg.Encoding.String())

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		cerr := &ChannelConnectError{URL: u, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}
	conn.SetReadLimit(maxMessageSize)

	enc := wsproto.EncodingJSON
	if resp != nil {
		enc = wsproto.PreferredEncoding(resp.Header.Get(wsproto.HeaderEncoding))
	}
	return newSocket(conn, enc, c.stats), nil
}

func (c *Channel) attachLocked(sock *socket) {
	c.socket = sock
	c.encoding = sock.encoding
	c.reconnectAttempt = 0
	c.stats.onConnected()
	c.setStateLocked(Connected)
	sock.Start(c.runCtx)
	slog.Info("progress channel connected", "encoding", sock.encoding)
}

// manageConnection pumps events from the socket and reconnects when it drops
func (c *Channel) manageConnection(ctx context.Context, sock *socket) {
	defer c.wg.Done()

	for {
		for msg := range sock.rx {
			c.dispatch(msg)
		}

		if ctx.Err() != nil {
			return
		}

		err := sock.Err()
		c.stats.setLastError(err)
		c.stats.onDisconnected()
		slog.Info("progress channel disconnected, will reconnect", "error", err)

		c.mu.Lock()
		if c.socket != sock || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.socket = nil
		c.setStateLocked(Reconnecting)
		c.mu.Unlock()

		next, ok := c.reconnectWithBackoff(ctx)
		if !ok {
			return
		}
		sock = next
	}
}

// reconnectWithBackoff dials until it succeeds or the channel is stopped
func (c *Channel) reconnectWithBackoff(ctx context.Context) (*socket, bool) {
	delay := c.cfg.ReconnectDelay

	for {
		c.mu.Lock()
		c.reconnectAttempt++
		attempt := c.reconnectAttempt
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		slog.Info("progress channel attempting reconnection", "attempt", attempt, "delay", delay)

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		sock, err := c.dial(dialCtx)
		cancel()

		if err == nil {
			c.mu.Lock()
			if ctx.Err() != nil {
				c.mu.Unlock()
				sock.Close()
				return nil, false
			}
			c.stats.onReconnected()
			c.attachLocked(sock)
			c.mu.Unlock()
			return sock, true
		}
		c.stats.setLastError(err)
		slog.Debug("progress channel reconnect failed", "attempt", attempt, "error", err)

		// exponential with jitter, capped
		delay = min(delay*2, c.cfg.MaxReconnectDelay)
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = min(time.Duration(float64(delay)*jitterFactor), c.cfg.MaxReconnectDelay)
	}
}

func (c *Channel) setStateLocked(next State) {
	if c.state == next {
		return
	}
	if !validTransition(c.state, next) {
		slog.Error("progress channel invalid transition", "from", c.state, "to", next)
		return
	}
	prev := c.state
	c.state = next
	slog.Debug("progress channel state", "from", prev, "to", next)

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for w := range c.watchers {
		w.send(next)
	}
}

func (c *Channel) fullURL() (string, error) {
	u, err := url.JoinPath(c.cfg.ServerURL, c.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("failed to join path: %w", err)
	}
	return utils.ToWebsocketURL(u), nil
}
