package devserver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/version"
	"github.com/openmined/syftdrop/internal/wsproto"
)

const (
	maxMessageSize = 64 * 1024
	writeTimeout   = 10 * time.Second
	sendBufferSize = 64
	shutdownReason = "shutdown"
)

var errHubClosed = errors.New("hub closed")

// Hub fans processing events out to the websocket connections of a user
type Hub struct {
	clients map[string]*hubClient
	users   map[string]mapset.Set[string] // user -> connection ids
	closed  bool
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[string]*hubClient),
		users:   make(map[string]mapset.Set[string]),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler upgrades the request and serves the connection until either side closes it
func (h *Hub) Handler(ctx *gin.Context) {
	user := ctx.GetString(userContextKey)
	if user == "" {
		user = anonymousUser
	}

	enc := wsproto.PreferredEncoding(ctx.GetHeader(wsproto.HeaderEncodings))
	ctx.Writer.Header().Set(wsproto.HeaderEncoding, enc.String())

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// Accept already wrote the error response
		slog.Warn("hub accept", "user", user, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &hubClient{
		connID: utils.TokenHex(4),
		user:   user,
		enc:    enc,
		conn:   conn,
		tx:     make(chan *wsproto.Message, sendBufferSize),
		done:   make(chan struct{}),
	}
	client.tx <- wsproto.NewSystemMessage(version.Version, "ok")

	if err := h.register(client); err != nil {
		client.close(websocket.StatusGoingAway, shutdownReason)
		return
	}
	defer h.unregister(client)

	client.run(h.ctx)
}

func (h *Hub) register(c *hubClient) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errHubClosed
	}

	h.clients[c.connID] = c
	conns, ok := h.users[c.user]
	if !ok {
		conns = mapset.NewThreadUnsafeSet[string]()
		h.users[c.user] = conns
	}
	conns.Add(c.connID)
	h.wg.Add(1)

	slog.Debug("hub registered", "connId", c.connID, "user", c.user, "encoding", c.enc, "active", len(h.clients))
	return nil
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.connID]; !ok {
		return
	}
	delete(h.clients, c.connID)
	if conns, ok := h.users[c.user]; ok {
		conns.Remove(c.connID)
		if conns.Cardinality() == 0 {
			delete(h.users, c.user)
		}
	}
	h.wg.Done()

	slog.Debug("hub removed", "connId", c.connID, "user", c.user, "active", len(h.clients))
}

// SendUser queues msg on every connection of user. A full buffer drops the message for that connection.
func (h *Hub) SendUser(user string, msg *wsproto.Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.users[user]
	if !ok {
		slog.Debug("hub no connection for user", "user", user, "msgType", msg.Type, "msgId", msg.Id)
		return false
	}

	sent := false
	for connID := range conns.Iter() {
		if h.clients[connID].send(msg) {
			sent = true
		}
	}
	return sent
}

func (h *Hub) Broadcast(msg *wsproto.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.send(msg)
	}
}

// Connections returns the number of open connections of user
func (h *Hub) Connections(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if conns, ok := h.users[user]; ok {
		return conns.Cardinality()
	}
	return 0
}

// DropUser closes every connection of user without stopping the hub
func (h *Hub) DropUser(user string) {
	h.mu.RLock()
	var clients []*hubClient
	if conns, ok := h.users[user]; ok {
		for connID := range conns.Iter() {
			clients = append(clients, h.clients[connID])
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "dropped")
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		go c.close(websocket.StatusGoingAway, shutdownReason)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type hubClient struct {
	connID string
	user   string
	enc    wsproto.Encoding
	conn   *websocket.Conn
	tx     chan *wsproto.Message

	done      chan struct{}
	closeOnce sync.Once
}

func (c *hubClient) send(msg *wsproto.Message) bool {
	select {
	case <-c.done:
		return false
	case c.tx <- msg:
		return true
	default:
		slog.Warn("hub send buffer full", "connId", c.connID, "user", c.user, "msgType", msg.Type)
		return false
	}
}

// run writes queued messages until the peer goes away or the hub stops.
// The channel is receive-only for clients, so inbound frames are discarded.
func (c *hubClient) run(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, shutdownReason)

	readCtx := c.conn.CloseRead(ctx)
	for {
		select {
		case <-readCtx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.tx:
			typ, data, err := wsproto.Marshal(msg, c.enc)
			if err != nil {
				slog.Error("hub marshal", "connId", c.connID, "msgType", msg.Type, "error", err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(writeCtx, typ, data)
			cancel()
			if err != nil {
				slog.Debug("hub write", "connId", c.connID, "msgId", msg.Id, "error", err)
				return
			}
		}
	}
}

func (c *hubClient) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(status, reason)
	})
}
