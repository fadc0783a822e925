package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftdrop/internal/wsproto"
)

const (
	socketRxSize      = 64
	socketPingPeriod  = 15 * time.Second
	socketPingTimeout = 5 * time.Second
)

// socket is one receive-only websocket connection
type socket struct {
	conn      *websocket.Conn
	encoding  wsproto.Encoding
	stats     *channelStats
	rx        chan *wsproto.Message
	closed    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	err       error
}

func newSocket(conn *websocket.Conn, enc wsproto.Encoding, stats *channelStats) *socket {
	return &socket{
		conn:     conn,
		encoding: enc,
		stats:    stats,
		rx:       make(chan *wsproto.Message, socketRxSize),
		closed:   make(chan struct{}),
		closing:  make(chan struct{}),
	}
}

func (s *socket) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.pingLoop(ctx)
	go s.readLoop(ctx)
}

// Close shuts the connection down and waits for both loops
func (s *socket) Close() {
	s.closeConnection(websocket.StatusNormalClosure, "shutdown", nil)
	<-s.closed
}

// Err is the error that ended the connection, nil for a normal close
func (s *socket) Err() error {
	<-s.closed
	return s.err
}

func (s *socket) closeConnection(status websocket.StatusCode, reason string, err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.closing)
		s.conn.Close(status, reason)

		go func() {
			s.wg.Wait()
			close(s.rx)
			close(s.closed)
		}()
	})
}

func (s *socket) readLoop(ctx context.Context) {
	var readErr error
	defer func() {
		slog.Debug("progress socket reader shutdown")
		s.wg.Done()
		s.closeConnection(websocket.StatusNormalClosure, "shutdown", readErr)
	}()

	for {
		typ, raw, err := s.conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("progress socket RECV", "error", err)
				readErr = err
			}
			return
		}
		s.stats.onRecv(len(raw))

		msg, _, err := wsproto.Unmarshal(typ, raw)
		if err != nil {
			slog.Warn("progress socket RECV decode", "error", err)
			continue
		}

		select {
		case <-s.closing:
			return
		case s.rx <- msg:
		default:
			s.stats.onDropped()
			slog.Warn("progress socket RECV buffer full", "dropped", msg)
		}
	}
}

func (s *socket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		s.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			ctxPing, cancel := context.WithTimeout(ctx, socketPingTimeout)
			err := s.conn.Ping(ctxPing)
			cancel()
			if err != nil {
				slog.Warn("progress socket PING", "error", err)
				s.closeConnection(websocket.StatusGoingAway, "ping timeout", err)
				return
			}
			s.stats.onPing()
		}
	}
}

// isExpectedCloseError returns true if the error is an expected connection closure
func isExpectedCloseError(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
