package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftdrop/internal/wsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventServer is a minimal push channel server
type eventServer struct {
	srv       *httptest.Server
	reject    atomic.Int32
	accepted  atomic.Int32
	connected chan *websocket.Conn
	authSeen  atomic.Value

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	es := &eventServer{connected: make(chan *websocket.Conn, 16)}
	es.authSeen.Store("")
	es.srv = httptest.NewServer(http.HandlerFunc(es.serve))
	t.Cleanup(es.srv.Close)
	t.Cleanup(es.closeAll)
	return es
}

func (es *eventServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != DefaultPath {
		http.NotFound(w, r)
		return
	}
	if status := es.reject.Load(); status != 0 {
		http.Error(w, "rejected", int(status))
		return
	}
	es.authSeen.Store(r.Header.Get("Authorization"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	es.accepted.Add(1)
	es.mu.Lock()
	es.conns = append(es.conns, conn)
	es.mu.Unlock()
	es.connected <- conn

	<-conn.CloseRead(context.Background()).Done()
}

func (es *eventServer) closeAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		c.CloseNow()
	}
}

func (es *eventServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-es.connected:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, msg *wsproto.Message, enc wsproto.Encoding) {
	t.Helper()
	typ, data, err := wsproto.Marshal(msg, enc)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, typ, data))
}

func newTestChannel(t *testing.T, es *eventServer) *Channel {
	t.Helper()
	ch, err := NewChannel(&Config{
		ServerURL: es.srv.URL,
		Header: func() http.Header {
			return http.Header{"Authorization": []string{"Bearer test-token"}}
		},
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(ch.Stop)
	return ch
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 5*time.Second, 5*time.Millisecond, "state %s", want)
}

func TestNewChannel_Validation(t *testing.T) {
	_, err := NewChannel(nil)
	require.ErrorIs(t, err, ErrNoServerURL)

	_, err = NewChannel(&Config{ServerURL: "not a url"})
	require.Error(t, err)
}

func TestChannel_StartConnects(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	assert.Equal(t, Disconnected, ch.State())

	require.NoError(t, ch.Start(context.Background()))
	es.waitConn(t)

	assert.Equal(t, Connected, ch.State())
	assert.True(t, ch.IsConnected())
	assert.Equal(t, "Bearer test-token", es.authSeen.Load())
	assert.Equal(t, "connected", ch.Stats().State)
}

func TestChannel_StartIdempotent(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Start(context.Background()))

	es.waitConn(t)
	assert.Equal(t, int32(1), es.accepted.Load())
}

func TestChannel_HandshakeRejected(t *testing.T) {
	es := newEventServer(t)
	es.reject.Store(http.StatusUnauthorized)
	ch := newTestChannel(t, es)

	err := ch.Start(context.Background())
	require.Error(t, err)

	var cerr *ChannelConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, http.StatusUnauthorized, cerr.StatusCode)
	assert.Equal(t, Disconnected, ch.State())
	assert.NotEmpty(t, ch.Stats().LastError)

	// a later Start may succeed
	es.reject.Store(0)
	require.NoError(t, ch.Start(context.Background()))
	assert.Equal(t, Connected, ch.State())
}

func TestChannel_Unreachable(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	es.srv.Close()

	err := ch.Start(context.Background())
	var cerr *ChannelConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Zero(t, cerr.StatusCode)
	assert.Equal(t, Disconnected, ch.State())
}

func TestChannel_StopIdempotent(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)

	// stop before start
	ch.Stop()
	assert.Equal(t, Disconnected, ch.State())

	require.NoError(t, ch.Start(context.Background()))
	ch.Stop()
	ch.Stop()
	assert.Equal(t, Disconnected, ch.State())

	// restart after stop
	require.NoError(t, ch.Start(context.Background()))
	assert.Equal(t, Connected, ch.State())
}

func TestChannel_DeliversTypedEvents(t *testing.T) {
	for _, enc := range []wsproto.Encoding{wsproto.EncodingJSON, wsproto.EncodingMsgPack} {
		t.Run(enc.String(), func(t *testing.T) {
			es := newEventServer(t)
			ch := newTestChannel(t, es)
			sub := ch.Subscribe()

			require.NoError(t, ch.Start(context.Background()))
			conn := es.waitConn(t)

			send(t, conn, wsproto.NewSystemMessage("1.0", "ok"), enc)
			send(t, conn, wsproto.NewProgressUpdate("cid-1", 42, "Transcribing"), enc)
			send(t, conn, wsproto.NewFailed("cid-1", "Transcription failed: unsupported codec"), enc)
			send(t, conn, wsproto.NewCompleted(""), enc)

			assert.Equal(t, Progress{Percent: 42, Step: "Transcribing", CorrelationID: "cid-1"}, recv(t, sub))
			assert.Equal(t, Failed{Message: "Transcription failed: unsupported codec", CorrelationID: "cid-1"}, recv(t, sub))
			assert.Equal(t, Completed{}, recv(t, sub))
		})
	}
}

func TestChannel_SkipsMalformedFrames(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	sub := ch.Subscribe()

	require.NoError(t, ch.Start(context.Background()))
	conn := es.waitConn(t)

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":"x","typ":"mystery","dat":{}}`)))
	send(t, conn, wsproto.NewCompleted("cid-2"), wsproto.EncodingJSON)

	assert.Equal(t, Completed{CorrelationID: "cid-2"}, recv(t, sub))
	assert.Equal(t, Connected, ch.State())
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	sub := ch.Subscribe()
	watch := ch.StateChanges()
	defer watch.Close()

	require.NoError(t, ch.Start(context.Background()))
	first := es.waitConn(t)

	first.CloseNow()
	second := es.waitConn(t)
	waitState(t, ch, Connected)

	// subscriptions survive the reconnect
	send(t, second, wsproto.NewProgressUpdate("", 10, "Queued"), wsproto.EncodingJSON)
	assert.Equal(t, Progress{Percent: 10, Step: "Queued"}, recv(t, sub))
	assert.Equal(t, int64(1), ch.Stats().Reconnects)

	ch.Stop()

	var seen []State
	for s := range drain(watch) {
		seen = append(seen, s)
	}
	require.NotEmpty(t, seen)
	assert.Contains(t, seen, Reconnecting)
	for i := 1; i < len(seen); i++ {
		assert.True(t, validTransition(seen[i-1], seen[i]), "%s -> %s", seen[i-1], seen[i])
	}
	assert.Equal(t, Disconnected, seen[len(seen)-1])
}

func TestChannel_StopWhileReconnecting(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)

	require.NoError(t, ch.Start(context.Background()))
	conn := es.waitConn(t)

	es.reject.Store(http.StatusServiceUnavailable)
	conn.CloseNow()
	waitState(t, ch, Reconnecting)

	ch.Stop()
	assert.Equal(t, Disconnected, ch.State())

	// no further attempts after stop
	es.reject.Store(0)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), es.accepted.Load())
	assert.Equal(t, Disconnected, ch.State())
}

func TestChannel_StopClosesSubscriptions(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	sub := ch.Subscribe()

	require.NoError(t, ch.Start(context.Background()))
	ch.Stop()

	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()
	assert.Zero(t, ch.Stats().Subscribers)
}

func TestSubscription_Close(t *testing.T) {
	es := newEventServer(t)
	ch := newTestChannel(t, es)
	a, b := ch.Subscribe(), ch.Subscribe()
	a.Close()
	a.Close()

	require.NoError(t, ch.Start(context.Background()))
	conn := es.waitConn(t)
	send(t, conn, wsproto.NewCompleted("c"), wsproto.EncodingJSON)

	assert.Equal(t, Completed{CorrelationID: "c"}, recv(t, b))
	_, ok := <-a.C
	assert.False(t, ok)
}

func TestValidTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{Disconnected, Connecting}: true,
		{Connecting, Connected}:    true,
		{Connected, Reconnecting}:  true,
		{Reconnecting, Connected}:  true,
	}
	states := []State{Disconnected, Connecting, Connected, Reconnecting}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}] || to == Disconnected
			assert.Equal(t, want, validTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// drain returns the buffered states of a watch without blocking
func drain(w *StateWatch) <-chan State {
	out := make(chan State, 16)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-w.C:
				if !ok {
					return
				}
				out <- s
			case <-time.After(50 * time.Millisecond):
				return
			}
		}
	}()
	return out
}
