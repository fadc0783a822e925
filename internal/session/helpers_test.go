package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftdrop/internal/dropsdk"
	"github.com/openmined/syftdrop/internal/progress"
	"github.com/openmined/syftdrop/internal/transfer"
	"github.com/openmined/syftdrop/internal/wsproto"
	"github.com/stretchr/testify/require"
)

// testServer accepts PUTs under /blob/ and push channel connections under the events path
type testServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	failKeys map[string]int
	conns    []*websocket.Conn
	reject   int
	conn     chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{failKeys: make(map[string]int), conn: make(chan *websocket.Conn, 8)}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(ts.srv.Close)
	t.Cleanup(func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for _, c := range ts.conns {
			c.CloseNow()
		}
	})
	return ts
}

func (ts *testServer) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == progress.DefaultPath:
		ts.mu.Lock()
		reject := ts.reject
		ts.mu.Unlock()
		if reject != 0 {
			http.Error(w, "nope", reject)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		ts.conn <- conn
		<-conn.CloseRead(context.Background()).Done()

	case strings.HasPrefix(r.URL.Path, "/blob/"):
		key := strings.TrimPrefix(r.URL.Path, "/blob/")
		ts.mu.Lock()
		status := ts.failKeys[key]
		ts.mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

func (ts *testServer) fail(key string, status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.failKeys[key] = status
}

func (ts *testServer) rejectEvents(status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.reject = status
}

func (ts *testServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conn:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no push channel connection")
		return nil
	}
}

func (ts *testServer) push(t *testing.T, conn *websocket.Conn, msg *wsproto.Message) {
	t.Helper()
	typ, data, err := wsproto.Marshal(msg, wsproto.EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), typ, data))
}

func (ts *testServer) coordinator() *transfer.Coordinator {
	resolver := transfer.GrantResolverFunc(func(_ context.Context, name, _, cid string) (*dropsdk.Grant, error) {
		return &dropsdk.Grant{
			Key:           "uploads/" + name,
			URL:           fmt.Sprintf("%s/blob/uploads/%s", ts.srv.URL, name),
			ExpiresAt:     time.Now().Add(time.Minute),
			CorrelationID: cid,
		}, nil
	})
	return transfer.NewCoordinator(transfer.NewClient(nil), resolver, nil)
}

func (ts *testServer) channel(t *testing.T) *progress.Channel {
	t.Helper()
	ch, err := progress.NewChannel(&progress.Config{
		ServerURL:         ts.srv.URL,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(ch.Stop)
	return ch
}

// notifications records what the manager would show the user
type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, note)
}

func (n *notifications) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.list))
	for i, note := range n.list {
		out[i] = note.Title
	}
	return out
}

func newManager(t *testing.T, ts *testServer, ch *progress.Channel, notifier Notifier) *Manager {
	t.Helper()
	m, err := NewManager(&Config{Coordinator: ts.coordinator(), Channel: ch, Notifier: notifier})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func audio(name string) *transfer.Payload {
	return transfer.BytesPayload(name, "audio/mpeg", make([]byte, 32*1024))
}
