package devserver

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftdrop/internal/utils"
	"github.com/openmined/syftdrop/internal/wsproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialEvents(t *testing.T, env *testEnv, token string, enc wsproto.Encoding) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	header.Set(wsproto.HeaderEncodings, enc.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, utils.ToWebsocketURL(env.http.URL)+"/api/v1/events", &websocket.DialOptions{HTTPHeader: header})
	if conn != nil {
		t.Cleanup(func() { conn.CloseNow() })
	}
	return conn, resp, err
}

func readMessage(t *testing.T, conn *websocket.Conn) (*wsproto.Message, websocket.MessageType) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	msg, _, err := wsproto.Unmarshal(typ, data)
	require.NoError(t, err)
	return msg, typ
}

func waitConnections(t *testing.T, env *testEnv, user string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.srv.hub.Connections(user) == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHub_GreetsAndDelivers(t *testing.T) {
	env := newTestEnv(t)

	conn, resp, err := dialEvents(t, env, env.token, wsproto.EncodingJSON)
	require.NoError(t, err)
	assert.Equal(t, "json", resp.Header.Get(wsproto.HeaderEncoding))

	greeting, typ := readMessage(t, conn)
	assert.Equal(t, websocket.MessageText, typ)
	assert.Equal(t, wsproto.MsgSystem, greeting.Type)

	waitConnections(t, env, testUser, 1)
	require.True(t, env.srv.hub.SendUser(testUser, wsproto.NewCompleted("cid-9")))

	msg, _ := readMessage(t, conn)
	require.Equal(t, wsproto.MsgCompleted, msg.Type)
	completed, ok := msg.Data.(wsproto.Completed)
	require.True(t, ok, "decoded frames carry value types, got %T", msg.Data)
	assert.Equal(t, "cid-9", completed.CorrelationID)

	assert.False(t, env.srv.hub.SendUser("bob@example.com", wsproto.NewCompleted("cid-9")))
}

func TestHub_Msgpack(t *testing.T) {
	env := newTestEnv(t)

	conn, resp, err := dialEvents(t, env, env.token, wsproto.EncodingMsgPack)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", resp.Header.Get(wsproto.HeaderEncoding))

	_, typ := readMessage(t, conn)
	assert.Equal(t, websocket.MessageBinary, typ)
}

func TestHub_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := dialEvents(t, env, "", wsproto.EncodingJSON)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	env := newTestEnv(t)

	a, _, err := dialEvents(t, env, env.token, wsproto.EncodingJSON)
	require.NoError(t, err)
	_, _, err = dialEvents(t, env, env.token, wsproto.EncodingJSON)
	require.NoError(t, err)
	waitConnections(t, env, testUser, 2)

	a.Close(websocket.StatusNormalClosure, "bye")
	waitConnections(t, env, testUser, 1)

	env.srv.hub.DropUser(testUser)
	waitConnections(t, env, testUser, 0)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := dialEvents(t, env, env.token, wsproto.EncodingJSON)
	require.NoError(t, err)
	waitConnections(t, env, testUser, 1)

	require.NoError(t, env.srv.hub.Shutdown(context.Background()))
	assert.Equal(t, 0, env.srv.hub.Connections(testUser))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
}
