package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"steward/internal/dispatch"
	"steward/internal/loop"
	"steward/internal/registry"
	"steward/pkg/extension"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCaller replies synchronously
type fakeCaller struct {
	mu    sync.Mutex
	calls []string
	users []string
	fail  error
}

func (f *fakeCaller) Submit(ctx context.Context, name string, args json.RawMessage, id extension.Identity, reply dispatch.ReplyFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.users = append(f.users, id.User)
	f.mu.Unlock()

	if f.fail != nil {
		return f.fail
	}
	switch name {
	case "echo":
		var v any
		_ = json.Unmarshal(args, &v)
		reply(dispatch.Result{Value: v})
	case "nothing":
		reply(dispatch.Result{})
	case "broken":
		reply(dispatch.Result{Err: &dispatch.HandlerError{Command: name, Cause: errors.New("stale cheese")}})
	default:
		reply(dispatch.Result{Err: &registry.UnknownCommandError{Name: name}})
	}
	return nil
}

func (f *fakeCaller) seen() (calls, users []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]string(nil), f.users...)
}

type staticIdentifier struct {
	id  extension.Identity
	err error
}

func (s staticIdentifier) Identify(*http.Request) (extension.Identity, error) {
	return s.id, s.err
}

func startHub(t *testing.T, caller Caller, ident Identifier) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(caller, ident, zap.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_CallResult(t *testing.T) {
	caller := &fakeCaller{}
	_, srv := startHub(t, caller, staticIdentifier{id: extension.Identity{User: "alice"}})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Frame{ID: "1", Type: TypeCall, Command: "echo", Args: json.RawMessage(`{"cheese":"brie"}`)}))
	msg := readMessage(t, conn)

	assert.Equal(t, "1", msg.ID)
	assert.Equal(t, TypeResult, msg.Type)
	require.NotNil(t, msg.Success)
	assert.True(t, *msg.Success)
	assert.JSONEq(t, `{"cheese":"brie"}`, string(msg.Result))
	_, users := caller.seen()
	assert.Equal(t, []string{"alice"}, users)
}

func TestHub_NilResultIsNull(t *testing.T) {
	_, srv := startHub(t, &fakeCaller{}, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Frame{ID: "n", Type: TypeCall, Command: "nothing"}))
	msg := readMessage(t, conn)
	assert.True(t, *msg.Success)
	assert.Equal(t, "null", string(msg.Result))
}

func TestHub_ErrorResults(t *testing.T) {
	_, srv := startHub(t, &fakeCaller{}, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Frame{ID: "a", Type: TypeCall, Command: "shop.camembert"}))
	msg := readMessage(t, conn)
	assert.False(t, *msg.Success)
	require.NotNil(t, msg.Error)
	assert.Equal(t, dispatch.KindUnknownCommand, msg.Error.Kind)
	assert.Equal(t, "shop.camembert", msg.Error.Command)

	require.NoError(t, conn.WriteJSON(Frame{ID: "b", Type: TypeCall, Command: "broken"}))
	msg = readMessage(t, conn)
	assert.Equal(t, dispatch.KindHandlerError, msg.Error.Kind)
	assert.Equal(t, "stale cheese", msg.Error.Cause)
}

func TestHub_SubmitFailure(t *testing.T) {
	_, srv := startHub(t, &fakeCaller{fail: loop.ErrStopped}, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(Frame{ID: "x", Type: TypeCall, Command: "echo"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "x", msg.ID)
	assert.Equal(t, dispatch.KindInternal, msg.Error.Kind)
}

func TestHub_BadFrames(t *testing.T) {
	caller := &fakeCaller{}
	_, srv := startHub(t, caller, nil)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, KindBadRequest, msg.Error.Kind)

	require.NoError(t, conn.WriteJSON(Frame{ID: "2", Type: "subscribe"}))
	msg = readMessage(t, conn)
	assert.Equal(t, "2", msg.ID)
	assert.Contains(t, msg.Error.Message, "unsupported frame type")

	require.NoError(t, conn.WriteJSON(Frame{ID: "3", Type: TypeCall}))
	msg = readMessage(t, conn)
	assert.Contains(t, msg.Error.Message, "no cmd")

	calls, _ := caller.seen()
	assert.Empty(t, calls)
}

func TestHub_Unauthorized(t *testing.T) {
	_, srv := startHub(t, &fakeCaller{}, staticIdentifier{err: errors.New("invalid credentials")})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub, srv := startHub(t, &fakeCaller{}, nil)
	first := dial(t, srv)
	second := dial(t, srv)

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.OnEvent("order/brie", json.RawMessage(`{"quantity":1}`))

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "order/brie", msg.Event.Tag)
		assert.JSONEq(t, `{"quantity":1}`, string(msg.Event.Payload))
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub := NewHub(&fakeCaller{}, nil, zap.NewNop(), WithSendBuffer(1))

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{id: "slow", send: make(chan []byte, 1), done: make(chan struct{}), ctx: ctx, cancel: cancel}
	require.True(t, hub.register(c))

	hub.OnEvent("a", nil)
	assert.Equal(t, 1, hub.Clients())

	hub.OnEvent("b", nil)
	assert.Equal(t, 0, hub.Clients())
	assert.Error(t, c.ctx.Err(), "in-flight calls of a dropped client are cancelled")

	select {
	case <-c.done:
	default:
		t.Fatal("client not shut down")
	}
}

func TestHub_ClosedHubRefusesClients(t *testing.T) {
	hub, srv := startHub(t, &fakeCaller{}, nil)
	hub.Close()

	conn := dial(t, srv)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Equal(t, 0, hub.Clients())
}
