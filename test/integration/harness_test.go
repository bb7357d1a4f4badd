// Package integration runs the assembled server end to end over HTTP and
// websockets.
package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"steward/internal/app"
	"steward/internal/clock"
	"steward/internal/config"
	"steward/internal/extensions/base"
	"steward/internal/extensions/shop"
	"steward/internal/transport"
	"steward/pkg/extension"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const password = "wensleydale"

// start is a minute boundary minus 30s; the first tick lands on 10:00
var start = time.Date(2026, 3, 14, 9, 59, 30, 0, time.UTC)

type relayed struct {
	subject string
	data    []byte
}

type fakeRelay struct {
	mu  sync.Mutex
	got []relayed
}

func (f *fakeRelay) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, relayed{subject, data})
	return nil
}

func (f *fakeRelay) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, r := range f.got {
		out = append(out, r.subject)
	}
	return out
}

type env struct {
	app   *app.App
	http  *httptest.Server
	clock *clock.MockClock
	relay *fakeRelay
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.Permissions = map[string][]string{
		"default":    {"everyone"},
		"shop.order": {"staff"},
	}
	cfg.Auth = config.AuthConfig{
		Enabled: true,
		Users: map[string]config.UserConfig{
			"amy": {PasswordHash: string(hash), Groups: []string{"staff"}},
			"bob": {PasswordHash: string(hash), Groups: []string{"guest"}},
		},
	}
	cfg.Extensions = map[string]map[string]any{
		"shop": {"initial_stock": 3, "restock_amount": 2, "reserve_wait_seconds": 5},
	}
	return cfg
}

func setupTest(t *testing.T, mutate func(*config.Config)) (*env, func()) {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	reg := extension.NewRegistry()
	require.NoError(t, reg.Register(extension.Info{Name: "base", Order: 10, Factory: base.New}))
	require.NoError(t, reg.Register(extension.Info{Name: "shop", Order: 60, Factory: shop.New}))

	e := &env{
		clock: clock.NewMockClock(start),
		relay: &fakeRelay{},
	}

	a, err := app.New(cfg, zap.NewNop(),
		app.WithClock(e.clock),
		app.WithRegistry(reg),
		app.WithRelay(e.relay))
	require.NoError(t, err)
	require.NoError(t, a.Server.Start(context.Background()))

	e.app = a
	e.http = httptest.NewServer(a.Handler())

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.http.Close()
		_ = a.Stop(ctx)
	}
	return e, cleanup
}

func basicAuth(user string) http.Header {
	h := http.Header{}
	if user != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+password)))
	}
	return h
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	before := e.app.Hub.Clients()
	conn, _, err := websocket.DefaultDialer.Dial(url, basicAuth(user))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return e.app.Hub.Clients() > before }, 2*time.Second, 5*time.Millisecond)
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(id, cmd string, args any) {
	c.t.Helper()
	var raw json.RawMessage
	if args != nil {
		var err error
		raw, err = json.Marshal(args)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, c.conn.WriteJSON(transport.Frame{ID: id, Type: transport.TypeCall, Command: cmd, Args: raw}))
}

func (c *wsClient) read() transport.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg transport.Message
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// result reads until the result for id arrives, collecting events seen on the way
func (c *wsClient) result(id string) (transport.Message, []transport.Event) {
	c.t.Helper()
	var events []transport.Event
	for {
		msg := c.read()
		if msg.Type == transport.TypeEvent {
			events = append(events, *msg.Event)
			continue
		}
		if msg.ID == id {
			return msg, events
		}
	}
}

// event reads until an event with tag arrives
func (c *wsClient) event(tag string) transport.Event {
	c.t.Helper()
	for {
		msg := c.read()
		if msg.Type == transport.TypeEvent && msg.Event.Tag == tag {
			return *msg.Event
		}
	}
}

func (c *wsClient) call(id, cmd string, args any) transport.Message {
	c.t.Helper()
	c.send(id, cmd, args)
	msg, _ := c.result(id)
	return msg
}
