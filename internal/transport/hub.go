// Package transport connects websocket clients to the server. Clients send
// call frames and receive results plus every broadcast event.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"steward/internal/dispatch"
	"steward/internal/metrics"
	"steward/pkg/extension"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	defaultBufSize = 64
)

// Caller accepts calls for the service loop. reply must not block.
type Caller interface {
	Submit(ctx context.Context, name string, args json.RawMessage, id extension.Identity, reply dispatch.ReplyFunc) error
}

// Identifier establishes the identity of a connecting client
type Identifier interface {
	Identify(r *http.Request) (extension.Identity, error)
}

// Option configures a Hub
type Option func(*Hub)

// WithSendBuffer sets how many outbound messages a client may have pending
// before it is considered too slow and disconnected
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin replaces the upgrader's origin check
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// Hub tracks connected clients. It is a broadcast sink for the event bus.
type Hub struct {
	caller     Caller
	identifier Identifier
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub
func NewHub(caller Caller, identifier Identifier, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		caller:     caller,
		identifier: identifier,
		logger:     logger.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sendBuffer: defaultBufSize,
		clients:    make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP identifies the caller and upgrades the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := extension.Anonymous()
	if h.identifier != nil {
		var err error
		id, err = h.identifier.Identify(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="steward"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		identity: id,
		send:     make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		cancel()
		return
	}

	h.logger.Info("Client connected",
		zap.String("client", c.id),
		zap.String("user", id.String()),
		zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

// OnEvent sends an event to every client. Clients whose buffer is full are
// disconnected rather than allowed to hold up the service loop.
func (h *Hub) OnEvent(tag string, payload json.RawMessage) {
	data, err := json.Marshal(Message{Type: TypeEvent, Event: &Event{Tag: tag, Payload: payload}})
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("tag", tag), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.BroadcastDropped.Inc()
		h.logger.Warn("Dropping slow client", zap.String("client", c.id), zap.String("tag", tag))
		h.remove(c)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.BroadcastClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.BroadcastClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		h.logger.Info("Client disconnected", zap.String("client", c.id))
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		h.handleFrame(c, data)
	}
}

func (h *Hub) handleFrame(c *client, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		h.reply(c, badRequest("", "invalid frame: "+err.Error()))
		return
	}
	if f.Type != TypeCall {
		h.reply(c, badRequest(f.ID, "unsupported frame type "+f.Type))
		return
	}
	if f.Command == "" {
		h.reply(c, badRequest(f.ID, "call frame has no cmd"))
		return
	}

	h.logger.Debug("Call received",
		zap.String("client", c.id),
		zap.String("id", f.ID),
		zap.String("command", f.Command))

	err := h.caller.Submit(c.ctx, f.Command, f.Args, c.identity, func(res dispatch.Result) {
		h.reply(c, encodeResult(f.ID, res))
	})
	if err != nil {
		h.reply(c, errorMessage(f.ID, dispatch.Describe(err)))
	}
}

func encodeResult(id string, res dispatch.Result) Message {
	if res.Err != nil {
		return errorMessage(id, dispatch.Describe(res.Err))
	}
	value, err := json.Marshal(res.Value)
	if err != nil {
		return errorMessage(id, &dispatch.ErrorInfo{
			Kind:    dispatch.KindInternal,
			Message: "result is not serialisable",
		})
	}
	return resultMessage(id, value)
}

func (h *Hub) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode reply", zap.String("client", c.id), zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		metrics.BroadcastDropped.Inc()
		h.logger.Warn("Dropping slow client", zap.String("client", c.id), zap.String("id", msg.ID))
		h.remove(c)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Websocket write failed", zap.String("client", c.id), zap.Error(err))
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

type client struct {
	id       string
	conn     *websocket.Conn
	identity extension.Identity
	send     chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}
