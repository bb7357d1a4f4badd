// Package client talks to a running steward server over its websocket
// endpoint: it invokes commands and receives broadcast events.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"steward/internal/dispatch"
	"steward/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Call before Connect or after the
	// connection drops
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is returned to calls pending when the connection drops
	ErrConnectionLost = errors.New("connection lost before the result arrived")
)

// AllEvents subscribes a handler to every event tag
const AllEvents = "*"

// DefaultTimeout bounds how long Call waits for a result
const DefaultTimeout = 30 * time.Second

// CallError is a failed call as reported by the server
type CallError struct {
	dispatch.ErrorInfo
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// EventHandler receives broadcast events
type EventHandler func(tag string, payload json.RawMessage)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe()
}

type subscriberEntry struct {
	subID   int
	handler EventHandler
}

// Option configures a Client
type Option func(*Client)

// WithBasicAuth sends credentials when connecting
func WithBasicAuth(user, password string) Option {
	return func(c *Client) {
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		c.header.Set("Authorization", "Basic "+token)
	}
}

// WithTimeout replaces DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithReconnect makes the client redial with backoff after losing the
// connection
func WithReconnect(enabled bool) Option {
	return func(c *Client) { c.reconnect = enabled }
}

// Client is a websocket client for one steward server
type Client struct {
	url     string
	header  http.Header
	timeout time.Duration
	logger  *zap.Logger

	conn      *websocket.Conn
	connected bool
	lost      chan struct{}
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	pending   map[string]chan transport.Message
	pendingMu sync.Mutex

	subscribers map[string][]subscriberEntry
	nextSubID   int
	subsMu      sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect bool
}

// NewClient creates a client for the websocket endpoint at url
// (for example ws://localhost:8080/ws). Nothing is dialed until Connect.
func NewClient(url string, logger *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:         url,
		header:      http.Header{},
		timeout:     DefaultTimeout,
		logger:      logger.Named("client"),
		pending:     make(map[string]chan transport.Message),
		subscribers: make(map[string][]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the server. Credentials are checked during the upgrade, so
// a rejected login fails here.
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected")
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("client closed")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, c.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	c.connected = true
	c.lost = make(chan struct{})
	c.logger.Info("Connected to steward", zap.String("url", c.url))

	go c.receiveMessages(conn, c.lost)
	return nil
}

// Close disconnects and stops any reconnect attempts
func (c *Client) Close() error {
	c.cancel()

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.logger.Info("Disconnected from steward")
	return err
}

// IsConnected reports whether the connection is up
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Call invokes command with args and decodes the result into out, which may
// be nil. A failure reported by the server is returned as *CallError.
func (c *Client) Call(ctx context.Context, command string, args, out any) error {
	var raw json.RawMessage
	if args != nil {
		var err error
		if raw, err = json.Marshal(args); err != nil {
			return fmt.Errorf("failed to encode arguments: %w", err)
		}
	}

	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return ErrNotConnected
	}
	conn, lost := c.conn, c.lost
	c.connMu.RUnlock()

	id := uuid.NewString()
	respChan := make(chan transport.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(transport.Frame{ID: id, Type: transport.TypeCall, Command: command, Args: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send call: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case msg := <-respChan:
		return decodeResult(msg, out)
	case <-lost:
		return ErrConnectionLost
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s", command)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func decodeResult(msg transport.Message, out any) error {
	if msg.Error != nil {
		return &CallError{*msg.Error}
	}
	if msg.Type == transport.TypeError || (msg.Success != nil && !*msg.Success) {
		return &CallError{dispatch.ErrorInfo{Kind: dispatch.KindInternal, Message: "call failed"}}
	}
	if out == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func (c *Client) receiveMessages(conn *websocket.Conn, lost chan struct{}) {
	for {
		var msg transport.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("Failed to read message", zap.Error(err))
			}
			c.handleDisconnect(conn, lost)
			return
		}

		if msg.Type == transport.TypeEvent {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID == "" {
			c.logger.Warn("Server reported an error outside any call", zap.Any("error", msg.Error))
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.String("id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) handleEvent(msg *transport.Message) {
	if msg.Event == nil {
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[msg.Event.Tag]...)
	entries = append(entries, c.subscribers[AllEvents]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg.Event.Tag, msg.Event.Payload)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, lost chan struct{}) {
	c.connMu.Lock()
	if c.conn == conn {
		c.connected = false
	}
	c.connMu.Unlock()

	close(lost)
	conn.Close()

	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn("Connection lost")

	if c.reconnect {
		go c.attemptReconnect()
	}
}

func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// Subscribe calls handler for every event with exactly this tag, or for all
// events when tag is AllEvents. Subscriptions survive reconnects.
func (c *Client) Subscribe(tag string, handler EventHandler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.subscribers[tag] = append(c.subscribers[tag], subscriberEntry{subID: subID, handler: handler})

	return &subscription{tag: tag, subID: subID, client: c}
}

func (c *Client) unsubscribe(tag string, subID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[tag]
	if !ok {
		return
	}
	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[tag] = append(subscribers[:i], subscribers[i+1:]...)
			if len(c.subscribers[tag]) == 0 {
				delete(c.subscribers, tag)
			}
			return
		}
	}
}

type subscription struct {
	tag    string
	subID  int
	client *Client
}

func (s *subscription) Unsubscribe() {
	s.client.unsubscribe(s.tag, s.subID)
}
