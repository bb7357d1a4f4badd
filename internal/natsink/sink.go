// Package natsink relays broadcast events to NATS.
//
// Each event is published on <prefix>.<tag>, where slashes in the tag become
// subject token separators: with the default prefix, "order/brie" goes out
// on "steward.events.order.brie".
package natsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"steward/internal/metrics"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is used when no subject prefix is configured
const DefaultPrefix = "steward.events"

// Publisher is the subset of *nats.Conn the sink needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the message body relayed for each event
type Envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Sink is an event bus sink. nats.Conn buffers publishes, so OnEvent does not
// block the service loop.
type Sink struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
	close  func()
}

// New wraps an existing publisher
func New(pub Publisher, prefix string, logger *zap.Logger) *Sink {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Sink{
		pub:    pub,
		prefix: prefix,
		logger: logger.Named("natsink"),
	}
}

// Connect dials NATS and returns a sink using the connection
func Connect(url, prefix string, logger *zap.Logger) (*Sink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	log := logger.Named("natsink")

	conn, err := nats.Connect(url,
		nats.Name("steward"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	s := New(conn, prefix, logger)
	s.close = func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	log.Info("Relaying events to NATS", zap.String("url", url), zap.String("prefix", s.prefix))
	return s, nil
}

// OnEvent publishes the event
func (s *Sink) OnEvent(tag string, payload json.RawMessage) {
	data, err := json.Marshal(Envelope{Tag: tag, Payload: payload})
	if err != nil {
		metrics.RelayErrors.Inc()
		s.logger.Error("Failed to encode event", zap.String("tag", tag), zap.Error(err))
		return
	}

	subject := s.Subject(tag)
	if err := s.pub.Publish(subject, data); err != nil {
		metrics.RelayErrors.Inc()
		s.logger.Warn("Failed to relay event",
			zap.String("tag", tag),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Subject maps an event tag to a NATS subject
func (s *Sink) Subject(tag string) string {
	tokens := strings.Split(tag, "/")
	for i, tok := range tokens {
		tokens[i] = sanitizeToken(tok)
	}
	return s.prefix + "." + strings.Join(tokens, ".")
}

// Close drains the connection if the sink owns one
func (s *Sink) Close() {
	if s.close != nil {
		s.close()
	}
}

// sanitizeToken replaces characters NATS reserves or forbids in subjects
func sanitizeToken(tok string) string {
	if tok == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, tok)
}
