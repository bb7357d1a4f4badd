// Package events routes published events to subscribers and then to the
// broadcast sink.
//
// Publishing runs on the service loop. A publish made while another is being
// processed, typically by a handler, is queued and handled after the current
// one, so events reach handlers and the sink in publish order.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"

	"steward/internal/metrics"
	"steward/pkg/extension"

	"go.uber.org/zap"
)

// ErrEmptyTag is returned when publishing without a tag
var ErrEmptyTag = errors.New("event tag cannot be empty")

// Sink receives every published event after local handlers have run.
// OnEvent is called on the service loop and must not block.
type Sink interface {
	OnEvent(tag string, payload json.RawMessage)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(tag string, payload json.RawMessage)

// OnEvent calls f
func (f SinkFunc) OnEvent(tag string, payload json.RawMessage) {
	f(tag, payload)
}

// MultiSink fans events out to several sinks. Sinks may be added while the
// server runs.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// Add appends a sink
func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// OnEvent forwards to every sink in the order they were added
func (m *MultiSink) OnEvent(tag string, payload json.RawMessage) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	for _, s := range sinks {
		s.OnEvent(tag, payload)
	}
}

type subscription struct {
	ext     string
	pattern string
	re      *regexp.Regexp
	handler extension.EventHandlerFunc
}

// match reports whether tag matches and returns any capture groups
func (s *subscription) match(tag string) (bool, []string) {
	if s.re == nil {
		return tag == s.pattern, nil
	}
	m := s.re.FindStringSubmatch(tag)
	if m == nil {
		return false, nil
	}
	return true, m[1:]
}

type pending struct {
	tag     string
	payload json.RawMessage
}

// Bus holds subscriptions and processes publishes. Apart from MultiSink,
// everything here belongs to the service loop.
type Bus struct {
	logger *zap.Logger
	sink   Sink
	ctx    context.Context

	subs       []*subscription
	queue      []pending
	publishing bool
}

// New creates a bus forwarding to sink, which may be nil
func New(sink Sink, logger *zap.Logger) *Bus {
	b := &Bus{
		logger: logger.Named("events"),
		sink:   sink,
	}
	b.ctx = extension.WithPublisher(context.Background(), b)
	return b
}

// Subscribe adds a subscription for ext. Regular expressions must match the
// whole tag.
func (b *Bus) Subscribe(ext string, sub extension.Subscription) error {
	if sub.Handler == nil {
		return fmt.Errorf("extension %s: subscription %q has no handler", ext, sub.Pattern)
	}
	if sub.Pattern == "" {
		return fmt.Errorf("extension %s: subscription pattern cannot be empty", ext)
	}

	s := &subscription{ext: ext, pattern: sub.Pattern, handler: sub.Handler}
	if sub.Regexp {
		re, err := regexp.Compile(`^(?:` + sub.Pattern + `)$`)
		if err != nil {
			return fmt.Errorf("extension %s: subscription %q: %w", ext, sub.Pattern, err)
		}
		s.re = re
	}

	b.subs = append(b.subs, s)
	return nil
}

// Publish processes an event: matching handlers run in subscription order,
// then the sink receives the event. Re-entrant publishes are queued.
func (b *Bus) Publish(tag string, payload json.RawMessage) error {
	if tag == "" {
		return ErrEmptyTag
	}

	b.queue = append(b.queue, pending{tag: tag, payload: payload})
	if b.publishing {
		return nil
	}

	b.publishing = true
	defer func() { b.publishing = false }()

	for len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue[0] = pending{}
		b.queue = b.queue[1:]
		b.process(ev)
	}
	return nil
}

func (b *Bus) process(ev pending) {
	metrics.EventsPublished.Inc()

	for _, s := range b.subs {
		ok, groups := s.match(ev.tag)
		if !ok {
			continue
		}
		b.deliver(s, extension.Event{
			Tag:     ev.tag,
			Payload: clone(ev.payload),
			Groups:  groups,
		})
	}

	if b.sink != nil {
		b.forward(ev)
	}
}

func (b *Bus) deliver(s *subscription, ev extension.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventHandlerErrors.Inc()
			b.logger.Error("Event handler panicked",
				zap.String("tag", ev.Tag),
				zap.String("extension", s.ext),
				zap.String("pattern", s.pattern),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if err := s.handler(b.ctx, ev); err != nil {
		metrics.EventHandlerErrors.Inc()
		b.logger.Error("Event handler failed",
			zap.String("tag", ev.Tag),
			zap.String("extension", s.ext),
			zap.String("pattern", s.pattern),
			zap.Error(err))
	}
}

func (b *Bus) forward(ev pending) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Broadcast sink panicked",
				zap.String("tag", ev.tag),
				zap.Any("panic", r))
		}
	}()
	b.sink.OnEvent(ev.tag, ev.payload)
}

// Subscriptions lists subscriptions in registration order
func (b *Bus) Subscriptions() []extension.SubscriptionInfo {
	out := make([]extension.SubscriptionInfo, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, extension.SubscriptionInfo{
			Extension: s.ext,
			Pattern:   s.pattern,
			Regexp:    s.re != nil,
		})
	}
	return out
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
