package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPublisher is returned by Publish when the context carries no publisher
var ErrNoPublisher = errors.New("no event publisher in context")

// Event is a published notification as seen by one subscriber. Each
// subscriber receives its own copy of Payload.
type Event struct {
	Tag     string
	Payload json.RawMessage

	// Groups holds the capture groups of a regular expression subscription,
	// excluding the whole match. It is nil for literal subscriptions.
	Groups []string
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Tag)
	}
	return json.Unmarshal(e.Payload, v)
}

// Publisher emits events. The server hands handlers a publisher appropriate
// to the goroutine they run on.
type Publisher interface {
	Publish(tag string, payload json.RawMessage) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(tag string, payload json.RawMessage) error

// Publish calls f
func (f PublisherFunc) Publish(tag string, payload json.RawMessage) error {
	return f(tag, payload)
}

type publisherKey struct{}

// WithPublisher returns a context carrying p
func WithPublisher(ctx context.Context, p Publisher) context.Context {
	return context.WithValue(ctx, publisherKey{}, p)
}

// PublisherFrom returns the publisher carried by ctx, if any
func PublisherFrom(ctx context.Context) (Publisher, bool) {
	p, ok := ctx.Value(publisherKey{}).(Publisher)
	return p, ok
}

// Publish marshals payload and publishes it under tag using the publisher in
// ctx. The payload is captured at this point; later changes to the value
// are not seen by subscribers.
func Publish(ctx context.Context, tag string, payload any) error {
	p, ok := PublisherFrom(ctx)
	if !ok {
		return ErrNoPublisher
	}
	raw, err := MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", tag, err)
	}
	return p.Publish(tag, raw)
}

// MarshalPayload encodes payload, passing raw JSON through untouched
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}
