package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyResolved is returned by a second resolution of a continuation.
	ErrAlreadyResolved = errors.New("continuation already resolved")

	// ErrContinuationAbandoned is delivered to the caller when a deferred
	// command never resolves its continuation.
	ErrContinuationAbandoned = errors.New("continuation abandoned without a result")

	// ErrNoArgs is returned by Call.Bind when the caller sent no arguments.
	ErrNoArgs = errors.New("command called without arguments")
)

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Call is a single invocation handed to a command handler
type Call struct {
	// ID is unique per invocation and shows up in logs and the status listing.
	ID string

	Command  string
	Args     json.RawMessage
	Identity Identity

	Started time.Time

	deferFn func() *Continuation
}

// CallOption configures a Call built with NewCall
type CallOption func(*Call)

// WithDefer enables Call.Defer. fn is invoked at most once.
func WithDefer(fn func() *Continuation) CallOption {
	return func(c *Call) {
		c.deferFn = fn
	}
}

// NewCall builds a call. The dispatch engine is the only intended user.
func NewCall(id, command string, args json.RawMessage, identity Identity, started time.Time, opts ...CallOption) *Call {
	c := &Call{
		ID:       id,
		Command:  command,
		Args:     args,
		Identity: identity,
		Started:  started,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind decodes the call arguments into v
func (c *Call) Bind(v any) error {
	if len(c.Args) == 0 || string(c.Args) == "null" {
		return ErrNoArgs
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("decode %s arguments: %w", c.Command, err)
	}
	return nil
}

// CanDefer reports whether Defer is available to this call
func (c *Call) CanDefer() bool {
	return c.deferFn != nil
}

// Defer detaches the result from the handler's return. The handler returns
// right away and the caller receives whatever is passed to the continuation.
// Only inline commands may defer; calling Defer elsewhere panics.
func (c *Call) Defer() *Continuation {
	if c.deferFn == nil {
		panic(fmt.Sprintf("command %s: Defer is only available to inline commands", c.Command))
	}
	return c.deferFn()
}

// Continuation delivers a deferred result exactly once. It is safe to
// resolve from any goroutine.
type Continuation struct {
	resolved atomic.Bool
	deliver  func(value any, err error)
	misuse   func(err error)
}

// NewContinuation creates a continuation. deliver receives the first
// resolution; misuse is told about every later one.
func NewContinuation(deliver func(value any, err error), misuse func(err error)) *Continuation {
	return &Continuation{deliver: deliver, misuse: misuse}
}

// Resolve delivers value or err to the caller. Only the first resolution
// counts; later ones return ErrAlreadyResolved.
func (c *Continuation) Resolve(value any, err error) error {
	if !c.resolved.CompareAndSwap(false, true) {
		if c.misuse != nil {
			c.misuse(ErrAlreadyResolved)
		}
		return ErrAlreadyResolved
	}
	c.deliver(value, err)
	return nil
}

// Succeed resolves with a value
func (c *Continuation) Succeed(value any) error {
	return c.Resolve(value, nil)
}

// Fail resolves with an error
func (c *Continuation) Fail(err error) error {
	return c.Resolve(nil, err)
}

// Resolved reports whether the continuation has been resolved or abandoned
func (c *Continuation) Resolved() bool {
	return c.resolved.Load()
}

// Abandon marks the continuation resolved without delivering anything.
// It reports whether this call won the race against Resolve.
func (c *Continuation) Abandon() bool {
	return c.resolved.CompareAndSwap(false, true)
}
