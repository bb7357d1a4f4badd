// Package extension defines what an extension contributes to the server
// (commands, scheduled tasks, event subscriptions and a start hook) and the
// registry extensions add themselves to from init() functions. Binaries pick
// their extension set at compile time through blank imports.
package extension

import (
	"context"
	"fmt"

	"steward/pkg/state"
)

// DefaultPermission is the permission a command gets when it names none
const DefaultPermission = "default"

// Mode selects where a command handler runs.
type Mode int

const (
	// Inline handlers run on the service loop. They must not block and may
	// defer their result through Call.Defer.
	Inline Mode = iota

	// Worker handlers run on the bounded worker pool and may block.
	Worker
)

func (m Mode) String() string {
	switch m {
	case Inline:
		return "inline"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// HandlerFunc executes a command. The returned value is delivered to the
// caller unless the handler deferred its result, in which case the returned
// value is ignored and the continuation delivers instead.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// TaskFunc is the body of a scheduled task. Tasks always run on the worker pool.
type TaskFunc func(ctx context.Context) error

// EventHandlerFunc reacts to a published event on the service loop.
type EventHandlerFunc func(ctx context.Context, ev Event) error

// StartHook runs once after every extension is loaded and before the server
// accepts calls. A returned error aborts startup.
type StartHook func(ctx context.Context, store state.Store) error

// Command is a named operation callers can invoke
type Command struct {
	// Name is the dotted command name, e.g. "shop.order". Names are global
	// across all extensions.
	Name string

	// Description is shown by the command listing.
	Description string

	Handler HandlerFunc
	Mode    Mode

	// Permission gates who may call the command. Empty means DefaultPermission.
	Permission string

	// Hidden commands are callable but left out of listings.
	Hidden bool
}

// Task is a handler fired on a cron-style schedule
type Task struct {
	// Name is informational; the task ID is derived from the extension
	// name and the task's position in Manifest.Tasks.
	Name string

	// Schedule is a five-field cron expression:
	// minute hour day-of-month month day-of-week.
	Schedule string

	Handler TaskFunc
}

// Subscription routes published events to a handler
type Subscription struct {
	// Pattern is either a literal tag or, when Regexp is set, a regular
	// expression that must match the whole tag.
	Pattern string
	Regexp  bool
	Handler EventHandlerFunc
}

// Manifest is everything one extension contributes
type Manifest struct {
	// Name identifies the extension. The loader fills it from Info.Name.
	Name string

	Commands      []Command
	Tasks         []Task
	Subscriptions []Subscription
	OnStart       StartHook
}

// Factory builds an extension's manifest. It runs once during startup.
type Factory func(ctx *Context) (*Manifest, error)
