package extension

import (
	"time"

	"steward/pkg/state"

	"go.uber.org/zap"
)

// Context provides dependencies to extension factories.
type Context struct {
	// Name is the extension's registered name.
	Name string

	// Logger is already named after the extension.
	Logger *zap.Logger

	// State is the shared server state. Factories usually keep it and
	// register slots from their start hook.
	State state.Store

	// Settings is the extension's section of the configuration file.
	Settings map[string]any

	// Timezone is the zone scheduled tasks are evaluated in.
	Timezone *time.Location

	// Server lets extensions inspect the running server.
	Server Introspector

	// Clock is the server's time source. Timers an extension arms should
	// come from here so they follow the scheduler's notion of time.
	Clock Clock
}

// Timer is a pending callback from Clock.AfterFunc
type Timer = interface {
	Stop() bool
}

// Clock is the time source handed to extensions
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewContext creates a factory context. Clock starts as the system clock;
// the server replaces it with its own.
func NewContext(name string, logger *zap.Logger, store state.Store, settings map[string]any, tz *time.Location, server Introspector) *Context {
	if settings == nil {
		settings = map[string]any{}
	}
	if tz == nil {
		tz = time.Local
	}
	return &Context{
		Name:     name,
		Logger:   logger.Named(name),
		State:    store,
		Settings: settings,
		Timezone: tz,
		Server:   server,
		Clock:    systemClock{},
	}
}

// Int reads an integer setting, falling back to def when absent or mistyped
func (c *Context) Int(key string, def int) int {
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// String reads a string setting
func (c *Context) String(key, def string) string {
	if v, ok := c.Settings[key].(string); ok {
		return v
	}
	return def
}

// Introspector exposes read-only views of the running server. Methods must
// be called from the service loop, which is where inline handlers run.
type Introspector interface {
	Commands() []CommandInfo
	Subscriptions() []SubscriptionInfo
	Tasks() []TaskInfo
	RunningTasks() []TaskInfo
	ActiveCalls() []CallInfo
	PoolStats() PoolStats
	Uptime() time.Duration
}

// CommandInfo describes a registered command
type CommandInfo struct {
	Name        string `json:"name"`
	Extension   string `json:"extension"`
	Description string `json:"description,omitempty"`
	Mode        string `json:"mode"`
	Permission  string `json:"permission"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// SubscriptionInfo describes one event subscription
type SubscriptionInfo struct {
	Extension string `json:"extension"`
	Pattern   string `json:"pattern"`
	Regexp    bool   `json:"regexp"`
}

// TaskInfo describes a scheduled task
type TaskInfo struct {
	ID        string     `json:"id"`
	Extension string     `json:"extension"`
	Name      string     `json:"name,omitempty"`
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	Since     *time.Time `json:"since,omitempty"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
}

// CallInfo describes an in-flight command invocation
type CallInfo struct {
	ID       string    `json:"id"`
	Command  string    `json:"command"`
	User     string    `json:"user,omitempty"`
	Mode     string    `json:"mode"`
	Deferred bool      `json:"deferred,omitempty"`
	Started  time.Time `json:"started"`
}

// PoolStats is a snapshot of the worker pool
type PoolStats struct {
	Size       int   `json:"size"`
	QueueDepth int   `json:"queue_depth"`
	Active     int64 `json:"active"`
	Queued     int64 `json:"queued"`
	Rejected   int64 `json:"rejected"`
}
