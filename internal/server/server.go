// Package server wires the runtime together: it loads extension manifests
// into the command registry, scheduler and event bus, runs start hooks, and
// drives everything from a single service loop.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"steward/internal/clock"
	"steward/internal/dispatch"
	"steward/internal/events"
	"steward/internal/loop"
	"steward/internal/permission"
	"steward/internal/registry"
	"steward/internal/scheduler"
	"steward/internal/state"
	"steward/internal/worker"
	"steward/pkg/extension"
	pkgstate "steward/pkg/state"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyStarted is returned when loading or starting a running server
	ErrAlreadyStarted = errors.New("server already started")

	// ErrNotStarted is returned by Shutdown before Start
	ErrNotStarted = errors.New("server not started")
)

// Options configures a Server
type Options struct {
	// Permissions maps permission names to allowed groups.
	Permissions map[string][]string

	WorkerThreads int
	WorkerQueue   int

	TickInterval        time.Duration
	ContinuationTimeout time.Duration

	// BacklogWarning is the loop backlog that triggers a warning.
	BacklogWarning int

	Location *time.Location
	Clock    clock.Clock
}

// Server is the extension runtime
type Server struct {
	logger *zap.Logger
	clock  clock.Clock
	loc    *time.Location

	loop      *loop.Loop
	registry  *registry.Registry
	perms     *permission.Engine
	pool      *worker.Pool
	dispatch  *dispatch.Engine
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	sinks     *events.MultiSink
	store     *state.Store
	shared    pkgstate.Store

	extensions []*extension.Manifest

	mu      sync.Mutex
	started time.Time
	running bool
	cancel  context.CancelFunc
}

// New builds a server. Nothing runs until Start.
func New(opts Options, logger *zap.Logger) (*Server, error) {
	perms, err := permission.New(opts.Permissions)
	if err != nil {
		return nil, fmt.Errorf("invalid permissions: %w", err)
	}

	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	s := &Server{
		logger:   logger,
		clock:    opts.Clock,
		loc:      opts.Location,
		loop:     loop.New(logger, opts.BacklogWarning),
		registry: registry.New(),
		perms:    perms,
		pool: worker.NewPool(logger,
			worker.WithSize(opts.WorkerThreads),
			worker.WithQueueDepth(opts.WorkerQueue)),
		sinks: &events.MultiSink{},
		store: state.NewStore(),
	}
	s.shared = pkgstate.WrapStore(s.store)

	s.bus = events.New(s.sinks, logger)
	s.dispatch = dispatch.New(dispatch.Config{
		Registry:            s.registry,
		Permissions:         s.perms,
		Pool:                s.pool,
		Loop:                s.loop,
		Events:              s.bus,
		Clock:               s.clock,
		ContinuationTimeout: opts.ContinuationTimeout,
	}, logger)
	s.scheduler = scheduler.New(s.dispatch, s.loop, s.clock, logger,
		scheduler.WithInterval(opts.TickInterval),
		scheduler.WithLocation(opts.Location))

	return s, nil
}

// AddSink registers a broadcast sink. Every published event reaches it.
func (s *Server) AddSink(sink events.Sink) {
	s.sinks.Add(sink)
}

// State returns the shared server state
func (s *Server) State() *state.Store {
	return s.store
}

// ExtensionContext builds the factory context for the named extension
func (s *Server) ExtensionContext(name string, settings map[string]any) *extension.Context {
	ctx := extension.NewContext(name, s.logger.Named("ext"), s.shared, settings, s.loc, s)
	ctx.Clock = s.clock
	return ctx
}

// Load registers the commands, tasks and subscriptions of each manifest, in
// order. Any error means the extension set is inconsistent and the server
// must not start.
func (s *Server) Load(manifests ...*extension.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	for _, m := range manifests {
		if m.Name == "" {
			return fmt.Errorf("extension manifest has no name")
		}
		for _, loaded := range s.extensions {
			if loaded.Name == m.Name {
				return fmt.Errorf("extension %s loaded twice", m.Name)
			}
		}

		for _, cmd := range m.Commands {
			if _, err := s.registry.Register(m.Name, cmd); err != nil {
				return err
			}
		}
		for i, task := range m.Tasks {
			if _, err := s.scheduler.Register(m.Name, i, task); err != nil {
				return err
			}
		}
		for _, sub := range m.Subscriptions {
			if err := s.bus.Subscribe(m.Name, sub); err != nil {
				return err
			}
		}

		s.extensions = append(s.extensions, m)
		s.logger.Info("Extension loaded",
			zap.String("extension", m.Name),
			zap.Int("commands", len(m.Commands)),
			zap.Int("tasks", len(m.Tasks)),
			zap.Int("subscriptions", len(m.Subscriptions)))
	}
	return nil
}

// Start runs every start hook in load order, then starts the service loop
// and the scheduler. A failing hook aborts startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}

	// Hooks run before the loop goroutine exists, so publishing goes
	// straight to the bus.
	hookCtx := extension.WithPublisher(ctx, s.bus)
	for _, m := range s.extensions {
		if m.OnStart == nil {
			continue
		}
		if err := m.OnStart(hookCtx, s.shared); err != nil {
			return fmt.Errorf("start hook for %s: %w", m.Name, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.started = s.clock.Now()

	go s.loop.Run(runCtx)
	s.scheduler.Start(runCtx)

	s.logger.Info("Server started",
		zap.Int("extensions", len(s.extensions)),
		zap.Int("commands", s.registry.Len()))
	return nil
}

// Shutdown stops the scheduler, waits for accepted worker jobs to finish and
// report back, stops the service loop and then tears down the state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	s.scheduler.Stop()

	// The loop keeps running while the pool drains so worker results still
	// reach their callers.
	err := s.pool.Stop(ctx)
	cancel()

	select {
	case <-s.loop.Done():
	case <-ctx.Done():
		return fmt.Errorf("waiting for service loop: %w", ctx.Err())
	}

	s.store.Close()

	s.logger.Info("Server stopped")
	return err
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Submit hands a call to the service loop. reply runs on the loop once the
// call completes. Calls submitted from one goroutine are dispatched in order.
func (s *Server) Submit(ctx context.Context, name string, args json.RawMessage, id extension.Identity, reply dispatch.ReplyFunc) error {
	return s.loop.Post(func() {
		s.dispatch.Invoke(ctx, name, args, id, reply)
	})
}

// DeliverCall invokes a command and waits for its result
func (s *Server) DeliverCall(ctx context.Context, name string, args json.RawMessage, id extension.Identity) (any, error) {
	results := make(chan dispatch.Result, 1)
	if err := s.Submit(ctx, name, args, id, func(res dispatch.Result) { results <- res }); err != nil {
		return nil, err
	}

	select {
	case res := <-results:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.loop.Done():
		select {
		case res := <-results:
			return res.Value, res.Err
		default:
			return nil, loop.ErrStopped
		}
	}
}

// Publish emits an event from any goroutine
func (s *Server) Publish(tag string, payload any) error {
	raw, err := extension.MarshalPayload(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", tag, err)
	}
	if tag == "" {
		return events.ErrEmptyTag
	}
	return s.loop.Post(func() {
		if err := s.bus.Publish(tag, raw); err != nil {
			s.logger.Warn("Publish failed", zap.String("tag", tag), zap.Error(err))
		}
	})
}

// Do runs fn on the service loop and waits for it. Introspection from other
// goroutines goes through here.
func (s *Server) Do(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// Extensions returns the loaded extension names in load order
func (s *Server) Extensions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.extensions))
	for _, m := range s.extensions {
		names = append(names, m.Name)
	}
	return names
}

// Commands lists every registered command, hidden ones included. Safe from
// any goroutine.
func (s *Server) Commands() []extension.CommandInfo {
	descs := s.registry.List(true)
	out := make([]extension.CommandInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Info())
	}
	return out
}

// Subscriptions lists event subscriptions. Call on the service loop.
func (s *Server) Subscriptions() []extension.SubscriptionInfo {
	return s.bus.Subscriptions()
}

// Tasks lists scheduled tasks. Call on the service loop.
func (s *Server) Tasks() []extension.TaskInfo {
	return s.scheduler.Tasks()
}

// RunningTasks lists tasks currently executing. Call on the service loop.
func (s *Server) RunningTasks() []extension.TaskInfo {
	return s.scheduler.Running()
}

// ActiveCalls lists in-flight commands. Call on the service loop.
func (s *Server) ActiveCalls() []extension.CallInfo {
	return s.dispatch.ActiveCalls()
}

// PoolStats returns worker pool statistics. Safe from any goroutine.
func (s *Server) PoolStats() extension.PoolStats {
	return s.pool.Stats()
}

// Uptime returns how long the server has been running
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(s.started)
}
