// Package dispatch resolves, authorizes and executes command invocations.
//
// Invoke and everything it calls back into run on the service loop. Inline
// handlers execute right there; worker handlers execute on the pool and their
// results are posted back to the loop before the reply is delivered.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sort"
	"time"

	"steward/internal/clock"
	"steward/internal/loop"
	"steward/internal/metrics"
	"steward/internal/permission"
	"steward/internal/registry"
	"steward/internal/worker"
	"steward/pkg/extension"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultContinuationTimeout bounds how long a deferred inline call may stay
// unresolved before it is reported as abandoned.
const DefaultContinuationTimeout = 30 * time.Second

// Result is what a caller receives: a value or an error, never both
type Result struct {
	Value any
	Err   error
}

// ReplyFunc receives the result of an invocation on the service loop
type ReplyFunc func(Result)

// Config wires the engine to the rest of the runtime
type Config struct {
	Registry    *registry.Registry
	Permissions *permission.Engine
	Pool        *worker.Pool
	Loop        *loop.Loop

	// Events publishes on the service loop. The engine hands handlers a
	// publisher suited to where they run.
	Events extension.Publisher

	Clock               clock.Clock
	ContinuationTimeout time.Duration
}

type activeCall struct {
	id       string
	desc     *registry.Descriptor
	user     string
	started  time.Time
	deferred bool
	watchdog clock.Timer
}

// Engine is the dispatch engine. Apart from SubmitTask's worker side, all
// methods must be called on the service loop.
type Engine struct {
	logger      *zap.Logger
	registry    *registry.Registry
	perms       *permission.Engine
	pool        *worker.Pool
	loop        *loop.Loop
	events      extension.Publisher
	clock       clock.Clock
	contTimeout time.Duration

	active map[string]*activeCall
}

// New creates a dispatch engine
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.ContinuationTimeout == 0 {
		cfg.ContinuationTimeout = DefaultContinuationTimeout
	}
	return &Engine{
		logger:      logger.Named("dispatch"),
		registry:    cfg.Registry,
		perms:       cfg.Permissions,
		pool:        cfg.Pool,
		loop:        cfg.Loop,
		events:      cfg.Events,
		clock:       cfg.Clock,
		contTimeout: cfg.ContinuationTimeout,
		active:      make(map[string]*activeCall),
	}
}

// Invoke resolves name, checks the caller may use it and runs it. reply is
// called exactly once, on the service loop.
func (e *Engine) Invoke(ctx context.Context, name string, args json.RawMessage, id extension.Identity, reply ReplyFunc) {
	desc, err := e.registry.Resolve(name)
	if err != nil {
		e.reject("unknown", err, reply)
		return
	}

	if err := e.perms.Require(id, desc.Permission, desc.Name); err != nil {
		e.reject(desc.Name, err, reply)
		return
	}

	ac := &activeCall{
		id:      uuid.NewString(),
		desc:    desc,
		user:    id.User,
		started: e.clock.Now(),
	}
	e.active[ac.id] = ac
	metrics.ActiveCalls.Inc()

	finish := func(res Result) {
		if _, ok := e.active[ac.id]; !ok {
			e.logger.DPanic("Result delivered twice",
				zap.String("command", desc.Name),
				zap.String("call_id", ac.id))
			return
		}
		delete(e.active, ac.id)
		if ac.watchdog != nil {
			ac.watchdog.Stop()
		}

		metrics.ActiveCalls.Dec()
		metrics.CallDuration.WithLabelValues(desc.Name, desc.Mode.String()).Observe(e.clock.Now().Sub(ac.started).Seconds())
		metrics.Calls.WithLabelValues(desc.Name, outcome(res.Err)).Inc()

		if res.Err != nil {
			e.logger.Debug("Command failed",
				zap.String("command", desc.Name),
				zap.String("call_id", ac.id),
				zap.Error(res.Err))
		}
		reply(res)
	}

	switch desc.Mode {
	case extension.Worker:
		e.runWorker(ctx, ac, args, id, finish)
	default:
		e.runInline(ctx, ac, args, id, finish)
	}
}

func (e *Engine) reject(label string, err error, reply ReplyFunc) {
	metrics.Calls.WithLabelValues(label, outcome(err)).Inc()
	e.logger.Debug("Command rejected", zap.String("command", label), zap.Error(err))
	reply(Result{Err: err})
}

func (e *Engine) runInline(ctx context.Context, ac *activeCall, args json.RawMessage, id extension.Identity, finish ReplyFunc) {
	desc := ac.desc

	var cont *extension.Continuation
	call := extension.NewCall(ac.id, desc.Name, args, id, ac.started,
		extension.WithDefer(func() *extension.Continuation {
			if cont == nil {
				cont = e.continuation(ac, finish)
			}
			return cont
		}))

	value, err := invokeHandler(extension.WithPublisher(ctx, e.events), desc.Handler, call)

	if cont == nil {
		finish(result(desc.Name, value, err))
		return
	}

	switch {
	case err != nil:
		if cont.Abandon() {
			finish(result(desc.Name, nil, err))
			return
		}
		e.logger.DPanic("Inline handler failed after resolving its continuation",
			zap.String("command", desc.Name),
			zap.String("call_id", ac.id),
			zap.Error(err))
	case value != nil:
		e.logger.DPanic("Inline handler returned a value after deferring; value ignored",
			zap.String("command", desc.Name),
			zap.String("call_id", ac.id))
	}
}

func (e *Engine) continuation(ac *activeCall, finish ReplyFunc) *extension.Continuation {
	command := ac.desc.Name
	ac.deferred = true

	var cont *extension.Continuation
	cont = extension.NewContinuation(
		func(value any, err error) {
			res := result(command, value, err)
			if postErr := e.loop.Post(func() { finish(res) }); postErr != nil {
				e.logger.Warn("Dropped deferred result",
					zap.String("command", command),
					zap.String("call_id", ac.id),
					zap.Error(postErr))
			}
		},
		func(misuse error) {
			e.logger.DPanic("Continuation resolved more than once",
				zap.String("command", command),
				zap.String("call_id", ac.id),
				zap.Error(misuse))
		},
	)

	ac.watchdog = e.clock.AfterFunc(e.contTimeout, func() {
		_ = e.loop.Post(func() {
			if !cont.Abandon() {
				return
			}
			e.logger.DPanic("Continuation never resolved",
				zap.String("command", command),
				zap.String("call_id", ac.id),
				zap.Duration("timeout", e.contTimeout))
			finish(Result{Err: &HandlerError{Command: command, Cause: extension.ErrContinuationAbandoned}})
		})
	})

	return cont
}

func (e *Engine) runWorker(ctx context.Context, ac *activeCall, args json.RawMessage, id extension.Identity, finish ReplyFunc) {
	desc := ac.desc
	call := extension.NewCall(ac.id, desc.Name, args, id, ac.started)
	ctx = extension.WithPublisher(ctx, e.offLoopPublisher())

	err := e.pool.Submit(func() {
		value, err := invokeHandler(ctx, desc.Handler, call)
		res := result(desc.Name, value, err)
		if postErr := e.loop.Post(func() { finish(res) }); postErr != nil {
			e.logger.Warn("Dropped worker result",
				zap.String("command", desc.Name),
				zap.String("call_id", ac.id),
				zap.Error(postErr))
		}
	})
	if err == nil {
		return
	}

	if errors.Is(err, worker.ErrPoolExhausted) {
		err = &WorkerPoolExhaustedError{Command: desc.Name}
	}
	finish(Result{Err: err})
}

// SubmitTask runs fn on the worker pool with no caller identity and reports
// its outcome to done on the service loop. It fails if the pool refuses the job.
func (e *Engine) SubmitTask(ctx context.Context, taskID string, fn extension.TaskFunc, done func(error)) error {
	ctx = extension.WithPublisher(ctx, e.offLoopPublisher())

	return e.pool.Submit(func() {
		err := invokeTask(ctx, fn)
		if postErr := e.loop.Post(func() { done(err) }); postErr != nil {
			e.logger.Warn("Dropped task result",
				zap.String("task_id", taskID),
				zap.Error(postErr))
		}
	})
}

// offLoopPublisher hands events from worker goroutines to the loop
func (e *Engine) offLoopPublisher() extension.Publisher {
	return extension.PublisherFunc(func(tag string, payload json.RawMessage) error {
		return e.loop.Post(func() {
			if err := e.events.Publish(tag, payload); err != nil {
				e.logger.Warn("Publish from worker failed", zap.String("tag", tag), zap.Error(err))
			}
		})
	})
}

// ActiveCalls lists in-flight invocations, oldest first
func (e *Engine) ActiveCalls() []extension.CallInfo {
	out := make([]extension.CallInfo, 0, len(e.active))
	for _, ac := range e.active {
		out = append(out, extension.CallInfo{
			ID:       ac.id,
			Command:  ac.desc.Name,
			User:     ac.user,
			Mode:     ac.desc.Mode.String(),
			Deferred: ac.deferred,
			Started:  ac.started,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func result(command string, value any, err error) Result {
	if err != nil {
		return Result{Err: &HandlerError{Command: command, Cause: err}}
	}
	return Result{Value: value}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return Kind(err)
}

func invokeHandler(ctx context.Context, h extension.HandlerFunc, call *extension.Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &extension.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, call)
}

func invokeTask(ctx context.Context, fn extension.TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &extension.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
