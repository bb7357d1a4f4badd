package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"steward/internal/clock"
	"steward/internal/loop"
	"steward/internal/permission"
	"steward/internal/registry"
	"steward/internal/worker"
	"steward/pkg/extension"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	amy = extension.Identity{User: "amy", Groups: []string{"staff"}}
	bob = extension.Identity{User: "bob", Groups: []string{"guest"}}
)

type published struct {
	tag     string
	payload string
}

type harness struct {
	engine *Engine
	loop   *loop.Loop
	reg    *registry.Registry
	clock  *clock.MockClock
	logs   *observer.ObservedLogs
	events []published
}

func newHarness(t *testing.T, opts ...worker.Option) *harness {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	perms, err := permission.New(map[string][]string{
		permission.Default: {"everyone"},
		"shop.order":       {"staff"},
	})
	require.NoError(t, err)

	h := &harness{
		loop:  loop.New(logger, 0),
		reg:   registry.New(),
		clock: clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		logs:  logs,
	}

	pool := worker.NewPool(logger, opts...)
	h.engine = New(Config{
		Registry:    h.reg,
		Permissions: perms,
		Pool:        pool,
		Loop:        h.loop,
		Events: extension.PublisherFunc(func(tag string, payload json.RawMessage) error {
			h.events = append(h.events, published{tag, string(payload)})
			return nil
		}),
		Clock:               h.clock,
		ContinuationTimeout: time.Minute,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.loop.Done()
		_ = pool.Stop(context.Background())
	})
	return h
}

func (h *harness) register(t *testing.T, cmd extension.Command) {
	t.Helper()
	_, err := h.reg.Register("test", cmd)
	require.NoError(t, err)
}

func (h *harness) invokeAsync(t *testing.T, name, args string, id extension.Identity) <-chan Result {
	t.Helper()
	out := make(chan Result, 1)
	var raw json.RawMessage
	if args != "" {
		raw = json.RawMessage(args)
	}
	require.NoError(t, h.loop.Post(func() {
		h.engine.Invoke(context.Background(), name, raw, id, func(res Result) { out <- res })
	}))
	return out
}

func (h *harness) invoke(t *testing.T, name, args string, id extension.Identity) Result {
	t.Helper()
	return wait(t, h.invokeAsync(t, name, args, id))
}

// onLoop runs fn on the service loop and waits for it
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Do(context.Background(), fn))
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestInvoke_UnknownCommand(t *testing.T) {
	h := newHarness(t)

	res := h.invoke(t, "foo.bar", "", amy)

	var unknown *registry.UnknownCommandError
	require.True(t, errors.As(res.Err, &unknown))
	assert.Equal(t, "foo.bar", unknown.Name)
	assert.Equal(t, KindUnknownCommand, Kind(res.Err))
	assert.Equal(t, "foo.bar", Describe(res.Err).Command)
}

func TestInvoke_PermissionScenario(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name:       "shop.order",
		Permission: "shop.order",
		Handler:    func(context.Context, *extension.Call) (any, error) { return "ordered", nil },
	})

	res := h.invoke(t, "shop.order", "", amy)
	require.NoError(t, res.Err)
	assert.Equal(t, "ordered", res.Value)

	res = h.invoke(t, "shop.order", "", bob)
	var denied *permission.DeniedError
	require.True(t, errors.As(res.Err, &denied))
	assert.Equal(t, "shop.order", denied.Permission)
	assert.Equal(t, "bob", denied.User)

	info := Describe(res.Err)
	assert.Equal(t, KindPermissionDenied, info.Kind)
	assert.Equal(t, "shop.order", info.Permission)
	assert.Equal(t, "shop.order", info.Command)
}

func TestInvoke_MalformedIdentity(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name:    "status",
		Handler: func(context.Context, *extension.Call) (any, error) { return nil, nil },
	})

	res := h.invoke(t, "status", "", extension.Identity{User: "amy", Groups: []string{"everyone"}})
	assert.ErrorIs(t, res.Err, permission.ErrMalformedIdentity)
	assert.Equal(t, KindMalformedIdentity, Kind(res.Err))
}

func TestInvoke_Inline(t *testing.T) {
	h := newHarness(t)

	var gotCall *extension.Call
	h.register(t, extension.Command{
		Name: "shop.brie",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			gotCall = call
			var args struct{ N int }
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			return args.N * 2, nil
		},
	})

	res := h.invoke(t, "shop.brie", `{"N":21}`, amy)
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, "shop.brie", gotCall.Command)
	assert.Equal(t, amy, gotCall.Identity)
	assert.True(t, gotCall.CanDefer())
	assert.NotEmpty(t, gotCall.ID)

	h.onLoop(t, func() { assert.Empty(t, h.engine.ActiveCalls()) })
}

func TestInvoke_InlineErrorsBecomeHandlerErrors(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name:    "fails",
		Handler: func(context.Context, *extension.Call) (any, error) { return nil, errors.New("no cheese") },
	})
	h.register(t, extension.Command{
		Name:    "panics",
		Handler: func(context.Context, *extension.Call) (any, error) { panic("kaboom") },
	})

	res := h.invoke(t, "fails", "", amy)
	var handlerErr *HandlerError
	require.True(t, errors.As(res.Err, &handlerErr))
	assert.Equal(t, "fails", handlerErr.Command)
	assert.EqualError(t, handlerErr.Cause, "no cheese")
	assert.Equal(t, "no cheese", Describe(res.Err).Cause)

	res = h.invoke(t, "panics", "", amy)
	require.True(t, errors.As(res.Err, &handlerErr))
	var panicErr *extension.PanicError
	require.True(t, errors.As(res.Err, &panicErr))
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.Equal(t, "handler panicked", Describe(res.Err).Cause)

	// The loop survived both
	res = h.invoke(t, "fails", "", amy)
	assert.Error(t, res.Err)
}

func TestInvoke_InlinePublishesOnLoop(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "pub",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			return true, extension.Publish(ctx, "cheese/ready", map[string]string{"kind": "brie"})
		},
	})

	res := h.invoke(t, "pub", "", amy)
	require.NoError(t, res.Err)
	require.Len(t, h.events, 1)
	assert.Equal(t, "cheese/ready", h.events[0].tag)
	assert.JSONEq(t, `{"kind":"brie"}`, h.events[0].payload)
}

func TestInvoke_DeferredContinuation(t *testing.T) {
	h := newHarness(t)

	conts := make(chan *extension.Continuation, 1)
	h.register(t, extension.Command{
		Name: "later",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			conts <- call.Defer()
			return nil, nil
		},
	})

	out := h.invokeAsync(t, "later", "", amy)
	cont := <-conts

	h.onLoop(t, func() {
		active := h.engine.ActiveCalls()
		require.Len(t, active, 1)
		assert.Equal(t, "later", active[0].Command)
		assert.True(t, active[0].Deferred)
		assert.Equal(t, "amy", active[0].User)
	})

	go func() { _ = cont.Succeed("done") }()

	res := wait(t, out)
	require.NoError(t, res.Err)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 0, h.clock.Pending(), "watchdog stopped after resolution")
}

func TestInvoke_DeferredFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "later",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			cont := call.Defer()
			go func() { _ = cont.Fail(errors.New("supplier closed")) }()
			return nil, nil
		},
	})

	res := h.invoke(t, "later", "", amy)
	var handlerErr *HandlerError
	require.True(t, errors.As(res.Err, &handlerErr))
	assert.EqualError(t, handlerErr.Cause, "supplier closed")
}

func TestInvoke_DoubleResolveIsReported(t *testing.T) {
	h := newHarness(t)

	second := make(chan error, 1)
	h.register(t, extension.Command{
		Name: "twice",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			cont := call.Defer()
			_ = cont.Succeed(1)
			second <- cont.Succeed(2)
			return nil, nil
		},
	})

	res := h.invoke(t, "twice", "", amy)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Value)

	assert.ErrorIs(t, <-second, extension.ErrAlreadyResolved)
	entries := h.logs.FilterMessage("Continuation resolved more than once").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DPanicLevel, entries[0].Level)
}

func TestInvoke_AbandonedContinuation(t *testing.T) {
	h := newHarness(t)

	conts := make(chan *extension.Continuation, 1)
	h.register(t, extension.Command{
		Name: "forgetful",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			conts <- call.Defer()
			return nil, nil
		},
	})

	out := h.invokeAsync(t, "forgetful", "", amy)
	cont := <-conts
	h.onLoop(t, func() {})

	h.clock.Advance(time.Minute)

	res := wait(t, out)
	var handlerErr *HandlerError
	require.True(t, errors.As(res.Err, &handlerErr))
	assert.ErrorIs(t, res.Err, extension.ErrContinuationAbandoned)
	assert.Equal(t, 1, h.logs.FilterMessage("Continuation never resolved").Len())

	// A late resolution is a second resolution
	assert.ErrorIs(t, cont.Succeed("late"), extension.ErrAlreadyResolved)
}

func TestInvoke_DeferredHandlerErrorWins(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "broken",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			call.Defer()
			return nil, errors.New("gave up")
		},
	})

	res := h.invoke(t, "broken", "", amy)
	assert.EqualError(t, res.Err, "command broken failed: gave up")
	assert.Equal(t, 0, h.clock.Pending())
}

func TestInvoke_ValueAfterDeferIsReported(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "confused",
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			_ = call.Defer().Succeed("from continuation")
			return "from return", nil
		},
	})

	res := h.invoke(t, "confused", "", amy)
	assert.Equal(t, "from continuation", res.Value)
	assert.Equal(t, 1, h.logs.FilterMessage("Inline handler returned a value after deferring; value ignored").Len())
}

func TestInvoke_WorkerValueError(t *testing.T) {
	h := newHarness(t, worker.WithSize(1), worker.WithQueueDepth(0))
	h.register(t, extension.Command{
		Name: "shop.order",
		Mode: extension.Worker,
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			var args struct{ Quantity int }
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			if args.Quantity <= 0 {
				return nil, errors.New("ValueError: quantity must be positive")
			}
			return args.Quantity, nil
		},
	})

	res := h.invoke(t, "shop.order", `{"Quantity":-1}`, amy)
	var handlerErr *HandlerError
	require.True(t, errors.As(res.Err, &handlerErr))
	assert.Equal(t, "shop.order", handlerErr.Command)
	assert.Contains(t, handlerErr.Cause.Error(), "ValueError")

	// The pool is still usable
	res = h.invoke(t, "shop.order", `{"Quantity":3}`, amy)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Value)
}

func TestInvoke_WorkerPanic(t *testing.T) {
	h := newHarness(t, worker.WithSize(1))
	h.register(t, extension.Command{
		Name:    "explode",
		Mode:    extension.Worker,
		Handler: func(context.Context, *extension.Call) (any, error) { panic("worker boom") },
	})

	res := h.invoke(t, "explode", "", amy)
	var panicErr *extension.PanicError
	require.True(t, errors.As(res.Err, &panicErr))
	assert.Equal(t, KindHandlerError, Kind(res.Err))
}

func TestInvoke_WorkerCannotDefer(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "sneaky",
		Mode: extension.Worker,
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			call.Defer()
			return nil, nil
		},
	})

	res := h.invoke(t, "sneaky", "", amy)
	var panicErr *extension.PanicError
	require.True(t, errors.As(res.Err, &panicErr))
	assert.Contains(t, panicErr.Error(), "only available to inline commands")
}

func TestInvoke_WorkerPoolExhausted(t *testing.T) {
	h := newHarness(t, worker.WithSize(1), worker.WithQueueDepth(0))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.register(t, extension.Command{
		Name: "slow",
		Mode: extension.Worker,
		Handler: func(context.Context, *extension.Call) (any, error) {
			started <- struct{}{}
			<-release
			return "slow done", nil
		},
	})

	first := h.invokeAsync(t, "slow", "", amy)
	<-started

	res := h.invoke(t, "slow", "", amy)
	var exhausted *WorkerPoolExhaustedError
	require.True(t, errors.As(res.Err, &exhausted))
	assert.Equal(t, "slow", exhausted.Command)
	assert.True(t, exhausted.Temporary())
	assert.ErrorIs(t, res.Err, worker.ErrPoolExhausted)
	assert.Equal(t, KindWorkerPoolExhausted, Kind(res.Err))

	close(release)
	assert.Equal(t, "slow done", wait(t, first).Value)
}

func TestInvoke_WorkerDoesNotBlockLoop(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.register(t, extension.Command{
		Name: "slow",
		Mode: extension.Worker,
		Handler: func(context.Context, *extension.Call) (any, error) {
			<-release
			return nil, nil
		},
	})
	h.register(t, extension.Command{
		Name:    "fast",
		Handler: func(context.Context, *extension.Call) (any, error) { return "fast", nil },
	})

	slow := h.invokeAsync(t, "slow", "", amy)
	assert.Equal(t, "fast", h.invoke(t, "fast", "", amy).Value)

	close(release)
	assert.NoError(t, wait(t, slow).Err)
}

func TestInvoke_WorkerPublishesThroughLoop(t *testing.T) {
	h := newHarness(t)
	h.register(t, extension.Command{
		Name: "announce",
		Mode: extension.Worker,
		Handler: func(ctx context.Context, call *extension.Call) (any, error) {
			return nil, extension.Publish(ctx, "order/brie", 2)
		},
	})

	res := h.invoke(t, "announce", "", amy)
	require.NoError(t, res.Err)

	// The publish was posted before the result, so it has already run
	require.Len(t, h.events, 1)
	assert.Equal(t, published{"order/brie", "2"}, h.events[0])
}

func TestSubmitTask(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 2)
	ran := make(chan bool, 1)

	h.onLoop(t, func() {
		err := h.engine.SubmitTask(context.Background(), "shop/task/0", func(ctx context.Context) error {
			_, hasPublisher := extension.PublisherFrom(ctx)
			ran <- hasPublisher
			return errors.New("restock failed")
		}, func(err error) { done <- err })
		require.NoError(t, err)
	})

	assert.True(t, <-ran)
	assert.EqualError(t, <-done, "restock failed")

	h.onLoop(t, func() {
		_ = h.engine.SubmitTask(context.Background(), "shop/task/1", func(context.Context) error {
			panic("task boom")
		}, func(err error) { done <- err })
	})

	var panicErr *extension.PanicError
	assert.True(t, errors.As(<-done, &panicErr))
}

func TestDescribe_Internal(t *testing.T) {
	info := Describe(errors.New("secret database path"))
	assert.Equal(t, KindInternal, info.Kind)
	assert.Equal(t, "internal error", info.Message)
	assert.Nil(t, Describe(nil))
	assert.Equal(t, "", Kind(nil))
}
