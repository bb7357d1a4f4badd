// Package loop implements the single-threaded service loop. Everything posted
// runs on one goroutine in FIFO order, so state owned by the loop needs no
// locking as long as it is only touched from posted functions.
package loop

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrStopped is returned when posting to a loop that has shut down
var ErrStopped = errors.New("service loop stopped")

// Loop is a FIFO mailbox of functions drained by a single goroutine.
// The mailbox is unbounded so that code on the loop can post to itself
// without deadlocking; backlog beyond warnAt is logged.
type Loop struct {
	logger *zap.Logger
	warnAt int

	mu      sync.Mutex
	queue   []func()
	stopped bool
	warned  bool
	wake    chan struct{}

	running atomic.Bool
	done    chan struct{}
}

// New creates a loop. warnAt is the backlog size that triggers a warning;
// zero disables it.
func New(logger *zap.Logger, warnAt int) *Loop {
	return &Loop{
		logger: logger.Named("loop"),
		warnAt: warnAt,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	backlog := len(l.queue)
	warn := l.warnAt > 0 && backlog >= l.warnAt && !l.warned
	if warn {
		l.warned = true
	}
	l.mu.Unlock()

	if warn {
		l.logger.Warn("Service loop backlog is growing", zap.Int("backlog", backlog))
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do posts fn and waits for it to run
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may have run as part of the final drain
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the mailbox until ctx is cancelled. Work already queued when
// ctx is cancelled still runs; later posts fail with ErrStopped.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.DPanic("Service loop started twice")
		return
	}
	defer close(l.done)

	l.logger.Debug("Service loop started")
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			l.drain()
			l.logger.Debug("Service loop stopped")
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Backlog returns the number of queued functions
func (l *Loop) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.warned = false
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic on service loop",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
