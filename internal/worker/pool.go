// Package worker runs blocking work on a bounded pool of goroutines.
//
// At most Size jobs execute at once and at most QueueDepth more wait for a
// slot. Submissions beyond that are rejected with ErrPoolExhausted instead of
// stalling the caller.
package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"steward/internal/metrics"
	"steward/pkg/extension"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolExhausted is returned when every worker is busy and the queue is full
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrPoolStopped is returned by Submit after Stop
	ErrPoolStopped = errors.New("worker pool stopped")
)

const (
	DefaultSize       = 4
	DefaultQueueDepth = 16
)

// Option configures a Pool
type Option func(*Pool)

// WithSize sets the number of concurrently executing jobs
func WithSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// WithQueueDepth sets how many jobs may wait for a free worker
func WithQueueDepth(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.queueDepth = n
		}
	}
}

// Pool is a bounded worker pool
type Pool struct {
	logger     *zap.Logger
	size       int
	queueDepth int

	admit *semaphore.Weighted
	exec  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guards stopped against wg.Add racing Stop's wg.Wait
	mu sync.RWMutex

	active   atomic.Int64
	queued   atomic.Int64
	rejected atomic.Int64
	stopped  atomic.Bool
}

// NewPool creates a pool ready to accept work
func NewPool(logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		logger:     logger.Named("worker"),
		size:       DefaultSize,
		queueDepth: DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.admit = semaphore.NewWeighted(int64(p.size + p.queueDepth))
	p.exec = semaphore.NewWeighted(int64(p.size))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Submit schedules fn. It returns immediately; fn runs once a worker is free.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped.Load() {
		return ErrPoolStopped
	}
	if !p.admit.TryAcquire(1) {
		p.rejected.Add(1)
		metrics.WorkerRejected.Inc()
		return ErrPoolExhausted
	}

	p.queued.Add(1)
	metrics.WorkerQueued.Inc()
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.admit.Release(1)

		err := p.exec.Acquire(p.ctx, 1)
		p.queued.Add(-1)
		metrics.WorkerQueued.Dec()
		if err != nil {
			p.logger.Warn("Abandoned queued job after stop timed out")
			return
		}
		defer p.exec.Release(1)

		p.active.Add(1)
		metrics.WorkerActive.Inc()
		defer func() {
			p.active.Add(-1)
			metrics.WorkerActive.Dec()
		}()

		p.run(fn)
	}()

	return nil
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic in worker",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() extension.PoolStats {
	return extension.PoolStats{
		Size:       p.size,
		QueueDepth: p.queueDepth,
		Active:     p.active.Load(),
		Queued:     p.queued.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// Stop rejects new work and waits for every accepted job, queued or
// running, to finish. If ctx expires first, jobs still waiting for a worker
// are abandoned and ctx's error is returned; running jobs are not interrupted.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	first := p.stopped.CompareAndSwap(false, true)
	p.mu.Unlock()
	if !first {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("Worker pool stop timed out", zap.Int64("active", p.active.Load()))
		return ctx.Err()
	}
}
