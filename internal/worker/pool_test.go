package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsJobs(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(2), WithQueueDepth(10))
	defer pool.Stop(context.Background())

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(10), count.Load())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(2), WithQueueDepth(8))
	defer pool.Stop(context.Background())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_ExhaustionAndRecovery(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1), WithQueueDepth(1))
	defer pool.Stop(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit(func() { <-release }))

	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(1), stats.Rejected)

	close(release)

	// Capacity comes back once the blocked jobs finish
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		if pool.Submit(func() { close(done) }) != nil {
			return false
		}
		<-done
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestPool_PanicDoesNotKillPool(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1), WithQueueDepth(0))
	defer pool.Stop(context.Background())

	require.NoError(t, pool.Submit(func() { panic("boom") }))

	require.Eventually(t, func() bool {
		done := make(chan struct{})
		if pool.Submit(func() { close(done) }) != nil {
			return false
		}
		<-done
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestPool_Stop(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1))

	finished := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		time.Sleep(10 * time.Millisecond)
		close(finished)
	}))

	require.NoError(t, pool.Stop(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the running job finished")
	}

	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(context.Background()), "second stop is a no-op")
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1))
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, pool.Submit(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)
}

func TestPool_StopRunsAcceptedJobs(t *testing.T) {
	for i := 0; i < 100; i++ {
		pool := NewPool(zap.NewNop(), WithSize(4))
		var ran atomic.Bool
		require.NoError(t, pool.Submit(func() { ran.Store(true) }))

		require.NoError(t, pool.Stop(context.Background()))
		require.True(t, ran.Load(), "job accepted before Stop did not run (iteration %d)", i)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1), WithQueueDepth(3))

	var mu sync.Mutex
	var order []int
	for i := 0; i < 4; i++ {
		n := i
		require.NoError(t, pool.Submit(func() {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}))
	}

	require.NoError(t, pool.Stop(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 4)
}

func TestPool_StopTimeoutAbandonsQueued(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(1), WithQueueDepth(1))
	release := make(chan struct{})

	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	var queuedRan atomic.Bool
	require.NoError(t, pool.Submit(func() { queuedRan.Store(true) }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool { return pool.Stats().Queued == 0 && pool.Stats().Active == 0 },
		time.Second, 5*time.Millisecond)
	assert.False(t, queuedRan.Load(), "queued job is abandoned once the stop deadline passes")
}

func TestPool_Options(t *testing.T) {
	pool := NewPool(zap.NewNop(), WithSize(0), WithQueueDepth(-1))
	stats := pool.Stats()
	assert.Equal(t, DefaultSize, stats.Size)
	assert.Equal(t, DefaultQueueDepth, stats.QueueDepth)
}
