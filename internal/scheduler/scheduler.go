// Package scheduler fires extension tasks on cron schedules.
//
// The scheduler keeps its bookkeeping on the service loop. A clock timer
// aligned to the tick interval posts each tick to the loop; due tasks are
// handed to the worker pool through a Submitter and report back on the loop.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"steward/internal/clock"
	"steward/internal/metrics"
	"steward/pkg/extension"

	"go.uber.org/zap"
)

// Submitter runs task handlers on the worker pool. done is called on the
// service loop once fn returns.
type Submitter interface {
	SubmitTask(ctx context.Context, taskID string, fn extension.TaskFunc, done func(error)) error
}

// Poster runs functions on the service loop
type Poster interface {
	Post(fn func()) error
}

// TaskID derives the stable identifier of the index-th task of an extension
func TaskID(ext string, index int) string {
	return fmt.Sprintf("%s/task/%d", ext, index)
}

type entry struct {
	id        string
	ext       string
	name      string
	schedule  *Schedule
	handler   extension.TaskFunc
	lastFired time.Time
	skippedAt time.Time
	running   bool
	since     time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the tick interval. Ticks land on multiples of it.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLocation sets the zone schedules are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Scheduler holds every registered task. Register, Tick, Tasks and Running
// must be called on the service loop, or before it starts.
type Scheduler struct {
	logger   *zap.Logger
	submit   Submitter
	poster   Poster
	clock    clock.Clock
	interval time.Duration
	loc      *time.Location

	entries []*entry
	byID    map[string]*entry

	mu      sync.Mutex
	ctx     context.Context
	timer   clock.Timer
	stopped bool
}

// New creates a scheduler
func New(submit Submitter, poster Poster, clk clock.Clock, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.Named("scheduler"),
		submit:   submit,
		poster:   poster,
		clock:    clk,
		interval: time.Minute,
		loc:      time.Local,
		byID:     make(map[string]*entry),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the index-th task of ext. A task with the same ID replaces
// the earlier one in place, keeping its firing history.
func (s *Scheduler) Register(ext string, index int, task extension.Task) (string, error) {
	id := TaskID(ext, index)

	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		return "", &MalformedScheduleError{TaskID: id, Expr: task.Schedule, Cause: err}
	}
	if task.Handler == nil {
		return "", fmt.Errorf("task %s has no handler", id)
	}

	if existing, ok := s.byID[id]; ok {
		existing.name = task.Name
		existing.schedule = sched
		existing.handler = task.Handler
		s.logger.Debug("Task replaced", zap.String("task_id", id), zap.String("schedule", task.Schedule))
		return id, nil
	}

	e := &entry{
		id:       id,
		ext:      ext,
		name:     task.Name,
		schedule: sched,
		handler:  task.Handler,
	}
	s.entries = append(s.entries, e)
	s.byID[id] = e

	s.logger.Debug("Task registered", zap.String("task_id", id), zap.String("schedule", task.Schedule))
	return id, nil
}

// Tick fires every task due in the minute containing now, in registration
// order. A task still running from an earlier firing is skipped.
func (s *Scheduler) Tick(now time.Time) {
	now = now.In(s.loc)
	minute := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), 0, 0, s.loc)

	for _, e := range s.entries {
		if !e.schedule.Matches(minute) || e.lastFired.Equal(minute) || e.skippedAt.Equal(minute) {
			continue
		}

		if e.running {
			// the minute is forfeit even if the earlier run ends before the next tick
			e.skippedAt = minute
			s.logger.Warn("Skipping task still running from an earlier firing",
				zap.String("task_id", e.id),
				zap.Time("since", e.since))
			metrics.TaskSkips.WithLabelValues(e.id, "running").Inc()
			continue
		}

		s.fire(e, minute, now)
	}
}

func (s *Scheduler) fire(e *entry, minute, now time.Time) {
	e.running = true
	e.since = now

	err := s.submit.SubmitTask(s.taskContext(), e.id, e.handler, func(err error) {
		e.running = false
		if err != nil {
			metrics.TaskRuns.WithLabelValues(e.id, "error").Inc()
			s.logger.Error("Task failed", zap.String("task_id", e.id), zap.Error(err))
			return
		}
		metrics.TaskRuns.WithLabelValues(e.id, "ok").Inc()
		s.logger.Debug("Task finished", zap.String("task_id", e.id))
	})
	if err != nil {
		e.running = false
		metrics.TaskSkips.WithLabelValues(e.id, "submit").Inc()
		s.logger.Error("Could not submit task", zap.String("task_id", e.id), zap.Error(err))
		return
	}

	e.lastFired = minute
	s.logger.Debug("Task fired", zap.String("task_id", e.id))
}

func (s *Scheduler) taskContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start arms the tick timer. ctx is handed to task handlers.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.mu.Unlock()

	s.arm()
	s.logger.Info("Scheduler started",
		zap.Int("tasks", len(s.entries)),
		zap.Duration("interval", s.interval))
}

// Stop cancels the pending tick. Tasks already running are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	wait := clock.UntilNext(s.clock.Now(), s.interval)
	s.timer = s.clock.AfterFunc(wait, func() {
		fired := s.clock.Now()
		err := s.poster.Post(func() {
			s.Tick(fired)
			s.arm()
		})
		if err != nil {
			s.logger.Debug("Tick dropped", zap.Error(err))
		}
	})
}

// Tasks describes every task in registration order
func (s *Scheduler) Tasks() []extension.TaskInfo {
	now := s.clock.Now().In(s.loc)
	out := make([]extension.TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.describe(e, now))
	}
	return out
}

// Running describes the tasks currently executing
func (s *Scheduler) Running() []extension.TaskInfo {
	now := s.clock.Now().In(s.loc)
	var out []extension.TaskInfo
	for _, e := range s.entries {
		if e.running {
			out = append(out, s.describe(e, now))
		}
	}
	return out
}

func (s *Scheduler) describe(e *entry, now time.Time) extension.TaskInfo {
	info := extension.TaskInfo{
		ID:        e.id,
		Extension: e.ext,
		Name:      e.name,
		Schedule:  e.schedule.String(),
		Running:   e.running,
	}
	if e.running {
		since := e.since
		info.Since = &since
	}
	if !e.lastFired.IsZero() {
		last := e.lastFired
		info.LastFired = &last
	}
	if next, ok := e.schedule.Next(now); ok {
		info.NextFire = &next
	}
	return info
}
