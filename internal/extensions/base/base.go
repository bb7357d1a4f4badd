// Package base provides the commands every server carries: publishing events
// from clients, listing commands and subscriptions, and reporting what the
// server is busy with.
package base

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"steward/pkg/extension"
)

// MaxSleep bounds the sleep command
const MaxSleep = 5 * time.Minute

type base struct {
	server extension.Introspector
	now    func() time.Time
}

// New builds the base extension's manifest
func New(ctx *extension.Context) (*extension.Manifest, error) {
	if ctx.Server == nil {
		return nil, errors.New("base extension needs a server introspector")
	}
	b := &base{server: ctx.Server, now: time.Now}
	return b.manifest(), nil
}

func (b *base) manifest() *extension.Manifest {
	return &extension.Manifest{
		Commands: []extension.Command{
			{Name: "pub", Description: "Publish an event with the given name and data", Handler: b.pub},
			{Name: "commands", Description: "List all available server commands", Handler: b.commands, Hidden: true},
			{Name: "status", Description: "Display the currently running commands and tasks", Handler: b.status},
			{Name: "tasks.running", Description: "Get the list of tasks currently being run", Handler: b.tasksRunning},
			{Name: "tasks.schedule", Description: "Get the list of scheduled tasks", Handler: b.tasksSchedule},
			{Name: "event_handlers", Description: "List event subscriptions and their extensions", Handler: b.eventHandlers},
			{Name: "sleep", Description: "Sleep on a worker, then return", Handler: sleep, Mode: extension.Worker, Hidden: true},
		},
	}
}

// PubArgs are the arguments of pub
type PubArgs struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (b *base) pub(ctx context.Context, call *extension.Call) (any, error) {
	var args PubArgs
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, errors.New("pub needs an event name")
	}
	if err := extension.Publish(ctx, args.Name, args.Data); err != nil {
		return nil, err
	}
	return true, nil
}

// CommandSummary is one line of the command listing
type CommandSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (b *base) commands(ctx context.Context, call *extension.Call) (any, error) {
	var out []CommandSummary
	for _, c := range b.server.Commands() {
		if c.Hidden {
			continue
		}
		out = append(out, CommandSummary{Name: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ActiveCall is an in-flight command with its age
type ActiveCall struct {
	extension.CallInfo
	Age string `json:"age"`
}

// RunningTask is an executing task with its age
type RunningTask struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Age  string `json:"age"`
}

// Status is the result of the status command
type Status struct {
	Uptime  string              `json:"uptime"`
	Calls   []ActiveCall        `json:"calls"`
	Workers extension.PoolStats `json:"workers"`
	Tasks   []RunningTask       `json:"tasks"`
}

func (b *base) status(ctx context.Context, call *extension.Call) (any, error) {
	now := b.now()

	st := Status{
		Uptime:  b.server.Uptime().Truncate(time.Second).String(),
		Calls:   []ActiveCall{},
		Workers: b.server.PoolStats(),
		Tasks:   b.runningTasks(now),
	}
	for _, c := range b.server.ActiveCalls() {
		if c.ID == call.ID {
			continue
		}
		st.Calls = append(st.Calls, ActiveCall{CallInfo: c, Age: age(now, c.Started)})
	}
	return st, nil
}

func (b *base) runningTasks(now time.Time) []RunningTask {
	out := []RunningTask{}
	for _, t := range b.server.RunningTasks() {
		rt := RunningTask{ID: t.ID, Name: t.Name}
		if t.Since != nil {
			rt.Age = age(now, *t.Since)
		}
		out = append(out, rt)
	}
	return out
}

func (b *base) tasksRunning(ctx context.Context, call *extension.Call) (any, error) {
	return b.runningTasks(b.now()), nil
}

// ScheduledTask is one entry of tasks.schedule
type ScheduledTask struct {
	extension.TaskInfo
	In string `json:"in,omitempty"`
}

func (b *base) tasksSchedule(ctx context.Context, call *extension.Call) (any, error) {
	now := b.now()
	out := []ScheduledTask{}
	for _, t := range b.server.Tasks() {
		st := ScheduledTask{TaskInfo: t}
		if t.NextFire != nil {
			st.In = age(*t.NextFire, now)
		}
		out = append(out, st)
	}
	return out, nil
}

func (b *base) eventHandlers(ctx context.Context, call *extension.Call) (any, error) {
	return b.server.Subscriptions(), nil
}

// SleepArgs are the arguments of sleep
type SleepArgs struct {
	Seconds float64 `json:"seconds"`
}

func sleep(ctx context.Context, call *extension.Call) (any, error) {
	args := SleepArgs{Seconds: 1}
	if err := call.Bind(&args); err != nil && !errors.Is(err, extension.ErrNoArgs) {
		return nil, err
	}

	d := time.Duration(args.Seconds * float64(time.Second))
	if d < 0 || d > MaxSleep {
		return nil, fmt.Errorf("sleep must be between 0 and %s", MaxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func age(now, since time.Time) string {
	return now.Sub(since).Truncate(time.Millisecond).String()
}
