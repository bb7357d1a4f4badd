package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MalformedScheduleError reports a cron expression rejected at load time
type MalformedScheduleError struct {
	TaskID string
	Expr   string
	Cause  error
}

func (e *MalformedScheduleError) Error() string {
	return fmt.Sprintf("task %s: malformed schedule %q: %v", e.TaskID, e.Expr, e.Cause)
}

func (e *MalformedScheduleError) Unwrap() error {
	return e.Cause
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a parsed five-field cron expression. A minute matches when
// all five fields match; day-of-month and day-of-week are ANDed.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// ParseSchedule parses minute, hour, day-of-month, month and day-of-week.
// Each field accepts *, integers, lists, ranges and */N. A step on a bare *
// selects the values whose remainder modulo N is zero, in every field.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("expected %d fields, found %d", len(fields), len(parts))
	}

	for i, part := range parts {
		rewritten, err := rewriteSteps(part, fields[i])
		if err != nil {
			return nil, err
		}
		parts[i] = rewritten
	}

	parsed, err := parser.Parse(strings.Join(parts, " "))
	if err != nil {
		return nil, err
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unsupported schedule %q", expr)
	}

	return &Schedule{
		expr:   expr,
		minute: spec.Minute,
		hour:   spec.Hour,
		dom:    spec.Dom,
		month:  spec.Month,
		dow:    spec.Dow,
	}, nil
}

// rewriteSteps turns */N into an explicit range starting at the first
// multiple of N inside the field, so that 1-based fields keep modulo
// semantics instead of counting from 1.
func rewriteSteps(part string, f field) (string, error) {
	items := strings.Split(part, ",")
	for i, item := range items {
		step, ok := strings.CutPrefix(item, "*/")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(step)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("%s: invalid step %q", f.name, item)
		}
		if n > f.max {
			return "", fmt.Errorf("%s: step %d exceeds field maximum %d", f.name, n, f.max)
		}
		first := f.min
		if first%n != 0 {
			first = n
		}
		items[i] = fmt.Sprintf("%d-%d/%d", first, f.max, n)
	}
	return strings.Join(items, ","), nil
}

// String returns the expression the schedule was parsed from
func (s *Schedule) String() string {
	return s.expr
}

// Matches reports whether the schedule selects the minute containing t
func (s *Schedule) Matches(t time.Time) bool {
	return has(s.month, int(t.Month())) &&
		has(s.dom, t.Day()) &&
		has(s.dow, int(t.Weekday())) &&
		has(s.hour, t.Hour()) &&
		has(s.minute, t.Minute())
}

// searchLimit bounds Next for expressions that can never match, such as
// the 31st of February.
const searchLimit = 5 * 366 * 24 * time.Hour

// Next returns the first matching minute strictly after t
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	loc := after.Location()
	t := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), after.Minute()+1, 0, 0, loc)
	limit := t.Add(searchLimit)

	for t.Before(limit) {
		switch {
		case !has(s.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !has(s.dom, t.Day()) || !has(s.dow, int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !has(s.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}
