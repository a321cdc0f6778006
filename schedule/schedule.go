// Package schedule evaluates trigger recurrences.
//
// A recurrence is a cron expression (five fields, or six with a leading
// seconds field) or a descriptor such as "@daily" or "@every 30s". The
// Evaluator answers whether one fires inside a window, when it next
// fires, and how many times it fires in a range. Validate combines them into the date-range checks applied when a
// trigger is created or updated.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var (
	// ErrTriggerInvalidDates is returned when a trigger's end date is not
	// after its start date, or is already in the past.
	ErrTriggerInvalidDates = errors.New("schedule: trigger end date must be after the start date and in the future")

	// ErrTriggerInvalidScheduling is returned when a recurrence never fires
	// inside the trigger's date window.
	ErrTriggerInvalidScheduling = errors.New("schedule: recurrence never fires within the trigger window")

	// ErrInvalidRecurrence is returned for an expression that cannot be parsed.
	ErrInvalidRecurrence = errors.New("schedule: invalid recurrence")
)

// Evaluator answers questions about a recurrence expression.
type Evaluator interface {
	// WillFireInRange reports whether the recurrence fires at least once in
	// [startsOn, endsOn). With a nil endsOn it reports whether it fires at
	// all at or after max(startsOn, now).
	WillFireInRange(recurrence string, startsOn time.Time, endsOn *time.Time, now time.Time) (bool, error)

	// NextFireAfter returns the first fire time strictly after after. The
	// boolean is false when the recurrence never fires again.
	NextFireAfter(recurrence string, after time.Time) (time.Time, bool, error)

	// FirstFireAtOrAfter returns the first fire time at or after from.
	FirstFireAtOrAfter(recurrence string, from time.Time) (time.Time, bool, error)

	// FireCount returns how many times the recurrence fires in [from, to),
	// counting at most limit fires.
	FireCount(recurrence string, from, to time.Time, limit int) (int, error)
}

var _ Evaluator = (*CronEvaluator)(nil)

// parser accepts standard 5-field cron, an optional leading seconds field
// and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// CronEvaluator is an Evaluator backed by robfig/cron. Parsed expressions
// are cached; a CronEvaluator is safe for concurrent use.
type CronEvaluator struct {
	mu     sync.RWMutex
	parsed map[string]cronlib.Schedule
}

// NewCronEvaluator creates a CronEvaluator.
func NewCronEvaluator() *CronEvaluator {
	return &CronEvaluator{parsed: make(map[string]cronlib.Schedule)}
}

// Parse parses and caches a recurrence expression.
func (e *CronEvaluator) Parse(recurrence string) (cronlib.Schedule, error) {
	e.mu.RLock()
	sched, ok := e.parsed[recurrence]
	e.mu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := parser.Parse(recurrence)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRecurrence, recurrence, err)
	}

	e.mu.Lock()
	e.parsed[recurrence] = sched
	e.mu.Unlock()
	return sched, nil
}

// WillFireInRange implements Evaluator.
func (e *CronEvaluator) WillFireInRange(recurrence string, startsOn time.Time, endsOn *time.Time, now time.Time) (bool, error) {
	sched, err := e.Parse(recurrence)
	if err != nil {
		return false, err
	}

	from := startsOn
	if endsOn == nil && now.After(from) {
		from = now
	}

	first := firstAtOrAfter(sched, from)
	if first.IsZero() {
		return false, nil
	}
	if endsOn == nil {
		return true, nil
	}
	return first.Before(*endsOn), nil
}

// NextFireAfter implements Evaluator.
func (e *CronEvaluator) NextFireAfter(recurrence string, after time.Time) (time.Time, bool, error) {
	sched, err := e.Parse(recurrence)
	if err != nil {
		return time.Time{}, false, err
	}

	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// FirstFireAtOrAfter implements Evaluator.
func (e *CronEvaluator) FirstFireAtOrAfter(recurrence string, from time.Time) (time.Time, bool, error) {
	sched, err := e.Parse(recurrence)
	if err != nil {
		return time.Time{}, false, err
	}

	first := firstAtOrAfter(sched, from)
	if first.IsZero() {
		return time.Time{}, false, nil
	}
	return first, true, nil
}

// FireCount implements Evaluator.
func (e *CronEvaluator) FireCount(recurrence string, from, to time.Time, limit int) (int, error) {
	sched, err := e.Parse(recurrence)
	if err != nil {
		return 0, err
	}

	count := 0
	for t := firstAtOrAfter(sched, from); count < limit; t = sched.Next(t) {
		if t.IsZero() || !t.Before(to) {
			break
		}
		count++
	}
	return count, nil
}

// firstAtOrAfter returns the first fire time at or after t. Constant-delay
// schedules ("@every") are relative to their reference time, so they first
// fire one delay after t.
func firstAtOrAfter(sched cronlib.Schedule, t time.Time) time.Time {
	if d, ok := sched.(cronlib.ConstantDelaySchedule); ok {
		return t.Add(d.Delay)
	}
	return sched.Next(t.Add(-time.Nanosecond))
}

// Validate checks a trigger window against its recurrence. An empty
// recurrence (event-driven triggers) only has its dates checked.
func Validate(ev Evaluator, recurrence string, startsOn time.Time, endsOn *time.Time, now time.Time) error {
	if endsOn != nil {
		if !startsOn.Before(*endsOn) || !endsOn.After(now) {
			return ErrTriggerInvalidDates
		}
	}

	if recurrence == "" {
		return nil
	}

	fires, err := ev.WillFireInRange(recurrence, startsOn, endsOn, now)
	if err != nil {
		return err
	}
	if !fires {
		return ErrTriggerInvalidScheduling
	}
	return nil
}
