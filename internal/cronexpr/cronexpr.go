// Package cronexpr evaluates cron expressions for the scheduler. It is
// a thin, deterministic wrapper: the same (expression, base) pair
// always yields the same next fire time, which the claim path relies
// on when re-checking due-ness.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnschedulable reports an expression that yields no fire time
// after the given base.
var ErrUnschedulable = errors.New("cron expression yields no future fire time")

// parser accepts standard five-field expressions plus an optional
// leading seconds field.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// Next returns the first fire time strictly after base.
func Next(expr string, base time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	next := sched.Next(base)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q: %w", expr, ErrUnschedulable)
	}
	return next, nil
}
