// Package cronspec computes cron fire times.
//
// It is a pure layer over robfig/cron: no state, no clocks of its own.
// Callers supply the reference instant and get back the next occurrence
// strictly after it.
package cronspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs,
// plus descriptors like "@hourly" and "@every 30m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr parses and tz names a loadable location.
// An empty tz means UTC.
func Validate(expr, tz string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression required")
	}
	if _, err := loadLocation(tz); err != nil {
		return err
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse %q: %w", expr, err)
	}
	return nil
}

// Next returns the first occurrence of expr strictly after ref, evaluated
// in tz (UTC when empty). The result keeps the location of the evaluation;
// callers comparing instants should use time.Time equality, not wall form.
func Next(expr, tz string, ref time.Time) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", expr, err)
	}
	next := sched.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no next occurrence for %q after %s", expr, ref.Format(time.RFC3339))
	}
	return next, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
