// Package schedule implements the task schedule grammar (cron, interval,
// once) and the polling scheduler that fires due tasks into the container
// runner.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/burrow/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// onceLayouts are accepted timestamp shapes for `once` schedules, tried in
// order after RFC 3339. Zone-less layouts are parsed in the configured zone.
var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Validate checks a schedule value against its type's grammar. For `once` the
// timestamp must also lie in the future.
func Validate(sType persistence.ScheduleType, value string, now time.Time, loc *time.Location) error {
	switch sType {
	case persistence.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return nil
	case persistence.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive integer of milliseconds, got %q", value)
		}
		return nil
	case persistence.ScheduleOnce:
		at, err := parseOnce(value, loc)
		if err != nil {
			return err
		}
		if !at.After(now) {
			return fmt.Errorf("once timestamp %q is not in the future", value)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type %q", sType)
	}
}

// FirstRun computes the initial next_run for a newly created task.
func FirstRun(sType persistence.ScheduleType, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch sType {
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", value, err)
		}
		return sched.Next(now.In(loc)), nil
	case persistence.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("parse interval %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case persistence.ScheduleOnce:
		return parseOnce(value, loc)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", sType)
	}
}

// NextAfter computes the run after a completed execution at ranAt.
// A nil result means the schedule is exhausted (once).
func NextAfter(sType persistence.ScheduleType, value string, ranAt time.Time, loc *time.Location) (*time.Time, error) {
	switch sType {
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", value, err)
		}
		next := sched.Next(ranAt.In(loc))
		return &next, nil
	case persistence.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("parse interval %q", value)
		}
		next := ranAt.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case persistence.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", sType)
	}
}

func parseOnce(value string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(value)
	if at, err := time.Parse(time.RFC3339, v); err == nil {
		return at, nil
	}
	for _, layout := range onceLayouts {
		if at, err := time.ParseInLocation(layout, v, loc); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable once timestamp %q", value)
}
