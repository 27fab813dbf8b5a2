// Package scheduler turns durable task records into queued sandbox
// runs. Schedule parsing supports three variants: "cron" (fixed
// calendar expression, robfig/cron), "every" (millisecond interval)
// and "at" (one absolute timestamp). Parsing happens before any task
// record is created, so an invalid schedule never reaches the store.
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Schedule is a validated task schedule.
type Schedule struct {
	// Type is one of store.ScheduleCron, ScheduleEvery, ScheduleAt.
	Type string

	// Value is the raw schedule expression.
	Value string

	spec     cron.Schedule // cron only
	interval time.Duration // every only
	at       time.Time     // at only
}

// cronParser accepts the standard 5-field format plus @descriptors
// (@daily, @every 5m, ...), matching what robfig/cron calls standard.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse validates a schedule expression of the declared type.
func Parse(scheduleType, value string) (*Schedule, error) {
	s := &Schedule{Type: scheduleType, Value: value}
	switch scheduleType {
	case store.ScheduleCron:
		spec, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		s.spec = spec

	case store.ScheduleEvery:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q: want positive milliseconds", value)
		}
		s.interval = time.Duration(ms) * time.Millisecond

	case store.ScheduleAt:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: want RFC3339: %w", value, err)
		}
		s.at = at

	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return s, nil
}

// NextRun computes the first run strictly after the given time. For
// one-shot "at" schedules past their moment it returns the zero time
// and false.
func (s *Schedule) NextRun(after time.Time) (time.Time, bool) {
	switch s.Type {
	case store.ScheduleCron:
		return s.spec.Next(after), true
	case store.ScheduleEvery:
		return after.Add(s.interval), true
	case store.ScheduleAt:
		if s.at.After(after) {
			return s.at, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// Recurring reports whether the schedule produces more than one run.
func (s *Schedule) Recurring() bool {
	return s.Type != store.ScheduleAt
}
