package scheduler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// IntervalSchedule runs a task at a fixed interval.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every creates an interval schedule.
func Every(d time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: d}
}

// Next returns the next run time.
func (s *IntervalSchedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// CronSchedule implements cron-like scheduling.
// Supports: minute hour day-of-month month day-of-week
// Supports: * (any), */n (every n), n-m (range), n,m,o (list)
type CronSchedule struct {
	Minutes     []int // 0-59
	Hours       []int // 0-23
	DaysOfMonth []int // 1-31
	Months      []int // 1-12
	DaysOfWeek  []int // 0-6 (0=Sunday)
}

// Cron parses a five-field cron expression, e.g. "0 3 * * *" for daily at
// 03:00.
func Cron(expr string) (*CronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(parts))
	}

	s := &CronSchedule{}
	fields := []struct {
		name     string
		min, max int
		out      *[]int
	}{
		{"minute", 0, 59, &s.Minutes},
		{"hour", 0, 23, &s.Hours},
		{"day-of-month", 1, 31, &s.DaysOfMonth},
		{"month", 1, 12, &s.Months},
		{"day-of-week", 0, 6, &s.DaysOfWeek},
	}

	for i, f := range fields {
		values, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", f.name, err)
		}
		*f.out = values
	}
	return s, nil
}

// MustCron parses a cron expression and panics on error.
func MustCron(expr string) *CronSchedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Next returns the next run time.
func (s *CronSchedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	maxTime := after.AddDate(4, 0, 0)

	for t.Before(maxTime) {
		if !slices.Contains(s.Months, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		// When both day fields are restricted either may match.
		domMatch := slices.Contains(s.DaysOfMonth, t.Day())
		dowMatch := slices.Contains(s.DaysOfWeek, int(t.Weekday()))
		var dayMatch bool
		switch {
		case len(s.DaysOfMonth) == 31 && len(s.DaysOfWeek) == 7:
			dayMatch = true
		case len(s.DaysOfMonth) == 31:
			dayMatch = dowMatch
		case len(s.DaysOfWeek) == 7:
			dayMatch = domMatch
		default:
			dayMatch = domMatch || dowMatch
		}
		if !dayMatch {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !slices.Contains(s.Hours, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(s.Minutes, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

func parseCronField(field string, min, max int) ([]int, error) {
	var values []int

	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)

		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			var err error
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step: %s", part)
			}
			part = part[:idx]
		}

		if part == "*" {
			for i := min; i <= max; i += step {
				values = append(values, i)
			}
			continue
		}

		if idx := strings.Index(part, "-"); idx != -1 {
			start, err := strconv.Atoi(part[:idx])
			if err != nil {
				return nil, fmt.Errorf("invalid range start: %s", part)
			}
			end, err := strconv.Atoi(part[idx+1:])
			if err != nil {
				return nil, fmt.Errorf("invalid range end: %s", part)
			}
			if start < min || end > max || start > end {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			for i := start; i <= end; i += step {
				values = append(values, i)
			}
			continue
		}

		val, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		if val < min || val > max {
			return nil, fmt.Errorf("value out of range: %d", val)
		}
		values = append(values, val)
	}
	return values, nil
}
