package cron

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned for malformed or out-of-range expressions.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoMatch is returned when no matching time exists within a year.
	ErrNoMatch = errors.New("cron: no matching time found within iteration limit")
	// ErrNilSchedule is returned when Next is called on a nil schedule.
	ErrNilSchedule = errors.New("cron schedule is nil")
)

const everyPrefix = "@every "

// Schedule computes the next run strictly after a reference time.
type Schedule interface {
	Next(time.Time) (time.Time, error)
}

// Interval fires at a fixed period after each reference time.
type Interval struct {
	Period time.Duration
}

// Every returns a fixed-interval schedule.
func Every(period time.Duration) Interval {
	return Interval{Period: period}
}

// Next returns from + Period.
func (i Interval) Next(from time.Time) (time.Time, error) {
	if i.Period <= 0 {
		return time.Time{}, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidExpression, i.Period)
	}

	return from.Add(i.Period), nil
}

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

type schedule struct {
	minutes, hours, doms, months, dows []int
}

// ParseSchedule accepts either "@every <duration>" or a 5-field cron expression.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)

	if rest, ok := strings.CutPrefix(spec, everyPrefix); ok {
		period, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || period <= 0 {
			return nil, fmt.Errorf("%w: invalid interval %q", ErrInvalidExpression, rest)
		}

		return Every(period), nil
	}

	return Parse(spec)
}

// Parse parses "minute hour day-of-month month day-of-week".
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if len(parts) != len(fields) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fields), len(parts))
	}

	var parsed [5][]int

	for i, spec := range fields {
		values, err := parseField(parts[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}

		parsed[i] = values
	}

	return &schedule{
		minutes: parsed[0],
		hours:   parsed[1],
		doms:    parsed[2],
		months:  parsed[3],
		dows:    parsed[4],
	}, nil
}

// Next returns the first matching minute strictly after from, in UTC.
func (sched *schedule) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		return time.Time{}, ErrNilSchedule
	}

	candidate := from.UTC().Truncate(time.Minute).Add(time.Minute)

	const maxIterations = 366 * 24 * 60

	for range maxIterations {
		switch {
		case !slices.Contains(sched.months, int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !slices.Contains(sched.doms, candidate.Day()) || !slices.Contains(sched.dows, int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !slices.Contains(sched.hours, candidate.Hour()):
			candidate = candidate.Truncate(time.Hour).Add(time.Hour)
		case !slices.Contains(sched.minutes, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func parseField(raw string, minVal, maxVal int) ([]int, error) {
	var result []int

	for _, part := range strings.Split(raw, ",") {
		values, err := parsePart(part, minVal, maxVal)
		if err != nil {
			return nil, err
		}

		result = append(result, values...)
	}

	slices.Sort(result)

	return slices.Compact(result), nil
}

func parsePart(part string, minVal, maxVal int) ([]int, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		s, err := strconv.Atoi(stepPart)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}

		step = s
	}

	start, end := minVal, maxVal

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		lo, hi, err := parseRange(rangePart, minVal, maxVal)
		if err != nil {
			return nil, err
		}

		start, end = lo, hi
	default:
		val, err := strconv.Atoi(rangePart)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, rangePart)
		}

		if val < minVal || val > maxVal {
			return nil, fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, val, minVal, maxVal)
		}

		if !hasStep {
			return []int{val}, nil
		}

		start = val
	}

	values := make([]int, 0, (end-start)/step+1)
	for v := start; v <= end; v += step {
		values = append(values, v)
	}

	return values, nil
}

func parseRange(rangePart string, minVal, maxVal int) (int, int, error) {
	loRaw, hiRaw, _ := strings.Cut(rangePart, "-")

	lo, err := strconv.Atoi(loRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range start %q", ErrInvalidExpression, loRaw)
	}

	hi, err := strconv.Atoi(hiRaw)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range end %q", ErrInvalidExpression, hiRaw)
	}

	if lo < minVal || hi > maxVal || lo > hi {
		return 0, 0, fmt.Errorf("%w: range %d-%d out of bounds [%d, %d]", ErrInvalidExpression, lo, hi, minVal, maxVal)
	}

	return lo, hi, nil
}
