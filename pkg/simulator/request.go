package simulator

import (
	"fmt"
	"strings"
	"time"
)

// Request describes one dispatch run.
type Request struct {
	// Targets are device connection identifiers, fired in this order every iteration.
	Targets []string
	// Template is the message body, literal text or a template when IsTemplate is set.
	Template   string
	IsTemplate bool
	// Iterations is the number of sends per target.
	Iterations int
	// Interval is the delay between two iterations, shared by all targets.
	Interval time.Duration
}

// Total is the number of sends the run expects.
func (r Request) Total() int {
	return len(r.Targets) * r.Iterations
}

// Validate checks the request before anything is sent.
func (r Request) Validate() error {
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(r.Targets))
	for i, target := range r.Targets {
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("%w: target %d is empty", ErrInvalidInput, i)
		}
		if _, dup := seen[target]; dup {
			return fmt.Errorf("%w: target %d is listed more than once", ErrInvalidInput, i)
		}
		seen[target] = struct{}{}
	}
	if r.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be at least 1, got %d", ErrInvalidInput, r.Iterations)
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: interval must not be negative, got %s", ErrInvalidInput, r.Interval)
	}
	return nil
}

// IntervalUnit is the unit an interval is entered in.
type IntervalUnit string

const (
	UnitMillisecond IntervalUnit = "ms"
	UnitSecond      IntervalUnit = "second"
	UnitMinute      IntervalUnit = "minute"
)

// ParseIntervalUnit accepts the unit names used by the simulator form and the CLI.
func ParseIntervalUnit(s string) (IntervalUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ms", "millisecond", "milliseconds":
		return UnitMillisecond, nil
	case "s", "sec", "second", "seconds":
		return UnitSecond, nil
	case "m", "min", "minute", "minutes":
		return UnitMinute, nil
	}
	return "", fmt.Errorf("%w: unknown interval unit %q", ErrInvalidInput, s)
}

// ToDuration converts value expressed in unit into a duration. The conversion happens
// exactly once; units never cascade into each other.
func ToDuration(value int64, unit IntervalUnit) (time.Duration, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: interval must not be negative, got %d", ErrInvalidInput, value)
	}
	switch unit {
	case UnitMillisecond, "":
		return time.Duration(value) * time.Millisecond, nil
	case UnitSecond:
		return time.Duration(value) * time.Second, nil
	case UnitMinute:
		return time.Duration(value) * time.Minute, nil
	}
	return 0, fmt.Errorf("%w: unknown interval unit %q", ErrInvalidInput, unit)
}
