package models

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidDuration is returned for duration strings outside the "<int><unit>" format.
var ErrInvalidDuration = errors.New("invalid duration")

var durationPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseDuration parses strings like "100ms", "30s", "5m", "2h" and "1d".
func ParseDuration(value string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
	}

	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, value)
	}

	unit := durationUnits[match[2]]
	if amount > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, value)
	}

	return time.Duration(amount) * unit, nil
}

// FormatDuration renders d using the largest unit that divides it exactly.
func FormatDuration(d time.Duration) string {
	for _, unit := range []struct {
		suffix string
		size   time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if d >= unit.size && d%unit.size == 0 {
			return strconv.FormatInt(int64(d/unit.size), 10) + unit.suffix
		}
	}

	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}
