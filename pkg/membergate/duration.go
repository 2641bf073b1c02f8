package membergate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses human plan durations like "7 days", "1 week",
// "3 months" or a bare integer (days). Months count 30 days, years 365.
// Empty, zero and negative inputs are rejected.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	fields := strings.Fields(trimmed)
	unit := "day"
	if len(fields) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	if len(fields) == 2 {
		unit = strings.TrimSuffix(fields[1], "s")
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}

	var days int
	switch unit {
	case "day":
		days = n
	case "week":
		days = n * 7
	case "month":
		days = n * 30
	case "year":
		days = n * 365
	default:
		return 0, fmt.Errorf("%w: unit %q", ErrInvalidDuration, unit)
	}

	return time.Duration(days) * 24 * time.Hour, nil
}
