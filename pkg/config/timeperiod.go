package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimePeriod converts a budget window string such as "30s", "10m",
// "1h", "1d", or "7d" into a duration. Supported suffixes are s, m, h, d,
// and w.
func ParseTimePeriod(period string) (time.Duration, error) {
	p := strings.TrimSpace(period)
	if len(p) < 2 {
		return 0, fmt.Errorf("invalid time period %q", period)
	}

	suffix := p[len(p)-1]
	value, err := strconv.Atoi(p[:len(p)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid time period %q: %w", period, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid time period %q: value must be positive", period)
	}

	switch suffix {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid time period %q: unknown unit %q", period, string(suffix))
	}
}
