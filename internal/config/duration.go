package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration parses an optional duration field. Empty means 0;
// negative values are rejected. field names the setting in errors.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// MustDuration is ParseDuration for values that already passed Validate.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDuration("", raw)
	return d
}
