package config

import (
	"fmt"
	"time"

	"statejob/internal/domain"
)

// ParseDurationField parses a Go or ISO-8601 duration. Empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := domain.ParseFlexibleDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
