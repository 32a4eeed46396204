package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationOrDefault reads one Go-duration config field. Empty (or
// zero) falls back to def; negative values are rejected rather than
// clamped so a typo like "-5m" surfaces instead of silently becoming the
// default. path names the field in the error, e.g. "scheduler.misfire_grace".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
