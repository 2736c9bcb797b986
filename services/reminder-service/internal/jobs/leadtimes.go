package jobs

import (
	"fmt"
	"strings"
	"time"
)

// DefaultLeadTimes mirrors the usual clinic policy of a day-before and an
// hour-before reminder.
const DefaultLeadTimes = "24h,1h"

// ParseLeadTimes parses a comma-separated list of positive durations, e.g.
// "24h,1h,15m". Duplicates are dropped.
func ParseLeadTimes(s string) ([]time.Duration, error) {
	var out []time.Duration
	seen := make(map[time.Duration]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("lead time %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("lead time %q: must be positive", part)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no lead times in %q", s)
	}
	return out, nil
}
