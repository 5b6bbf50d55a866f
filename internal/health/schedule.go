package health

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCheckInterval resolves a configured check interval, which operators
// may express either as a Go duration ("30s") or, for off-cadence probing
// schedules, as a standard five-field cron expression ("*/2 * * * *"). The
// tick loop itself always runs on a plain time.Ticker; a cron expression is
// only used here to derive the duration between its first two occurrences
// from now, not to drive the loop directly.
func ParseCheckInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 30 * time.Second, nil
	}

	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}

	schedule, err := cron.ParseStandard(raw)
	if err != nil {
		return 0, fmt.Errorf("health: %q is neither a duration nor a valid cron expression: %w", raw, err)
	}

	now := time.Now()
	first := schedule.Next(now)
	second := schedule.Next(first)
	interval := second.Sub(first)
	if interval <= 0 {
		return 0, fmt.Errorf("health: cron expression %q resolved to a non-positive interval", raw)
	}
	return interval, nil
}
