package recovery

import "time"

// backoffDelay implements spec.md §4.7's D(N) schedule: N in [1,20) uses
// startingDelay (the configurable startingRecoveryDelayMs, default 100ms);
// N in [20,40) and N>=40 are the spec's fixed absolute tiers, not scaled by
// startingDelay.
func backoffDelay(attempt int, startingDelay time.Duration) time.Duration {
	switch {
	case attempt < 20:
		return startingDelay
	case attempt < 40:
		return 1000 * time.Millisecond
	default:
		return 10000 * time.Millisecond
	}
}
