package resilience

import (
	"time"
)

// Sleeper abstracts the delay between poll attempts so tests can inject a
// fake clock instead of sleeping for real.
type Sleeper func(time.Duration)

// WaitFor polls cond up to maxAttempts times with a fixed delay between
// attempts. The first attempt happens immediately; the delay is only applied
// between attempts, so the total wait is at most (maxAttempts-1)*delay.
// Returns true as soon as cond is satisfied, false once attempts are
// exhausted.
func WaitFor(cond func() bool, maxAttempts int, delay time.Duration, sleep Sleeper) bool {
	if sleep == nil {
		sleep = time.Sleep
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if cond() {
			return true
		}
		if attempt < maxAttempts-1 {
			sleep(delay)
		}
	}
	return false
}
