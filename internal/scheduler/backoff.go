package scheduler

import "time"

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// maxBackoff caps exponential growth for large attempt limits.
const maxBackoff = time.Hour

// Backoff is the delay before the retry that follows the given attempt
// (1-based). Exponential: base, 2*base, 4*base...
func (s *Scheduler) Backoff(attempt int) time.Duration {
	return backoff(s.cfg.BackoffStrategy, s.cfg.BackoffBase, attempt)
}

func backoff(strategy string, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if strategy == BackoffFixed {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
