package conn

import "time"

// Backoff returns the delay before retry number attempt (1-based): base,
// 2*base, 4*base, ... capped at limit. It never decreases as attempt grows.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
