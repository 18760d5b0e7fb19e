package middleware

import "time"

func SetClock(rl *RateLimit, now func() time.Time) {
	rl.now = now
}
