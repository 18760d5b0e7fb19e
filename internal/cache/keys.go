package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStateKey(jobID uuid.UUID) string {
	return fmt.Sprintf("rasterops:job:%s", jobID)
}

// RateLimitKey is the counter of one client in one fixed window.
func RateLimitKey(client string, window int64) string {
	return fmt.Sprintf("rasterops:ratelimit:%s:%d", client, window)
}
