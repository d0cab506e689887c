package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"vpnhub/internal/api/response"
)

type slidingWindow struct {
	mu         sync.Mutex
	timestamps []int64
}

var rateLimiterStore sync.Map

// RateLimitByIP applies a sliding-window cap per client address. Webhook
// receivers sit behind it so a misbehaving provider cannot flood the
// ledger path.
func RateLimitByIP(limit int, window time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		entryAny, _ := rateLimiterStore.LoadOrStore(key, &slidingWindow{
			timestamps: make([]int64, 0, limit),
		})
		entry := entryAny.(*slidingWindow)

		now := time.Now().UnixNano()
		cutoff := now - window.Nanoseconds()

		entry.mu.Lock()
		next := entry.timestamps[:0]
		for _, ts := range entry.timestamps {
			if ts > cutoff {
				next = append(next, ts)
			}
		}
		entry.timestamps = next

		if len(entry.timestamps) >= limit {
			entry.mu.Unlock()
			response.Fail(c, 429, response.ErrInternal, "too many requests")
			c.Abort()
			return
		}

		entry.timestamps = append(entry.timestamps, now)
		entry.mu.Unlock()

		c.Next()
	}
}
