package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "livetrack:"

// Окно стартует с первого INCR; повторные вызовы TTL не продлевают.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a fixed-window counter shared by every viewer that talks
// to the same Redis; it caps booking API status reads.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return NewRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRateLimiterWithClient(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow counts one call against key and reports whether the count is still
// within limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	if window <= 0 {
		return false, 0, errors.New("rate limit window must be positive")
	}
	n, err := incrWindow.Run(ctx, rl.c, []string{rateLimitPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	return n <= limit, n, nil
}
