package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript implements a Redis-backed token bucket, ported directly from
// the teacher's Client.Allow (pkg/queue/client.go), originally used to rate
// limit per-task-type worker processing. Here it is reused by the master
// to rate-limit per-account job submission (SPEC_FULL.md §4.4).
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	else
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 0
	end
`)

// Allow checks whether a request against the given rate-limit key (e.g.
// "submit:<account>") is allowed, refilling at limit tokens/sec up to
// burst capacity.
func (c *Client) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	res, err := allowScript.Run(ctx, c.rdb, []string{key}, limit, burst, time.Now().Unix(), 1).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
