package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/task"
)

// reapScript atomically sweeps reservations whose deadline has passed and
// moves them back to the ready set at their original priority. This is the
// Lua-script idiom the teacher already used for its delayed-queue scheduler
// and its rate limiter (pkg/queue/client.go's StartScheduler/Allow),
// generalized here to the broker's visibility-timeout reaper.
var reapScript = redis.NewScript(`
	local reserved_key = KEYS[1]
	local ready_key = KEYS[2]
	local priority_key = KEYS[3]
	local now = tonumber(ARGV[1])
	local default_priority = tonumber(ARGV[2])

	local expired = redis.call('ZRANGEBYSCORE', reserved_key, '-inf', now)
	for _, id in ipairs(expired) do
		local p = redis.call('HGET', priority_key, id)
		if not p then p = default_priority end
		redis.call('ZADD', ready_key, p, id)
		redis.call('ZREM', reserved_key, id)
	end
	return #expired
`)

// reap moves every reservation whose deadline has elapsed back to the ready
// set. Tests call it directly; production callers use StartReaper.
func (c *Client) reap(ctx context.Context) (int64, error) {
	now := time.Now().UnixNano()
	res, err := reapScript.Run(ctx, c.rdb,
		[]string{reservedKey, readyKey, priorityKey},
		now, int64(task.DefaultPriority),
	).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// StartReaper runs a cron.Cron that sweeps expired reservations every 10s,
// returning the *cron.Cron so the caller can Stop() it on shutdown. This
// repurposes the teacher's robfig/cron dependency (previously driving
// Client.Schedule's user-facing cron jobs) as the broker's own
// heartbeat/visibility-timeout enforcement (spec.md §4.1, §5).
func (c *Client) StartReaper(ctx context.Context) *cron.Cron {
	cr := cron.New(cron.WithSeconds())
	_, err := cr.AddFunc("@every 10s", func() {
		n, err := c.reap(ctx)
		if err != nil {
			logger.Named("queue").Error().Err(err).Msg("reaper sweep failed")
			return
		}
		if n > 0 {
			logger.Named("queue").Info().Int64("count", n).Msg("reaped expired reservations")
		}
	})
	if err != nil {
		logger.Named("queue").Fatal().Err(err).Msg("failed to schedule reaper")
	}
	cr.Start()
	return cr
}
