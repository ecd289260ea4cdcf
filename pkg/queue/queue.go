// Package queue implements the task broker described in spec.md §4.1: a
// Redis-backed priority queue with reservation, heartbeat (touch), delete
// and release, replacing the teacher's beanstalkd client
// (pkg/queue/client.go) with a priority-ordered sorted-set broker. Entries
// with equal priority are not served in submission order: Redis orders
// equal scores by member, and members are random UUIDs.
//
// Representation:
//
//	swarm:ready     ZSET  member=entry id, score=priority (lower first)
//	swarm:reserved  ZSET  member=entry id, score=reservation deadline (unix nano)
//	swarm:entries   HASH  entry id -> task JSON
//	swarm:priority  HASH  entry id -> original priority (for re-queueing)
//
// reserve() pops the lowest-scoring ready id with BZPOPMIN (Redis's blocking
// pop, the sorted-set analogue of the teacher's BLMove) and adds it to
// swarm:reserved with a deadline VisibilityTimeout in the future. A
// background reaper (§ reaper.go) moves expired reservations back to
// swarm:ready, which is the broker's heartbeat/touch contract.
package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gcesarano/swarmtest/pkg/task"
)

const (
	readyKey    = "swarm:ready"
	reservedKey = "swarm:reserved"
	entriesKey  = "swarm:entries"
	priorityKey = "swarm:priority"

	// DefaultVisibilityTimeout is how long a reservation survives without a
	// touch before the reaper returns it to swarm:ready. Three times the
	// slave's ~10s touch interval (spec.md §4.4 step 5) gives two missed
	// touches of slack before a duplicate dispatch.
	DefaultVisibilityTimeout = 30 * time.Second

	// blockTimeout bounds each BZPOPMIN call so Reserve can observe context
	// cancellation promptly instead of blocking forever.
	blockTimeout = 2 * time.Second
)

// Client is a connection to the Redis-backed task queue. All operations are
// context-aware; the underlying *redis.Client manages its own connection
// pool, so (unlike the teacher's Python client) no extra mutex is needed to
// serialize access from multiple goroutines.
type Client struct {
	rdb               *redis.Client
	visibilityTimeout time.Duration
	waiting           int64 // atomic: number of goroutines currently blocked in Reserve
}

// NewClient creates a queue client connected to the given Redis address
// (e.g. "localhost:6379").
func NewClient(addr string) *Client {
	return &Client{
		rdb:               redis.NewClient(&redis.Options{Addr: addr}),
		visibilityTimeout: DefaultVisibilityTimeout,
	}
}

// NewClientFromRedis wraps an existing *redis.Client, used by tests against
// miniredis.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, visibilityTimeout: DefaultVisibilityTimeout}
}

// Handle represents a reserved queue entry: the deserialized task plus the
// entry id needed to touch/delete/release it.
type Handle struct {
	ID   string
	Task *task.Task
}

// Submit enqueues a task at the given priority. Lower priority values
// reserve first; spec.md §4.1 defines task.DefaultPriority as the default
// and a boosted formula for retries (see RetryPriority).
func (c *Client) Submit(ctx context.Context, t *task.Task, priority int64) error {
	data, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("queue: marshal task: %w", err)
	}
	id := uuid.NewString()

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, entriesKey, id, data)
	pipe.HSet(ctx, priorityKey, id, priority)
	pipe.ZAdd(ctx, readyKey, redis.Z{Score: float64(priority), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// RetryPriority computes the boosted priority for a retried attempt, per
// spec.md §4.1: later attempts get higher priority (lower number) but never
// exceed the original default.
func RetryPriority(attempt int) int64 {
	p := int64(task.DefaultPriority) - 1000*int64(attempt)
	if p < 1000 {
		p = 1000
	}
	return p
}

// Reserve blocks until a task is available, then returns a handle to it.
// It returns ctx.Err() if the context is canceled while waiting.
func (c *Client) Reserve(ctx context.Context) (*Handle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		atomic.AddInt64(&c.waiting, 1)
		res, err := c.rdb.BZPopMin(ctx, blockTimeout, readyKey).Result()
		atomic.AddInt64(&c.waiting, -1)

		if err == redis.Nil {
			continue // nothing ready within blockTimeout, poll again
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue: reserve: %w", err)
		}

		id, ok := res.Member.(string)
		if !ok {
			return nil, fmt.Errorf("queue: reserve: unexpected member type %T", res.Member)
		}

		deadline := time.Now().Add(c.visibilityTimeout).UnixNano()
		if err := c.rdb.ZAdd(ctx, reservedKey, redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("queue: reserve: mark reserved: %w", err)
		}

		raw, err := c.rdb.HGet(ctx, entriesKey, id).Result()
		if err == redis.Nil {
			// Entry vanished (deleted concurrently); treat as spurious and retry.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: reserve: fetch entry: %w", err)
		}
		t, err := task.FromJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("queue: reserve: decode entry: %w", err)
		}
		return &Handle{ID: id, Task: t}, nil
	}
}

// Touch extends the visibility deadline of a reserved entry. Slaves call
// this roughly every 10s during an active run (spec.md §4.4 step 5) so the
// reaper does not hand the task to another slave.
func (c *Client) Touch(ctx context.Context, h *Handle) error {
	deadline := time.Now().Add(c.visibilityTimeout).UnixNano()
	added, err := c.rdb.ZAdd(ctx, reservedKey, redis.Z{Score: float64(deadline), Member: h.ID}).Result()
	if err != nil {
		return fmt.Errorf("queue: touch: %w", err)
	}
	if added > 0 {
		// The entry wasn't present (already reaped/deleted); remove the
		// phantom add rather than resurrecting a stale reservation.
		c.rdb.ZRem(ctx, reservedKey, h.ID)
	}
	return nil
}

// Delete permanently removes a reserved entry: normal completion.
func (c *Client) Delete(ctx context.Context, h *Handle) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, reservedKey, h.ID)
	pipe.HDel(ctx, entriesKey, h.ID)
	pipe.HDel(ctx, priorityKey, h.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Release returns a reserved entry to the ready set at its original
// priority. Used for retry anti-affinity drops (spec.md §4.4 step 2) and
// graceful shutdown of a busy slave.
func (c *Client) Release(ctx context.Context, h *Handle) error {
	priority, err := c.rdb.HGet(ctx, priorityKey, h.ID).Int64()
	if err != nil {
		if err == redis.Nil {
			priority = int64(task.DefaultPriority)
		} else {
			return fmt.Errorf("queue: release: fetch priority: %w", err)
		}
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, reservedKey, h.ID)
	pipe.ZAdd(ctx, readyKey, redis.Z{Score: float64(priority), Member: h.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Stats reports queue depths, consumed by the master's dashboard and the
// autoscaler's control loop.
type Stats struct {
	Ready    int64
	Reserved int64
	Waiting  int64
}

// Stats returns the current queue depths.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	ready, err := c.rdb.ZCard(ctx, readyKey).Result()
	if err != nil {
		return Stats{}, err
	}
	reserved, err := c.rdb.ZCard(ctx, reservedKey).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:    ready,
		Reserved: reserved,
		Waiting:  atomic.LoadInt64(&c.waiting),
	}, nil
}
