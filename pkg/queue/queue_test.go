package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gcesarano/swarmtest/pkg/task"
)

func setupTestQueue(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return s, NewClientFromRedis(rdb)
}

func TestSubmitAndReservePriorityOrder(t *testing.T) {
	_, c := setupTestQueue(t)
	ctx := context.Background()

	low := &task.Task{JobID: "j", TaskID: "low"}
	high := &task.Task{JobID: "j", TaskID: "high"}
	mid := &task.Task{JobID: "j", TaskID: "mid"}

	if err := c.Submit(ctx, low, 3000); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if err := c.Submit(ctx, high, 100); err != nil {
		t.Fatalf("submit high: %v", err)
	}
	if err := c.Submit(ctx, mid, 2000); err != nil {
		t.Fatalf("submit mid: %v", err)
	}

	for _, want := range []string{"high", "mid", "low"} {
		h, err := c.Reserve(ctx)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if h.Task.TaskID != want {
			t.Fatalf("expected %s, got %s", want, h.Task.TaskID)
		}
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	_, c := setupTestQueue(t)
	ctx := context.Background()

	tk := &task.Task{JobID: "j", TaskID: "t1"}
	if err := c.Submit(ctx, tk, int64(task.DefaultPriority)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h, err := c.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := c.Delete(ctx, h); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 0 || stats.Reserved != 0 {
		t.Fatalf("expected empty queues, got %+v", stats)
	}
}

func TestReleasePutsEntryBackAtOriginalPriority(t *testing.T) {
	mr, c := setupTestQueue(t)
	ctx := context.Background()

	tk := &task.Task{JobID: "j", TaskID: "t1"}
	if err := c.Submit(ctx, tk, 42); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h, err := c.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := c.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if score, err := mr.ZScore(readyKey, h.ID); err != nil || score != 42 {
		t.Fatalf("expected released entry back in ready at priority 42, got score=%v err=%v", score, err)
	}

	h2, err := c.Reserve(ctx)
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if h2.Task.TaskID != "t1" {
		t.Fatalf("expected to re-reserve t1, got %s", h2.Task.TaskID)
	}
}

func TestReapMovesExpiredReservationsBackToReady(t *testing.T) {
	_, c := setupTestQueue(t)
	c.visibilityTimeout = 10 * time.Millisecond
	ctx := context.Background()

	tk := &task.Task{JobID: "j", TaskID: "t1"}
	if err := c.Submit(ctx, tk, int64(task.DefaultPriority)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.Reserve(ctx); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	n, err := c.reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to reap 1 entry, got %d", n)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Ready != 1 || stats.Reserved != 0 {
		t.Fatalf("expected entry back in ready, got %+v", stats)
	}
}

func TestRetryPriorityNeverExceedsDefault(t *testing.T) {
	if p := RetryPriority(0); p > int64(task.DefaultPriority) {
		t.Fatalf("attempt 0 retry priority %d exceeds default", p)
	}
	if p := RetryPriority(10000000); p < 1000 {
		t.Fatalf("retry priority floor violated: %d", p)
	}
	if RetryPriority(1) >= int64(task.DefaultPriority) {
		t.Fatalf("retry priority should be boosted (lower) than default")
	}
}

func TestAllowTokenBucket(t *testing.T) {
	_, c := setupTestQueue(t)
	ctx := context.Background()

	allowed, err := c.Allow(ctx, "ratelimit:acct", 1, 1)
	if err != nil || !allowed {
		t.Fatalf("expected first call allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = c.Allow(ctx, "ratelimit:acct", 1, 1)
	if err != nil || allowed {
		t.Fatalf("expected second call denied, got allowed=%v err=%v", allowed, err)
	}
}
