package slave

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/task"
)

func TestParseOutputHashExtractsHashFromTaggedBlock(t *testing.T) {
	stdout := []byte("some log lines\n[run_isolated_out_hack]{\"hash\":\"" + hash40("b") + "\"}[/run_isolated_out_hack]\nmore log lines\n")
	got := parseOutputHash(stdout)
	if got != hash40("b") {
		t.Fatalf("expected %s, got %s", hash40("b"), got)
	}
}

func TestParseOutputHashMissingBlockReturnsEmpty(t *testing.T) {
	if got := parseOutputHash([]byte("no tagged block here")); got != "" {
		t.Fatalf("expected empty hash, got %q", got)
	}
}

func TestParseLeakedDirLastMatchWins(t *testing.T) {
	stderr := []byte("Deliberately leaking /tmp/first for later examination\n" +
		"some noise\n" +
		"Deliberately leaking /tmp/second for later examination\n")
	if got := parseLeakedDir(stderr); got != "/tmp/second" {
		t.Fatalf("expected last match /tmp/second, got %q", got)
	}
}

func hash40(seed string) string {
	out := make([]byte, 40)
	for i := range out {
		out[i] = seed[0]
	}
	return string(out)
}

// writeFakeRunner writes a shell script standing in for the external
// runner binary: it ignores every flag and just sleeps, so the supervisor
// loop's own timeout/kill logic is what's under test here, not the real
// isolate runner's behavior.
func writeFakeRunner(t *testing.T, sleepSecs int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_runner.sh")
	script := "#!/bin/sh\nsleep " + itoa(sleepSecs) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake runner: %v", err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestRunTaskKillsSubprocessAfterTimeoutGrace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow subprocess-timeout test in -short mode")
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()
	q := queue.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	tk := &task.Task{JobID: "j", TaskID: "t", IsolateHash: hash40("a"), TimeoutSecs: 1}
	if err := q.Submit(context.Background(), tk, 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h, err := q.Reserve(context.Background())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	cfg := &config.Config{}
	cfg.Isolate.Home = writeFakeRunner(t, 60)

	start := time.Now()
	res, err := runTask(context.Background(), cfg, q, h, t.TempDir())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("runTask: %v", err)
	}
	if elapsed > 12*time.Second {
		t.Fatalf("expected timeout+kill escalation to finish well under the 60s sleep, took %s", elapsed)
	}
	if res.ExitCode == 0 {
		t.Fatalf("expected a non-zero exit code from a killed process")
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut to be true after timeout+kill escalation")
	}
	if !contains(res.Stderr, "Killing task after") {
		t.Fatalf("expected stderr to be annotated with the kill message, got %q", res.Stderr)
	}
}

func contains(b []byte, s string) bool {
	return len(b) >= len(s) && indexOf(string(b), s) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
