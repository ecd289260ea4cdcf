package slave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/queue"
)

var log = logger.Named("slave")

var hackBlockRe = regexp.MustCompile(`(?s)\[run_isolated_out_hack\](.*?)\[/run_isolated_out_hack\]`)
var leakedDirRe = regexp.MustCompile(`Deliberately leaking (\S+) for later examination`)

const (
	touchInterval = 10 * time.Second
	tickInterval  = 2 * time.Second
	killGrace     = 5 * time.Second
)

// RunResult is the outcome of one runner subprocess execution (spec.md
// §4.4 steps 4-9).
type RunResult struct {
	ExitCode   int
	TimedOut   bool
	Stdout     []byte
	Stderr     []byte
	OutputHash string
	LeakedDir  string
}

// outputBuf is a goroutine-safe growable buffer: the stdout/stderr
// forwarding goroutines write to it while the supervisor loop reads its
// snapshot after the process exits.
type outputBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *outputBuf) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(p)
}

func (o *outputBuf) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.buf.Bytes()...)
}

// runTask spawns the runner subprocess and supervises it: a 2s ticker
// drives the touch-every-10s heartbeat and the terminate-then-kill timeout
// escalation, while exec.Cmd forwards the child's stdout/stderr into
// synchronized buffers on its own goroutines (the Go idiom replacing the
// original's select() over non-blocking pipes).
func runTask(ctx context.Context, cfg *config.Config, q *queue.Client, h *queue.Handle, cacheDir string) (*RunResult, error) {
	t := h.Task
	cmd := exec.Command(cfg.Isolate.Home,
		"--isolate-server", cfg.Isolate.Server,
		"--cache", cacheDir,
		"--verbose",
		"--leak-temp",
		"--hash", t.IsolateHash,
	)
	cmd.Env = append(os.Environ(), "SWARMING_HEADLESS=1")
	// Bound how long Wait keeps draining stdout/stderr after the runner
	// exits, so a grandchild still holding the pipes cannot stall the
	// supervisor past the kill escalation.
	cmd.WaitDelay = killGrace

	var stdout, stderr outputBuf
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("slave: start runner for %s: %w", t.ID(), err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	start := time.Now()
	deadline := start.Add(time.Duration(t.TimeoutSecs) * time.Second)
	killDeadline := deadline.Add(killGrace)
	lastTouch := start
	terminated := false

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-waitDone:
			break loop

		case <-ctx.Done():
			cmd.Process.Kill()
			<-waitDone
			return nil, ctx.Err()

		case now := <-ticker.C:
			if now.Sub(lastTouch) >= touchInterval {
				if err := q.Touch(ctx, h); err != nil {
					log.Warn().Err(err).Str("task_id", t.TaskID).Msg("touch failed")
				}
				lastTouch = now
			}
			if !terminated && now.After(deadline) {
				fmt.Fprintf(&stderr, "Killing task after %d seconds\n", t.TimeoutSecs)
				cmd.Process.Signal(syscall.SIGTERM)
				terminated = true
			}
			if terminated && now.After(killDeadline) {
				cmd.Process.Kill()
			}
		}
	}
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return &RunResult{
		ExitCode:   exitCode,
		TimedOut:   terminated,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		OutputHash: parseOutputHash(stdout.Bytes()),
		LeakedDir:  parseLeakedDir(stderr.Bytes()),
	}, nil
}

// parseOutputHash extracts the output archive hash from the tagged block
// the runner prints on stdout (spec.md §4.4 step 7).
func parseOutputHash(stdout []byte) string {
	m := hackBlockRe.FindSubmatch(stdout)
	if m == nil {
		return ""
	}
	var payload struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(m[1], &payload); err != nil {
		return ""
	}
	return payload.Hash
}

// parseLeakedDir extracts the leaked temp directory from stderr; the last
// match wins (spec.md §4.4 step 8).
func parseLeakedDir(stderr []byte) string {
	matches := leakedDirRe.FindAllSubmatch(stderr, -1)
	if len(matches) == 0 {
		return ""
	}
	return string(matches[len(matches)-1][1])
}
