// Package slave implements the Slave lifecycle from spec.md §4.4: reserve
// a task, run it under the external isolate runner, package its artifacts,
// record the result, and resubmit it for retry on failure.
package slave

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/store"
	"github.com/gcesarano/swarmtest/pkg/task"
)

// Slave drives the reserve/execute/report loop for one process.
type Slave struct {
	cfg        *config.Config
	queue      *queue.Client
	store      *store.Store
	retryCache *RetryCache
	httpClient *http.Client
	hostname   string
}

// New constructs a Slave ready to Run.
func New(cfg *config.Config, q *queue.Client, st *store.Store) *Slave {
	hostname, _ := os.Hostname()
	return &Slave{
		cfg:        cfg,
		queue:      q,
		store:      st,
		retryCache: NewRetryCache(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		hostname:   hostname,
	}
}

// Run drives the main loop until ctx is cancelled (spec.md §4.4 "SIGTERM":
// a task in flight has its handle released so another slave can pick it
// up, and Run returns nil rather than abandoning the reservation).
func (s *Slave) Run(ctx context.Context) error {
	cacheDir, release, err := AcquireCacheDir(s.cfg.Isolate.CacheDir)
	if err != nil {
		return err
	}
	defer release()

	go sampleBusyMetric(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		h, err := s.queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("reserve failed, retrying")
			time.Sleep(time.Second)
			continue
		}

		if s.retryCache.Get(h.Task.RetryID()) {
			// Anti-affinity: this slave already retried this task away
			// once; give another slave a chance first.
			if err := s.queue.Release(ctx, h); err != nil {
				log.Warn().Err(err).Msg("release for anti-affinity failed")
			}
			time.Sleep(5 * time.Second)
			continue
		}

		s.handleReservation(ctx, h, cacheDir)
	}
}

func (s *Slave) handleReservation(ctx context.Context, h *queue.Handle, cacheDir string) {
	t := h.Task

	ok, err := s.store.MarkRunning(ctx, t, s.hostname)
	if err != nil {
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("mark_running failed")
		s.queue.Release(ctx, h)
		return
	}
	if !ok {
		// Cancel-wins race (spec.md §8 invariant 3): the row is already
		// finished or cancelled, so this reservation is stale.
		s.queue.Delete(ctx, h)
		return
	}

	setBusy(true)
	runStart := time.Now()
	result, err := runTask(ctx, s.cfg, s.queue, h, cacheDir)
	setBusy(false)
	if err != nil {
		if ctx.Err() != nil {
			// ctx is already cancelled; release on a context that is not,
			// so the broker call is actually made.
			s.queue.Release(context.WithoutCancel(ctx), h)
			return
		}
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("runner execution failed")
		s.queue.Release(ctx, h)
		return
	}
	duration := time.Since(runStart).Seconds()

	var artifactZip []byte
	if result.LeakedDir != "" {
		artifactZip, err = packageArtifacts(result.LeakedDir, t.ArtifactArchiveGlobs)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.TaskID).Msg("artifact packaging failed")
		}
	}

	// Discard stdout/stderr on a clean exit to save storage; upload both
	// otherwise (spec.md §4.4 step 10).
	var stdout, stderr []byte
	if result.ExitCode != 0 {
		stdout, stderr = result.Stdout, result.Stderr
	}

	// A timeout kill is recorded as status=-9, distinct from cancel's -1
	// (spec.md §3, §7, Scenario S4), even though the runner's exit code
	// for a signal-killed process is also -1 per os.ProcessState.ExitCode.
	status := result.ExitCode
	if result.TimedOut {
		status = task.StatusTimedOut
	}

	err = s.store.MarkFinished(ctx, t, store.FinishResult{
		Status:      status,
		Stdout:      stdout,
		Stderr:      stderr,
		ArtifactZip: artifactZip,
		OutputHash:  result.OutputHash,
		DurationSec: duration,
	})
	if err != nil {
		// The row has not transitioned to finished. Leave the reservation
		// untouched so it lapses and another slave re-runs the attempt.
		log.Error().Err(err).Str("task_id", t.TaskID).Msg("mark_finished failed")
		if result.LeakedDir != "" {
			os.RemoveAll(result.LeakedDir)
		}
		return
	}

	if result.LeakedDir != "" {
		os.RemoveAll(result.LeakedDir)
	}

	if result.ExitCode != 0 && t.Attempt < t.MaxRetries {
		if err := s.retryTask(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.TaskID).Msg("retry_task request failed")
		} else {
			s.retryCache.Put(t.RetryID())
		}
	}

	s.queue.Delete(ctx, h)
}

// retryTask posts the just-run task descriptor to the master's
// /retry_task endpoint (spec.md §4.4 step 13).
func (s *Slave) retryTask(ctx context.Context, t *task.Task) error {
	data, err := t.ToJSON()
	if err != nil {
		return fmt.Errorf("slave: marshal retry descriptor: %w", err)
	}
	form := url.Values{}
	form.Set("task_json", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Master.URL+"/retry_task",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slave: retry_task: unexpected status %s", resp.Status)
	}
	return nil
}
