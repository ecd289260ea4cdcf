// Package autoscaler implements the control loop from spec.md §4.5: poll
// the master's queue stats every 10s and grow/shrink the slave fleet,
// grounded in original_source's gce-autoscale.py and generalized onto a
// pluggable Resizer so the fleet-resize command is swappable.
package autoscaler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gcesarano/swarmtest/pkg/logger"
)

var log = logger.Named("autoscaler")

// shrinkLag is the minimum-billing-increment cool-down before the fleet is
// allowed to shrink to its floor (spec.md §4.5).
const shrinkLag = 600 * time.Second

const pollInterval = 10 * time.Second

// Resizer applies a fleet size change. The default implementation shells
// out to a configured command template; tests inject a fake.
type Resizer interface {
	Resize(ctx context.Context, n int) error
}

// Stats mirrors the master's /stats response.
type Stats struct {
	Ready    int64 `json:"Ready"`
	Reserved int64 `json:"Reserved"`
}

// Autoscaler drives the poll loop.
type Autoscaler struct {
	masterURL  string
	httpClient *http.Client
	resizer    Resizer

	current      int
	lastGrowTime time.Time
}

// New constructs an Autoscaler whose current fleet size starts at the
// caller-supplied initialSize. The size is not read back from the fleet,
// and no state is persisted across restarts.
func New(masterURL string, resizer Resizer, initialSize int) *Autoscaler {
	return &Autoscaler{
		masterURL:    masterURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		resizer:      resizer,
		current:      initialSize,
		lastGrowTime: time.Now(),
	}
}

// Run polls until ctx is cancelled. Errors are logged and the loop
// continues (spec.md §4.5).
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				log.Warn().Err(err).Msg("autoscaler tick failed")
			}
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) error {
	stats, err := a.fetchStats(ctx)
	if err != nil {
		return err
	}
	target := a.nextTarget(stats, time.Now())
	if target == a.current {
		return nil
	}
	if err := a.resizer.Resize(ctx, target); err != nil {
		return err
	}
	a.current = target
	return nil
}

// nextTarget implements spec.md §4.5's grow/shrink/floor-1 rule.
func (a *Autoscaler) nextTarget(stats Stats, now time.Time) int {
	if stats.Ready > 0 {
		a.lastGrowTime = now
		target := a.current + 10
		if target > 100 {
			target = 100
		}
		return target
	}
	if stats.Ready+stats.Reserved == 0 && now.Sub(a.lastGrowTime) > shrinkLag {
		return 1
	}
	return a.current
}

func (a *Autoscaler) fetchStats(ctx context.Context) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.masterURL+"/stats", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Stats{}, err
	}
	defer resp.Body.Close()
	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
