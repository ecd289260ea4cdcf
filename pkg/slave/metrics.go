package slave

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// busyGauge reports whether this slave is currently executing a task,
// grounded in the teacher's collectQueueMetrics goroutine pattern
// (cmd/worker/main.go) and repurposed for SPEC_FULL.md §4.5's "background
// helper periodically samples is_busy for an optional external-metrics
// publisher".
var busyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "swarm_slave_busy",
	Help: "1 if this slave is currently executing a task, 0 otherwise",
})

// busy is set by the main loop and sampled by sampleBusyMetric.
var busy int32

func setBusy(v bool) {
	if v {
		atomic.StoreInt32(&busy, 1)
	} else {
		atomic.StoreInt32(&busy, 0)
	}
}

// sampleBusyMetric runs until ctx is cancelled, publishing the current
// busy state on a 5s tick.
func sampleBusyMetric(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			busyGauge.Set(float64(atomic.LoadInt32(&busy)))
		}
	}
}
