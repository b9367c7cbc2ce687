package supervisor

import (
	"context"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/metrics"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/queue"
)

// DefaultInterval is the tick between sweeps for silently failed jobs.
const DefaultInterval = 60 * time.Second

// Supervisor periodically re-queues or fails jobs whose lease-holders have
// gone silent. A failing sweep is logged and the next tick runs afresh; it
// never takes the service down.
type Supervisor struct {
	queue      *queue.JobQueue
	interval   time.Duration
	maxRetries int
	timeout    time.Duration
}

// New builds a supervisor over the given queue. maxRetries and timeout come
// from MAX_RETRIES and TIMEOUT_FAILURE.
func New(q *queue.JobQueue, interval time.Duration, maxRetries int, timeout time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Supervisor{
		queue:      q,
		interval:   interval,
		maxRetries: maxRetries,
		timeout:    timeout,
	}
}

// Run ticks until the context is cancelled. An immediate first sweep runs at
// startup so restarts do not delay recovery by a full interval.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one timeout pass, isolated so a failure cannot kill the loop.
func (s *Supervisor) Sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("panic", r).Error("silent fails check: panicked")
		}
	}()

	requeued, failed, err := s.queue.HandleTimeouts(ctx, s.maxRetries, s.timeout)
	if err != nil {
		logging.Log.WithError(err).Error("silent fails check: failed")
		return
	}
	logging.Log.WithFields(map[string]interface{}{
		"requeued": requeued,
		"failed":   failed,
	}).Info("silent fails check: done")

	s.updateDepthGauges(ctx)
}

func (s *Supervisor) updateDepthGauges(ctx context.Context) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		logging.Log.WithError(err).Warn("failed to update queue depth gauges")
		return
	}
	metrics.QueueDepth.Reset()
	for status, count := range depths {
		metrics.QueueDepth.WithLabelValues(status).Set(float64(count))
	}
}
