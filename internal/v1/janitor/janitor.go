// Package janitor runs the periodic store sweeps: abandoned queue
// entries, dangling locks, half-dead pairs and expired bans.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = time.Minute
	// DefaultMaxQueueWait is how long a disconnected sid may linger in the
	// waiting queue before the sweep drops it.
	DefaultMaxQueueWait = 5 * time.Minute
)

// Janitor owns the periodic cleanup loop.
type Janitor struct {
	store    store.Store
	gw       types.Gateway
	clock    clock.WithTicker
	interval time.Duration
	maxWait  time.Duration
}

func New(st store.Store, gw types.Gateway) *Janitor {
	return NewWithClock(st, gw, DefaultInterval, DefaultMaxQueueWait, clock.RealClock{})
}

func NewWithClock(st store.Store, gw types.Gateway, interval, maxWait time.Duration, c clock.WithTicker) *Janitor {
	return &Janitor{store: st, gw: gw, clock: c, interval: interval, maxWait: maxWait}
}

// Run sweeps on every tick until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass. A live waiting client is never evicted:
// every removal is gated on the sid having no connected socket.
func (j *Janitor) Sweep(ctx context.Context) {
	dropped, err := j.store.CleanupStaleQueueEntries(ctx, j.maxWait, j.gw.IsConnected)
	if err != nil {
		logging.Warn(ctx, "queue sweep failed", zap.Error(err))
	} else if len(dropped) > 0 {
		metrics.JanitorSweeps.WithLabelValues("queue").Add(float64(len(dropped)))
		logging.Info(ctx, "swept abandoned queue entries", zap.Int("count", len(dropped)))
	}

	report, err := j.store.CleanupStaleStates(ctx, j.gw.IsConnected)
	if err != nil {
		logging.Warn(ctx, "state sweep failed", zap.Error(err))
	} else {
		metrics.JanitorSweeps.WithLabelValues("bans").Add(float64(report.Bans))
		metrics.JanitorSweeps.WithLabelValues("locks").Add(float64(report.Locks))
		metrics.JanitorSweeps.WithLabelValues("pairs").Add(float64(report.Pairs))
	}

	if n, err := j.store.QueueSize(ctx); err == nil {
		metrics.WaitingQueueSize.Set(float64(n))
	}
}
