package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper is the engine surface the worker drives.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SweepWorker runs the state machine sweep on a fixed interval. Sweeps are
// idempotent, so overlapping or repeated runs are harmless; the worker
// still serializes them by running one at a time.
type SweepWorker struct {
	Engine   Sweeper
	Interval time.Duration
	Logger   *logrus.Logger

	now func() time.Time
}

func NewSweepWorker(engine Sweeper, interval time.Duration, logger *logrus.Logger) *SweepWorker {
	if logger == nil {
		logger = logrus.New()
	}
	return &SweepWorker{
		Engine:   engine,
		Interval: interval,
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (sw *SweepWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(10 * time.Second):
	}

	sw.Logger.Info("Sweep worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	// Run once immediately so a restart never waits a full interval.
	sw.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Info("Sweep worker shutting down...")
			return
		case <-ticker.C:
			sw.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep pass.
func (sw *SweepWorker) RunOnce(ctx context.Context) {
	started := sw.now()
	advanced, err := sw.Engine.Sweep(ctx, started)
	if err != nil {
		sw.Logger.WithError(err).Error("sweep failed")
		return
	}
	if advanced > 0 {
		sw.Logger.WithFields(logrus.Fields{
			"advanced": advanced,
			"took":     sw.now().Sub(started).String(),
		}).Info("sweep completed")
	}
}
