package tasks

import (
	"context"
	"errors"
	"time"

	"consult-service/internal/config"
	"consult-service/internal/service"
	"consult-service/pkg/logger"
)

// Sweeper runs one expiry and refund sweep.
type Sweeper interface {
	RunSweep(ctx context.Context, trigger string) (*service.SweepReport, error)
}

// SweepRunner 按 sweep.interval 周期触发清扫
type SweepRunner struct {
	Sweeper    Sweeper
	Interval   time.Duration
	RunOnStart bool
	Timeout    time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSweepRunner(sweeper Sweeper, cfg config.SweepConfig) *SweepRunner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	// both steps may each spend item_timeout per row; never outlive the lock
	timeout := 2 * cfg.ItemTimeout * time.Duration(cfg.BatchSize)
	if cfg.LockTTL > 0 && (timeout <= 0 || timeout > cfg.LockTTL) {
		timeout = cfg.LockTTL
	}
	return &SweepRunner{
		Sweeper:    sweeper,
		Interval:   interval,
		RunOnStart: cfg.RunOnStart,
		Timeout:    timeout,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start is non-blocking. Call Stop to shut the runner down.
func (r *SweepRunner) Start() {
	go r.run()
	logger.GetLogger().WithField("interval", r.Interval.String()).Info("sweep runner started")
}

// Stop waits for an in-flight sweep to return.
func (r *SweepRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
	logger.GetLogger().Info("sweep runner stopped")
}

func (r *SweepRunner) run() {
	defer close(r.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	if r.RunOnStart {
		r.tick(ctx)
	}
	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.stopCh:
			return
		}
	}
}

func (r *SweepRunner) tick(ctx context.Context) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	_, err := r.Sweeper.RunSweep(ctx, service.TriggerScheduled)
	switch {
	case errors.Is(err, service.ErrSweepInProgress):
		logger.GetLogger().Info("scheduled sweep skipped, another sweep holds the lock")
	case err != nil:
		logger.GetLogger().WithError(err).Warn("scheduled sweep failed, retrying next tick")
	}
}
