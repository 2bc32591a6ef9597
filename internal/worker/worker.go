// Package worker runs pool maintenance and the lifecycle sweep on a timer for
// deployments without an external scheduler. Jobs are guarded by named locks
// so several workers can run side by side.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/store"
)

const lockPrefix = "fleet-job:"

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Maintainer interface {
	Maintain(ctx context.Context) (pool.MaintainResult, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) ([]lifecycle.Result, error)
}

// Jobs returns the standard job set.
func Jobs(cfg Config, m Maintainer, s Sweeper) []Job {
	return []Job{
		{
			Name:     "pool-maintain",
			Interval: cfg.MaintainInterval,
			Run: func(ctx context.Context) error {
				_, err := m.Maintain(ctx)
				return err
			},
		},
		{
			Name:     "lifecycle-sweep",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := s.Sweep(ctx)
				return err
			},
		},
	}
}

type Worker struct {
	locker store.Locker
	jobs   []Job
	log    *zap.Logger
}

func New(locker store.Locker, jobs []Job, log *zap.Logger) *Worker {
	return &Worker{locker: locker, jobs: jobs, log: log.Named("worker")}
}

// Run starts one loop per enabled job and returns when ctx is done and every
// running job has returned.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")
	var wg sync.WaitGroup
	for _, job := range w.jobs {
		if job.Interval <= 0 {
			w.log.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		wg.Go(func() { w.loop(ctx, job) })
	}
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx, job); err != nil && ctx.Err() == nil {
			w.log.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs job unless another holder has its lock. ran reports whether
// the job body executed.
func (w *Worker) RunOnce(ctx context.Context, job Job) (ran bool, err error) {
	unlock, ok, err := w.locker.TryLock(ctx, lockPrefix+job.Name)
	if err != nil {
		observability.WorkerJobRuns.WithLabelValues(job.Name, "error").Inc()
		return false, fmt.Errorf("lock %s: %w", job.Name, err)
	}
	if !ok {
		observability.WorkerJobRuns.WithLabelValues(job.Name, "skipped").Inc()
		w.log.Debug("job held elsewhere, skipping", zap.String("job", job.Name))
		return false, nil
	}
	defer unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			ran, err = true, fmt.Errorf("panic in job %s: %v", job.Name, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		observability.WorkerJobRuns.WithLabelValues(job.Name, result).Inc()
		w.log.Debug("job done", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(start)))
	}()
	return true, job.Run(ctx)
}
