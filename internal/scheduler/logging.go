package scheduler

import (
	"context"
	"time"

	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	"go.uber.org/zap"
)

// sweepRun collects what one job execution did for its finish line.
type sweepRun struct {
	job       string
	runID     string
	startedAt time.Time
	batches   int
	processed int64
	failed    bool
}

func (s *Scheduler) newRun(job string) *sweepRun {
	return &sweepRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
}

func (r *sweepRun) addBatch(processed int64) {
	r.batches++
	r.processed += processed
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunStart(ctx context.Context, run *sweepRun) {
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Time("now", s.clock.Now()),
	)
}

func (s *Scheduler) logRunFinish(ctx context.Context, run *sweepRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("batches", run.batches),
		zap.Int64("processed_count", run.processed),
	}
	if run.failed {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}
