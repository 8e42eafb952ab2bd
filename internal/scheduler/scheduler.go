package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const jobLockKey = "tokenledger:scheduler:%s"

type Params struct {
	fx.In

	Log       *zap.Logger
	LedgerSvc ledgerdomain.Service
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    Config                      `optional:"true"`
	Locker    *ratelimit.Locker           `optional:"true"`
	Metrics   *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler runs periodic maintenance over billing state. Access decisions
// never depend on it having run.
type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	locker    *ratelimit.Locker
	metrics   *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.LedgerSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		locker:    p.Locker,
		metrics:   p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *sweepRun) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	lease, acquired, err := s.acquire(ctx, name)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return fmt.Errorf("%s: acquire lease: %w", name, err)
	}
	if !acquired {
		s.logger(ctx).Debug("job skipped: lease held by another instance", zap.String("job", name))
		return nil
	}
	defer s.release(name, lease)

	run := s.newRun(name)
	s.logRunStart(ctx, run)
	s.metrics.IncJobRun(name)

	err = fn(ctx, run)
	run.failed = err != nil
	s.metrics.ObserveJobDuration(name, time.Since(start))
	s.logRunFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, ledgerdomain.ErrStorageTimeout) {
		s.metrics.IncJobTimeout(name)
		// the next tick picks up whatever is left
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// acquire takes the cross-instance lease for a job when redis is configured.
// Without redis every instance runs the job; the sweep is idempotent.
func (s *Scheduler) acquire(ctx context.Context, name string) (*ratelimit.Lease, bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	lease, err := s.locker.Acquire(ctx, fmt.Sprintf(jobLockKey, name), s.cfg.LockTTL)
	if err != nil {
		return nil, false, err
	}
	return lease, lease != nil, nil
}

func (s *Scheduler) release(name string, lease *ratelimit.Lease) {
	if lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		s.log.Warn("release job lease failed",
			zap.String("job", name),
			zap.String("key", lease.Key()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireSubscriptions, s.ExpireSubscriptionsJob},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireSubscriptionsJob flips active accounts whose paid_until has passed
// to expired, one batch at a time, until a short batch signals the end.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context) error {
	return s.runJob(ctx, JobExpireSubscriptions, s.cfg.JobTimeout, s.expireSubscriptions)
}

func (s *Scheduler) expireSubscriptions(ctx context.Context, run *sweepRun) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		expired, err := s.ledgerSvc.ExpireLapsedSubscriptions(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		run.addBatch(expired)
		s.metrics.AddBatchProcessed(JobExpireSubscriptions, "accounts", int(expired))
		if expired < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}
