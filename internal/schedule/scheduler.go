package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one named unit of recurring background work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.run(ctx) }

// NewJob wraps a function as a named Job.
func NewJob(name string, run func(ctx context.Context) error) Job {
	return funcJob{name: name, run: run}
}

// Scheduler runs jobs on cron schedules. An invocation that overlaps a
// still-running one is skipped, so slow sweeps never pile up.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *zap.Logger
	ctx     context.Context
}

// SchedulerConfig describes the scheduler dependencies.
type SchedulerConfig struct {
	Logger *zap.Logger
}

// NewScheduler constructs a cron-backed scheduler using the standard
// five-field spec format.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// AddJob registers a job on the given cron spec.
func (s *Scheduler) AddJob(job Job, spec string) error {
	logger := s.logger.With(zap.String("job", job.Name()), zap.String("spec", spec))
	entryID, err := s.cron.AddFunc(spec, s.wrap(job))
	if err != nil {
		logger.Error("job registration failed", zap.Error(err))
		return err
	}
	s.entries[job.Name()] = entryID
	logger.Info("job scheduled")
	return nil
}

// Start begins executing registered jobs until Stop is called. The
// context is handed to every job run.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx = ctx
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
}

func (s *Scheduler) wrap(job Job) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			s.logger.Info("job skipped: previous run still active", zap.String("job", job.Name()))
			return
		}
		defer running.Store(false)

		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		logger := s.logger.With(zap.String("job", job.Name()))
		start := time.Now()
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn("job run failed", zap.Error(err), zap.Duration("duration", elapsed))
			return
		}
		logger.Debug("job run finished", zap.Duration("duration", elapsed))
	}
}
