// Package cron runs the daemon's periodic maintenance sweeps on robfig/cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-company/internal/config"
)

// cronParser accepts 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named sweep. Run returns how many items it acted on.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) int
}

type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler fires jobs on their schedules. A job still running when its next
// slot arrives is skipped for that slot.
type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron
	jobs   map[string]Job

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	runs   map[string]int
}

// NewScheduler validates every job spec and registers the jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	s := &Scheduler{
		logger: logger,
		jobs:   make(map[string]Job, len(cfg.Jobs)),
		runs:   map[string]int{},
		ctx:    context.Background(),
	}
	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.Recover(cronLogger{logger}), cronlib.SkipIfStillRunning(cronLogger{logger})),
	)
	for _, job := range cfg.Jobs {
		if job.Spec == "" {
			continue
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate cron job %q", job.Name)
		}
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
			return nil, fmt.Errorf("cron job %s: invalid spec %q: %w", job.Name, job.Spec, err)
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

// Start begins firing jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunNow runs the named job synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown cron job %q", name)
	}
	return s.run(job), nil
}

// Runs reports how many times each job has run.
func (s *Scheduler) Runs() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.runs))
	for k, v := range s.runs {
		out[k] = v
	}
	return out
}

func (s *Scheduler) run(job Job) int {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return 0
	}
	start := time.Now()
	n := job.Run(ctx)
	s.mu.Lock()
	s.runs[job.Name]++
	s.mu.Unlock()
	if n > 0 {
		s.logger.Info("cron: job acted", "job", job.Name, "items", n, "duration_ms", time.Since(start).Milliseconds())
	} else {
		s.logger.Debug("cron: job idle", "job", job.Name)
	}
	return n
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Sweeper is the maintenance surface of the orchestrator.
type Sweeper interface {
	SweepOrphans(ctx context.Context) int
	RetryReviews(ctx context.Context) int
}

// MaintenanceJobs builds the orphan recovery and review retry sweeps. An
// empty spec disables that sweep.
func MaintenanceJobs(cfg config.MaintenanceConfig, sw Sweeper) []Job {
	return []Job{
		{Name: JobRecoverySweep, Spec: cfg.RecoverySweep, Run: sw.SweepOrphans},
		{Name: JobReviewRetry, Spec: cfg.ReviewRetrySweep, Run: sw.RetryReviews},
	}
}

const (
	JobRecoverySweep = "recovery_sweep"
	JobReviewRetry   = "review_retry"
)
