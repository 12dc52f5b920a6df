// Package scheduler triggers the periodic sweeps on cron schedules. Every
// run, timed or manual, goes through the same lease so one sweep of a kind
// is in flight at a time across replicas.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/mbd888/escrowpay/internal/lease"
)

// ErrUnknownJob is returned for a job name that was never added.
var ErrUnknownJob = errors.New("scheduler: unknown job")

var jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowpay",
	Subsystem: "scheduler",
	Name:      "job_runs_total",
	Help:      "Scheduled job runs by outcome.",
}, []string{"job", "outcome"})

func init() {
	prometheus.MustRegister(jobRuns)
}

// Job is one named sweep. Run returns a printable aggregate.
type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such
	// as "@every 5m". Empty means manual runs only.
	Spec string
	Run  func(ctx context.Context) (any, error)
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cron     *cron.Cron
	lease    lease.Lease
	leaseTTL time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// New creates a scheduler. A nil lease falls back to a process-local one.
func New(l lease.Lease, logger *slog.Logger) *Scheduler {
	if l == nil {
		l = lease.NewLocal()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		lease:    l,
		leaseTTL: 10 * time.Minute,
		timeout:  5 * time.Minute,
		logger:   logger,
		jobs:     make(map[string]Job),
		ctx:      context.Background(),
	}
}

// WithLeaseTTL bounds how long a crashed run keeps the lease.
func (s *Scheduler) WithLeaseTTL(d time.Duration) *Scheduler {
	if d > 0 {
		s.leaseTTL = d
	}
	return s
}

// WithTimeout caps a single run.
func (s *Scheduler) WithTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Add registers a job and, if it has a Spec, its cron entry.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %q already added", job.Name)
	}
	if job.Spec != "" {
		name := job.Name
		if _, err := s.cron.AddFunc(job.Spec, func() { s.tick(name) }); err != nil {
			return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", job.Name, job.Spec, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches the cron loop. Runs stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.running.Store(true)
	s.logger.Info("scheduler started", "jobs", s.Jobs())
}

// Stop halts the cron loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	done := s.cron.Stop()
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	<-done.Done()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(name string) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if _, err := s.RunNow(ctx, name); err != nil && !errors.Is(err, lease.ErrHeld) {
		s.logger.Warn("scheduled job failed", "job", name, "error", err)
	}
}

// RunNow runs a job immediately under its lease. It returns lease.ErrHeld
// when the same job is already running somewhere.
func (s *Scheduler) RunNow(ctx context.Context, name string) (any, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, err := s.lease.Acquire(ctx, "sweep:"+name, s.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			jobRuns.WithLabelValues(name, "skipped").Inc()
			s.logger.Info("job skipped, lease held", "job", name)
		} else {
			jobRuns.WithLabelValues(name, "error").Inc()
		}
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.safeRun(ctx, job)
	if err != nil {
		jobRuns.WithLabelValues(name, "error").Inc()
		return result, err
	}
	jobRuns.WithLabelValues(name, "ok").Inc()
	s.logger.Info("job finished", "job", name, "result", fmt.Sprint(result), "duration", time.Since(start))
	return result, nil
}

func (s *Scheduler) safeRun(ctx context.Context, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled job", "job", job.Name, "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic in job %s: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
