package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Func is the work a job performs on every tick.
type Func func(ctx context.Context) error

type Scheduler struct {
	jobs   map[string]*Job // job name -> job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Job struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Run       Func

	ticker  *time.Ticker
	cancel  context.CancelFunc
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// NewScheduler initializes a new Scheduler instance
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add starts a job, replacing any job already registered under the same name.
// Jobs with Immediate set run once right away.
func (s *Scheduler) Add(name string, interval time.Duration, immediate bool, run Func) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("job %s: scheduler stopped", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		existing.ticker.Stop()
		existing.cancel()
	}

	jobCtx, jobCancel := context.WithCancel(s.ctx)
	job := &Job{
		Name:      name,
		Interval:  interval,
		Immediate: immediate,
		Run:       run,
		ticker:    time.NewTicker(interval),
		cancel:    jobCancel,
	}
	s.jobs[name] = job

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			s.execute(jobCtx, job)
		}
		s.runJob(jobCtx, job)
	}()

	log.Info().Str("job", name).Dur("interval", interval).Msg("Scheduled job")
	return nil
}

// Remove stops a job by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[name]; ok {
		job.ticker.Stop()
		job.cancel()
		delete(s.jobs, name)
		log.Info().Str("job", name).Msg("Removed job")
	}
}

// Stop cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler")
	s.cancel()

	s.mu.Lock()
	for _, job := range s.jobs {
		job.ticker.Stop()
		job.cancel()
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	defer job.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-job.ticker.C:
			s.execute(ctx, job)
		}
	}
}

// execute runs the job unless a previous run is still in flight, in which
// case the tick is dropped.
func (s *Scheduler) execute(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		job.skipped.Add(1)
		log.Warn().Str("job", job.Name).Msg("Previous run still in progress, skipping tick")
		return
	}
	defer job.running.Store(false)

	start := time.Now()
	log.Debug().Str("job", job.Name).Msg("Job started")

	err := job.Run(ctx)
	job.runs.Add(1)
	if err != nil {
		job.failed.Add(1)
		log.Error().Err(err).Str("job", job.Name).Dur("duration", time.Since(start)).Msg("Job failed")
		return
	}
	log.Info().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("Job finished")
}

// JobStatus is a snapshot of one job's counters.
type JobStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Running  bool          `json:"running"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
	Failed   int64         `json:"failed"`
}

// Status returns the jobs sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		statuses = append(statuses, JobStatus{
			Name:     job.Name,
			Interval: job.Interval,
			Running:  job.running.Load(),
			Runs:     job.runs.Load(),
			Skipped:  job.skipped.Load(),
			Failed:   job.failed.Load(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Running reports whether the scheduler has not been stopped.
func (s *Scheduler) Running() bool {
	return s.ctx.Err() == nil
}
