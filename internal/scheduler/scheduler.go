// Package scheduler drives the periodic detection, forecasting, alert and
// retention cycles.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"apipulse/internal/logging"
)

type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type RunInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	Duration time.Duration `json:"duration"`
	LastErr  string        `json:"last_error,omitempty"`
	Runs     int           `json:"runs"`
}

var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs each job on its own ticker. Executions of one job never
// overlap; a tick that arrives mid-run waits for it.
type Scheduler struct {
	logger  *slog.Logger
	mu      sync.Mutex
	jobs    map[string]Job
	runs    map[string]*RunInfo
	running map[string]*sync.Mutex
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		logger:  logger,
		jobs:    make(map[string]Job),
		runs:    make(map[string]*RunInfo),
		running: make(map[string]*sync.Mutex),
	}
}

// Add registers job, replacing any job of the same name. Jobs with a
// non-positive interval only run through Trigger.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	s.runs[job.Name] = &RunInfo{Name: job.Name, Interval: job.Interval}
	if _, ok := s.running[job.Name]; !ok {
		s.running[job.Name] = &sync.Mutex{}
	}
}

// Run ticks every job until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		if job.Interval <= 0 {
			continue
		}
		s.logger.Info("job scheduled", "job", job.Name, "interval", job.Interval.String())
		g.Go(func() error {
			s.runTicker(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (s *Scheduler) runTicker(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.execute(ctx, job); err != nil {
				s.logger.Warn("job failed", "job", job.Name, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Trigger runs the named job now and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.mu.Lock()
	lock := s.running[job.Name]
	s.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := safeRun(runCtx, job)
	elapsed := time.Since(start)

	s.mu.Lock()
	info := s.runs[job.Name]
	info.LastRun = start.UTC()
	info.Duration = elapsed
	info.Runs++
	info.LastErr = ""
	if err != nil {
		info.LastErr = err.Error()
	}
	s.mu.Unlock()
	s.logger.Debug("job finished", "job", job.Name, "duration_ms", elapsed.Milliseconds(), "err", err)
	return err
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

func (s *Scheduler) Status() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, info := range s.runs {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
