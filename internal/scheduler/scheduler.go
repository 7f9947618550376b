// Package scheduler runs the service's recurring maintenance jobs: retrain
// sweeps, drift monitoring, bandit snapshots and cache sweeps. Jobs are
// declared in configuration and bound to runner functions at startup.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Known job types.
const (
	JobRetrainSweep   = "retrain.sweep"
	JobDriftMonitor   = "drift.monitor"
	JobBanditSnapshot = "bandit.snapshot"
	JobCacheSweep     = "cache.sweep"
)

// Job is one scheduled job declaration.
type Job struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	Interval    time.Duration `yaml:"interval"`
	Description string        `yaml:"description"`
	Enabled     bool          `yaml:"enabled"`
}

// Config holds the scheduler's job table.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

// DefaultConfig enables the standard maintenance jobs.
func DefaultConfig() Config {
	return Config{Jobs: []Job{
		{Name: "nightly-retrain", Type: JobRetrainSweep, Interval: 24 * time.Hour, Enabled: true,
			Description: "sweep all properties and retrain where data gates pass"},
		{Name: "drift-monitor", Type: JobDriftMonitor, Interval: 6 * time.Hour, Enabled: true,
			Description: "compare recent feature distributions against the reference window"},
		{Name: "bandit-snapshot", Type: JobBanditSnapshot, Interval: 15 * time.Minute, Enabled: true,
			Description: "persist bandit arm statistics"},
		{Name: "cache-sweep", Type: JobCacheSweep, Interval: time.Hour, Enabled: true,
			Description: "evict expired competitor band cache entries"},
	}}
}

// RunFunc executes one job occurrence.
type RunFunc func(ctx context.Context) error

// Result records one job execution.
type Result struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Status summarizes the scheduler.
type Status struct {
	Running      bool              `json:"running"`
	EnabledJobs  int               `json:"enabled_jobs"`
	DisabledJobs int               `json:"disabled_jobs"`
	Uptime       time.Duration     `json:"uptime"`
	LastResults  map[string]Result `json:"last_results"`
}

// Scheduler drives the registered jobs on their intervals.
type Scheduler struct {
	cfg     Config
	logger  zerolog.Logger
	runners map[string]RunFunc

	mu        sync.Mutex
	last      map[string]Result
	running   bool
	startTime time.Time
}

// New creates a scheduler for the given job table.
func New(cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		runners: make(map[string]RunFunc),
		last:    make(map[string]Result),
	}
}

// Register binds a job type to its runner. Jobs without a runner are skipped
// with a warning when the scheduler starts.
func (s *Scheduler) Register(jobType string, fn RunFunc) {
	s.runners[jobType] = fn
}

// Jobs returns the configured job table.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, len(s.cfg.Jobs))
	copy(out, s.cfg.Jobs)
	return out
}

// Start runs all enabled jobs on their intervals until the context ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	started := 0
	for _, job := range s.cfg.Jobs {
		if !job.Enabled {
			continue
		}
		if _, ok := s.runners[job.Type]; !ok {
			s.logger.Warn().Str("job", job.Name).Str("type", job.Type).Msg("no runner registered, job skipped")
			continue
		}
		if job.Interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", job.Name)
		}
		job := job
		started++
		g.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					s.runOnce(ctx, job)
				}
			}
		})
	}
	s.logger.Info().Int("jobs", started).Msg("scheduler started")
	return g.Wait()
}

// RunJob executes one named job immediately, outside its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) (Result, error) {
	for _, job := range s.cfg.Jobs {
		if job.Name == name {
			if _, ok := s.runners[job.Type]; !ok {
				return Result{}, fmt.Errorf("job %s: no runner registered for type %s", name, job.Type)
			}
			return s.runOnce(ctx, job), nil
		}
	}
	return Result{}, fmt.Errorf("job not found: %s", name)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) Result {
	start := time.Now()
	err := s.runners[job.Type](ctx)

	result := Result{
		JobName:   job.Name,
		StartTime: start,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		result.Error = err.Error()
		s.logger.Error().Err(err).Str("job", job.Name).Dur("duration", result.Duration).Msg("job failed")
	} else {
		s.logger.Info().Str("job", job.Name).Dur("duration", result.Duration).Msg("job completed")
	}

	s.mu.Lock()
	s.last[job.Name] = result
	s.mu.Unlock()
	return result
}

// GetStatus reports the scheduler state and last results per job.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled, disabled := 0, 0
	for _, job := range s.cfg.Jobs {
		if job.Enabled {
			enabled++
		} else {
			disabled++
		}
	}
	last := make(map[string]Result, len(s.last))
	for k, v := range s.last {
		last[k] = v
	}
	var uptime time.Duration
	if s.running {
		uptime = time.Since(s.startTime)
	}
	return Status{
		Running:      s.running,
		EnabledJobs:  enabled,
		DisabledJobs: disabled,
		Uptime:       uptime,
		LastResults:  last,
	}
}
