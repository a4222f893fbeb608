package warming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs recurring warming jobs against a Warmer on a cron
// schedule, using robfig/cron/v3 rather than a bespoke ticker loop.
type Scheduler[T any] struct {
	warmer *Warmer[T]
	runner *cron.Cron

	mu   sync.RWMutex
	jobs map[string]*ScheduledJob
}

// ScheduledJob describes one recurring warming job and its run history.
type ScheduledJob struct {
	ID         string
	Schedule   string // standard 5-field cron expression
	Strategy   string
	Window     time.Duration // prediction window passed to WarmPredicted
	Limit      int
	Priority   int
	LastRun    *time.Time
	RunCount   int64
	FailCount  int64

	entryID cron.EntryID
}

// NewScheduler creates a Scheduler driving warmer. Call Start to begin
// running registered jobs, and Stop to drain them on shutdown.
func NewScheduler[T any](warmer *Warmer[T]) *Scheduler[T] {
	return &Scheduler[T]{
		warmer: warmer,
		runner: cron.New(),
		jobs:   make(map[string]*ScheduledJob),
	}
}

// RegisterJob adds a recurring predictive-warming job. schedule is a
// standard 5-field cron expression (minute hour day-of-month month
// day-of-week).
func (s *Scheduler[T]) RegisterJob(job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("warming: job %q already registered", job.ID)
	}

	entryID, err := s.runner.AddFunc(job.Schedule, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("warming: invalid schedule %q: %w", job.Schedule, err)
	}
	job.entryID = entryID
	s.jobs[job.ID] = job
	return nil
}

// UnregisterJob removes a previously registered job.
func (s *Scheduler[T]) UnregisterJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("warming: job %q not found", jobID)
	}
	s.runner.Remove(job.entryID)
	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns all registered jobs' current state.
func (s *Scheduler[T]) ListJobs() []*ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler[T]) Start() { s.runner.Start() }

// Stop stops the scheduler and waits for any in-progress job to finish.
func (s *Scheduler[T]) Stop() {
	<-s.runner.Stop().Done()
}

func (s *Scheduler[T]) run(job *ScheduledJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	job.LastRun = &now

	window := job.Window
	if window <= 0 {
		window = 1 * time.Hour
	}

	spawned, err := s.warmer.WarmPredicted(ctx, window, job.Limit, job.Priority, job.Strategy)
	if err != nil {
		job.FailCount++
		return
	}
	if spawned > 0 {
		job.RunCount++
	}
}

// DefaultJobs returns the three standard warming schedules: a light hourly
// refresh of recently-hot keys, a heavier warmup ahead of typical daily peak
// hours, and a full daily warmup overnight.
func DefaultJobs() []*ScheduledJob {
	return []*ScheduledJob{
		{ID: "hourly-refresh", Schedule: "0 * * * *", Strategy: "priority", Window: 1 * time.Hour, Limit: 50, Priority: 70},
		{ID: "peak-hours-warmup", Schedule: "0 7,11,17 * * *", Strategy: "priority", Window: 2 * time.Hour, Limit: 100, Priority: 90},
		{ID: "daily-warmup", Schedule: "0 2 * * *", Strategy: "selective", Window: 24 * time.Hour, Limit: 500, Priority: 50},
	}
}
