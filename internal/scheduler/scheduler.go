// Package scheduler runs the sync jobs on fixed intervals. Each job gets its
// own ticker goroutine so a slow corporate cycle never starves the wallet
// refresh.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is one schedulable unit of work.
type JobFunc func(context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
}

// Status is a point-in-time view of the scheduler for the ops surface.
type Status struct {
	Running bool                 `json:"running"`
	Uptime  time.Duration        `json:"uptime"`
	Jobs    map[string]JobStatus `json:"jobs"`
}

type JobStatus struct {
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Scheduler struct {
	log  zerolog.Logger
	jobs []job

	mu        sync.Mutex
	running   bool
	startTime time.Time
	lastRun   map[string]time.Time
	lastErr   map[string]string
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:     log,
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]string),
	}
}

// Add registers a job. All jobs must be added before Start.
func (s *Scheduler) Add(name string, interval time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: fn})
}

// Start runs every job once immediately, then on its interval, until ctx is
// canceled. It blocks until every job goroutine has drained.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler starting")

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.runOnce(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := j.run(ctx)

	s.mu.Lock()
	s.lastRun[j.name] = start
	if err != nil && ctx.Err() == nil {
		s.lastErr[j.name] = err.Error()
	} else {
		delete(s.lastErr, j.name)
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("job", j.name).Dur("duration", time.Since(start)).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", j.name).Dur("duration", time.Since(start)).Msg("job finished")
}

// GetStatus reports the scheduler state for the ops surface.
func (s *Scheduler) GetStatus() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Status{Running: s.running, Jobs: make(map[string]JobStatus, len(s.jobs))}
	if s.running {
		st.Uptime = time.Since(s.startTime)
	}
	for _, j := range s.jobs {
		st.Jobs[j.name] = JobStatus{
			Interval: j.interval,
			LastRun:  s.lastRun[j.name],
			LastErr:  s.lastErr[j.name],
		}
	}
	return st
}
