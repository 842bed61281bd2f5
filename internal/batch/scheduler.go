// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

/*
Package batch runs the scheduled aggregation jobs: daily, weekly, and
monthly rollups plus retention cleanup. Jobs are registered with a cron
engine behind a small interface so tests can fire them deterministically.

Each firing is timed and counted; success publishes a jobCompleted
notification and failure a jobError. Overlapping firings of the same job
are not mutually excluded: a slow run can still be executing when the
next tick arrives, matching the upstream pipeline's behavior.
*/
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/config"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/metrics"
	"github.com/agorahq/agora-analytics/internal/store"
)

// ErrJobNotFound is returned by RunJobManually for an unregistered name.
var ErrJobNotFound = errors.New("job not found")

// Store is the durable-store surface the scheduler uses.
type Store interface {
	AggregateUserActivity(ctx context.Context, start, end time.Time) (store.UserActivity, error)
	AggregateCommunityActivity(ctx context.Context, start, end time.Time) (store.CommunityActivity, error)
	AggregateVotingActivity(ctx context.Context, start, end time.Time) (store.VotingActivity, error)
	InsertAggregationWindow(ctx context.Context, periodType, periodValue string, payload []byte) error
	DeleteWindowsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is the cache surface for the short-TTL copy of each window.
type Cache interface {
	IsConnected() bool
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
}

// Notifier publishes job lifecycle notifications.
type Notifier interface {
	PublishJobCompleted(bus.JobCompleted) error
	PublishJobError(bus.JobError) error
}

// Cron is the subset of the cron engine the scheduler needs.
// *cron.Cron satisfies it.
type Cron interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}

// JobFunc is one job body. It returns the period key of the window it
// produced ("" for jobs without one, like cleanup).
type JobFunc func(ctx context.Context) (string, error)

// Stats is a snapshot of the scheduler's processing counters.
type Stats struct {
	JobsCompleted         int64                `json:"jobs_completed"`
	TotalProcessingTime   time.Duration        `json:"total_processing_time"`
	Errors                int64                `json:"errors"`
	LastRun               time.Time            `json:"last_run"`
	ActiveJobs            int                  `json:"active_jobs"`
	AverageProcessingTime time.Duration        `json:"average_processing_time"`
	JobLastRun            map[string]time.Time `json:"job_last_run"`
}

type job struct {
	name   string
	spec   string
	period string
	task   JobFunc
}

// Scheduler registers and runs the batch aggregation jobs.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    Store
	cache    Cache
	notifier Notifier
	cron     Cron
	now      func() time.Time

	mu         sync.Mutex
	jobs       map[string]*job
	jobLastRun map[string]time.Time
	completed  int64
	totalTime  time.Duration
	errCount   int64
	lastRun    time.Time
}

// New creates a scheduler. A nil cronRunner gets the standard 5-field
// cron engine.
func New(cfg config.SchedulerConfig, st Store, c Cache, notifier Notifier, cronRunner Cron) *Scheduler {
	if cronRunner == nil {
		cronRunner = cron.New()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		cache:      c,
		notifier:   notifier,
		cron:       cronRunner,
		now:        time.Now,
		jobs:       make(map[string]*job),
		jobLastRun: make(map[string]time.Time),
	}
}

// Initialize registers the four standing jobs with their configured cron
// specs.
func (s *Scheduler) Initialize() error {
	standing := []struct {
		name   string
		spec   string
		period string
		task   JobFunc
	}{
		{"daily-analytics", s.cfg.DailySpec, "daily", s.processDailyAnalytics},
		{"weekly-analytics", s.cfg.WeeklySpec, "weekly", s.processWeeklyAnalytics},
		{"monthly-analytics", s.cfg.MonthlySpec, "monthly", s.processMonthlyAnalytics},
		{"data-cleanup", s.cfg.CleanupSpec, "cleanup", s.cleanupJob},
	}
	for _, j := range standing {
		if err := s.scheduleJob(j.name, j.spec, j.period, j.task); err != nil {
			return err
		}
	}
	logging.Info().Str("component", "batch").Int("jobs", len(standing)).Msg("batch jobs initialized")
	return nil
}

// ScheduleJob registers a named recurring job.
func (s *Scheduler) ScheduleJob(name, spec string, task JobFunc) error {
	return s.scheduleJob(name, spec, name, task)
}

func (s *Scheduler) scheduleJob(name, spec, period string, task JobFunc) error {
	j := &job{name: name, spec: spec, period: period, task: task}
	if _, err := s.cron.AddFunc(spec, func() {
		_ = s.runJob(context.Background(), j)
	}); err != nil {
		return fmt.Errorf("schedule job %s (%s): %w", name, spec, err)
	}
	s.mu.Lock()
	s.jobs[name] = j
	s.mu.Unlock()
	return nil
}

// runJob is the firing wrapper: it times the run, updates stats, and
// publishes the outcome.
func (s *Scheduler) runJob(ctx context.Context, j *job) error {
	logging.Info().Str("component", "batch").Str("job", j.name).Msg("starting batch job")
	start := s.now()
	periodKey, err := j.task(ctx)
	elapsed := s.now().Sub(start)
	metrics.ObserveBatchJob(j.name, elapsed, err)

	s.mu.Lock()
	if err != nil {
		s.errCount++
	} else {
		s.completed++
		s.totalTime += elapsed
		s.lastRun = s.now()
		s.jobLastRun[j.name] = s.lastRun
	}
	s.mu.Unlock()

	if err != nil {
		logging.Error().Str("component", "batch").Str("job", j.name).Err(err).Msg("batch job failed")
		if perr := s.notifier.PublishJobError(bus.JobError{
			Job:       j.name,
			Error:     err.Error(),
			Timestamp: s.now().UTC(),
		}); perr != nil {
			logging.Warn().Err(perr).Msg("publishing jobError")
		}
		return err
	}

	logging.Info().
		Str("component", "batch").
		Str("job", j.name).
		Dur("elapsed", elapsed).
		Msg("completed batch job")
	if perr := s.notifier.PublishJobCompleted(bus.JobCompleted{
		Job:       j.name,
		Period:    j.period,
		PeriodKey: periodKey,
		Elapsed:   elapsed,
		Timestamp: s.now().UTC(),
	}); perr != nil {
		logging.Warn().Err(perr).Msg("publishing jobCompleted")
	}
	return nil
}

// RunJobManually fires a registered job outside its cron schedule.
func (s *Scheduler) RunJobManually(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	logging.Info().Str("component", "batch").Str("job", name).Msg("running job manually")
	return s.runJob(ctx, j)
}

// Start begins cron scheduling.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts cron scheduling. Running jobs finish; nothing new fires.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Info().Str("component", "batch").Msg("batch scheduler stopped")
}

// Stats returns a snapshot of the processing counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		JobsCompleted:       s.completed,
		TotalProcessingTime: s.totalTime,
		Errors:              s.errCount,
		LastRun:             s.lastRun,
		ActiveJobs:          len(s.jobs),
		JobLastRun:          make(map[string]time.Time, len(s.jobLastRun)),
	}
	for k, v := range s.jobLastRun {
		st.JobLastRun[k] = v
	}
	if s.completed > 0 {
		st.AverageProcessingTime = s.totalTime / time.Duration(s.completed)
	}
	return st
}

// cleanupJob adapts CleanupOldData to the JobFunc shape.
func (s *Scheduler) cleanupJob(ctx context.Context) (string, error) {
	s.CleanupOldData(ctx)
	return "", nil
}

// CleanupOldData deletes aggregation windows older than the retention
// period. Failures are logged and swallowed; this job must never crash
// the scheduler.
func (s *Scheduler) CleanupOldData(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.DeleteWindowsOlderThan(ctx, cutoff)
	if err != nil {
		logging.Error().Str("component", "batch").Err(err).Msg("data cleanup failed")
		return
	}
	logging.Info().
		Str("component", "batch").
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("cleaned up old analytics records")
}
