// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package worker supervises the pipeline's long-running subsystems.
//
// Each subsystem (streaming, batch, warehouse) runs inside its own
// supervised context with a buffered task mailbox. A crash in one
// subsystem is isolated: the suture tree restarts the failed worker
// while the other subsystems keep serving, and the restarted worker
// resumes draining its surviving mailbox.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/agorahq/agora-analytics/internal/config"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/metrics"
)

var (
	// ErrWorkerNotFound is returned by SendTask for an unknown subsystem.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrNotRunning is returned when the supervisor has not been initialized
	// or has been stopped.
	ErrNotRunning = errors.New("worker supervisor not running")

	// ErrMailboxFull is returned when a subsystem's task queue is at
	// capacity. The task is dropped, not queued.
	ErrMailboxFull = errors.New("worker mailbox full")

	// ErrAlreadyRunning is returned by Initialize when the tree is already up.
	ErrAlreadyRunning = errors.New("worker supervisor already running")
)

// SubsystemStats holds per-subsystem counters.
type SubsystemStats struct {
	TasksCompleted int64 `json:"tasks_completed"`
	Errors         int64 `json:"errors"`
	Restarts       int64 `json:"restarts"`
	QueuedTasks    int   `json:"queued_tasks"`
}

// Stats is a snapshot of the supervisor's state.
type Stats struct {
	IsRunning      bool                      `json:"is_running"`
	ActiveWorkers  int                       `json:"active_workers"`
	TasksCompleted int64                     `json:"tasks_completed"`
	Errors         int64                     `json:"errors"`
	Restarts       int64                     `json:"restarts"`
	Subsystems     map[string]SubsystemStats `json:"subsystems"`
}

// subsystemState tracks one registered worker. The initialized counter
// increments on every Serve start, so initialized-1 is the restart count.
type subsystemState struct {
	mailbox     chan Task
	initialized int64
	completed   int64
	errors      int64
}

// Supervisor owns the suture tree and the per-subsystem workers.
type Supervisor struct {
	cfg config.WorkerConfig

	mu      sync.Mutex
	running bool
	workers map[string]*subsystemState
	pending []*worker

	tree    *suture.Supervisor
	cancel  context.CancelFunc
	treeErr <-chan error

	results chan Result
	quit    chan struct{}
	drained chan struct{}
}

// NewSupervisor creates a supervisor. Register subsystems, then Initialize.
func NewSupervisor(cfg config.WorkerConfig) *Supervisor {
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = 64
	}
	return &Supervisor{
		cfg:     cfg,
		workers: make(map[string]*subsystemState),
		results: make(chan Result, 256),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Register adds a subsystem runner. Must be called before Initialize;
// registering an already-known subsystem replaces nothing and is an error.
func (s *Supervisor) Register(subsystem string, runner Runner) error {
	if runner == nil {
		return fmt.Errorf("register %s: nil runner", subsystem)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if _, ok := s.workers[subsystem]; ok {
		return fmt.Errorf("register %s: already registered", subsystem)
	}

	mailbox := make(chan Task, s.cfg.MailboxSize)
	s.workers[subsystem] = &subsystemState{mailbox: mailbox}
	s.pending = append(s.pending, &worker{
		subsystem: subsystem,
		mailbox:   mailbox,
		results:   s.results,
		runner:    runner,
	})
	return nil
}

// Initialize builds the suture tree, adds one worker per registered
// subsystem and starts serving in the background.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	if len(s.pending) == 0 {
		return errors.New("no subsystems registered")
	}

	hook := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	s.tree = suture.New("analytics-workers", suture.Spec{
		EventHook:        hook.MustHook(),
		FailureThreshold: s.cfg.FailureThreshold,
		FailureDecay:     s.cfg.FailureDecay,
		FailureBackoff:   s.cfg.FailureBackoff,
		Timeout:          s.cfg.ShutdownTimeout,
	})
	for _, w := range s.pending {
		s.tree.Add(w)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.treeErr = s.tree.ServeBackground(serveCtx)
	go s.consumeResults()

	s.running = true
	logging.Info().
		Str("component", "worker").
		Int("subsystems", len(s.pending)).
		Msg("worker supervisor started")
	return nil
}

// SendTask dispatches a task to a subsystem's mailbox without blocking.
func (s *Supervisor) SendTask(subsystem string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	state, ok := s.workers[subsystem]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, subsystem)
	}

	select {
	case state.mailbox <- task:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, subsystem)
	}
}

// WorkerStats returns a snapshot of all subsystem counters.
func (s *Supervisor) WorkerStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		IsRunning:  s.running,
		Subsystems: make(map[string]SubsystemStats, len(s.workers)),
	}
	for name, state := range s.workers {
		restarts := state.initialized - 1
		if restarts < 0 {
			restarts = 0
		}
		stats.Subsystems[name] = SubsystemStats{
			TasksCompleted: state.completed,
			Errors:         state.errors,
			Restarts:       restarts,
			QueuedTasks:    len(state.mailbox),
		}
		stats.TasksCompleted += state.completed
		stats.Errors += state.errors
		stats.Restarts += restarts
		if state.initialized > 0 && s.running {
			stats.ActiveWorkers++
		}
	}
	return stats
}

// Stop cancels the tree, waits for workers to exit, then clears the
// registry. Safe to call twice.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	treeErr := s.treeErr
	s.mu.Unlock()

	cancel()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-treeErr:
	case <-time.After(timeout):
		logging.Warn().
			Str("component", "worker").
			Dur("timeout", timeout).
			Msg("worker tree did not stop within timeout")
	}

	close(s.quit)
	<-s.drained

	s.mu.Lock()
	s.workers = make(map[string]*subsystemState)
	s.pending = nil
	s.mu.Unlock()

	logging.Info().Str("component", "worker").Msg("worker supervisor stopped")
	return nil
}

// consumeResults folds worker result messages into the per-subsystem
// counters. Runs until Stop signals quit.
func (s *Supervisor) consumeResults() {
	defer close(s.drained)

	for {
		var r Result
		select {
		case <-s.quit:
			return
		case r = <-s.results:
		}

		s.mu.Lock()
		state, ok := s.workers[r.Subsystem]
		if !ok {
			s.mu.Unlock()
			continue
		}
		switch r.Type {
		case ResultInitialized:
			state.initialized++
			if state.initialized > 1 {
				metrics.WorkerRestarts.WithLabelValues(r.Subsystem).Inc()
				logging.Warn().
					Str("component", "worker").
					Str("subsystem", r.Subsystem).
					Int64("restarts", state.initialized-1).
					Msg("worker restarted")
			}
		case ResultTaskCompleted:
			state.completed++
			metrics.WorkerTasksCompleted.WithLabelValues(r.Subsystem).Inc()
		case ResultError:
			state.errors++
			metrics.WorkerErrors.WithLabelValues(r.Subsystem).Inc()
		}
		s.mu.Unlock()
	}
}
