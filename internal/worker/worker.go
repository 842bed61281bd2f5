// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agorahq/agora-analytics/internal/logging"
)

// Subsystem names. One worker runs per subsystem.
const (
	SubsystemStreaming = "streaming"
	SubsystemBatch     = "batch"
	SubsystemWarehouse = "warehouse"
)

// Task actions understood by the subsystem runners.
const (
	ActionProcessEvent        = "processEvent"
	ActionGetMetrics          = "getMetrics"
	ActionRunDailyAnalytics   = "runDailyAnalytics"
	ActionRunWeeklyAnalytics  = "runWeeklyAnalytics"
	ActionRunMonthlyAnalytics = "runMonthlyAnalytics"
	ActionCleanupData         = "cleanupData"
	ActionRunETL              = "runETL"
	ActionQuery               = "query"
)

// Task is one unit of work sent to a subsystem worker. Delivery is
// at-most-once: a task in flight when its worker crashes is lost.
type Task struct {
	ID      string         `json:"id"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewTask creates a task with a fresh id.
func NewTask(action string, payload map[string]any) Task {
	return Task{ID: uuid.NewString(), Action: action, Payload: payload}
}

// Result message types, worker to supervisor.
const (
	ResultInitialized   = "initialized"
	ResultTaskCompleted = "taskCompleted"
	ResultError         = "error"
)

// Result is one message from a worker back to the supervisor.
type Result struct {
	Subsystem string    `json:"subsystem"`
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Runner executes one task for a subsystem.
type Runner func(ctx context.Context, task Task) error

// worker is one supervised subsystem context: it announces itself, then
// drains its mailbox until canceled. A panic in the runner crashes only
// this worker; suture restarts it and the queued mailbox tasks survive
// because the mailbox outlives the Serve call.
type worker struct {
	subsystem string
	mailbox   chan Task
	results   chan<- Result
	runner    Runner
}

func (w *worker) String() string { return "worker-" + w.subsystem }

func (w *worker) Serve(ctx context.Context) error {
	w.report(Result{Subsystem: w.subsystem, Type: ResultInitialized, Timestamp: time.Now().UTC()})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-w.mailbox:
			if err := w.runner(ctx, task); err != nil {
				logging.Error().
					Str("component", "worker").
					Str("subsystem", w.subsystem).
					Str("action", task.Action).
					Err(err).
					Msg("task failed")
				w.report(Result{
					Subsystem: w.subsystem,
					Type:      ResultError,
					TaskID:    task.ID,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				})
				continue
			}
			w.report(Result{
				Subsystem: w.subsystem,
				Type:      ResultTaskCompleted,
				TaskID:    task.ID,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

// report never blocks; the supervisor must not be able to wedge a
// worker by falling behind on results.
func (w *worker) report(r Result) {
	select {
	case w.results <- r:
	default:
		logging.Warn().
			Str("component", "worker").
			Str("subsystem", w.subsystem).
			Str("type", r.Type).
			Msg("result channel full, dropping result")
	}
}
