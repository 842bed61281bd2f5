// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/agorahq/agora-analytics/internal/event"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/worker"
)

// batchJobForAction maps worker task actions to scheduler job names.
var batchJobForAction = map[string]string{
	worker.ActionRunDailyAnalytics:   "daily-analytics",
	worker.ActionRunWeeklyAnalytics:  "weekly-analytics",
	worker.ActionRunMonthlyAnalytics: "monthly-analytics",
	worker.ActionCleanupData:         "data-cleanup",
}

// registerRunners wires one runner per subsystem into the supervisor.
func (c *Coordinator) registerRunners() error {
	if err := c.workers.Register(worker.SubsystemStreaming, c.streamingRunner); err != nil {
		return err
	}
	if err := c.workers.Register(worker.SubsystemBatch, c.batchRunner); err != nil {
		return err
	}
	return c.workers.Register(worker.SubsystemWarehouse, c.warehouseRunner)
}

func (c *Coordinator) streamingRunner(ctx context.Context, task worker.Task) error {
	switch task.Action {
	case worker.ActionProcessEvent:
		e, err := taskEvent(task)
		if err != nil {
			return err
		}
		// ProcessEvent would republish eventProcessed and re-enter the
		// dispatch path; the worker side must not feed the bus.
		return c.streaming.ProcessImmediate(ctx, e)
	case worker.ActionGetMetrics:
		_, err := c.streaming.GetRealTimeMetrics(ctx)
		return err
	default:
		return fmt.Errorf("streaming worker: unknown action %q", task.Action)
	}
}

func (c *Coordinator) batchRunner(ctx context.Context, task worker.Task) error {
	name, ok := batchJobForAction[task.Action]
	if !ok {
		return fmt.Errorf("batch worker: unknown action %q", task.Action)
	}
	return c.batch.RunJobManually(ctx, name)
}

func (c *Coordinator) warehouseRunner(ctx context.Context, task worker.Task) error {
	switch task.Action {
	case worker.ActionRunETL:
		date := c.now().UTC()
		if raw, ok := task.Payload["date"].(string); ok && raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("warehouse worker: bad date %q: %w", raw, err)
			}
			date = parsed
		}
		return c.warehouse.RunETL(ctx, date)
	case worker.ActionQuery:
		query, _ := task.Payload["query"].(string)
		if query == "" {
			return fmt.Errorf("warehouse worker: query action without query")
		}
		args, _ := task.Payload["args"].([]any)
		rows, err := c.warehouse.QueryWarehouse(ctx, query, args...)
		if err != nil {
			return err
		}
		logging.Debug().
			Str("component", "aggregation").
			Int("rows", len(rows)).
			Msg("warehouse query completed")
		return nil
	default:
		return fmt.Errorf("warehouse worker: unknown action %q", task.Action)
	}
}

// taskEvent decodes the event carried in a task payload. The payload
// crosses the worker boundary as a generic map, so it round-trips
// through JSON back into the envelope.
func taskEvent(task worker.Task) (*event.Event, error) {
	raw, ok := task.Payload["event"]
	if !ok {
		return nil, fmt.Errorf("task %s: missing event payload", task.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("task %s: marshal event: %w", task.ID, err)
	}
	e, err := event.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return e, nil
}
