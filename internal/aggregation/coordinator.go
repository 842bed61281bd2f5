// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package aggregation is the pipeline's top-level orchestrator. The
// coordinator feeds application events to the streaming processor,
// reacts to streaming and batch notifications from the bus, keeps the
// real-time cache counters fresh, dispatches high-priority work to the
// worker supervisor, and centralizes best-effort error logging.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/agorahq/agora-analytics/internal/batch"
	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/event"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/store"
	"github.com/agorahq/agora-analytics/internal/streaming"
	"github.com/agorahq/agora-analytics/internal/warehouse"
	"github.com/agorahq/agora-analytics/internal/worker"
)

var (
	// ErrNotInitialized is returned when the coordinator is used before
	// Initialize.
	ErrNotInitialized = errors.New("aggregation coordinator not initialized")

	// ErrUnknownAggregationType is returned by RunManualAggregation for an
	// unrecognized type.
	ErrUnknownAggregationType = errors.New("unknown aggregation type")
)

// priorityEvents are dispatched to the streaming worker immediately
// instead of waiting for the next batch window.
var priorityEvents = map[string]struct{}{
	event.TypeVoteCast:        {},
	event.TypeQuestionCreated: {},
	event.TypeMemberApproved:  {},
}

// Streaming is the slice of the streaming processor the coordinator uses.
type Streaming interface {
	ProcessEvent(ctx context.Context, e *event.Event) error
	ProcessImmediate(ctx context.Context, e *event.Event) error
	GetRealTimeMetrics(ctx context.Context) (streaming.RealTimeMetrics, error)
	Stats() streaming.Stats
}

// Batch is the slice of the batch scheduler the coordinator uses.
type Batch interface {
	RunJobManually(ctx context.Context, name string) error
	Stats() batch.Stats
}

// Warehouse is the slice of the ETL engine the coordinator uses.
type Warehouse interface {
	RunETL(ctx context.Context, date time.Time) error
	QueryWarehouse(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Stats() warehouse.Stats
}

// Cache is the slice of the shared cache connection the coordinator uses.
type Cache interface {
	IsConnected() bool
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	LPush(ctx context.Context, key, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// ErrorStore is the durable side of the error log.
type ErrorStore interface {
	InsertErrorRecord(ctx context.Context, rec store.ErrorRecord) error
	RecentErrors(ctx context.Context, limit int) ([]store.ErrorRecord, error)
}

// Dispatcher is the worker supervisor surface the coordinator drives.
type Dispatcher interface {
	Register(subsystem string, runner worker.Runner) error
	Initialize(ctx context.Context) error
	SendTask(subsystem string, task worker.Task) error
	WorkerStats() worker.Stats
	Stop() error
}

// Subscriber delivers bus notifications.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Stats is a snapshot of the coordinator's counters.
type Stats struct {
	TotalAggregations      int64        `json:"total_aggregations"`
	SuccessfulAggregations int64        `json:"successful_aggregations"`
	FailedAggregations     int64        `json:"failed_aggregations"`
	LastAggregation        time.Time    `json:"last_aggregation"`
	IsInitialized          bool         `json:"is_initialized"`
	Workers                worker.Stats `json:"workers"`
}

// Coordinator wires the pipeline components together.
type Coordinator struct {
	streaming Streaming
	batch     Batch
	warehouse Warehouse
	cache     Cache
	store     ErrorStore
	bus       Subscriber
	workers   Dispatcher

	// breaker guards the real-time cache writes so a flapping cache
	// cannot slow down notification handling.
	breaker *gobreaker.CircuitBreaker[struct{}]

	now func() time.Time

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	total      int64
	successful int64
	failed     int64
	lastAgg    time.Time
}

// New creates a coordinator. All collaborators are required.
func New(st Streaming, b Batch, w Warehouse, c Cache, es ErrorStore, sub Subscriber, d Dispatcher) *Coordinator {
	return &Coordinator{
		streaming: st,
		batch:     b,
		warehouse: w,
		cache:     c,
		store:     es,
		bus:       sub,
		workers:   d,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "aggregation-cache",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("component", "aggregation").
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("cache breaker state change")
			},
		}),
		now: time.Now,
	}
}

// Initialize registers the subsystem runners, starts the worker
// supervisor, and subscribes to the pipeline notification topics.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if err := c.registerRunners(); err != nil {
		return fmt.Errorf("register workers: %w", err)
	}
	if err := c.workers.Initialize(ctx); err != nil {
		return fmt.Errorf("start worker supervisor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	subscriptions := []struct {
		topic  string
		handle func(context.Context, *message.Message)
	}{
		{bus.TopicEventProcessed, c.onEventProcessed},
		{bus.TopicProcessingError, c.onProcessingError},
		{bus.TopicJobCompleted, c.onJobCompleted},
		{bus.TopicJobError, c.onJobError},
	}
	for _, sub := range subscriptions {
		msgs, err := c.bus.Subscribe(runCtx, sub.topic)
		if err != nil {
			cancel()
			_ = c.workers.Stop()
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		c.wg.Add(1)
		go c.consume(runCtx, msgs, sub.handle)
	}

	c.cancel = cancel
	c.initialized = true
	logging.Info().Str("component", "aggregation").Msg("aggregation coordinator initialized")
	return nil
}

// consume drains one subscription until the bus closes it.
func (c *Coordinator) consume(ctx context.Context, msgs <-chan *message.Message, handle func(context.Context, *message.Message)) {
	defer c.wg.Done()
	for msg := range msgs {
		handle(ctx, msg)
		msg.Ack()
	}
}

// ProcessEvent forwards one application event into the streaming
// processor and tracks aggregation totals.
func (c *Coordinator) ProcessEvent(ctx context.Context, e *event.Event) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	c.total++
	c.lastAgg = c.now().UTC()
	c.mu.Unlock()

	if err := c.streaming.ProcessEvent(ctx, e); err != nil {
		c.recordFailure(ctx, "aggregation", err, e)
		return err
	}
	return nil
}

// onEventProcessed updates the real-time cache counters and dispatches
// high-priority events to the streaming worker.
func (c *Coordinator) onEventProcessed(ctx context.Context, msg *message.Message) {
	n, err := bus.DecodeEventProcessed(msg)
	if err != nil {
		logging.Error().Str("component", "aggregation").Err(err).Msg("bad eventProcessed payload")
		return
	}

	c.updateRealTimeMetrics(ctx, n)

	if _, ok := priorityEvents[n.Event.Type]; ok {
		task := worker.NewTask(worker.ActionProcessEvent, map[string]any{"event": n.Event})
		if err := c.workers.SendTask(worker.SubsystemStreaming, task); err != nil {
			logging.Warn().
				Str("component", "aggregation").
				Str("event_type", n.Event.Type).
				Err(err).
				Msg("immediate dispatch failed")
		} else {
			logging.Debug().
				Str("component", "aggregation").
				Str("event_type", n.Event.Type).
				Msg("immediate aggregation dispatched")
		}
	}

	c.markSuccess()
}

// updateRealTimeMetrics mirrors one processed event into the cache
// counters. Best-effort; failures feed the breaker and are swallowed.
func (c *Coordinator) updateRealTimeMetrics(ctx context.Context, n *bus.EventProcessed) {
	if !c.cache.IsConnected() {
		return
	}

	now := c.now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	dateKey := now.Format("2006-01-02")

	_, err := c.breaker.Execute(func() (struct{}, error) {
		key := cache.EventsKey(n.Event.Type, dateKey)
		if _, err := c.cache.Incr(ctx, key); err != nil {
			return struct{}{}, err
		}
		if err := c.cache.Expire(ctx, key, cache.TTLDay); err != nil {
			return struct{}{}, err
		}

		if err := c.cache.ZAdd(ctx, cache.ProcessingTimesKey(), float64(n.Elapsed.Milliseconds()), timestamp); err != nil {
			return struct{}{}, err
		}
		if err := c.cache.Expire(ctx, cache.ProcessingTimesKey(), cache.TTLHour); err != nil {
			return struct{}{}, err
		}

		if userID := n.Event.StringField("user_id"); userID != "" {
			if err := c.cache.ZAdd(ctx, cache.UserActivityKey(), float64(now.Unix()), userID); err != nil {
				return struct{}{}, err
			}
			if err := c.cache.Expire(ctx, cache.UserActivityKey(), cache.TTLDay); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("real-time metrics update failed")
	}
}

// onJobCompleted caches the batch result and, for aggregation periods,
// kicks off a warehouse ETL run for today.
func (c *Coordinator) onJobCompleted(ctx context.Context, msg *message.Message) {
	n, err := bus.DecodeJobCompleted(msg)
	if err != nil {
		logging.Error().Str("component", "aggregation").Err(err).Msg("bad jobCompleted payload")
		return
	}

	c.updateBatchMetrics(ctx, n)

	switch n.Period {
	case "daily", "weekly", "monthly":
		task := worker.NewTask(worker.ActionRunETL, map[string]any{
			"date": c.now().UTC().Format(time.RFC3339),
		})
		if err := c.workers.SendTask(worker.SubsystemWarehouse, task); err != nil {
			logging.Warn().
				Str("component", "aggregation").
				Str("period", n.Period).
				Err(err).
				Msg("warehouse ETL dispatch failed")
		} else {
			logging.Info().
				Str("component", "aggregation").
				Str("period", n.Period).
				Msg("warehouse ETL dispatched")
		}
	}

	c.markSuccess()
}

// updateBatchMetrics stores one batch run result in the cache. The
// result blob keeps 7 days, the per-period run counter 30 days.
func (c *Coordinator) updateBatchMetrics(ctx context.Context, n *bus.JobCompleted) {
	if !c.cache.IsConnected() {
		return
	}

	blob, err := json.Marshal(n)
	if err != nil {
		logging.Error().Str("component", "aggregation").Err(err).Msg("marshal batch result")
		return
	}
	timestamp := c.now().UTC().Format(time.RFC3339Nano)

	_, err = c.breaker.Execute(func() (struct{}, error) {
		if err := c.cache.SetEx(ctx, cache.BatchResultKey(n.Period, timestamp), string(blob), cache.TTLWeek); err != nil {
			return struct{}{}, err
		}
		countKey := cache.BatchCountKey(n.Period)
		if _, err := c.cache.Incr(ctx, countKey); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, c.cache.Expire(ctx, countKey, cache.TTLMonth)
	})
	if err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("batch metrics update failed")
	}
}

func (c *Coordinator) onProcessingError(ctx context.Context, msg *message.Message) {
	n, err := bus.DecodeProcessingError(msg)
	if err != nil {
		logging.Error().Str("component", "aggregation").Err(err).Msg("bad processingError payload")
		return
	}
	c.recordFailure(ctx, n.Source, errors.New(n.Error), n.Event)
}

func (c *Coordinator) onJobError(ctx context.Context, msg *message.Message) {
	n, err := bus.DecodeJobError(msg)
	if err != nil {
		logging.Error().Str("component", "aggregation").Err(err).Msg("bad jobError payload")
		return
	}
	c.recordFailure(ctx, "batch", fmt.Errorf("job %s: %s", n.Job, n.Error), nil)
}

// recordFailure counts one failed aggregation and logs it durably.
func (c *Coordinator) recordFailure(ctx context.Context, source string, cause error, evt *event.Event) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()

	logging.Error().
		Str("component", "aggregation").
		Str("source", source).
		Err(cause).
		Msg("processing error")
	c.logError(ctx, source, cause, evt)
}

// logError writes one error to the durable store and the capped cache
// list. Both writes are best-effort; logError never fails.
func (c *Coordinator) logError(ctx context.Context, source string, cause error, evt *event.Event) {
	rec := store.ErrorRecord{
		Source:    source,
		Message:   cause.Error(),
		CreatedAt: c.now().UTC(),
	}
	if evt != nil {
		if data, err := evt.Marshal(); err == nil {
			rec.EventJSON = string(data)
		}
	}
	if err := c.store.InsertErrorRecord(ctx, rec); err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("durable error log write failed")
	}

	if !c.cache.IsConnected() {
		return
	}
	blob, err := json.Marshal(map[string]any{
		"source":    source,
		"error":     cause.Error(),
		"timestamp": rec.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := c.cache.LPush(ctx, cache.ErrorsKey(), string(blob)); err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("error list push failed")
		return
	}
	// Keep the last 100 entries.
	if err := c.cache.LTrim(ctx, cache.ErrorsKey(), 0, 99); err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("error list trim failed")
	}
}

func (c *Coordinator) markSuccess() {
	c.mu.Lock()
	c.successful++
	c.mu.Unlock()
}

// RunManualAggregation triggers one batch period or an ETL run outside
// the cron schedule.
func (c *Coordinator) RunManualAggregation(ctx context.Context, aggType string, opts ManualOptions) error {
	switch aggType {
	case "daily":
		return c.batch.RunJobManually(ctx, "daily-analytics")
	case "weekly":
		return c.batch.RunJobManually(ctx, "weekly-analytics")
	case "monthly":
		return c.batch.RunJobManually(ctx, "monthly-analytics")
	case "etl":
		date := opts.Date
		if date.IsZero() {
			date = c.now().UTC()
		}
		return c.warehouse.RunETL(ctx, date)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAggregationType, aggType)
	}
}

// ManualOptions parameterizes RunManualAggregation.
type ManualOptions struct {
	// Date is the ETL target date; zero means today.
	Date time.Time
}

// Stats returns the coordinator's counters plus the worker snapshot.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalAggregations:      c.total,
		SuccessfulAggregations: c.successful,
		FailedAggregations:     c.failed,
		LastAggregation:        c.lastAgg,
		IsInitialized:          c.initialized,
		Workers:                c.workers.WorkerStats(),
	}
}

// Shutdown stops the subscriptions and the worker supervisor.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	if err := c.workers.Stop(); err != nil {
		return fmt.Errorf("stop workers: %w", err)
	}
	logging.Info().Str("component", "aggregation").Msg("aggregation coordinator shut down")
	return nil
}
