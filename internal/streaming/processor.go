// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

/*
Package streaming is the real-time half of the analytics pipeline: it
validates incoming domain events, queues them FIFO, and drains the queue
one event at a time, dispatching by event type to per-entity counter
updates in the durable store mirrored into cache counters with bounded
TTLs.

Draining is guarded by a single flag so at most one drain loop runs at a
time; a ProcessEvent call that arrives while a drain is active only
appends to the queue. A handler failure during the drain publishes a
processingError notification and stops the loop with the remaining
events still queued; it is not surfaced to whoever triggered the drain.
Only validation failures are returned to ProcessEvent's caller.
*/
package streaming

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/event"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/metrics"
)

// Counters is the durable-store surface the processor writes through.
type Counters interface {
	IncrementEventCounter(ctx context.Context, entityID, entityType, eventType string) error
}

// Cache is the cache surface the processor mirrors counters into.
type Cache interface {
	IsConnected() bool
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Notifier publishes lifecycle notifications.
type Notifier interface {
	PublishEventProcessed(bus.EventProcessed) error
	PublishProcessingError(bus.ProcessingError) error
}

// Metrics are the processor's in-memory counters.
type Metrics struct {
	EventsProcessed int64         `json:"events_processed"`
	ProcessingTime  time.Duration `json:"processing_time"`
	Errors          int64         `json:"errors"`
}

// Stats is a snapshot of the processor state.
type Stats struct {
	QueueLength           int           `json:"queue_length"`
	IsProcessing          bool          `json:"is_processing"`
	Metrics               Metrics       `json:"metrics"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// RealTimeMetrics merges the in-memory counters with same-day cache
// counters.
type RealTimeMetrics struct {
	Metrics
	UsersJoinedToday int64 `json:"users_joined_today"`
}

// Processor is the streaming event processor.
type Processor struct {
	store    Counters
	cache    Cache
	notifier Notifier

	mu       sync.Mutex
	queue    []*event.Event
	draining bool
	metrics  Metrics
}

// New creates a processor. All collaborators are required.
func New(store Counters, c Cache, notifier Notifier) *Processor {
	return &Processor{store: store, cache: c, notifier: notifier}
}

// ProcessEvent validates the event, appends it to the FIFO queue, and —
// when no drain is active — drains the queue on the calling goroutine.
// Only a validation failure is returned; handler failures during the
// drain are reported as processingError notifications.
func (p *Processor) ProcessEvent(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		p.mu.Lock()
		p.metrics.Errors++
		p.mu.Unlock()
		metrics.EventProcessingErrors.Inc()
		return err
	}

	p.mu.Lock()
	p.queue = append(p.queue, e)
	metrics.EventQueueLength.Set(float64(len(p.queue)))
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()

	p.drain(ctx)
	return nil
}

// ProcessImmediate handles a single event synchronously, bypassing the
// queue and the eventProcessed notification. Worker-side reprocessing of
// high-priority events goes through here so it cannot feed back into the
// coordinator's eventProcessed subscription. Handler failures are
// returned to the caller instead of being published.
func (p *Processor) ProcessImmediate(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		p.mu.Lock()
		p.metrics.Errors++
		p.mu.Unlock()
		metrics.EventProcessingErrors.Inc()
		return err
	}

	start := time.Now()
	if err := p.dispatch(ctx, e); err != nil {
		p.mu.Lock()
		p.metrics.Errors++
		p.mu.Unlock()
		metrics.EventProcessingErrors.Inc()
		return err
	}
	elapsed := time.Since(start)

	p.mu.Lock()
	p.metrics.EventsProcessed++
	p.metrics.ProcessingTime += elapsed
	p.mu.Unlock()
	metrics.ObserveEventProcessing(e.Type, elapsed)
	return nil
}

// drain pops events FIFO until the queue is empty or a handler fails.
func (p *Processor) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.draining = false
			metrics.EventQueueLength.Set(0)
			p.mu.Unlock()
			return
		}
		e := p.queue[0]
		p.queue = p.queue[1:]
		metrics.EventQueueLength.Set(float64(len(p.queue)))
		p.mu.Unlock()

		start := time.Now()
		if err := p.dispatch(ctx, e); err != nil {
			p.mu.Lock()
			p.metrics.Errors++
			p.draining = false
			p.mu.Unlock()
			metrics.EventProcessingErrors.Inc()

			logging.Error().
				Str("component", "streaming").
				Str("event_type", e.Type).
				Err(err).
				Msg("event handler failed, drain stopped")

			if perr := p.notifier.PublishProcessingError(bus.ProcessingError{
				Source:    "streaming",
				Error:     err.Error(),
				Event:     e,
				Timestamp: time.Now().UTC(),
			}); perr != nil {
				logging.Warn().Err(perr).Msg("publishing processingError")
			}
			return
		}
		elapsed := time.Since(start)

		p.mu.Lock()
		p.metrics.EventsProcessed++
		p.metrics.ProcessingTime += elapsed
		p.mu.Unlock()
		metrics.ObserveEventProcessing(e.Type, elapsed)

		if err := p.notifier.PublishEventProcessed(bus.EventProcessed{
			Event:     *e,
			Elapsed:   elapsed,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			logging.Warn().Err(err).Msg("publishing eventProcessed")
		}
	}
}

// dispatch routes one event to its per-type handler. Unknown types are
// logged and skipped.
func (p *Processor) dispatch(ctx context.Context, e *event.Event) error {
	switch e.Type {
	case event.TypeUserJoined:
		return p.handleUserJoined(ctx, e)
	case event.TypeVoteCast:
		return p.handleVoteCast(ctx, e)
	case event.TypeQuestionCreated:
		return p.handleQuestionCreated(ctx, e)
	case event.TypeMemberApproved:
		return p.handleMemberApproved(ctx, e)
	default:
		logging.Warn().
			Str("component", "streaming").
			Str("event_type", e.Type).
			Msg("unknown event type, skipping")
		return nil
	}
}

func (p *Processor) handleUserJoined(ctx context.Context, e *event.Event) error {
	userID := e.StringField("user_id")
	if userID == "" {
		return fmt.Errorf("user_joined event missing user_id")
	}
	if err := p.store.IncrementEventCounter(ctx, userID, "user", e.Type); err != nil {
		return fmt.Errorf("process user joined: %w", err)
	}
	return p.mirrorToCache(ctx, cache.UsersJoinedTodayKey(), cache.TTLDay)
}

func (p *Processor) handleVoteCast(ctx context.Context, e *event.Event) error {
	questionID := e.StringField("question_id")
	if questionID == "" {
		return fmt.Errorf("vote_cast event missing question_id")
	}
	if err := p.store.IncrementEventCounter(ctx, questionID, "question", e.Type); err != nil {
		return fmt.Errorf("process vote cast: %w", err)
	}
	return p.mirrorToCache(ctx, cache.VotingKey(questionID), cache.TTLHour)
}

func (p *Processor) handleQuestionCreated(ctx context.Context, e *event.Event) error {
	communityID := e.StringField("community_id")
	if communityID == "" {
		return fmt.Errorf("question_created event missing community_id")
	}
	if err := p.store.IncrementEventCounter(ctx, communityID, "community", e.Type); err != nil {
		return fmt.Errorf("process question created: %w", err)
	}
	return p.mirrorToCache(ctx, cache.CommunityQuestionsKey(communityID), cache.TTLDay)
}

func (p *Processor) handleMemberApproved(ctx context.Context, e *event.Event) error {
	communityID := e.StringField("community_id")
	if communityID == "" {
		return fmt.Errorf("member_approved event missing community_id")
	}
	if err := p.store.IncrementEventCounter(ctx, communityID, "community", e.Type); err != nil {
		return fmt.Errorf("process member approved: %w", err)
	}
	return p.mirrorToCache(ctx, cache.CommunityMembersKey(communityID), cache.TTLDay)
}

// mirrorToCache increments a cache counter with a TTL. A disconnected
// cache is skipped; a connected cache's errors are handler failures.
func (p *Processor) mirrorToCache(ctx context.Context, key string, ttl time.Duration) error {
	if !p.cache.IsConnected() {
		return nil
	}
	if _, err := p.cache.Incr(ctx, key); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	if err := p.cache.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("mirror %s expire: %w", key, err)
	}
	return nil
}

// GetRealTimeMetrics merges the in-memory counters with the same-day
// cache counters.
func (p *Processor) GetRealTimeMetrics(ctx context.Context) (RealTimeMetrics, error) {
	p.mu.Lock()
	rt := RealTimeMetrics{Metrics: p.metrics}
	p.mu.Unlock()

	if p.cache.IsConnected() {
		val, ok, err := p.cache.Get(ctx, cache.UsersJoinedTodayKey())
		if err != nil {
			return RealTimeMetrics{}, fmt.Errorf("real-time metrics: %w", err)
		}
		if ok {
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return RealTimeMetrics{}, fmt.Errorf("real-time metrics: parse %q: %w", val, err)
			}
			rt.UsersJoinedToday = n
		}
	}
	return rt, nil
}

// Stats returns a snapshot of the processor state.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		QueueLength:  len(p.queue),
		IsProcessing: p.draining,
		Metrics:      p.metrics,
	}
	if p.metrics.EventsProcessed > 0 {
		s.AverageProcessingTime = p.metrics.ProcessingTime / time.Duration(p.metrics.EventsProcessed)
	}
	return s
}

// ClearQueue discards all queued events.
func (p *Processor) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	metrics.EventQueueLength.Set(0)
}

// ResetMetrics zeroes the in-memory counters.
func (p *Processor) ResetMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = Metrics{}
}
