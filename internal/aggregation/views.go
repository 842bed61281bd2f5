// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package aggregation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/agorahq/agora-analytics/internal/batch"
	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/event"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/streaming"
	"github.com/agorahq/agora-analytics/internal/warehouse"
)

// ViewOptions selects which views GetComprehensiveAnalytics composes and
// over which date range. DefaultViewOptions covers the last 30 days with
// every view enabled.
type ViewOptions struct {
	StartDate        time.Time
	EndDate          time.Time
	IncludeRealTime  bool
	IncludeBatch     bool
	IncludeWarehouse bool
}

// DefaultViewOptions returns the full composition over the last 30 days.
func DefaultViewOptions() ViewOptions {
	return ViewOptions{
		IncludeRealTime:  true,
		IncludeBatch:     true,
		IncludeWarehouse: true,
	}
}

// ErrorEntry is one recent pipeline error, as surfaced in the real-time
// view.
type ErrorEntry struct {
	Source    string    `json:"source"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RealTimeView merges the streaming processor's metrics with the cache's
// same-day counters and the recent error list.
type RealTimeView struct {
	Streaming    streaming.RealTimeMetrics `json:"streaming"`
	Processing   streaming.Stats           `json:"processing"`
	EventsToday  map[string]int64          `json:"events_today"`
	RecentErrors []ErrorEntry              `json:"recent_errors"`
}

// BatchView is the scheduler's counters plus the last cached runs per
// period.
type BatchView struct {
	Stats   batch.Stats                   `json:"stats"`
	Results map[string][]bus.JobCompleted `json:"results"`
}

// WarehouseView is the ETL engine's counters plus recent fact rows.
type WarehouseView struct {
	Stats              warehouse.Stats  `json:"stats"`
	UserAnalytics      []map[string]any `json:"user_analytics"`
	CommunityAnalytics []map[string]any `json:"community_analytics"`
}

// Analytics is the composed reporting payload.
type Analytics struct {
	RealTime  *RealTimeView  `json:"real_time,omitempty"`
	Batch     *BatchView     `json:"batch,omitempty"`
	Warehouse *WarehouseView `json:"warehouse,omitempty"`
	Stats     Stats          `json:"stats"`
}

// GetComprehensiveAnalytics composes the real-time, batch, and warehouse
// views read-only. Cache reads degrade to empty sections when the cache
// is down; warehouse query failures abort the call.
func (c *Coordinator) GetComprehensiveAnalytics(ctx context.Context, opts ViewOptions) (*Analytics, error) {
	start := opts.StartDate
	if start.IsZero() {
		start = c.now().UTC().AddDate(0, 0, -30)
	}
	end := opts.EndDate
	if end.IsZero() {
		end = c.now().UTC()
	}

	out := &Analytics{Stats: c.Stats()}

	if opts.IncludeRealTime {
		view, err := c.realTimeView(ctx)
		if err != nil {
			return nil, fmt.Errorf("real-time view: %w", err)
		}
		out.RealTime = view
	}
	if opts.IncludeBatch {
		out.Batch = c.batchView(ctx)
	}
	if opts.IncludeWarehouse {
		view, err := c.warehouseView(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("warehouse view: %w", err)
		}
		out.Warehouse = view
	}
	return out, nil
}

func (c *Coordinator) realTimeView(ctx context.Context) (*RealTimeView, error) {
	metrics, err := c.streaming.GetRealTimeMetrics(ctx)
	if err != nil {
		return nil, err
	}
	view := &RealTimeView{
		Streaming:   metrics,
		Processing:  c.streaming.Stats(),
		EventsToday: make(map[string]int64),
	}

	if c.cache.IsConnected() {
		today := c.now().UTC().Format("2006-01-02")
		for _, eventType := range []string{
			event.TypeUserJoined,
			event.TypeVoteCast,
			event.TypeQuestionCreated,
			event.TypeMemberApproved,
		} {
			val, ok, err := c.cache.Get(ctx, cache.EventsKey(eventType, today))
			if err != nil || !ok {
				view.EventsToday[eventType] = 0
				continue
			}
			n, _ := strconv.ParseInt(val, 10, 64)
			view.EventsToday[eventType] = n
		}
		view.RecentErrors = c.recentErrorsFromCache(ctx)
	}
	if view.RecentErrors == nil {
		view.RecentErrors = c.recentErrorsFromStore(ctx)
	}
	return view, nil
}

func (c *Coordinator) recentErrorsFromCache(ctx context.Context) []ErrorEntry {
	blobs, err := c.cache.LRange(ctx, cache.ErrorsKey(), 0, 9)
	if err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("error list read failed")
		return nil
	}
	entries := make([]ErrorEntry, 0, len(blobs))
	for _, blob := range blobs {
		var entry struct {
			Source    string `json:"source"`
			Error     string `json:"error"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, entry.Timestamp)
		entries = append(entries, ErrorEntry{Source: entry.Source, Error: entry.Error, Timestamp: ts})
	}
	return entries
}

func (c *Coordinator) recentErrorsFromStore(ctx context.Context) []ErrorEntry {
	records, err := c.store.RecentErrors(ctx, 10)
	if err != nil {
		logging.Warn().Str("component", "aggregation").Err(err).Msg("durable error log read failed")
		return []ErrorEntry{}
	}
	entries := make([]ErrorEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, ErrorEntry{Source: rec.Source, Error: rec.Message, Timestamp: rec.CreatedAt})
	}
	return entries
}

func (c *Coordinator) batchView(ctx context.Context) *BatchView {
	view := &BatchView{
		Stats:   c.batch.Stats(),
		Results: make(map[string][]bus.JobCompleted),
	}
	if !c.cache.IsConnected() {
		return view
	}

	for _, period := range []string{"daily", "weekly", "monthly"} {
		keys, err := c.cache.Keys(ctx, cache.BatchResultKey(period, "*"))
		if err != nil {
			logging.Warn().Str("component", "aggregation").Str("period", period).Err(err).Msg("batch result scan failed")
			continue
		}
		// The count key shares the prefix; result keys end in an
		// RFC3339 timestamp so a lexicographic sort is chronological.
		results := keys[:0]
		for _, key := range keys {
			if !strings.HasSuffix(key, ":count") {
				results = append(results, key)
			}
		}
		sort.Strings(results)
		if len(results) > 10 {
			results = results[len(results)-10:]
		}

		runs := make([]bus.JobCompleted, 0, len(results))
		for _, key := range results {
			val, ok, err := c.cache.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			var run bus.JobCompleted
			if err := json.Unmarshal([]byte(val), &run); err != nil {
				continue
			}
			runs = append(runs, run)
		}
		view.Results[period] = runs
	}
	return view
}

func (c *Coordinator) warehouseView(ctx context.Context, start, end time.Time) (*WarehouseView, error) {
	startKey := start.UTC().Format("2006-01-02")
	endKey := end.UTC().Format("2006-01-02")

	users, err := c.warehouse.QueryWarehouse(ctx, `
		SELECT * FROM user_analytics_fact
		WHERE date_key >= ? AND date_key <= ?
		ORDER BY date_key DESC
		LIMIT 100`, startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("user facts: %w", err)
	}

	communities, err := c.warehouse.QueryWarehouse(ctx, `
		SELECT * FROM community_analytics_fact
		WHERE date_key >= ? AND date_key <= ?
		ORDER BY date_key DESC
		LIMIT 100`, startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("community facts: %w", err)
	}

	return &WarehouseView{
		Stats:              c.warehouse.Stats(),
		UserAnalytics:      users,
		CommunityAnalytics: communities,
	}, nil
}
