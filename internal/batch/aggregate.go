// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/store"
)

// DailyAggregate is one day's rollup across the three activity views.
type DailyAggregate struct {
	Date              string                  `json:"date"`
	UserActivity      store.UserActivity      `json:"user_activity"`
	CommunityActivity store.CommunityActivity `json:"community_activity"`
	VotingActivity    store.VotingActivity    `json:"voting_activity"`
}

// WeeklyAggregate is seven independent daily aggregates, not a merged
// count.
type WeeklyAggregate struct {
	Week    string           `json:"week"`
	Metrics []DailyAggregate `json:"metrics"`
}

// MonthlyAggregate is the previous month as successive 7-day chunks,
// each expanded into its daily aggregates.
type MonthlyAggregate struct {
	Month   string            `json:"month"`
	Metrics []WeeklyAggregate `json:"metrics"`
}

// processDailyAnalytics aggregates the previous full calendar day.
func (s *Scheduler) processDailyAnalytics(ctx context.Context) (string, error) {
	yesterday := dayStart(s.now().UTC().AddDate(0, 0, -1))
	agg, err := s.aggregateDay(ctx, yesterday)
	if err != nil {
		return "", fmt.Errorf("daily analytics: %w", err)
	}
	if err := s.storeAggregatedData(ctx, "daily", agg.Date, agg); err != nil {
		return "", fmt.Errorf("daily analytics: %w", err)
	}
	return agg.Date, nil
}

// processWeeklyAnalytics aggregates the 7-day window that started a week
// ago, as independent daily aggregates.
func (s *Scheduler) processWeeklyAnalytics(ctx context.Context) (string, error) {
	weekStart := dayStart(s.now().UTC().AddDate(0, 0, -7))
	week, err := s.aggregateWeek(ctx, weekStart)
	if err != nil {
		return "", fmt.Errorf("weekly analytics: %w", err)
	}
	if err := s.storeAggregatedData(ctx, "weekly", week.Week, week); err != nil {
		return "", fmt.Errorf("weekly analytics: %w", err)
	}
	return week.Week, nil
}

// processMonthlyAnalytics aggregates the previous calendar month as
// 7-day chunks, each expanded to its daily aggregates, until a chunk
// starts past the month's end.
func (s *Scheduler) processMonthlyAnalytics(ctx context.Context) (string, error) {
	now := s.now().UTC()
	monthStart := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0).Add(-time.Millisecond)

	monthly := MonthlyAggregate{Month: monthStart.Format("2006-01")}
	for current := monthStart; !current.After(monthEnd); current = current.AddDate(0, 0, 7) {
		week, err := s.aggregateWeek(ctx, current)
		if err != nil {
			return "", fmt.Errorf("monthly analytics: %w", err)
		}
		monthly.Metrics = append(monthly.Metrics, week)
	}

	if err := s.storeAggregatedData(ctx, "monthly", monthly.Month, monthly); err != nil {
		return "", fmt.Errorf("monthly analytics: %w", err)
	}
	return monthly.Month, nil
}

// aggregateDay rolls up one calendar day starting at start (00:00:00).
func (s *Scheduler) aggregateDay(ctx context.Context, start time.Time) (DailyAggregate, error) {
	end := start.Add(24*time.Hour - time.Millisecond)

	ua, err := s.store.AggregateUserActivity(ctx, start, end)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("aggregate users for %s: %w", start.Format("2006-01-02"), err)
	}
	ca, err := s.store.AggregateCommunityActivity(ctx, start, end)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("aggregate communities for %s: %w", start.Format("2006-01-02"), err)
	}
	va, err := s.store.AggregateVotingActivity(ctx, start, end)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("aggregate votes for %s: %w", start.Format("2006-01-02"), err)
	}

	return DailyAggregate{
		Date:              start.Format("2006-01-02"),
		UserActivity:      ua,
		CommunityActivity: ca,
		VotingActivity:    va,
	}, nil
}

// aggregateWeek expands a 7-day window into its daily aggregates.
func (s *Scheduler) aggregateWeek(ctx context.Context, weekStart time.Time) (WeeklyAggregate, error) {
	week := WeeklyAggregate{Week: weekStart.Format("2006-01-02")}
	for i := 0; i < 7; i++ {
		day, err := s.aggregateDay(ctx, weekStart.AddDate(0, 0, i))
		if err != nil {
			return WeeklyAggregate{}, err
		}
		week.Metrics = append(week.Metrics, day)
	}
	return week, nil
}

// storeAggregatedData writes the window to cache (30d TTL) and to the
// durable store. The two writes are independent: a cache failure is
// logged and must not prevent the durable write.
func (s *Scheduler) storeAggregatedData(ctx context.Context, period, periodKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s aggregate: %w", period, err)
	}

	if s.cache.IsConnected() {
		key := cache.AggregatedKey(period, periodKey)
		if err := s.cache.SetEx(ctx, key, string(data), cache.TTLMonth); err != nil {
			logging.Warn().
				Str("component", "batch").
				Str("key", key).
				Err(err).
				Msg("caching aggregated data failed")
		}
	}

	if err := s.store.InsertAggregationWindow(ctx, period, periodKey, data); err != nil {
		return fmt.Errorf("store %s aggregate: %w", period, err)
	}
	return nil
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
