// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

/*
Package warehouse turns operational entity data into dimensional fact
rows. RunETL executes the user, community, and voting ETL processes in
order for one date; a failure in any process aborts the whole run.

Each process is extract → transform → load: extract reads entities as of
the date with their related counts, transform computes the derived
metrics (activity score, engagement rate, participation rate, option
distribution), and load upserts fact rows keyed by (entity_id, date_key)
so re-running a date replaces values in place.
*/
package warehouse

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/metrics"
	"github.com/agorahq/agora-analytics/internal/store"
)

// Store is the durable-store surface the engine reads from and loads
// into.
type Store interface {
	ExtractUsersAsOf(ctx context.Context, asOf time.Time) ([]store.UserSnapshot, error)
	ExtractCommunitiesAsOf(ctx context.Context, asOf time.Time) ([]store.CommunitySnapshot, error)
	ExtractQuestionsAsOf(ctx context.Context, asOf time.Time) ([]store.QuestionSnapshot, error)
	VoteOptionsAsOf(ctx context.Context, asOf time.Time) (map[string][]string, error)
	UpsertUserFact(ctx context.Context, f store.UserFact) error
	UpsertCommunityFact(ctx context.Context, f store.CommunityFact) error
	UpsertVotingFact(ctx context.Context, f store.VotingFact) error
	EnsureDateDimension(ctx context.Context, date time.Time) error
	QueryWarehouse(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// Stats is a snapshot of the engine's processing counters.
type Stats struct {
	RunsCompleted int64         `json:"runs_completed"`
	RowsLoaded    int64         `json:"rows_loaded"`
	Errors        int64         `json:"errors"`
	LastRun       time.Time     `json:"last_run"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Engine is the warehouse ETL engine.
type Engine struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New creates an engine.
func New(st Store) *Engine {
	return &Engine{store: st, now: time.Now}
}

// RunETL runs the user, community, and voting ETL processes for date, in
// that order. The first failure aborts the run; there is no cancellation
// of a run once started beyond ctx.
func (e *Engine) RunETL(ctx context.Context, date time.Time) error {
	dateKey := date.UTC().Format("2006-01-02")
	logging.Info().Str("component", "warehouse").Str("date", dateKey).Msg("starting ETL run")
	start := e.now()

	err := e.run(ctx, date.UTC(), dateKey)
	elapsed := e.now().Sub(start)
	metrics.ETLRunDuration.Observe(elapsed.Seconds())

	e.mu.Lock()
	if err != nil {
		e.stats.Errors++
	} else {
		e.stats.RunsCompleted++
		e.stats.LastRun = e.now()
		e.stats.TotalDuration += elapsed
	}
	e.mu.Unlock()

	if err != nil {
		logging.Error().Str("component", "warehouse").Str("date", dateKey).Err(err).Msg("ETL run failed")
		return err
	}
	logging.Info().
		Str("component", "warehouse").
		Str("date", dateKey).
		Dur("elapsed", elapsed).
		Msg("ETL run completed")
	return nil
}

func (e *Engine) run(ctx context.Context, date time.Time, dateKey string) error {
	if err := e.store.EnsureDateDimension(ctx, date); err != nil {
		return fmt.Errorf("etl %s: %w", dateKey, err)
	}
	if err := e.runUserETL(ctx, date, dateKey); err != nil {
		return fmt.Errorf("user etl %s: %w", dateKey, err)
	}
	if err := e.runCommunityETL(ctx, date, dateKey); err != nil {
		return fmt.Errorf("community etl %s: %w", dateKey, err)
	}
	if err := e.runVotingETL(ctx, date, dateKey); err != nil {
		return fmt.Errorf("voting etl %s: %w", dateKey, err)
	}
	return nil
}

func (e *Engine) runUserETL(ctx context.Context, date time.Time, dateKey string) error {
	users, err := e.store.ExtractUsersAsOf(ctx, date)
	if err != nil {
		return err
	}
	for _, u := range users {
		fact := store.UserFact{
			UserID:           u.ID,
			DateKey:          dateKey,
			TotalCommunities: u.Memberships,
			TotalVotes:       u.Votes,
			TotalQuestions:   u.Questions,
			ActivityScore:    ActivityScore(u.Memberships, u.Votes, u.Questions, u.LastActivity, e.now()),
			LastActivity:     u.LastActivity,
		}
		if err := e.store.UpsertUserFact(ctx, fact); err != nil {
			return err
		}
		e.countRow("user_analytics_fact")
	}
	return nil
}

func (e *Engine) runCommunityETL(ctx context.Context, date time.Time, dateKey string) error {
	communities, err := e.store.ExtractCommunitiesAsOf(ctx, date)
	if err != nil {
		return err
	}
	for _, c := range communities {
		fact := store.CommunityFact{
			CommunityID:    c.ID,
			DateKey:        dateKey,
			TotalMembers:   c.TotalMembers,
			TotalQuestions: c.TotalQuestions,
			TotalVotes:     c.TotalVotes,
			EngagementRate: EngagementRate(c.TotalVotes, c.TotalMembers),
			// Growth rate needs a historical baseline this fact set does
			// not carry yet.
			GrowthRate: 0,
		}
		if err := e.store.UpsertCommunityFact(ctx, fact); err != nil {
			return err
		}
		e.countRow("community_analytics_fact")
	}
	return nil
}

func (e *Engine) runVotingETL(ctx context.Context, date time.Time, dateKey string) error {
	questions, err := e.store.ExtractQuestionsAsOf(ctx, date)
	if err != nil {
		return err
	}
	voteOptions, err := e.store.VoteOptionsAsOf(ctx, date)
	if err != nil {
		return err
	}
	for _, q := range questions {
		dist, err := OptionDistribution(voteOptions[q.ID])
		if err != nil {
			return fmt.Errorf("question %s: %w", q.ID, err)
		}
		distJSON, err := json.Marshal(dist)
		if err != nil {
			return fmt.Errorf("question %s distribution: %w", q.ID, err)
		}
		fact := store.VotingFact{
			QuestionID:         q.ID,
			CommunityID:        q.CommunityID,
			DateKey:            dateKey,
			TotalVotes:         q.Votes,
			ParticipationRate:  ParticipationRate(q.Votes, q.ApprovedMembers),
			OptionDistribution: string(distJSON),
		}
		if err := e.store.UpsertVotingFact(ctx, fact); err != nil {
			return err
		}
		e.countRow("voting_analytics_fact")
	}
	return nil
}

func (e *Engine) countRow(table string) {
	metrics.ETLRowsLoaded.WithLabelValues(table).Inc()
	e.mu.Lock()
	e.stats.RowsLoaded++
	e.mu.Unlock()
}

// QueryWarehouse exposes parameterized read access to the fact tables.
func (e *Engine) QueryWarehouse(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return e.store.QueryWarehouse(ctx, query, args...)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ActivityScore weighs a user's memberships (x10), votes (x5), and
// questions (x15), adds a recency bonus (+20 within 7 days, +10 within
// 30), and caps the total at 100.
func ActivityScore(memberships, votes, questions int64, lastActivity, now time.Time) float64 {
	score := float64(memberships)*10 + float64(votes)*5 + float64(questions)*15
	if !lastActivity.IsZero() {
		days := now.Sub(lastActivity).Hours() / 24
		switch {
		case days <= 7:
			score += 20
		case days <= 30:
			score += 10
		}
	}
	return math.Min(score, 100)
}

// EngagementRate is votes-per-member as a rounded percentage; zero
// members yields zero.
func EngagementRate(totalVotes, totalMembers int64) float64 {
	if totalMembers == 0 {
		return 0
	}
	return math.Round(float64(totalVotes) / float64(totalMembers) * 100)
}

// ParticipationRate is votes on a question over approved community
// members as a rounded percentage; zero members yields zero.
func ParticipationRate(votes, members int64) float64 {
	if members == 0 {
		return 0
	}
	return math.Round(float64(votes) / float64(members) * 100)
}

// OptionDistribution counts, per option name, how many votes selected
// it. Each payload is one vote's selected-options JSON object; empty
// payloads count as no selections.
func OptionDistribution(votePayloads []string) (map[string]int64, error) {
	dist := make(map[string]int64)
	for _, payload := range votePayloads {
		if payload == "" {
			continue
		}
		var options map[string]any
		if err := json.Unmarshal([]byte(payload), &options); err != nil {
			return nil, fmt.Errorf("parse selected options %q: %w", payload, err)
		}
		for option := range options {
			dist[option]++
		}
	}
	return dist, nil
}
