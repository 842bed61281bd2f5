// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

/*
facts.go - Warehouse Extract Queries and Fact Upserts

Extract queries read entities "as of" a date (created at or before it)
together with their related counts; the warehouse engine transforms the
snapshots into fact rows and loads them back through the upsert methods
here. Every upsert is keyed by the (entity_id, date_key) natural key so
re-running a load for the same date replaces values in place.
*/
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserSnapshot is one user as of an extract date, with related counts.
type UserSnapshot struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Memberships  int64
	Votes        int64
	Questions    int64
}

// CommunitySnapshot is one community as of an extract date.
type CommunitySnapshot struct {
	ID             string
	CreatedAt      time.Time
	TotalMembers   int64
	TotalQuestions int64
	TotalVotes     int64
}

// QuestionSnapshot is one voting question as of an extract date.
// ApprovedMembers is the approved-membership count of the question's
// community, the participation-rate denominator.
type QuestionSnapshot struct {
	ID              string
	CommunityID     string
	CreatedAt       time.Time
	Votes           int64
	ApprovedMembers int64
}

// ExtractUsersAsOf loads users created at or before asOf with their
// membership, vote, and question counts as of the same instant.
func (s *Store) ExtractUsersAsOf(ctx context.Context, asOf time.Time) ([]UserSnapshot, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT u.id, u.created_at, u.last_activity,
			(SELECT COUNT(*) FROM memberships m WHERE m.user_id = u.id AND m.created_at <= ?),
			(SELECT COUNT(*) FROM votes v WHERE v.user_id = u.id AND v.voted_at <= ?),
			(SELECT COUNT(*) FROM voting_questions q WHERE q.created_by = u.id AND q.created_at <= ?)
		FROM users u
		WHERE u.created_at <= ?
		ORDER BY u.created_at`,
		asOf, asOf, asOf, asOf)
	if err != nil {
		return nil, fmt.Errorf("extract users: %w", err)
	}
	defer rows.Close()

	var out []UserSnapshot
	for rows.Next() {
		var u UserSnapshot
		var last sql.NullTime
		if err := rows.Scan(&u.ID, &u.CreatedAt, &last, &u.Memberships, &u.Votes, &u.Questions); err != nil {
			return nil, fmt.Errorf("scan user snapshot: %w", err)
		}
		if last.Valid {
			u.LastActivity = last.Time
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ExtractCommunitiesAsOf loads communities created at or before asOf
// with member, question, and cross-question vote counts.
func (s *Store) ExtractCommunitiesAsOf(ctx context.Context, asOf time.Time) ([]CommunitySnapshot, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.id, c.created_at,
			(SELECT COUNT(*) FROM memberships m WHERE m.community_id = c.id AND m.created_at <= ?),
			(SELECT COUNT(*) FROM voting_questions q WHERE q.community_id = c.id AND q.created_at <= ?),
			(SELECT COUNT(*) FROM votes v
				JOIN voting_questions q ON v.question_id = q.id
				WHERE q.community_id = c.id AND v.voted_at <= ?)
		FROM communities c
		WHERE c.created_at <= ?
		ORDER BY c.created_at`,
		asOf, asOf, asOf, asOf)
	if err != nil {
		return nil, fmt.Errorf("extract communities: %w", err)
	}
	defer rows.Close()

	var out []CommunitySnapshot
	for rows.Next() {
		var c CommunitySnapshot
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.TotalMembers, &c.TotalQuestions, &c.TotalVotes); err != nil {
			return nil, fmt.Errorf("scan community snapshot: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ExtractQuestionsAsOf loads voting questions created at or before asOf
// with their vote counts and the approved-member count of their
// community.
func (s *Store) ExtractQuestionsAsOf(ctx context.Context, asOf time.Time) ([]QuestionSnapshot, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT q.id, q.community_id, q.created_at,
			(SELECT COUNT(*) FROM votes v WHERE v.question_id = q.id AND v.voted_at <= ?),
			(SELECT COUNT(*) FROM memberships m
				WHERE m.community_id = q.community_id AND m.status = 'approved' AND m.created_at <= ?)
		FROM voting_questions q
		WHERE q.created_at <= ?
		ORDER BY q.created_at`,
		asOf, asOf, asOf)
	if err != nil {
		return nil, fmt.Errorf("extract questions: %w", err)
	}
	defer rows.Close()

	var out []QuestionSnapshot
	for rows.Next() {
		var q QuestionSnapshot
		if err := rows.Scan(&q.ID, &q.CommunityID, &q.CreatedAt, &q.Votes, &q.ApprovedMembers); err != nil {
			return nil, fmt.Errorf("scan question snapshot: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// VoteOptionsAsOf returns, per question id, the raw selected-options
// payloads of all votes cast at or before asOf. The warehouse engine
// parses these into the option distribution.
func (s *Store) VoteOptionsAsOf(ctx context.Context, asOf time.Time) (map[string][]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT question_id, COALESCE(selected_options, '')
		FROM votes
		WHERE voted_at <= ?`, asOf)
	if err != nil {
		return nil, fmt.Errorf("extract vote options: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var questionID, options string
		if err := rows.Scan(&questionID, &options); err != nil {
			return nil, fmt.Errorf("scan vote options: %w", err)
		}
		out[questionID] = append(out[questionID], options)
	}
	return out, rows.Err()
}

// UserFact is one user_analytics_fact row.
type UserFact struct {
	UserID           string
	DateKey          string
	TotalCommunities int64
	TotalVotes       int64
	TotalQuestions   int64
	ActivityScore    float64
	LastActivity     time.Time
}

// CommunityFact is one community_analytics_fact row.
type CommunityFact struct {
	CommunityID    string
	DateKey        string
	TotalMembers   int64
	TotalQuestions int64
	TotalVotes     int64
	EngagementRate float64
	GrowthRate     float64
}

// VotingFact is one voting_analytics_fact row; OptionDistribution is a
// JSON object of option name to vote count.
type VotingFact struct {
	QuestionID         string
	CommunityID        string
	DateKey            string
	TotalVotes         int64
	ParticipationRate  float64
	OptionDistribution string
}

// UpsertUserFact loads one user fact row, replacing values in place on
// a repeated (user_id, date_key).
func (s *Store) UpsertUserFact(ctx context.Context, f UserFact) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO user_analytics_fact
			(id, user_id, date_key, total_communities, total_votes, total_questions,
			 activity_score, last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, date_key) DO UPDATE SET
			total_communities = EXCLUDED.total_communities,
			total_votes = EXCLUDED.total_votes,
			total_questions = EXCLUDED.total_questions,
			activity_score = EXCLUDED.activity_score,
			last_activity = EXCLUDED.last_activity,
			updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), f.UserID, f.DateKey, f.TotalCommunities, f.TotalVotes,
		f.TotalQuestions, f.ActivityScore, nullableTime(f.LastActivity), now, now)
	if err != nil {
		return fmt.Errorf("upsert user fact %s/%s: %w", f.UserID, f.DateKey, err)
	}
	return nil
}

// UpsertCommunityFact loads one community fact row.
func (s *Store) UpsertCommunityFact(ctx context.Context, f CommunityFact) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO community_analytics_fact
			(id, community_id, date_key, total_members, total_questions, total_votes,
			 engagement_rate, growth_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (community_id, date_key) DO UPDATE SET
			total_members = EXCLUDED.total_members,
			total_questions = EXCLUDED.total_questions,
			total_votes = EXCLUDED.total_votes,
			engagement_rate = EXCLUDED.engagement_rate,
			growth_rate = EXCLUDED.growth_rate,
			updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), f.CommunityID, f.DateKey, f.TotalMembers, f.TotalQuestions,
		f.TotalVotes, f.EngagementRate, f.GrowthRate, now, now)
	if err != nil {
		return fmt.Errorf("upsert community fact %s/%s: %w", f.CommunityID, f.DateKey, err)
	}
	return nil
}

// UpsertVotingFact loads one voting fact row.
func (s *Store) UpsertVotingFact(ctx context.Context, f VotingFact) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO voting_analytics_fact
			(id, question_id, community_id, date_key, total_votes, participation_rate,
			 option_distribution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (question_id, date_key) DO UPDATE SET
			total_votes = EXCLUDED.total_votes,
			participation_rate = EXCLUDED.participation_rate,
			option_distribution = EXCLUDED.option_distribution,
			updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), f.QuestionID, f.CommunityID, f.DateKey, f.TotalVotes,
		f.ParticipationRate, f.OptionDistribution, now, now)
	if err != nil {
		return fmt.Errorf("upsert voting fact %s/%s: %w", f.QuestionID, f.DateKey, err)
	}
	return nil
}

// GetUserFact reads one user fact row; ok=false when absent.
func (s *Store) GetUserFact(ctx context.Context, userID, dateKey string) (UserFact, bool, error) {
	var f UserFact
	var last sql.NullTime
	err := s.conn.QueryRowContext(ctx, `
		SELECT user_id, CAST(date_key AS VARCHAR), total_communities, total_votes,
			total_questions, activity_score, last_activity
		FROM user_analytics_fact
		WHERE user_id = ? AND date_key = ?`,
		userID, dateKey).Scan(&f.UserID, &f.DateKey, &f.TotalCommunities, &f.TotalVotes,
		&f.TotalQuestions, &f.ActivityScore, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return UserFact{}, false, nil
	}
	if err != nil {
		return UserFact{}, false, fmt.Errorf("get user fact %s/%s: %w", userID, dateKey, err)
	}
	if last.Valid {
		f.LastActivity = last.Time
	}
	return f, true, nil
}

// GetCommunityFact reads one community fact row; ok=false when absent.
func (s *Store) GetCommunityFact(ctx context.Context, communityID, dateKey string) (CommunityFact, bool, error) {
	var f CommunityFact
	err := s.conn.QueryRowContext(ctx, `
		SELECT community_id, CAST(date_key AS VARCHAR), total_members, total_questions,
			total_votes, engagement_rate, growth_rate
		FROM community_analytics_fact
		WHERE community_id = ? AND date_key = ?`,
		communityID, dateKey).Scan(&f.CommunityID, &f.DateKey, &f.TotalMembers,
		&f.TotalQuestions, &f.TotalVotes, &f.EngagementRate, &f.GrowthRate)
	if errors.Is(err, sql.ErrNoRows) {
		return CommunityFact{}, false, nil
	}
	if err != nil {
		return CommunityFact{}, false, fmt.Errorf("get community fact %s/%s: %w", communityID, dateKey, err)
	}
	return f, true, nil
}

// GetVotingFact reads one voting fact row; ok=false when absent.
func (s *Store) GetVotingFact(ctx context.Context, questionID, dateKey string) (VotingFact, bool, error) {
	var f VotingFact
	var dist sql.NullString
	err := s.conn.QueryRowContext(ctx, `
		SELECT question_id, community_id, CAST(date_key AS VARCHAR), total_votes,
			participation_rate, option_distribution
		FROM voting_analytics_fact
		WHERE question_id = ? AND date_key = ?`,
		questionID, dateKey).Scan(&f.QuestionID, &f.CommunityID, &f.DateKey,
		&f.TotalVotes, &f.ParticipationRate, &dist)
	if errors.Is(err, sql.ErrNoRows) {
		return VotingFact{}, false, nil
	}
	if err != nil {
		return VotingFact{}, false, fmt.Errorf("get voting fact %s/%s: %w", questionID, dateKey, err)
	}
	if dist.Valid {
		f.OptionDistribution = dist.String
	}
	return f, true, nil
}

// CountFactRows counts rows in one fact table for a date key. Table
// names are restricted to the three known fact tables.
func (s *Store) CountFactRows(ctx context.Context, table, dateKey string) (int64, error) {
	switch table {
	case "user_analytics_fact", "community_analytics_fact", "voting_analytics_fact":
	default:
		return 0, fmt.Errorf("count fact rows: unknown table %q", table)
	}
	var n int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE date_key = ?`, dateKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fact rows %s/%s: %w", table, dateKey, err)
	}
	return n, nil
}

// EnsureDateDimension inserts the date_dimension row for date if it is
// not already present.
func (s *Store) EnsureDateDimension(ctx context.Context, date time.Time) error {
	date = date.UTC()
	_, week := date.ISOWeek()
	dow := int(date.Weekday())
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO date_dimension
			(date_key, year, month, day, week, quarter, day_of_week, day_name, month_name, is_weekend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date_key) DO NOTHING`,
		date.Format("2006-01-02"), date.Year(), int(date.Month()), date.Day(), week,
		(int(date.Month())-1)/3+1, dow, date.Weekday().String(), date.Month().String(),
		dow == 0 || dow == 6)
	if err != nil {
		return fmt.Errorf("ensure date dimension %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}
