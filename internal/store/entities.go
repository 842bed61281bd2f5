// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package store

import (
	"context"
	"fmt"
	"time"
)

// User is one platform user row as the pipeline sees it.
type User struct {
	ID           string
	Username     string
	IsActive     bool
	LastActivity time.Time
	CreatedAt    time.Time
}

// Community is one community row.
type Community struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Membership links a user to a community; only "approved" rows count
// toward participation denominators.
type Membership struct {
	ID          string
	UserID      string
	CommunityID string
	Status      string
	CreatedAt   time.Time
}

// Question is one voting question row.
type Question struct {
	ID          string
	CommunityID string
	CreatedBy   string
	Title       string
	CreatedAt   time.Time
}

// Vote is one cast vote; SelectedOptions is the raw JSON object mapping
// option name to the voter's selection.
type Vote struct {
	ID              string
	QuestionID      string
	UserID          string
	SelectedOptions string
	VotedAt         time.Time
}

// InsertUser writes one user row.
func (s *Store) InsertUser(ctx context.Context, u User) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, is_active, last_activity, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.IsActive, nullableTime(u.LastActivity), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

// InsertCommunity writes one community row.
func (s *Store) InsertCommunity(ctx context.Context, c Community) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO communities (id, name, is_active, created_at)
		VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.IsActive, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert community %s: %w", c.ID, err)
	}
	return nil
}

// InsertMembership writes one membership row.
func (s *Store) InsertMembership(ctx context.Context, m Membership) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO memberships (id, user_id, community_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.CommunityID, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert membership %s: %w", m.ID, err)
	}
	return nil
}

// InsertQuestion writes one voting question row.
func (s *Store) InsertQuestion(ctx context.Context, q Question) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO voting_questions (id, community_id, created_by, title, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.CommunityID, q.CreatedBy, q.Title, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert question %s: %w", q.ID, err)
	}
	return nil
}

// InsertVote writes one vote row.
func (s *Store) InsertVote(ctx context.Context, v Vote) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO votes (id, question_id, user_id, selected_options, voted_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.QuestionID, v.UserID, v.SelectedOptions, v.VotedAt)
	if err != nil {
		return fmt.Errorf("insert vote %s: %w", v.ID, err)
	}
	return nil
}

// UserActivity is the batch scheduler's per-window user rollup.
type UserActivity struct {
	TotalUsers  int64 `json:"total_users"`
	NewUsers    int64 `json:"new_users"`
	ActiveUsers int64 `json:"active_users"`
}

// CommunityActivity is the batch scheduler's per-window community rollup.
type CommunityActivity struct {
	TotalCommunities  int64 `json:"total_communities"`
	NewCommunities    int64 `json:"new_communities"`
	ActiveCommunities int64 `json:"active_communities"`
}

// VotingActivity is the batch scheduler's per-window voting rollup.
type VotingActivity struct {
	TotalVotes int64 `json:"total_votes"`
	NewVotes   int64 `json:"new_votes"`
}

// AggregateUserActivity counts users as of end, users created inside the
// window, and currently-active users.
func (s *Store) AggregateUserActivity(ctx context.Context, start, end time.Time) (UserActivity, error) {
	var a UserActivity
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(id),
			COUNT(CASE WHEN created_at >= ? AND created_at <= ? THEN 1 END),
			COUNT(CASE WHEN is_active THEN 1 END)
		FROM users
		WHERE created_at <= ?`,
		start, end, end).Scan(&a.TotalUsers, &a.NewUsers, &a.ActiveUsers)
	if err != nil {
		return UserActivity{}, fmt.Errorf("aggregate user activity: %w", err)
	}
	return a, nil
}

// AggregateCommunityActivity mirrors AggregateUserActivity for
// communities.
func (s *Store) AggregateCommunityActivity(ctx context.Context, start, end time.Time) (CommunityActivity, error) {
	var a CommunityActivity
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(id),
			COUNT(CASE WHEN created_at >= ? AND created_at <= ? THEN 1 END),
			COUNT(CASE WHEN is_active THEN 1 END)
		FROM communities
		WHERE created_at <= ?`,
		start, end, end).Scan(&a.TotalCommunities, &a.NewCommunities, &a.ActiveCommunities)
	if err != nil {
		return CommunityActivity{}, fmt.Errorf("aggregate community activity: %w", err)
	}
	return a, nil
}

// AggregateVotingActivity counts votes as of end and votes cast inside
// the window.
func (s *Store) AggregateVotingActivity(ctx context.Context, start, end time.Time) (VotingActivity, error) {
	var a VotingActivity
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(id),
			COUNT(CASE WHEN voted_at >= ? AND voted_at <= ? THEN 1 END)
		FROM votes
		WHERE voted_at <= ?`,
		start, end, end).Scan(&a.TotalVotes, &a.NewVotes)
	if err != nil {
		return VotingActivity{}, fmt.Errorf("aggregate voting activity: %w", err)
	}
	return a, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
