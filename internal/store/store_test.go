// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agorahq/agora-analytics/internal/config"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(t.Context()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestEventCounterIncrement(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	t.Run("missing counter reports not found", func(t *testing.T) {
		_, ok, err := s.GetEventCounter(ctx, "u1", "user_joined")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ok {
			t.Error("expected missing counter")
		}
	})

	t.Run("increment creates then bumps", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := s.IncrementEventCounter(ctx, "q1", "question", "vote_cast"); err != nil {
				t.Fatalf("increment %d: %v", i, err)
			}
		}
		ec, ok, err := s.GetEventCounter(ctx, "q1", "vote_cast")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			t.Fatal("expected counter row")
		}
		if ec.EventCount != 3 {
			t.Errorf("expected count 3, got %d", ec.EventCount)
		}
		if ec.EntityType != "question" {
			t.Errorf("expected entity type question, got %q", ec.EntityType)
		}
	})

	t.Run("counters are independent per event type", func(t *testing.T) {
		if err := s.IncrementEventCounter(ctx, "q1", "question", "question_created"); err != nil {
			t.Fatalf("increment: %v", err)
		}
		ec, _, err := s.GetEventCounter(ctx, "q1", "vote_cast")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ec.EventCount != 3 {
			t.Errorf("vote_cast counter disturbed: %d", ec.EventCount)
		}
	})
}

func TestAggregationWindows(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	if err := s.InsertAggregationWindow(ctx, "daily", "2026-08-30", []byte(`{"total_votes":5}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	t.Run("rewrite replaces payload in place", func(t *testing.T) {
		if err := s.InsertAggregationWindow(ctx, "daily", "2026-08-30", []byte(`{"total_votes":9}`)); err != nil {
			t.Fatalf("reinsert: %v", err)
		}
		w, ok, err := s.GetAggregationWindow(ctx, "daily", "2026-08-30")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			t.Fatal("expected window")
		}
		if string(w.Payload) != `{"total_votes":9}` {
			t.Errorf("payload not replaced: %s", w.Payload)
		}
		windows, err := s.ListAggregationWindows(ctx, "daily", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(windows) != 1 {
			t.Errorf("expected 1 window, got %d", len(windows))
		}
	})

	t.Run("cleanup removes only old windows", func(t *testing.T) {
		// Backdate one window beyond the retention cutoff.
		old := time.Now().UTC().AddDate(0, 0, -31)
		if _, err := s.conn.ExecContext(ctx, `
			INSERT INTO analytics_windows (id, period_type, period_value, payload, created_at)
			VALUES (?, 'daily', '2026-07-01', '{}', ?)`, uuid.NewString(), old); err != nil {
			t.Fatalf("seed old window: %v", err)
		}

		deleted, err := s.DeleteWindowsOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -30))
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted, got %d", deleted)
		}
		_, ok, err := s.GetAggregationWindow(ctx, "daily", "2026-08-30")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !ok {
			t.Error("recent window should survive cleanup")
		}
	})
}

func TestErrorRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := s.InsertErrorRecord(ctx, ErrorRecord{
			Source:    "streaming",
			Message:   "handler failed",
			EventJSON: `{"type":"vote_cast"}`,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	recs, err := s.RecentErrors(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].CreatedAt.After(recs[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}
	if recs[0].Source != "streaming" {
		t.Errorf("unexpected source %q", recs[0].Source)
	}
}

func seedVotingFixture(t *testing.T, s *Store, asOf time.Time) (userID, communityID, questionID string) {
	t.Helper()
	ctx := context.Background()
	userID = uuid.NewString()
	communityID = uuid.NewString()
	questionID = uuid.NewString()
	earlier := asOf.Add(-48 * time.Hour)

	mustExec := func(name string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	mustExec("user", s.InsertUser(ctx, User{ID: userID, Username: "ada", IsActive: true, LastActivity: asOf.Add(-72 * time.Hour), CreatedAt: earlier}))
	mustExec("community", s.InsertCommunity(ctx, Community{ID: communityID, Name: "general", IsActive: true, CreatedAt: earlier}))
	mustExec("membership", s.InsertMembership(ctx, Membership{ID: uuid.NewString(), UserID: userID, CommunityID: communityID, Status: "approved", CreatedAt: earlier}))
	mustExec("question", s.InsertQuestion(ctx, Question{ID: questionID, CommunityID: communityID, CreatedBy: userID, Title: "budget", CreatedAt: earlier}))
	mustExec("vote", s.InsertVote(ctx, Vote{ID: uuid.NewString(), QuestionID: questionID, UserID: userID, SelectedOptions: `{"yes":1}`, VotedAt: earlier.Add(time.Hour)}))
	return userID, communityID, questionID
}

func TestActivityAggregates(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	asOf := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	seedVotingFixture(t, s, asOf)

	start := asOf.AddDate(0, 0, -7)
	ua, err := s.AggregateUserActivity(ctx, start, asOf)
	if err != nil {
		t.Fatalf("user activity: %v", err)
	}
	if ua.TotalUsers != 1 || ua.ActiveUsers != 1 {
		t.Errorf("unexpected user activity %+v", ua)
	}
	if ua.NewUsers != 1 {
		t.Errorf("user created 2 days before asOf should count as new, got %d", ua.NewUsers)
	}

	va, err := s.AggregateVotingActivity(ctx, start, asOf)
	if err != nil {
		t.Fatalf("voting activity: %v", err)
	}
	if va.TotalVotes != 1 || va.NewVotes != 1 {
		t.Errorf("unexpected voting activity %+v", va)
	}

	t.Run("window before the data is empty", func(t *testing.T) {
		early := asOf.AddDate(0, -1, 0)
		ua, err := s.AggregateUserActivity(ctx, early.AddDate(0, 0, -1), early)
		if err != nil {
			t.Fatalf("user activity: %v", err)
		}
		if ua.TotalUsers != 0 {
			t.Errorf("expected no users as of %v, got %d", early, ua.TotalUsers)
		}
	})
}

func TestExtractSnapshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	asOf := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	userID, communityID, questionID := seedVotingFixture(t, s, asOf)

	users, err := s.ExtractUsersAsOf(ctx, asOf)
	if err != nil {
		t.Fatalf("extract users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	u := users[0]
	if u.ID != userID || u.Memberships != 1 || u.Votes != 1 || u.Questions != 1 {
		t.Errorf("unexpected user snapshot %+v", u)
	}

	communities, err := s.ExtractCommunitiesAsOf(ctx, asOf)
	if err != nil {
		t.Fatalf("extract communities: %v", err)
	}
	if len(communities) != 1 {
		t.Fatalf("expected 1 community, got %d", len(communities))
	}
	c := communities[0]
	if c.ID != communityID || c.TotalMembers != 1 || c.TotalQuestions != 1 || c.TotalVotes != 1 {
		t.Errorf("unexpected community snapshot %+v", c)
	}

	questions, err := s.ExtractQuestionsAsOf(ctx, asOf)
	if err != nil {
		t.Fatalf("extract questions: %v", err)
	}
	if len(questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(questions))
	}
	q := questions[0]
	if q.ID != questionID || q.Votes != 1 || q.ApprovedMembers != 1 {
		t.Errorf("unexpected question snapshot %+v", q)
	}

	options, err := s.VoteOptionsAsOf(ctx, asOf)
	if err != nil {
		t.Fatalf("vote options: %v", err)
	}
	if len(options[questionID]) != 1 || options[questionID][0] != `{"yes":1}` {
		t.Errorf("unexpected vote options %v", options)
	}

	t.Run("extract before creation sees nothing", func(t *testing.T) {
		users, err := s.ExtractUsersAsOf(ctx, asOf.AddDate(0, -1, 0))
		if err != nil {
			t.Fatalf("extract users: %v", err)
		}
		if len(users) != 0 {
			t.Errorf("expected no users, got %d", len(users))
		}
	})
}

func TestFactUpsertsAreIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()
	userID := uuid.NewString()

	first := UserFact{UserID: userID, DateKey: "2026-08-30", TotalCommunities: 1, TotalVotes: 2, ActivityScore: 40}
	if err := s.UpsertUserFact(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := first
	second.TotalVotes = 5
	second.ActivityScore = 55
	if err := s.UpsertUserFact(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := s.CountFactRows(ctx, "user_analytics_fact", "2026-08-30")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 row, got %d", n)
	}
	f, ok, err := s.GetUserFact(ctx, userID, "2026-08-30")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected fact row")
	}
	if f.TotalVotes != 5 || f.ActivityScore != 55 {
		t.Errorf("second write should win, got %+v", f)
	}

	t.Run("different date keys do not collide", func(t *testing.T) {
		third := first
		third.DateKey = "2026-08-31"
		if err := s.UpsertUserFact(ctx, third); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		n, err := s.CountFactRows(ctx, "user_analytics_fact", "2026-08-31")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 row for new date, got %d", n)
		}
	})

	t.Run("unknown table is rejected", func(t *testing.T) {
		if _, err := s.CountFactRows(ctx, "users; DROP TABLE users", "2026-08-31"); err == nil {
			t.Error("expected error for unknown table")
		}
	})
}

func TestDateDimension(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	// 2026-08-30 is a Sunday.
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if err := s.EnsureDateDimension(ctx, date); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.EnsureDateDimension(ctx, date); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	rows, err := s.QueryWarehouse(ctx,
		`SELECT year, month, day, quarter, day_name, is_weekend FROM date_dimension WHERE date_key = ?`,
		"2026-08-30")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row["day_name"] != "Sunday" {
		t.Errorf("expected Sunday, got %v", row["day_name"])
	}
	if row["is_weekend"] != true {
		t.Errorf("expected weekend flag, got %v", row["is_weekend"])
	}
}

func TestQueryWarehouse(t *testing.T) {
	s := setupTestStore(t)
	ctx := t.Context()

	if err := s.UpsertVotingFact(ctx, VotingFact{
		QuestionID:        uuid.NewString(),
		CommunityID:       uuid.NewString(),
		DateKey:           "2026-08-30",
		TotalVotes:        7,
		ParticipationRate: 70,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := s.QueryWarehouse(ctx,
		`SELECT total_votes FROM voting_analytics_fact WHERE date_key = ?`, "2026-08-30")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	t.Run("bad sql surfaces an error", func(t *testing.T) {
		if _, err := s.QueryWarehouse(ctx, `SELECT FROM nowhere`); err == nil {
			t.Error("expected query error")
		}
	})
}
