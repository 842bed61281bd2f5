// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

/*
schema.go - Table Definitions

Source entity tables (users, communities, memberships, voting_questions,
votes) mirror the platform's operational schema at the granularity the
pipeline reads: entity ids, creation timestamps, membership status, and
per-vote selected options.

Analytics tables:
  - analytics_counters: per-entity event counters maintained by the
    streaming processor, unique on (entity_id, event_type).
  - analytics_windows: aggregation windows written by the batch
    scheduler, keyed by (period_type, period_value) so a re-run of the
    same window replaces its payload.
  - analytics_errors: the durable half of the error log.

Warehouse fact tables carry one row per (entity_id, date_key) with a
UNIQUE constraint backing the ON CONFLICT upsert in the load phase, plus
a shared date_dimension table.
*/
package store

func schemaQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			username TEXT NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			last_activity TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS communities (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS memberships (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			community_id UUID NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS voting_questions (
			id UUID PRIMARY KEY,
			community_id UUID NOT NULL,
			created_by UUID NOT NULL,
			title TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS votes (
			id UUID PRIMARY KEY,
			question_id UUID NOT NULL,
			user_id UUID NOT NULL,
			selected_options TEXT,
			voted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS analytics_counters (
			id UUID PRIMARY KEY,
			entity_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			last_activity TIMESTAMP,
			UNIQUE (entity_id, event_type)
		)`,

		`CREATE TABLE IF NOT EXISTS analytics_windows (
			id UUID PRIMARY KEY,
			period_type TEXT NOT NULL,
			period_value TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (period_type, period_value)
		)`,

		`CREATE TABLE IF NOT EXISTS analytics_errors (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			event_json TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS user_analytics_fact (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			date_key DATE NOT NULL,
			total_communities INTEGER DEFAULT 0,
			total_votes INTEGER DEFAULT 0,
			total_questions INTEGER DEFAULT 0,
			activity_score DOUBLE DEFAULT 0,
			last_activity TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, date_key)
		)`,

		`CREATE TABLE IF NOT EXISTS community_analytics_fact (
			id UUID PRIMARY KEY,
			community_id UUID NOT NULL,
			date_key DATE NOT NULL,
			total_members INTEGER DEFAULT 0,
			total_questions INTEGER DEFAULT 0,
			total_votes INTEGER DEFAULT 0,
			engagement_rate DOUBLE DEFAULT 0,
			growth_rate DOUBLE DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (community_id, date_key)
		)`,

		`CREATE TABLE IF NOT EXISTS voting_analytics_fact (
			id UUID PRIMARY KEY,
			question_id UUID NOT NULL,
			community_id UUID NOT NULL,
			date_key DATE NOT NULL,
			total_votes INTEGER DEFAULT 0,
			participation_rate DOUBLE DEFAULT 0,
			option_distribution TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (question_id, date_key)
		)`,

		`CREATE TABLE IF NOT EXISTS date_dimension (
			date_key DATE PRIMARY KEY,
			year INTEGER,
			month INTEGER,
			day INTEGER,
			week INTEGER,
			quarter INTEGER,
			day_of_week INTEGER,
			day_name TEXT,
			month_name TEXT,
			is_weekend BOOLEAN,
			is_holiday BOOLEAN DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_user_fact_date ON user_analytics_fact (date_key)`,
		`CREATE INDEX IF NOT EXISTS idx_community_fact_date ON community_analytics_fact (date_key)`,
		`CREATE INDEX IF NOT EXISTS idx_voting_fact_date ON voting_analytics_fact (date_key)`,
		`CREATE INDEX IF NOT EXISTS idx_voting_fact_community ON voting_analytics_fact (community_id, date_key)`,
		`CREATE INDEX IF NOT EXISTS idx_windows_created ON analytics_windows (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_created ON analytics_errors (created_at)`,
	}
}
