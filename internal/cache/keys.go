// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package cache

import "time"

// All analytics cache keys live under one namespace so retention tooling
// and operators can reason about them as a unit.
const Namespace = "analytics:"

// TTLs used across the pipeline's key table.
const (
	TTLHour  = time.Hour
	TTLDay   = 24 * time.Hour
	TTLWeek  = 7 * 24 * time.Hour
	TTLMonth = 30 * 24 * time.Hour
)

// AggregatedKey is written by the batch scheduler per aggregation window.
func AggregatedKey(period, periodKey string) string {
	return Namespace + "aggregated:" + period + ":" + periodKey
}

// BatchResultKey stores one batch run's result, keyed by completion time.
func BatchResultKey(period, timestamp string) string {
	return Namespace + "batch:" + period + ":" + timestamp
}

// BatchCountKey counts completed batch runs per period.
func BatchCountKey(period string) string {
	return Namespace + "batch:" + period + ":count"
}

// EventsKey counts processed events per type per day.
func EventsKey(eventType, dateKey string) string {
	return Namespace + "events:" + eventType + ":" + dateKey
}

// VotingKey counts votes per question.
func VotingKey(questionID string) string {
	return Namespace + "voting:" + questionID
}

// CommunityQuestionsKey counts questions created per community.
func CommunityQuestionsKey(communityID string) string {
	return Namespace + "community:" + communityID + ":questions"
}

// CommunityMembersKey counts approved members per community.
func CommunityMembersKey(communityID string) string {
	return Namespace + "community:" + communityID + ":members"
}

// UsersJoinedTodayKey counts users joined during the current day.
func UsersJoinedTodayKey() string {
	return Namespace + "users:joined:today"
}

// ProcessingTimesKey is the sorted set of recent processing durations.
func ProcessingTimesKey() string {
	return Namespace + "processing_times"
}

// UserActivityKey is the sorted set of per-user activity timestamps.
func UserActivityKey() string {
	return Namespace + "user_activity"
}

// ErrorsKey is the capped list of recent pipeline errors.
func ErrorsKey() string {
	return Namespace + "errors"
}
