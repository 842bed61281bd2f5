// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventCounter is one per-entity counter row maintained by the
// streaming processor.
type EventCounter struct {
	EntityID     string
	EntityType   string
	EventType    string
	EventCount   int64
	LastActivity time.Time
}

// IncrementEventCounter bumps the counter for (entityID, eventType),
// creating the row on first sight. Repeated increments are serialized by
// the unique constraint.
func (s *Store) IncrementEventCounter(ctx context.Context, entityID, entityType, eventType string) error {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO analytics_counters (id, entity_id, entity_type, event_type, event_count, last_activity)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT (entity_id, event_type) DO UPDATE SET
			event_count = analytics_counters.event_count + 1,
			last_activity = EXCLUDED.last_activity`,
		uuid.NewString(), entityID, entityType, eventType, now)
	if err != nil {
		return fmt.Errorf("increment counter %s/%s: %w", entityID, eventType, err)
	}
	return nil
}

// GetEventCounter reads one counter row. A missing row yields a zero
// counter and ok=false.
func (s *Store) GetEventCounter(ctx context.Context, entityID, eventType string) (EventCounter, bool, error) {
	var ec EventCounter
	var last sql.NullTime
	err := s.conn.QueryRowContext(ctx, `
		SELECT entity_id, entity_type, event_type, event_count, last_activity
		FROM analytics_counters
		WHERE entity_id = ? AND event_type = ?`,
		entityID, eventType).Scan(&ec.EntityID, &ec.EntityType, &ec.EventType, &ec.EventCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return EventCounter{}, false, nil
	}
	if err != nil {
		return EventCounter{}, false, fmt.Errorf("get counter %s/%s: %w", entityID, eventType, err)
	}
	if last.Valid {
		ec.LastActivity = last.Time
	}
	return ec, true, nil
}
