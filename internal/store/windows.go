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

// AggregationWindow is one durable batch-aggregation record.
type AggregationWindow struct {
	PeriodType  string
	PeriodValue string
	Payload     []byte
	CreatedAt   time.Time
}

// InsertAggregationWindow persists a window keyed by (period_type,
// period_value). A re-run of the same window replaces the payload in
// place.
func (s *Store) InsertAggregationWindow(ctx context.Context, periodType, periodValue string, payload []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO analytics_windows (id, period_type, period_value, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (period_type, period_value) DO UPDATE SET
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at`,
		uuid.NewString(), periodType, periodValue, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert aggregation window %s:%s: %w", periodType, periodValue, err)
	}
	return nil
}

// GetAggregationWindow reads one window; ok=false when absent.
func (s *Store) GetAggregationWindow(ctx context.Context, periodType, periodValue string) (AggregationWindow, bool, error) {
	var w AggregationWindow
	var payload string
	err := s.conn.QueryRowContext(ctx, `
		SELECT period_type, period_value, payload, created_at
		FROM analytics_windows
		WHERE period_type = ? AND period_value = ?`,
		periodType, periodValue).Scan(&w.PeriodType, &w.PeriodValue, &payload, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AggregationWindow{}, false, nil
	}
	if err != nil {
		return AggregationWindow{}, false, fmt.Errorf("get aggregation window %s:%s: %w", periodType, periodValue, err)
	}
	w.Payload = []byte(payload)
	return w, true, nil
}

// ListAggregationWindows returns the most recent windows of one period
// type, newest first.
func (s *Store) ListAggregationWindows(ctx context.Context, periodType string, limit int) ([]AggregationWindow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT period_type, period_value, payload, created_at
		FROM analytics_windows
		WHERE period_type = ?
		ORDER BY created_at DESC
		LIMIT ?`, periodType, limit)
	if err != nil {
		return nil, fmt.Errorf("list aggregation windows %s: %w", periodType, err)
	}
	defer rows.Close()

	var out []AggregationWindow
	for rows.Next() {
		var w AggregationWindow
		var payload string
		if err := rows.Scan(&w.PeriodType, &w.PeriodValue, &payload, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan aggregation window: %w", err)
		}
		w.Payload = []byte(payload)
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWindowsOlderThan removes windows created before cutoff and
// reports how many were deleted.
func (s *Store) DeleteWindowsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM analytics_windows WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old windows rows affected: %w", err)
	}
	return n, nil
}

// ErrorRecord is one durable pipeline error entry.
type ErrorRecord struct {
	Source    string
	Message   string
	EventJSON string
	CreatedAt time.Time
}

// InsertErrorRecord appends to the durable error log.
func (s *Store) InsertErrorRecord(ctx context.Context, rec ErrorRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO analytics_errors (id, source, message, event_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.Source, rec.Message, rec.EventJSON, created)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// RecentErrors returns the newest error records, newest first.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT source, message, COALESCE(event_json, ''), created_at
		FROM analytics_errors
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		if err := rows.Scan(&rec.Source, &rec.Message, &rec.EventJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
