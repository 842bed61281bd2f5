// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package event defines the domain event envelope the application emits
// into the analytics pipeline.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Known event types. Unknown types are accepted by the envelope and
// skipped by the streaming processor.
const (
	TypeUserJoined      = "user_joined"
	TypeVoteCast        = "vote_cast"
	TypeQuestionCreated = "question_created"
	TypeMemberApproved  = "member_approved"
)

// ErrInvalidEvent is returned for an envelope missing type, data, or
// timestamp. Invalid events are rejected immediately and never retried.
var ErrInvalidEvent = errors.New("invalid event data")

// Event is the transient envelope for a single domain event. It is created
// by the application, consumed exactly once by the streaming processor,
// and never persisted as-is.
type Event struct {
	Type      string         `json:"type"      validate:"required"`
	Data      map[string]any `json:"data"      validate:"required"`
	Timestamp time.Time      `json:"timestamp" validate:"required"`
}

var validate = validator.New()

// Validate reports whether the envelope carries all required fields.
// It performs no deeper schema check on Data.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// StringField returns a string value from the event payload, or "" when
// absent or not a string.
func (e *Event) StringField(key string) string {
	v, ok := e.Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Marshal encodes the event as JSON.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON into an event envelope.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}
